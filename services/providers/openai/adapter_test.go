package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/services/providers/openaicompat"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *OpenAIAdapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewOpenAIAdapter(providers.ProviderConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Timeout: 5 * time.Second,
	})
}

func TestNewOpenAIAdapter(t *testing.T) {
	adapter := NewOpenAIAdapter(providers.ProviderConfig{APIKey: "test-key"})

	if adapter.Name() != "openai" {
		t.Errorf("Name() = %s, want openai", adapter.Name())
	}
	if adapter.Config().BaseURL != DefaultBaseURL {
		t.Errorf("BaseURL = %s, want %s", adapter.Config().BaseURL, DefaultBaseURL)
	}
	if adapter.Config().DefaultModel != DefaultModel {
		t.Errorf("DefaultModel = %s, want %s", adapter.Config().DefaultModel, DefaultModel)
	}

	named := NewOpenAIAdapter(providers.ProviderConfig{Name: "openai-eu"})
	if named.Name() != "openai-eu" {
		t.Errorf("Name() = %s, want openai-eu", named.Name())
	}
}

func TestOpenAIAdapter_Complete(t *testing.T) {
	var raw map[string]any
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST request, got %s", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Expected path /chat/completions, got %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization = %q", auth)
		}

		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &raw); err != nil {
			t.Fatalf("invalid request body: %v", err)
		}

		resp := openaicompat.ChatResponse{
			ID:      "chatcmpl-test123",
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   "gpt-4o-2024-08-06",
			Choices: []openaicompat.Choice{
				{
					Index:        0,
					Message:      openaicompat.ResponseMessage{Role: "assistant", Content: "This is a test response"},
					FinishReason: "stop",
				},
			},
			Usage: &openaicompat.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	temp := 0.7
	req := &providers.CompletionRequest{
		Model: "gpt-4o",
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: "Be brief"},
			{Role: providers.RoleUser, Content: "Hello"},
			{Role: providers.RoleAssistant, Content: "Hi", Reasoning: "greet back"},
			{Role: providers.RoleUser, Content: "Again"},
		},
		Options:  providers.Options{MaxTokens: 100, Temperature: &temp},
		Metadata: map[string]string{"tenant": "acme"},
	}

	resp, err := adapter.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if resp.ID != "chatcmpl-test123" {
		t.Errorf("ID = %s", resp.ID)
	}
	if resp.Provider != "openai" {
		t.Errorf("Provider = %s, want openai", resp.Provider)
	}
	if resp.Content != "This is a test response" {
		t.Errorf("Unexpected response content: %s", resp.Content)
	}
	if resp.FinishReason != providers.FinishStop {
		t.Errorf("FinishReason = %s", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 30 {
		t.Errorf("TotalTokens = %d, want 30", resp.Usage.TotalTokens)
	}

	messages, _ := raw["messages"].([]any)
	if len(messages) != 4 {
		t.Fatalf("sent %d messages, want 4", len(messages))
	}
	for i, m := range messages {
		fields := m.(map[string]any)
		for key := range fields {
			if key != "role" && key != "content" {
				t.Errorf("message %d carries field %q", i, key)
			}
		}
	}
	if _, ok := raw["metadata"]; ok {
		t.Error("metadata must not be sent to the vendor")
	}
	if raw["max_tokens"] != float64(100) {
		t.Errorf("max_tokens = %v", raw["max_tokens"])
	}
	if _, ok := raw["stream"]; ok {
		t.Error("stream must be omitted for non-streamed calls")
	}
}

func TestOpenAIAdapter_CompleteDefaultModel(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		var req openaicompat.ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model != DefaultModel {
			t.Errorf("model = %s, want %s", req.Model, DefaultModel)
		}
		_, _ = w.Write([]byte(`{"id":"x","choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
	})

	resp, err := adapter.Complete(context.Background(), &providers.CompletionRequest{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Model != DefaultModel {
		t.Errorf("Model = %s, want requested model when vendor omits it", resp.Model)
	}
}

func TestOpenAIAdapter_CompleteErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		retryAfter string
		kind       providers.ErrorKind
	}{
		{
			name:       "rate limit",
			status:     http.StatusTooManyRequests,
			body:       `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`,
			retryAfter: "4",
			kind:       providers.KindRateLimit,
		},
		{
			name:   "context length",
			status: http.StatusBadRequest,
			body:   `{"error":{"message":"This model's maximum context length is 128000 tokens","type":"invalid_request_error","code":"context_length_exceeded"}}`,
			kind:   providers.KindContextLength,
		},
		{
			name:   "invalid request",
			status: http.StatusBadRequest,
			body:   `{"error":{"message":"Invalid value for temperature","type":"invalid_request_error","code":null}}`,
			kind:   providers.KindInvalidRequest,
		},
		{
			name:   "model not found",
			status: http.StatusNotFound,
			body:   `{"error":{"message":"The model gpt-9 does not exist","type":"invalid_request_error","code":"model_not_found"}}`,
			kind:   providers.KindModelNotFound,
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			body:   `{"error":{"message":"The server had an error","type":"server_error"}}`,
			kind:   providers.KindProviderError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := adapter.Complete(context.Background(), &providers.CompletionRequest{
				Model:    "gpt-4o",
				Messages: []providers.Message{{Role: providers.RoleUser, Content: "Hello"}},
			})

			var llmErr *providers.LLMError
			if !errors.As(err, &llmErr) {
				t.Fatalf("expected *LLMError, got %T (%v)", err, err)
			}
			if llmErr.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", llmErr.Kind, tt.kind)
			}
			if llmErr.Provider != "openai" {
				t.Errorf("Provider = %s", llmErr.Provider)
			}
			if llmErr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", llmErr.StatusCode, tt.status)
			}
			if tt.retryAfter != "" && llmErr.RetryAfter != 4*time.Second {
				t.Errorf("RetryAfter = %v", llmErr.RetryAfter)
			}
		})
	}
}

func TestOpenAIAdapter_CompleteNoChoices(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"x","choices":[]}`))
	})

	_, err := adapter.Complete(context.Background(), &providers.CompletionRequest{Model: "gpt-4o"})
	if providers.KindOf(err) != providers.KindProviderError {
		t.Errorf("Kind = %s, want PROVIDER_ERROR", providers.KindOf(err))
	}
}

func TestOpenAIAdapter_CompleteTimeout(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := adapter.Complete(ctx, &providers.CompletionRequest{Model: "gpt-4o"})
	if providers.KindOf(err) != providers.KindTimeout {
		t.Errorf("Kind = %s, want TIMEOUT (%v)", providers.KindOf(err), err)
	}
}

func TestOpenAIAdapter_CompleteStream(t *testing.T) {
	var sent openaicompat.ChatRequest
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&sent)
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
			`{"id":"c1","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
			`{"id":"c1","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
			`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			`{"id":"c1","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
			`[DONE]`,
		}
		for _, e := range events {
			_, _ = w.Write([]byte("data: " + e + "\n\n"))
		}
	})

	stream, err := adapter.CompleteStream(context.Background(), &providers.CompletionRequest{
		Model:    "gpt-4o",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "Hello"}},
		Options:  providers.Options{Stream: true},
	})
	if err != nil {
		t.Fatalf("CompleteStream() error = %v", err)
	}
	defer stream.Close()

	if !sent.Stream || sent.StreamOptions == nil || !sent.StreamOptions.IncludeUsage {
		t.Errorf("stream flags not sent: %+v", sent)
	}

	var deltas []string
	var last providers.StreamChunk
	for {
		c, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		if c.Done {
			last = c
			continue
		}
		deltas = append(deltas, c.Delta)
	}

	if strings.Join(deltas, "") != "Hello" || len(deltas) != 2 {
		t.Errorf("deltas = %q", deltas)
	}
	if !last.Done || last.FinishReason != providers.FinishStop {
		t.Errorf("terminal chunk = %+v", last)
	}
	if last.Usage == nil || last.Usage.TotalTokens != 7 {
		t.Errorf("usage = %+v", last.Usage)
	}
}

func TestOpenAIAdapter_CompleteStreamEmptyEvents(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: \n\n"))
		_, _ = w.Write([]byte(`data: {"id":"chatcmpl-9","model":"gpt-4o-2024-08-06","choices":[{"index":0,"delta":{"content":"ok"}}]}` + "\n\n"))
		_, _ = w.Write([]byte("data:\n\n"))
		_, _ = w.Write([]byte(`data: {"id":"chatcmpl-9","model":"gpt-4o-2024-08-06","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}` + "\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	})

	stream, err := adapter.CompleteStream(context.Background(), &providers.CompletionRequest{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("CompleteStream() error = %v", err)
	}

	resp, err := providers.Collect(stream, "openai", "")
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("Content = %q, want ok", resp.Content)
	}
	if resp.ID != "chatcmpl-9" {
		t.Errorf("ID = %q, want chatcmpl-9", resp.ID)
	}
	if resp.Model != "gpt-4o-2024-08-06" {
		t.Errorf("Model = %q, want gpt-4o-2024-08-06", resp.Model)
	}
}

func TestOpenAIAdapter_CompleteStreamError(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	})

	_, err := adapter.CompleteStream(context.Background(), &providers.CompletionRequest{Model: "gpt-4o"})
	if providers.KindOf(err) != providers.KindProviderError {
		t.Errorf("Kind = %s, want PROVIDER_ERROR", providers.KindOf(err))
	}
}

func TestOpenAIAdapter_Initialize(t *testing.T) {
	calls := 0
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/models" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"gpt-4o"}]}`))
	})

	if err := adapter.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := adapter.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("startup probe ran %d times, want 1", calls)
	}
}

func TestOpenAIAdapter_InitializeFailures(t *testing.T) {
	missing := NewOpenAIAdapter(providers.ProviderConfig{BaseURL: "http://127.0.0.1:0"})
	if err := missing.Initialize(context.Background()); providers.KindOf(err) != providers.KindProviderError {
		t.Errorf("missing key: Kind = %s", providers.KindOf(err))
	}

	rejected := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`))
	})
	err := rejected.Initialize(context.Background())
	if providers.KindOf(err) != providers.KindProviderError {
		t.Errorf("rejected key: Kind = %s", providers.KindOf(err))
	}
}

func TestOpenAIAdapter_ListModels(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"gpt-4o-mini"},{"id":"gpt-4o"}]}`))
	})

	models, err := adapter.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}
	if len(models) != 2 || models[0] != "gpt-4o" || models[1] != "gpt-4o-mini" {
		t.Errorf("models = %v", models)
	}

	static := NewOpenAIAdapter(providers.ProviderConfig{Models: []string{"gpt-4o"}})
	models, err = static.ListModels(context.Background())
	if err != nil || len(models) != 1 {
		t.Errorf("static models = %v, err = %v", models, err)
	}
}

func TestOpenAIAdapter_HealthCheck(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		expectError bool
	}{
		{name: "healthy", status: http.StatusOK, expectError: false},
		{name: "unavailable", status: http.StatusServiceUnavailable, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"data":[]}`))
			})

			err := adapter.HealthCheck(context.Background())
			if (err != nil) != tt.expectError {
				t.Errorf("HealthCheck() error = %v, expectError %v", err, tt.expectError)
			}
		})
	}
}
