package gemini

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/llm-gateway/services/providers"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *GeminiAdapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewGeminiAdapter(providers.ProviderConfig{APIKey: "AIza-test", BaseURL: server.URL})
}

func TestNewGeminiAdapter(t *testing.T) {
	adapter := NewGeminiAdapter(providers.ProviderConfig{APIKey: "AIza-test"})

	assert.Equal(t, "gemini", adapter.Name())
	assert.Equal(t, DefaultBaseURL, adapter.Config().BaseURL)
	assert.Equal(t, DefaultModel, adapter.Config().DefaultModel)
}

func TestGeminiAdapter_Complete(t *testing.T) {
	var (
		sent   GenerateRequest
		raw    string
		path   string
		apiKey string
	)
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		apiKey = r.Header.Get("x-goog-api-key")
		body, _ := io.ReadAll(r.Body)
		raw = string(body)
		_ = json.Unmarshal(body, &sent)

		_, _ = w.Write([]byte(`{
			"candidates": [{
				"content": {"role": "model", "parts": [
					{"text": "Adding two and two.", "thought": true},
					{"text": "4"}
				]},
				"finishReason": "STOP",
				"index": 0
			}],
			"usageMetadata": {"promptTokenCount": 8, "candidatesTokenCount": 1, "thoughtsTokenCount": 12, "totalTokenCount": 21},
			"modelVersion": "gemini-2.5-flash",
			"responseId": "resp-1"
		}`))
	})

	maxTokens := 64
	resp, err := adapter.Complete(context.Background(), &providers.CompletionRequest{
		Model: "gemini-2.5-flash",
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: "Be brief."},
			{Role: providers.RoleUser, Content: "1+1?"},
			{Role: providers.RoleAssistant, Content: "2", Reasoning: "One and one."},
			{Role: providers.RoleUser, Content: "2+2?"},
		},
		Options: providers.Options{MaxTokens: maxTokens, Stop: []string{"END"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "/models/gemini-2.5-flash:generateContent", path)
	assert.Equal(t, "AIza-test", apiKey)

	require.NotNil(t, sent.SystemInstruction)
	assert.Equal(t, "Be brief.", sent.SystemInstruction.Parts[0].Text)
	require.Len(t, sent.Contents, 3)
	assert.Equal(t, "user", sent.Contents[0].Role)
	assert.Equal(t, "model", sent.Contents[1].Role)
	require.NotNil(t, sent.GenerationConfig)
	assert.Equal(t, 64, sent.GenerationConfig.MaxOutputTokens)
	assert.Equal(t, []string{"END"}, sent.GenerationConfig.StopSequences)
	assert.NotContains(t, raw, "One and one.")

	assert.Equal(t, "resp-1", resp.ID)
	assert.Equal(t, "4", resp.Content)
	assert.Equal(t, "Adding two and two.", resp.Reasoning)
	assert.Equal(t, providers.FinishStop, resp.FinishReason)
	assert.Equal(t, 12, resp.Usage.ReasoningTokens)
	assert.Equal(t, 13, resp.Usage.CompletionTokens)
	assert.Equal(t, 21, resp.Usage.TotalTokens)
	assert.Equal(t, "gemini-2.5-flash", resp.Model)
}

func TestGeminiAdapter_CompleteBlockedPrompt(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"promptFeedback":{"blockReason":"SAFETY"},"usageMetadata":{"promptTokenCount":5,"totalTokenCount":5}}`))
	})

	resp, err := adapter.Complete(context.Background(), &providers.CompletionRequest{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "something"}},
	})
	require.NoError(t, err)
	assert.Equal(t, providers.FinishContentFilter, resp.FinishReason)
	assert.Empty(t, resp.Content)
	assert.Equal(t, DefaultModel, resp.Model)
}

func TestGeminiAdapter_CompleteNoCandidates(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := adapter.Complete(context.Background(), &providers.CompletionRequest{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.Equal(t, providers.KindProviderError, providers.KindOf(err))
	assert.ErrorIs(t, err, providers.ErrMalformedResponse)
}

func TestGeminiAdapter_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   providers.ErrorKind
	}{
		{
			name:   "quota",
			status: http.StatusTooManyRequests,
			body:   `{"error":{"code":429,"message":"Resource has been exhausted (e.g. check quota).","status":"RESOURCE_EXHAUSTED"}}`,
			kind:   providers.KindRateLimit,
		},
		{
			name:   "input too long",
			status: http.StatusBadRequest,
			body:   `{"error":{"code":400,"message":"The input token count (1200000) exceeds the maximum number of tokens allowed (1048576).","status":"INVALID_ARGUMENT"}}`,
			kind:   providers.KindContextLength,
		},
		{
			name:   "unknown model",
			status: http.StatusNotFound,
			body:   `{"error":{"code":404,"message":"models/gemini-9 is not found for API version v1beta, or is not supported for generateContent.","status":"NOT_FOUND"}}`,
			kind:   providers.KindModelNotFound,
		},
		{
			name:   "bad argument",
			status: http.StatusBadRequest,
			body:   `{"error":{"code":400,"message":"Invalid value at 'generation_config.temperature'","status":"INVALID_ARGUMENT"}}`,
			kind:   providers.KindInvalidRequest,
		},
		{
			name:   "unavailable",
			status: http.StatusServiceUnavailable,
			body:   `{"error":{"code":503,"message":"The model is overloaded. Please try again later.","status":"UNAVAILABLE"}}`,
			kind:   providers.KindProviderError,
		},
		{
			name:   "deadline",
			status: http.StatusGatewayTimeout,
			body:   `{"error":{"code":504,"message":"Deadline expired before operation could complete.","status":"DEADLINE_EXCEEDED"}}`,
			kind:   providers.KindTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := adapter.Complete(context.Background(), &providers.CompletionRequest{
				Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
			})
			assert.Equal(t, tt.kind, providers.KindOf(err))
		})
	}
}

func TestGeminiAdapter_Stream(t *testing.T) {
	var (
		path  string
		query string
	)
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		query = r.URL.RawQuery
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"candidates":[{"content":{"role":"model","parts":[{"text":"Thinking.","thought":true}]},"index":0}]}`,
			`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]},"index":0}]}`,
			`{"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP","index":0}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2,"totalTokenCount":5},"modelVersion":"gemini-2.0-flash-001","responseId":"resp-77"}`,
		}
		for _, e := range events {
			_, _ = w.Write([]byte("data: " + e + "\r\n\r\n"))
		}
	})

	stream, err := adapter.CompleteStream(context.Background(), &providers.CompletionRequest{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	var chunks []providers.StreamChunk
	for {
		c, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		chunks = append(chunks, c)
	}

	assert.Equal(t, "/models/"+DefaultModel+":streamGenerateContent", path)
	assert.Equal(t, "alt=sse", query)

	require.Len(t, chunks, 4)
	assert.Equal(t, "Thinking.", chunks[0].Reasoning)
	assert.Equal(t, "Hel", chunks[1].Delta)
	assert.Equal(t, "lo", chunks[2].Delta)
	assert.True(t, chunks[3].Done)
	assert.Equal(t, providers.FinishStop, chunks[3].FinishReason)
	require.NotNil(t, chunks[3].Usage)
	assert.Equal(t, 5, chunks[3].Usage.TotalTokens)
	assert.Equal(t, "resp-77", chunks[3].ID)
	assert.Equal(t, "gemini-2.0-flash-001", chunks[3].Model)
}

func TestGeminiAdapter_StreamTruncated(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`data: {"candidates":[{"content":{"parts":[{"text":"Hel"}]}}]}` + "\n\n"))
	})

	stream, err := adapter.CompleteStream(context.Background(), &providers.CompletionRequest{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	_, err = providers.Collect(stream, adapter.Name(), DefaultModel)
	require.Error(t, err)
	assert.ErrorIs(t, err, providers.ErrStreamTruncated)
}

func TestGeminiAdapter_ListModels(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pageToken") == "" {
			_, _ = w.Write([]byte(`{"models":[
				{"name":"models/gemini-2.0-flash","supportedGenerationMethods":["generateContent","countTokens"]},
				{"name":"models/text-embedding-004","supportedGenerationMethods":["embedContent"]}
			],"nextPageToken":"p2"}`))
			return
		}
		_, _ = w.Write([]byte(`{"models":[{"name":"models/gemini-1.5-pro","supportedGenerationMethods":["generateContent"]}]}`))
	})

	models, err := adapter.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"gemini-1.5-pro", "gemini-2.0-flash"}, models)
}

func TestGeminiAdapter_InitializeIdempotent(t *testing.T) {
	calls := 0
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"models":[]}`))
	})

	require.NoError(t, adapter.Initialize(context.Background()))
	require.NoError(t, adapter.Initialize(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestMapFinishReason(t *testing.T) {
	tests := map[string]providers.FinishReason{
		"STOP":                      providers.FinishStop,
		"MAX_TOKENS":                providers.FinishLength,
		"SAFETY":                    providers.FinishContentFilter,
		"RECITATION":                providers.FinishContentFilter,
		"OTHER":                     providers.FinishUnknown,
		"FINISH_REASON_UNSPECIFIED": "",
	}
	for in, want := range tests {
		assert.Equal(t, want, MapFinishReason(in), in)
	}
}
