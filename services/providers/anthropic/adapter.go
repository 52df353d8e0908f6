// Package anthropic implements the adapter for the Anthropic Messages API.
package anthropic

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/upb/llm-gateway/services/providers"
)

const (
	// DefaultBaseURL is the Anthropic API endpoint
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultModel is used when neither the request nor the config names a model
	DefaultModel = "claude-3-5-haiku-latest"

	// APIVersion is sent as the anthropic-version header
	APIVersion = "2023-06-01"

	// DefaultMaxTokens is sent when the request sets no limit; the API requires one
	DefaultMaxTokens = 1024

	messagesPath = "/v1/messages"
	modelsPath   = "/v1/models"
)

// AnthropicAdapter implements providers.Adapter for Anthropic
type AnthropicAdapter struct {
	config    providers.ProviderConfig
	transport *providers.Transport
	init      providers.InitGuard
}

// NewAnthropicAdapter creates a new Anthropic adapter
func NewAnthropicAdapter(config providers.ProviderConfig) *AnthropicAdapter {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.DefaultModel == "" {
		config.DefaultModel = DefaultModel
	}

	headers := map[string]string{
		"x-api-key":         config.APIKey,
		"anthropic-version": APIVersion,
	}
	for k, v := range config.Headers {
		headers[k] = v
	}

	return &AnthropicAdapter{
		config:    config,
		transport: providers.NewTransport(config.BaseURL, headers),
	}
}

// Name returns the provider name
func (a *AnthropicAdapter) Name() string {
	if a.config.Name != "" {
		return a.config.Name
	}
	return "anthropic"
}

// Config returns the adapter's configuration
func (a *AnthropicAdapter) Config() providers.ProviderConfig {
	return a.config
}

// Initialize verifies credentials against the models endpoint
func (a *AnthropicAdapter) Initialize(ctx context.Context) error {
	return a.init.Do(ctx, func(ctx context.Context) error {
		if a.config.APIKey == "" {
			return providers.ClassifyStartup(a.Name(), providers.ErrMissingAPIKey)
		}
		if err := a.HealthCheck(ctx); err != nil {
			return providers.ClassifyStartup(a.Name(), err)
		}
		return nil
	})
}

// Complete sends a Messages API request
func (a *AnthropicAdapter) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	startTime := time.Now()

	body := a.buildRequest(req, false)

	var resp MessagesResponse
	if err := a.transport.DoJSON(ctx, http.MethodPost, messagesPath, body, &resp); err != nil {
		return nil, a.handleError(err)
	}
	if resp.Type == "error" || (len(resp.Content) == 0 && resp.StopReason == "") {
		return nil, a.handleError(fmt.Errorf("%w: response has no content", providers.ErrMalformedResponse))
	}

	return a.convertResponse(&resp, body.Model, time.Since(startTime)), nil
}

// CompleteStream sends a streamed Messages API request
func (a *AnthropicAdapter) CompleteStream(ctx context.Context, req *providers.CompletionRequest) (providers.Stream, error) {
	body := a.buildRequest(req, true)

	resp, err := a.transport.OpenStream(ctx, http.MethodPost, messagesPath, body)
	if err != nil {
		return nil, a.handleError(err)
	}
	return providers.NewNormalizedStream(resp.Body, NewEventDecoder(), a.handleError), nil
}

// HealthCheck lists models, which does not consume completion quota
func (a *AnthropicAdapter) HealthCheck(ctx context.Context) error {
	var list ModelList
	return a.handleError(a.transport.DoJSON(ctx, http.MethodGet, modelsPath, nil, &list))
}

// ListModels returns the configured catalog, or the vendor's when none is configured
func (a *AnthropicAdapter) ListModels(ctx context.Context) ([]string, error) {
	if len(a.config.Models) > 0 {
		return append([]string(nil), a.config.Models...), nil
	}

	var list ModelList
	if err := a.transport.DoJSON(ctx, http.MethodGet, modelsPath+"?limit=1000", nil, &list); err != nil {
		return nil, a.handleError(err)
	}

	models := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		models = append(models, m.ID)
	}
	sort.Strings(models)
	return models, nil
}

func (a *AnthropicAdapter) handleError(err error) error {
	if err == nil {
		return nil
	}
	return providers.Classify(a.Name(), err)
}

// buildRequest converts a canonical request to the wire format. System messages
// move to the top-level system field.
func (a *AnthropicAdapter) buildRequest(req *providers.CompletionRequest, stream bool) *MessagesRequest {
	model := req.Model
	if model == "" {
		model = a.config.DefaultModel
	}

	out := &MessagesRequest{
		Model:         model,
		Messages:      make([]Message, 0, len(req.Messages)),
		MaxTokens:     req.Options.MaxTokens,
		Temperature:   req.Options.Temperature,
		TopP:          req.Options.TopP,
		StopSequences: req.Options.Stop,
		Stream:        stream,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = DefaultMaxTokens
	}

	var system []string
	for _, msg := range req.Messages {
		if msg.Role == providers.RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		out.Messages = append(out.Messages, Message{Role: string(msg.Role), Content: msg.Content})
	}
	out.System = strings.Join(system, "\n\n")
	return out
}

func (a *AnthropicAdapter) convertResponse(resp *MessagesResponse, requestedModel string, latency time.Duration) *providers.CompletionResponse {
	var content, reasoning strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "thinking":
			reasoning.WriteString(block.Thinking)
		}
	}

	out := &providers.CompletionResponse{
		ID:           resp.ID,
		Provider:     a.Name(),
		Model:        resp.Model,
		Content:      content.String(),
		Reasoning:    reasoning.String(),
		FinishReason: MapStopReason(resp.StopReason),
		Latency:      latency,
		Created:      time.Now().UTC(),
	}
	if resp.Usage != nil {
		out.Usage = providers.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
	}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.Model == "" {
		out.Model = requestedModel
	}
	return out
}

// MapStopReason maps a Messages API stop_reason to the canonical finish reason
func MapStopReason(reason string) providers.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return providers.FinishStop
	case "max_tokens":
		return providers.FinishLength
	case "tool_use":
		return providers.FinishToolCalls
	case "refusal":
		return providers.FinishContentFilter
	case "":
		return ""
	default:
		return providers.FinishUnknown
	}
}
