// Package openaicompat implements the adapter shared by vendors that speak the
// OpenAI chat completions protocol.
package openaicompat

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/upb/llm-gateway/services/providers"
)

const (
	chatCompletionsPath = "/chat/completions"
	modelsPath          = "/models"
)

// Vendor describes one OpenAI-compatible vendor
type Vendor struct {
	// Name is the provider name (e.g., "openai", "deepseek")
	Name string

	// BaseURL is used when the config leaves BaseURL empty
	BaseURL string

	// DefaultModel is used when neither the request nor the config names a model
	DefaultModel string

	// IncludeUsage asks the vendor for a trailing usage chunk on streams
	IncludeUsage bool
}

// Adapter implements providers.Adapter for an OpenAI-compatible vendor
type Adapter struct {
	vendor    Vendor
	config    providers.ProviderConfig
	transport *providers.Transport
	init      providers.InitGuard
}

// New creates an adapter. Construction does no I/O; call Initialize before use.
func New(vendor Vendor, config providers.ProviderConfig) *Adapter {
	if config.BaseURL == "" {
		config.BaseURL = vendor.BaseURL
	}
	if config.DefaultModel == "" {
		config.DefaultModel = vendor.DefaultModel
	}

	headers := map[string]string{"Authorization": "Bearer " + config.APIKey}
	for k, v := range config.Headers {
		headers[k] = v
	}

	return &Adapter{
		vendor:    vendor,
		config:    config,
		transport: providers.NewTransport(config.BaseURL, headers),
	}
}

// Name returns the provider name
func (a *Adapter) Name() string {
	if a.config.Name != "" {
		return a.config.Name
	}
	return a.vendor.Name
}

// Config returns the adapter's configuration
func (a *Adapter) Config() providers.ProviderConfig {
	return a.config
}

// Initialize verifies credentials by probing the models endpoint
func (a *Adapter) Initialize(ctx context.Context) error {
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

// Complete performs a chat completion request
func (a *Adapter) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	startTime := time.Now()

	body := a.buildRequest(req, false)

	var resp ChatResponse
	if err := a.transport.DoJSON(ctx, http.MethodPost, chatCompletionsPath, body, &resp); err != nil {
		return nil, a.handleError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, a.handleError(fmt.Errorf("%w: response has no choices", providers.ErrMalformedResponse))
	}

	return a.convertResponse(&resp, body.Model, time.Since(startTime)), nil
}

// CompleteStream performs a streamed chat completion request
func (a *Adapter) CompleteStream(ctx context.Context, req *providers.CompletionRequest) (providers.Stream, error) {
	body := a.buildRequest(req, true)

	resp, err := a.transport.OpenStream(ctx, http.MethodPost, chatCompletionsPath, body)
	if err != nil {
		return nil, a.handleError(err)
	}
	return providers.NewNormalizedStream(resp.Body, NewChunkDecoder(), a.handleError), nil
}

// HealthCheck lists models, which does not consume completion quota
func (a *Adapter) HealthCheck(ctx context.Context) error {
	var list ModelList
	return a.handleError(a.transport.DoJSON(ctx, http.MethodGet, modelsPath, nil, &list))
}

// ListModels returns the configured catalog, or the vendor's when none is configured
func (a *Adapter) ListModels(ctx context.Context) ([]string, error) {
	if len(a.config.Models) > 0 {
		return append([]string(nil), a.config.Models...), nil
	}

	var list ModelList
	if err := a.transport.DoJSON(ctx, http.MethodGet, modelsPath, nil, &list); err != nil {
		return nil, a.handleError(err)
	}

	models := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		models = append(models, m.ID)
	}
	sort.Strings(models)
	return models, nil
}

// handleError is the single exit for vendor failures
func (a *Adapter) handleError(err error) error {
	if err == nil {
		return nil
	}
	return providers.Classify(a.Name(), err)
}

// buildRequest converts a canonical request to the wire format
func (a *Adapter) buildRequest(req *providers.CompletionRequest, stream bool) *ChatRequest {
	model := req.Model
	if model == "" {
		model = a.config.DefaultModel
	}

	out := &ChatRequest{
		Model:       model,
		Messages:    make([]Message, len(req.Messages)),
		Temperature: req.Options.Temperature,
		TopP:        req.Options.TopP,
		Stream:      stream,
	}
	for i, msg := range req.Messages {
		out.Messages[i] = Message{Role: string(msg.Role), Content: msg.Content}
	}
	if req.Options.MaxTokens > 0 {
		maxTokens := req.Options.MaxTokens
		out.MaxTokens = &maxTokens
	}
	if len(req.Options.Stop) > 0 {
		out.Stop = req.Options.Stop
	}
	if stream && a.vendor.IncludeUsage {
		out.StreamOptions = &StreamOptions{IncludeUsage: true}
	}
	return out
}

// convertResponse converts a wire response to the canonical form
func (a *Adapter) convertResponse(resp *ChatResponse, requestedModel string, latency time.Duration) *providers.CompletionResponse {
	choice := resp.Choices[0]

	out := &providers.CompletionResponse{
		ID:           resp.ID,
		Provider:     a.Name(),
		Model:        resp.Model,
		Content:      choice.Message.Content,
		Reasoning:    choice.Message.ReasoningContent,
		FinishReason: MapFinishReason(choice.FinishReason),
		Usage:        convertUsage(resp.Usage),
		Latency:      latency,
		Created:      time.Now().UTC(),
	}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.Model == "" {
		out.Model = requestedModel
	}
	if resp.Created > 0 {
		out.Created = time.Unix(resp.Created, 0).UTC()
	}
	return out
}

func convertUsage(u *Usage) providers.Usage {
	if u == nil {
		return providers.Usage{}
	}
	out := providers.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.CompletionTokensDetails != nil {
		out.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	return out
}

// MapFinishReason maps a wire finish reason to the canonical one
func MapFinishReason(reason string) providers.FinishReason {
	switch reason {
	case "stop":
		return providers.FinishStop
	case "length":
		return providers.FinishLength
	case "content_filter":
		return providers.FinishContentFilter
	case "tool_calls", "function_call":
		return providers.FinishToolCalls
	case "":
		return ""
	default:
		return providers.FinishUnknown
	}
}
