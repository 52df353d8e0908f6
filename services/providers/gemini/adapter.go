// Package gemini implements the adapter for the Google Gemini generateContent API.
package gemini

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/upb/llm-gateway/services/providers"
)

const (
	// DefaultBaseURL is the Gemini API endpoint
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	// DefaultModel is used when neither the request nor the config names a model
	DefaultModel = "gemini-2.0-flash"

	modelsPath   = "/models"
	modelPrefix  = "models/"
	roleModel    = "model"
	roleUserWire = "user"
)

// GeminiAdapter implements providers.Adapter for Gemini
type GeminiAdapter struct {
	config    providers.ProviderConfig
	transport *providers.Transport
	init      providers.InitGuard
}

// NewGeminiAdapter creates a new Gemini adapter
func NewGeminiAdapter(config providers.ProviderConfig) *GeminiAdapter {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.DefaultModel == "" {
		config.DefaultModel = DefaultModel
	}

	headers := map[string]string{"x-goog-api-key": config.APIKey}
	for k, v := range config.Headers {
		headers[k] = v
	}

	return &GeminiAdapter{
		config:    config,
		transport: providers.NewTransport(config.BaseURL, headers),
	}
}

// Name returns the provider name
func (a *GeminiAdapter) Name() string {
	if a.config.Name != "" {
		return a.config.Name
	}
	return "gemini"
}

// Config returns the adapter's configuration
func (a *GeminiAdapter) Config() providers.ProviderConfig {
	return a.config
}

// Initialize verifies credentials against the models endpoint
func (a *GeminiAdapter) Initialize(ctx context.Context) error {
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

// Complete calls generateContent
func (a *GeminiAdapter) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	startTime := time.Now()

	model := a.model(req)
	body := a.buildRequest(req)

	var resp GenerateResponse
	if err := a.transport.DoJSON(ctx, http.MethodPost, modelPath(model, "generateContent"), body, &resp); err != nil {
		return nil, a.handleError(err)
	}
	if len(resp.Candidates) == 0 && (resp.PromptFeedback == nil || resp.PromptFeedback.BlockReason == "") {
		return nil, a.handleError(fmt.Errorf("%w: response has no candidates", providers.ErrMalformedResponse))
	}

	return a.convertResponse(&resp, model, time.Since(startTime)), nil
}

// CompleteStream calls streamGenerateContent with SSE framing
func (a *GeminiAdapter) CompleteStream(ctx context.Context, req *providers.CompletionRequest) (providers.Stream, error) {
	model := a.model(req)
	body := a.buildRequest(req)

	resp, err := a.transport.OpenStream(ctx, http.MethodPost, modelPath(model, "streamGenerateContent")+"?alt=sse", body)
	if err != nil {
		return nil, a.handleError(err)
	}
	return providers.NewNormalizedStream(resp.Body, NewEventDecoder(), a.handleError), nil
}

// HealthCheck lists models, which does not consume completion quota
func (a *GeminiAdapter) HealthCheck(ctx context.Context) error {
	var list ModelList
	return a.handleError(a.transport.DoJSON(ctx, http.MethodGet, modelsPath+"?pageSize=1", nil, &list))
}

// ListModels returns the configured catalog, or the vendor's generateContent
// models when none is configured
func (a *GeminiAdapter) ListModels(ctx context.Context) ([]string, error) {
	if len(a.config.Models) > 0 {
		return append([]string(nil), a.config.Models...), nil
	}

	var models []string
	pageToken := ""
	for {
		path := modelsPath + "?pageSize=1000"
		if pageToken != "" {
			path += "&pageToken=" + url.QueryEscape(pageToken)
		}

		var list ModelList
		if err := a.transport.DoJSON(ctx, http.MethodGet, path, nil, &list); err != nil {
			return nil, a.handleError(err)
		}
		for _, m := range list.Models {
			if !supportsGenerate(m) {
				continue
			}
			models = append(models, strings.TrimPrefix(m.Name, modelPrefix))
		}
		if list.NextPageToken == "" {
			break
		}
		pageToken = list.NextPageToken
	}

	sort.Strings(models)
	return models, nil
}

func (a *GeminiAdapter) handleError(err error) error {
	if err == nil {
		return nil
	}
	return providers.Classify(a.Name(), err)
}

func (a *GeminiAdapter) model(req *providers.CompletionRequest) string {
	if req.Model != "" {
		return strings.TrimPrefix(req.Model, modelPrefix)
	}
	return a.config.DefaultModel
}

// buildRequest converts a canonical request to the wire format. System messages
// become systemInstruction and assistant turns use the "model" role.
func (a *GeminiAdapter) buildRequest(req *providers.CompletionRequest) *GenerateRequest {
	out := &GenerateRequest{Contents: make([]Content, 0, len(req.Messages))}

	var system []Part
	for _, msg := range req.Messages {
		switch msg.Role {
		case providers.RoleSystem:
			system = append(system, Part{Text: msg.Content})
		case providers.RoleAssistant:
			out.Contents = append(out.Contents, Content{Role: roleModel, Parts: []Part{{Text: msg.Content}}})
		default:
			out.Contents = append(out.Contents, Content{Role: roleUserWire, Parts: []Part{{Text: msg.Content}}})
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &Content{Parts: system}
	}

	opts := req.Options
	if opts.Temperature != nil || opts.TopP != nil || opts.MaxTokens > 0 || len(opts.Stop) > 0 {
		out.GenerationConfig = &GenerationConfig{
			Temperature:     opts.Temperature,
			TopP:            opts.TopP,
			MaxOutputTokens: opts.MaxTokens,
			StopSequences:   opts.Stop,
		}
	}
	return out
}

func (a *GeminiAdapter) convertResponse(resp *GenerateResponse, requestedModel string, latency time.Duration) *providers.CompletionResponse {
	out := &providers.CompletionResponse{
		ID:       resp.ResponseID,
		Provider: a.Name(),
		Model:    resp.ModelVersion,
		Latency:  latency,
		Created:  time.Now().UTC(),
	}

	if len(resp.Candidates) == 0 {
		// blocked prompt
		out.FinishReason = providers.FinishContentFilter
	} else {
		cand := resp.Candidates[0]
		var content, reasoning strings.Builder
		for _, part := range cand.Content.Parts {
			if part.Thought {
				reasoning.WriteString(part.Text)
			} else {
				content.WriteString(part.Text)
			}
		}
		out.Content = content.String()
		out.Reasoning = reasoning.String()
		out.FinishReason = MapFinishReason(cand.FinishReason)
		if out.FinishReason == "" {
			out.FinishReason = providers.FinishStop
		}
	}

	if resp.UsageMetadata != nil {
		out.Usage = convertUsage(resp.UsageMetadata)
	}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.Model == "" {
		out.Model = requestedModel
	}
	return out
}

func convertUsage(u *UsageMetadata) providers.Usage {
	out := providers.Usage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount + u.ThoughtsTokenCount,
		ReasoningTokens:  u.ThoughtsTokenCount,
		TotalTokens:      u.TotalTokenCount,
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	return out
}

// MapFinishReason maps a Gemini finishReason to the canonical finish reason
func MapFinishReason(reason string) providers.FinishReason {
	switch reason {
	case "STOP":
		return providers.FinishStop
	case "MAX_TOKENS":
		return providers.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII", "IMAGE_SAFETY":
		return providers.FinishContentFilter
	case "", "FINISH_REASON_UNSPECIFIED":
		return ""
	default:
		return providers.FinishUnknown
	}
}

func modelPath(model, method string) string {
	return modelsPath + "/" + url.PathEscape(model) + ":" + method
}

func supportsGenerate(m Model) bool {
	if len(m.SupportedGenerationMethods) == 0 {
		return true
	}
	for _, method := range m.SupportedGenerationMethods {
		if method == "generateContent" {
			return true
		}
	}
	return false
}
