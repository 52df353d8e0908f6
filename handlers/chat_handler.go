package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/middleware"
	"github.com/upb/llm-gateway/services/inference"
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/utils"
)

// ChatCompletionRequest is the JSON body of POST /api/v1/chat/completions
type ChatCompletionRequest struct {
	Provider    string            `json:"provider,omitempty"`
	Model       string            `json:"model,omitempty"`
	Messages    []ChatMessage     `json:"messages" validate:"required,min=1,dive"`
	Temperature *float64          `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   int               `json:"max_tokens,omitempty" validate:"gte=0"`
	TopP        *float64          `json:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`
	Stop        []string          `json:"stop,omitempty" validate:"max=4"`
	Stream      bool              `json:"stream,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ChatMessage represents a single chat message
type ChatMessage struct {
	Role      string `json:"role" validate:"required,oneof=system user assistant"`
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`
}

// CompletionRequest converts the body to the canonical request
func (c *ChatCompletionRequest) CompletionRequest() *providers.CompletionRequest {
	msgs := make([]providers.Message, len(c.Messages))
	for i, m := range c.Messages {
		msgs[i] = providers.Message{Role: providers.Role(m.Role), Content: m.Content, Reasoning: m.Reasoning}
	}
	return &providers.CompletionRequest{
		Provider: c.Provider,
		Model:    c.Model,
		Messages: msgs,
		Options: providers.Options{
			Temperature: c.Temperature,
			MaxTokens:   c.MaxTokens,
			TopP:        c.TopP,
			Stop:        c.Stop,
			Stream:      c.Stream,
		},
		Metadata: c.Metadata,
	}
}

// ChatService runs completions through the host pipeline. *inference.Service satisfies it.
type ChatService interface {
	Complete(ctx context.Context, req *providers.CompletionRequest, caller inference.Caller) (*inference.Result, error)
	Stream(ctx context.Context, req *providers.CompletionRequest, caller inference.Caller) (*inference.Stream, error)
}

// ChatHandler handles chat completion requests
type ChatHandler struct {
	service ChatService
	logger  *zap.Logger
}

// NewChatHandler creates a new ChatHandler
func NewChatHandler(service ChatService, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		service: service,
		logger:  logger,
	}
}

// HandleChatCompletion handles POST /api/v1/chat/completions. With stream=true the
// response is an SSE stream of canonical chunks terminated by "data: [DONE]".
func (h *ChatHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	var body ChatCompletionRequest
	if err := utils.DecodeJSON(w, r, &body); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(&body); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	caller := inference.Caller{
		RequestID: requestID,
		Subject:   middleware.GetSubjectFromContext(ctx),
		NoCache:   noCache(r),
	}
	req := body.CompletionRequest()

	if body.Stream {
		h.stream(w, r, req, caller)
		return
	}

	result, err := h.service.Complete(ctx, req, caller)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	w.Header().Set("X-Cache", cacheHeader(result.Cached))
	if err := utils.WriteOK(w, result); err != nil {
		h.logger.Error("failed to write response",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

func (h *ChatHandler) stream(w http.ResponseWriter, r *http.Request, req *providers.CompletionRequest, caller inference.Caller) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		HandleServiceError(w, errors.New("streaming is not supported by this connection"), h.logger)
		return
	}

	stream, err := h.service.Stream(r.Context(), req, caller)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	defer stream.Close()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	header.Set("X-Cache", cacheHeader(stream.Cached))
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			llmErr := providers.Classify(stream.Provider, err)
			h.logger.Warn("stream failed",
				zap.String("request_id", caller.RequestID),
				zap.String("provider", stream.Provider),
				zap.String("kind", string(llmErr.Kind)),
				zap.Error(err))
			h.writeEvent(w, "error", ErrorBody(llmErr))
			flusher.Flush()
			return
		}
		if !h.writeEvent(w, "", chunk) {
			return
		}
		flusher.Flush()
	}

	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// writeEvent writes one SSE event and reports whether the client is still there
func (h *ChatHandler) writeEvent(w io.Writer, event string, payload interface{}) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to encode stream event", zap.Error(err))
		return false
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return false
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err == nil
}

func noCache(r *http.Request) bool {
	cc := strings.ToLower(r.Header.Get("Cache-Control"))
	return strings.Contains(cc, "no-cache") || strings.Contains(cc, "no-store")
}

func cacheHeader(cached bool) string {
	if cached {
		return "HIT"
	}
	return "MISS"
}
