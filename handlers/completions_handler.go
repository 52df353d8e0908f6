package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
	"github.com/upb/llm-gateway/utils"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	defaultWindow   = 24 * time.Hour
	maxWindow       = 90 * 24 * time.Hour
)

// UsageResponse is the body of GET /api/v1/usage
type UsageResponse struct {
	Since time.Time                  `json:"since"`
	Usage []*repositories.UsageStats `json:"usage"`
}

// CompletionsHandler exposes the completion request log
type CompletionsHandler struct {
	logs   repositories.CompletionLogRepository
	logger *zap.Logger
}

// NewCompletionsHandler creates a new CompletionsHandler
func NewCompletionsHandler(logs repositories.CompletionLogRepository, logger *zap.Logger) *CompletionsHandler {
	return &CompletionsHandler{logs: logs, logger: logger}
}

// HandleList handles GET /api/v1/completions?limit=&offset=
func (h *CompletionsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	page, err := utils.ParsePagination(r, defaultPageSize, maxPageSize)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	logs, err := h.logs.ListRecent(r.Context(), page.Limit, page.Offset)
	if err != nil {
		h.logger.Error("failed to list completion logs", zap.Error(err))
		_ = utils.WriteInternalServerError(w, "")
		return
	}
	if logs == nil {
		logs = []*models.CompletionLog{}
	}
	_ = utils.WriteOK(w, logs)
}

// HandleGet handles GET /api/v1/completions/{requestID}
func (h *CompletionsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")

	log, err := h.logs.GetByRequestID(r.Context(), requestID)
	if errors.Is(err, repositories.ErrNotFound) {
		_ = utils.WriteNotFound(w, "no completion with request id "+requestID)
		return
	}
	if err != nil {
		h.logger.Error("failed to get completion log",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteInternalServerError(w, "")
		return
	}
	_ = utils.WriteOK(w, log)
}

// HandleUsage handles GET /api/v1/usage?window=24h: per provider and model aggregates
func (h *CompletionsHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	window := defaultWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 || d > maxWindow {
			HandleValidationError(w, errors.New("window must be a positive duration of at most 2160h"), h.logger)
			return
		}
		window = d
	}
	since := time.Now().UTC().Add(-window)

	stats, err := h.logs.GetUsageStats(r.Context(), since)
	if err != nil {
		h.logger.Error("failed to aggregate usage stats", zap.Error(err))
		_ = utils.WriteInternalServerError(w, "")
		return
	}
	if stats == nil {
		stats = []*repositories.UsageStats{}
	}
	_ = utils.WriteOK(w, UsageResponse{Since: since, Usage: stats})
}
