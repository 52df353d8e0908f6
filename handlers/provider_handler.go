package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/utils"
)

// ProviderCatalog is the read side of the gateway. *gateway.Gateway satisfies it.
type ProviderCatalog interface {
	ListModels(ctx context.Context, provider string) ([]string, error)
	GetHealth(provider string) (providers.HealthStatus, error)
	Providers() []string
	HealthAll() []providers.HealthStatus
}

// ProviderModels lists one provider's models
type ProviderModels struct {
	Provider string   `json:"provider"`
	Models   []string `json:"models"`
	Error    string   `json:"error,omitempty"`
}

// ProviderHandler serves model catalogs and provider health
type ProviderHandler struct {
	catalog ProviderCatalog
	logger  *zap.Logger
}

// NewProviderHandler creates a new ProviderHandler
func NewProviderHandler(catalog ProviderCatalog, logger *zap.Logger) *ProviderHandler {
	return &ProviderHandler{catalog: catalog, logger: logger}
}

// HandleListModels handles GET /api/v1/models. ?provider= narrows to one provider
// and surfaces its error; otherwise every provider is listed and failures are
// reported inline.
func (h *ProviderHandler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if name := r.URL.Query().Get("provider"); name != "" {
		models, err := h.catalog.ListModels(ctx, name)
		if err != nil {
			HandleServiceError(w, err, h.logger)
			return
		}
		_ = utils.WriteOK(w, []ProviderModels{{Provider: name, Models: models}})
		return
	}

	names := h.catalog.Providers()
	out := make([]ProviderModels, 0, len(names))
	for _, name := range names {
		entry := ProviderModels{Provider: name, Models: []string{}}
		models, err := h.catalog.ListModels(ctx, name)
		if err != nil {
			h.logger.Warn("failed to list models",
				zap.String("provider", name),
				zap.Error(err))
			entry.Error = err.Error()
		} else {
			entry.Models = models
		}
		out = append(out, entry)
	}
	_ = utils.WriteOK(w, out)
}

// HandleListHealth handles GET /api/v1/providers/health
func (h *ProviderHandler) HandleListHealth(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.catalog.HealthAll())
}

// HandleProviderHealth handles GET /api/v1/providers/{name}/health
func (h *ProviderHandler) HandleProviderHealth(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	status, err := h.catalog.GetHealth(name)
	if errors.Is(err, providers.ErrProviderNotFound) {
		_ = utils.WriteNotFound(w, "provider "+name+" is not registered")
		return
	}
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, status)
}
