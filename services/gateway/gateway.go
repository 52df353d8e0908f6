// Package gateway is the inbound surface of the LLM gateway: it validates canonical
// requests, selects a provider from the registry and runs the call through the
// dispatcher.
package gateway

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/services/dispatch"
	"github.com/upb/llm-gateway/services/providers"
)

// Config holds provider selection settings
type Config struct {
	// DefaultProvider serves requests that name neither a provider nor a known model
	DefaultProvider string

	// Fallback is applied after the primary provider fails with a retryable kind
	Fallback providers.FallbackPolicy
}

// Gateway implements SubmitCompletion, SubmitStreamingCompletion, ListModels and
// GetHealth over a swappable registry
type Gateway struct {
	registry   atomic.Pointer[providers.Registry]
	config     atomic.Pointer[Config]
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger
}

// New creates a gateway
func New(registry *providers.Registry, dispatcher *dispatch.Dispatcher, config Config, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dispatcher == nil {
		dispatcher = dispatch.New(dispatch.DefaultConfig(), dispatch.WithLogger(logger))
	}
	g := &Gateway{dispatcher: dispatcher, logger: logger}
	g.registry.Store(registry)
	g.config.Store(&config)
	return g
}

// Registry returns the current registry
func (g *Gateway) Registry() *providers.Registry {
	return g.registry.Load()
}

// Swap installs a new registry and selection config, returning the previous registry.
// Calls already in flight finish against the adapters they started with. Breakers are
// closed so rebuilt adapters start with a clean failure count.
func (g *Gateway) Swap(registry *providers.Registry, config Config) *providers.Registry {
	g.config.Store(&config)
	prev := g.registry.Swap(registry)
	g.dispatcher.ResetBreakers()
	return prev
}

// SubmitCompletion validates req, selects a provider and returns its response.
// Errors are always *providers.LLMError.
func (g *Gateway) SubmitCompletion(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	registry := g.registry.Load()
	cfg := g.config.Load()

	primary, err := g.resolve(registry, cfg, req)
	if err != nil {
		return nil, err
	}

	var lastErr *providers.LLMError
	for i, name := range registry.Candidates(primary, cfg.Fallback) {
		adapter, err := registry.Get(name)
		if err != nil {
			continue
		}
		call := g.prepare(registry, req, name, i > 0)

		resp, err := g.dispatcher.Complete(ctx, adapter, call)
		if err == nil {
			if resp.Provider == "" {
				resp.Provider = name
			}
			if i > 0 {
				g.logger.Info("served by fallback provider",
					zap.String("primary", primary),
					zap.String("provider", name),
				)
			}
			return resp, nil
		}

		lastErr = providers.Classify(name, err)
		if !g.shouldFallBack(ctx, lastErr) {
			break
		}
		g.logger.Warn("provider failed, trying next candidate",
			zap.String("provider", name),
			zap.String("kind", string(lastErr.Kind)),
			zap.Error(lastErr),
		)
	}
	if lastErr == nil {
		return nil, providers.Classify(primary, fmt.Errorf("%w: %s", providers.ErrProviderNotFound, primary))
	}
	return nil, lastErr
}

// SubmitStreamingCompletion validates req and opens a canonical stream. Fallback
// applies to establishing the stream only. The caller must Close the stream.
func (g *Gateway) SubmitStreamingCompletion(ctx context.Context, req *providers.CompletionRequest) (providers.Stream, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	registry := g.registry.Load()
	cfg := g.config.Load()

	primary, err := g.resolve(registry, cfg, req)
	if err != nil {
		return nil, err
	}

	var lastErr *providers.LLMError
	for i, name := range registry.Candidates(primary, cfg.Fallback) {
		adapter, err := registry.Get(name)
		if err != nil {
			continue
		}
		call := g.prepare(registry, req, name, i > 0)
		call.Options.Stream = true

		stream, err := g.dispatcher.CompleteStream(ctx, adapter, call)
		if err == nil {
			return &ServedStream{Stream: stream, Provider: name}, nil
		}

		lastErr = providers.Classify(name, err)
		if !g.shouldFallBack(ctx, lastErr) {
			break
		}
		g.logger.Warn("provider stream failed, trying next candidate",
			zap.String("provider", name),
			zap.String("kind", string(lastErr.Kind)),
		)
	}
	if lastErr == nil {
		return nil, providers.Classify(primary, fmt.Errorf("%w: %s", providers.ErrProviderNotFound, primary))
	}
	return nil, lastErr
}

// ServedStream is the stream returned by SubmitStreamingCompletion, tagged with
// the provider that serves it
type ServedStream struct {
	providers.Stream
	Provider string
}

// ListModels returns a provider's model catalog
func (g *Gateway) ListModels(ctx context.Context, provider string) ([]string, error) {
	models, err := g.registry.Load().Models(ctx, provider)
	if err != nil {
		return nil, providers.Classify(provider, err)
	}
	return models, nil
}

// GetHealth returns a provider's advisory health
func (g *Gateway) GetHealth(provider string) (providers.HealthStatus, error) {
	status, err := g.registry.Load().Health(provider)
	if err != nil {
		return providers.HealthStatus{}, providers.Classify(provider, err)
	}
	return status, nil
}

// Providers returns the registered provider names, sorted
func (g *Gateway) Providers() []string {
	return g.registry.Load().List()
}

// HealthAll returns every provider's advisory health, sorted by name
func (g *Gateway) HealthAll() []providers.HealthStatus {
	return g.registry.Load().HealthAll()
}

// resolve picks the primary provider: explicit name, then the model catalog, then
// the configured default
func (g *Gateway) resolve(registry *providers.Registry, cfg *Config, req *providers.CompletionRequest) (string, error) {
	if req.Provider != "" {
		if _, err := registry.Get(req.Provider); err != nil {
			return "", providers.Classify(req.Provider, err)
		}
		return req.Provider, nil
	}

	if req.Model != "" {
		name, err := registry.ProviderForModel(req.Model)
		if err == nil {
			return name, nil
		}
		if cfg.DefaultProvider == "" {
			return "", providers.Classify("", err)
		}
	}

	if cfg.DefaultProvider != "" {
		if _, err := registry.Get(cfg.DefaultProvider); err != nil {
			return "", providers.Classify(cfg.DefaultProvider, err)
		}
		return cfg.DefaultProvider, nil
	}

	if names := registry.List(); len(names) == 1 {
		return names[0], nil
	}
	return "", providers.Classify("", fmt.Errorf("%w: no provider or model specified", providers.ErrInvalidRequest))
}

// prepare copies req for one provider. A fallback provider keeps the requested
// model only if its catalog lists it; otherwise it uses its own default.
func (g *Gateway) prepare(registry *providers.Registry, req *providers.CompletionRequest, name string, fallback bool) *providers.CompletionRequest {
	call := req.Clone()
	call.Provider = name
	call.Messages = providers.SanitizeMessages(call.Messages)

	if fallback && call.Model != "" {
		models, err := registry.CachedModels(name)
		if err != nil || !contains(models, call.Model) {
			call.Model = ""
		}
	}
	return call
}

func (g *Gateway) shouldFallBack(ctx context.Context, err *providers.LLMError) bool {
	return ctx.Err() == nil && err.Kind.Retryable()
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
