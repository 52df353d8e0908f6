package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FallbackPolicy configures cross-provider fallback. Disabled unless set explicitly.
type FallbackPolicy struct {
	// Enabled turns fallback on
	Enabled bool

	// Order lists providers to try, in order, after the primary fails
	Order []string
}

// Registry manages initialized adapters, their model catalogs and advisory health
type Registry struct {
	mu             sync.RWMutex
	adapters       map[string]Adapter
	models         map[string][]string // provider -> models
	modelProviders map[string][]string // model -> sorted provider names
	health         map[string]HealthStatus
	logger         *zap.Logger
}

// NewRegistry creates a new provider registry
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		adapters:       make(map[string]Adapter),
		models:         make(map[string][]string),
		modelProviders: make(map[string][]string),
		health:         make(map[string]HealthStatus),
		logger:         logger,
	}
}

// Register initializes an adapter and adds it with its model catalog
func (r *Registry) Register(ctx context.Context, adapter Adapter) error {
	if adapter == nil {
		return errors.New("adapter cannot be nil")
	}
	name := adapter.Name()
	if name == "" {
		return errors.New("adapter name cannot be empty")
	}

	r.mu.RLock()
	_, exists := r.adapters[name]
	r.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrProviderAlreadyRegistered, name)
	}

	if err := adapter.Initialize(ctx); err != nil {
		return ClassifyStartup(name, err)
	}

	models, err := adapter.ListModels(ctx)
	if err != nil {
		r.logger.Warn("failed to load model catalog",
			zap.String("provider", name),
			zap.Error(err),
		)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("%w: %s", ErrProviderAlreadyRegistered, name)
	}
	r.adapters[name] = adapter
	r.setModelsLocked(name, models)
	r.health[name] = HealthStatus{
		Provider:      name,
		Healthy:       true,
		LastCheckedAt: time.Now().UTC(),
	}

	r.logger.Info("provider registered",
		zap.String("provider", name),
		zap.Int("models", len(models)),
	)
	return nil
}

func (r *Registry) setModelsLocked(name string, models []string) {
	for _, m := range r.models[name] {
		r.modelProviders[m] = removeName(r.modelProviders[m], name)
		if len(r.modelProviders[m]) == 0 {
			delete(r.modelProviders, m)
		}
	}
	r.models[name] = append([]string(nil), models...)
	for _, m := range models {
		names := removeName(r.modelProviders[m], name)
		names = append(names, name)
		sort.Strings(names)
		r.modelProviders[m] = names
	}
}

// Get retrieves an adapter by name
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, exists := r.adapters[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return adapter, nil
}

// List returns all registered provider names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered providers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

// CachedModels returns the catalog loaded at registration or last refresh
func (r *Registry) CachedModels(name string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, exists := r.adapters[name]; !exists {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return append([]string(nil), r.models[name]...), nil
}

// RefreshModels queries the adapter for its catalog and stores the result
func (r *Registry) RefreshModels(ctx context.Context, name string) ([]string, error) {
	adapter, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	models, err := adapter.ListModels(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.setModelsLocked(name, models)
	r.mu.Unlock()

	return models, nil
}

// Models returns the cached catalog, loading it from the adapter when empty
func (r *Registry) Models(ctx context.Context, name string) ([]string, error) {
	models, err := r.CachedModels(name)
	if err != nil {
		return nil, err
	}
	if len(models) > 0 {
		return models, nil
	}
	return r.RefreshModels(ctx, name)
}

// ProviderForModel finds a provider serving model. Healthy providers win; ties are
// broken by name so the choice is deterministic.
func (r *Registry) ProviderForModel(model string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.modelProviders[model]
	if len(names) == 0 {
		return "", fmt.Errorf("%w: %s", ErrModelNotSupported, model)
	}
	for _, name := range names {
		if r.health[name].Healthy {
			return name, nil
		}
	}
	return names[0], nil
}

// Candidates returns the providers to try for a call: the primary, then, only when
// the policy is enabled, the configured order minus the primary and unhealthy providers.
func (r *Registry) Candidates(primary string, policy FallbackPolicy) []string {
	out := []string{primary}
	if !policy.Enabled {
		return out
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[string]bool{primary: true}
	for _, name := range policy.Order {
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := r.adapters[name]; !ok {
			continue
		}
		if !r.health[name].Healthy {
			continue
		}
		out = append(out, name)
	}
	return out
}

// Health returns the advisory health of one provider
func (r *Registry) Health(name string) (HealthStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status, exists := r.health[name]
	if !exists {
		return HealthStatus{}, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return status, nil
}

// HealthAll returns every provider's health, sorted by name
func (r *Registry) HealthAll() []HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]HealthStatus, 0, len(r.health))
	for _, s := range r.health {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// recordProbe applies one probe outcome. Only the HealthMonitor calls it.
func (r *Registry) recordProbe(name string, probeErr error, threshold int, at time.Time) (HealthStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, exists := r.health[name]
	if !exists {
		return HealthStatus{}, false
	}

	next := prev
	next.LastCheckedAt = at
	if probeErr == nil {
		next.Healthy = true
		next.ConsecutiveFailures = 0
		next.LastError = ""
	} else {
		next.ConsecutiveFailures++
		next.LastError = probeErr.Error()
		if next.ConsecutiveFailures >= threshold {
			next.Healthy = false
		}
	}
	r.health[name] = next
	return next, next.Healthy != prev.Healthy
}

func removeName(names []string, name string) []string {
	out := names[:0:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}
