package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/config"
	"github.com/upb/llm-gateway/internal/observability"
	"github.com/upb/llm-gateway/middleware"
	"github.com/upb/llm-gateway/repositories"
	"github.com/upb/llm-gateway/repositories/postgres"
	"github.com/upb/llm-gateway/services/cache"
	"github.com/upb/llm-gateway/services/dispatch"
	"github.com/upb/llm-gateway/services/gateway"
	"github.com/upb/llm-gateway/services/inference"
	"github.com/upb/llm-gateway/services/providers"
)

// ServiceName labels traces and the redis key prefix
const ServiceName = "llm-gateway"

// registerTimeout bounds the credential probe of one adapter at startup or reload
const registerTimeout = 15 * time.Second

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *postgres.DB
	Logger *zap.Logger

	// Observability
	Metrics  *prometheus.Registry
	Recorder *observability.Recorder
	Tracing  observability.Tracing

	// Repositories
	CompletionLogs repositories.CompletionLogRepository

	// Gateway
	Dispatcher *dispatch.Dispatcher
	Gateway    *gateway.Gateway
	Cache      cache.ResponseCache
	Inference  *inference.Service

	// Auth
	AuthMiddleware *middleware.AuthMiddleware

	mu       sync.Mutex
	monitor  *providers.HealthMonitor
	running  context.Context
	stopBg   context.CancelFunc
	closeFns []func() error
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initObservability(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}

	if err := deps.initDatabase(ctx, cfg); err != nil {
		_ = deps.closeAll()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := deps.initCache(ctx, cfg); err != nil {
		_ = deps.closeAll()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	if err := deps.initGateway(ctx, cfg); err != nil {
		_ = deps.closeAll()
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}

	deps.Inference = inference.NewService(deps.Gateway,
		inference.WithCache(deps.Cache),
		inference.WithLogRepository(deps.CompletionLogs),
		inference.WithMetrics(deps.Recorder),
		inference.WithLogger(logger),
	)

	deps.initAuth(cfg)

	logger.Info("all dependencies initialized successfully",
		zap.Strings("providers", deps.Gateway.Providers()))
	return deps, nil
}

func (d *Dependencies) initObservability(ctx context.Context, cfg *config.Config) error {
	d.Metrics = prometheus.NewRegistry()
	d.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder, err := observability.NewRecorder(d.Metrics)
	if err != nil {
		return err
	}
	d.Recorder = recorder

	tracing, err := observability.SetupTracing(ctx, ServiceName, cfg.Observability.TracingEnabled, nil)
	if err != nil {
		return err
	}
	d.Tracing = tracing
	return nil
}

// initDatabase opens the request-log database. Without one, completions are not logged.
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	if !cfg.Database.Enabled() {
		d.Logger.Warn("no database configured, completion log disabled")
		d.CompletionLogs = repositories.NopCompletionLogRepository{}
		return nil
	}

	db, err := postgres.NewDB(ctx, cfg.Database, d.Logger)
	if err != nil {
		return err
	}
	d.DB = db
	d.closeFns = append(d.closeFns, db.Close)

	if err := db.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	d.CompletionLogs = postgres.NewCompletionLogRepository(db, d.Logger)
	d.Logger.Info("database connection established",
		zap.String("connection", cfg.Database.LogString()))
	return nil
}

func (d *Dependencies) initCache(ctx context.Context, cfg *config.Config) error {
	switch cfg.Cache.Backend {
	case "redis":
		rc, err := cache.NewRedisCache(ctx, cfg.Cache.RedisURL, ServiceName, cfg.Cache.TTL)
		if err != nil {
			return err
		}
		d.Cache = rc
		d.closeFns = append(d.closeFns, rc.Close)
	case "", "memory":
		mc := cache.NewMemoryCache(cfg.Cache.MaxEntries, cfg.Cache.TTL)
		if err := observability.RegisterCacheStats(d.Metrics, mc.Stats); err != nil {
			return err
		}
		d.Cache = mc
	default:
		d.Cache = cache.Nop{}
	}
	d.Logger.Info("response cache ready",
		zap.String("backend", cfg.Cache.Backend),
		zap.Duration("ttl", cfg.Cache.TTL))
	return nil
}

func (d *Dependencies) initGateway(ctx context.Context, cfg *config.Config) error {
	d.Dispatcher = dispatch.New(DispatchConfig(cfg.Dispatch),
		dispatch.WithLogger(d.Logger),
		dispatch.WithMetrics(d.Recorder),
		dispatch.WithTracer(d.Tracing.Tracer),
	)

	registry := BuildRegistry(ctx, cfg, d.Logger)
	if registry.Count() == 0 {
		d.Logger.Warn("no LLM providers registered")
	}
	d.Gateway = gateway.New(registry, d.Dispatcher, GatewayConfig(cfg.Gateway), d.Logger)
	d.monitor = d.newMonitor(registry, cfg.Health)
	return nil
}

func (d *Dependencies) initAuth(cfg *config.Config) {
	if !cfg.Auth.Enabled {
		d.Logger.Warn("auth disabled, API is open")
		d.AuthMiddleware = middleware.NewAuthMiddleware(nil, d.Logger)
		return
	}
	validator := middleware.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
	d.AuthMiddleware = middleware.NewAuthMiddleware(validator, d.Logger)
	d.Logger.Info("jwt auth enabled")
}

// BuildRegistry registers every enabled provider. Adapters that fail their
// credential probe are logged and left out.
func BuildRegistry(ctx context.Context, cfg *config.Config, logger *zap.Logger) *providers.Registry {
	registry, _ := BuildRegistryReport(ctx, cfg, logger)
	return registry
}

// BuildRegistryReport is BuildRegistry that also returns why each left-out provider
// was skipped, keyed by provider name
func BuildRegistryReport(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*providers.Registry, map[string]error) {
	registry := providers.NewRegistry(logger)
	skipped := make(map[string]error)

	for _, name := range cfg.EnabledProviders() {
		adapter, err := NewAdapter(name, cfg.Providers[name])
		if err != nil {
			logger.Error("skipping provider", zap.String("provider", name), zap.Error(err))
			skipped[name] = err
			continue
		}

		regCtx, cancel := context.WithTimeout(ctx, registerTimeout)
		err = registry.Register(regCtx, adapter)
		cancel()
		if err != nil {
			logger.Error("provider failed to start",
				zap.String("provider", name),
				zap.String("kind", string(providers.KindOf(err))),
				zap.Error(err))
			skipped[name] = err
			continue
		}
	}
	return registry, skipped
}

// DispatchConfig converts the dispatch section of the configuration
func DispatchConfig(c config.DispatchConfig) dispatch.Config {
	return dispatch.Config{
		MaxRetries:       c.MaxRetries,
		BaseDelay:        c.BaseDelay,
		MaxDelay:         c.MaxDelay,
		Jitter:           c.Jitter,
		MaxRetryAfter:    c.MaxRetryAfter,
		BreakerThreshold: c.BreakerThreshold,
		BreakerCooldown:  c.BreakerCooldown,
		AttemptTimeout:   c.AttemptTimeout,
		StreamTimeout:    c.StreamTimeout,
	}
}

// GatewayConfig converts the gateway section of the configuration
func GatewayConfig(c config.GatewayConfig) gateway.Config {
	return gateway.Config{
		DefaultProvider: c.DefaultProvider,
		Fallback: providers.FallbackPolicy{
			Enabled: c.Fallback.Enabled,
			Order:   append([]string(nil), c.Fallback.Order...),
		},
	}
}

func (d *Dependencies) newMonitor(registry *providers.Registry, hc config.HealthConfig) *providers.HealthMonitor {
	// probes go through the dispatcher so they share each provider's breaker
	monitor := providers.NewHealthMonitor(registry, d.Dispatcher, providers.HealthMonitorConfig{
		Interval:           hc.Interval,
		Timeout:            hc.Timeout,
		UnhealthyThreshold: hc.UnhealthyThreshold,
	}, d.Logger)
	monitor.SetObserver(d.Recorder.ObserveHealth)
	return monitor
}

// Start launches background work: health probes and cache cleanup. It returns
// immediately; Close stops everything.
func (d *Dependencies) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopBg != nil {
		return
	}
	d.running, d.stopBg = context.WithCancel(ctx)

	d.monitor.Start(d.running)
	if mc, ok := d.Cache.(*cache.MemoryCache); ok {
		go mc.StartCleanupWorker(d.running, time.Minute)
	}
}

// ReloadProviders rebuilds the registry from cfg and swaps it into the gateway.
// Requests in flight keep the adapters they started with. Cached responses are
// dropped since they may come from a model or endpoint that is no longer configured.
func (d *Dependencies) ReloadProviders(ctx context.Context, cfg *config.Config) {
	registry := BuildRegistry(ctx, cfg, d.Logger)
	monitor := d.newMonitor(registry, cfg.Health)

	d.mu.Lock()
	old := d.monitor
	d.monitor = monitor
	d.Config = cfg
	d.Gateway.Swap(registry, GatewayConfig(cfg.Gateway))
	if d.running != nil {
		old.Stop()
		monitor.Start(d.running)
	}
	d.mu.Unlock()

	if clearer, ok := d.Cache.(cache.Clearer); ok {
		if err := clearer.Clear(ctx); err != nil {
			d.Logger.Warn("failed to clear response cache", zap.Error(err))
		}
	}

	d.Logger.Info("providers reloaded", zap.Strings("providers", registry.List()))
}

// OnConfigChange is registered with config.Loader.OnChange
func (d *Dependencies) OnConfigChange(old, next *config.Config) {
	if old != nil && !providersChanged(old, next) {
		return
	}
	d.ReloadProviders(context.Background(), next)
}

// CheckProviders probes every provider now and returns the results
func (d *Dependencies) CheckProviders(ctx context.Context) []providers.HealthStatus {
	d.mu.Lock()
	monitor := d.monitor
	d.mu.Unlock()
	return monitor.CheckNow(ctx)
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	d.mu.Lock()
	if d.stopBg != nil {
		d.stopBg()
	}
	if d.monitor != nil {
		d.monitor.Stop()
	}
	d.mu.Unlock()

	// drain pending completion log writes before closing the database
	if d.Inference != nil {
		done := make(chan struct{})
		go func() {
			d.Inference.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			d.Logger.Warn("completion log writes still pending at shutdown")
		}
	}

	var errs []error
	if d.Tracing.Shutdown != nil {
		if err := d.Tracing.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush traces: %w", err))
		}
	}
	if err := d.closeAll(); err != nil {
		errs = append(errs, err)
	}

	_ = d.Logger.Sync()

	return errors.Join(errs...)
}

func (d *Dependencies) closeAll() error {
	var errs []error
	for i := len(d.closeFns) - 1; i >= 0; i-- {
		if err := d.closeFns[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closeFns = nil
	return errors.Join(errs...)
}
