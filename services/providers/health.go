package providers

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Prober runs one health probe against an adapter
type Prober interface {
	HealthCheck(ctx context.Context, adapter Adapter) error
}

// ProberFunc adapts a function to Prober
type ProberFunc func(ctx context.Context, adapter Adapter) error

// HealthCheck implements Prober
func (f ProberFunc) HealthCheck(ctx context.Context, adapter Adapter) error {
	return f(ctx, adapter)
}

// DirectProber calls the adapter's HealthCheck without any policy around it
var DirectProber = ProberFunc(func(ctx context.Context, adapter Adapter) error {
	return adapter.HealthCheck(ctx)
})

// HealthMonitorConfig tunes the probe cadence
type HealthMonitorConfig struct {
	// Interval between probes of one provider
	Interval time.Duration

	// Timeout bounds a single probe
	Timeout time.Duration

	// UnhealthyThreshold is the number of consecutive failures before a provider is unhealthy
	UnhealthyThreshold int
}

// DefaultHealthMonitorConfig returns a sensible default configuration
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		Interval:           30 * time.Second,
		Timeout:            5 * time.Second,
		UnhealthyThreshold: 3,
	}
}

// HealthMonitor probes every registered adapter on its own cadence
type HealthMonitor struct {
	registry *Registry
	prober   Prober
	cfg      HealthMonitorConfig
	logger   *zap.Logger
	observer func(HealthStatus)
	now      func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewHealthMonitor creates a monitor. A nil prober calls adapters directly.
func NewHealthMonitor(registry *Registry, prober Prober, cfg HealthMonitorConfig, logger *zap.Logger) *HealthMonitor {
	def := DefaultHealthMonitorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = def.UnhealthyThreshold
	}
	if prober == nil {
		prober = DirectProber
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthMonitor{
		registry: registry,
		prober:   prober,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SetObserver registers a callback invoked after every probe
func (m *HealthMonitor) SetObserver(fn func(HealthStatus)) {
	m.observer = fn
}

// Start launches one probe loop per registered provider
func (m *HealthMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	for _, name := range m.registry.List() {
		m.wg.Add(1)
		go m.loop(ctx, name)
	}

	m.logger.Info("health monitor started",
		zap.Duration("interval", m.cfg.Interval),
		zap.Int("unhealthy_threshold", m.cfg.UnhealthyThreshold),
	)
}

// Stop ends all probe loops and waits for them to exit
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()
}

// CheckNow probes every provider once, concurrently, and returns the results
func (m *HealthMonitor) CheckNow(ctx context.Context) []HealthStatus {
	names := m.registry.List()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			m.probe(ctx, name)
		}(name)
	}
	wg.Wait()

	return m.registry.HealthAll()
}

func (m *HealthMonitor) loop(ctx context.Context, name string) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx, name)
		}
	}
}

func (m *HealthMonitor) probe(ctx context.Context, name string) {
	adapter, err := m.registry.Get(name)
	if err != nil {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	probeErr := m.prober.HealthCheck(probeCtx, adapter)
	cancel()

	if ctx.Err() != nil {
		return
	}

	status, changed := m.registry.recordProbe(name, probeErr, m.cfg.UnhealthyThreshold, m.now().UTC())
	if changed {
		if status.Healthy {
			m.logger.Info("provider recovered", zap.String("provider", name))
		} else {
			m.logger.Warn("provider marked unhealthy",
				zap.String("provider", name),
				zap.Int("consecutive_failures", status.ConsecutiveFailures),
				zap.String("last_error", status.LastError),
			)
		}
	}
	if m.observer != nil {
		m.observer(status)
	}
}
