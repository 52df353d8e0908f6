package observability

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/upb/llm-gateway/services/cache"
	"github.com/upb/llm-gateway/services/dispatch"
	"github.com/upb/llm-gateway/services/providers"
)

const namespace = "llm_gateway"

// Recorder reports gateway metrics using Prometheus primitives. It implements
// dispatch.Metrics.
type Recorder struct {
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	breakerChanges  *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	providerHealthy *prometheus.GaugeVec
	cacheLookups    *prometheus.CounterVec
	tokens          *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

var _ dispatch.Metrics = (*Recorder)(nil)

// NewRecorder creates the collectors and registers them on registry
func NewRecorder(registry prometheus.Registerer) (*Recorder, error) {
	if registry == nil {
		return nil, fmt.Errorf("prometheus registry is nil")
	}

	r := &Recorder{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Vendor call attempts by provider, operation and outcome",
		}, []string{"provider", "operation", "outcome"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_attempt_duration_seconds",
			Help:      "Vendor call attempt latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider", "operation"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_retries_total",
			Help:      "Retries scheduled by provider, operation and error kind",
		}, []string{"provider", "operation", "kind"}),
		breakerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions by provider",
		}, []string{"provider", "from", "to"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state by provider (0 closed, 1 half-open, 2 open)",
		}, []string{"provider"}),
		providerHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_healthy",
			Help:      "Advisory provider health (1 healthy, 0 unhealthy)",
		}, []string{"provider"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by result",
		}, []string{"result"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens consumed by provider, model and direction",
		}, []string{"provider", "model", "direction"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	for _, collector := range []prometheus.Collector{
		r.attempts, r.attemptDuration, r.retries, r.breakerChanges, r.breakerState,
		r.providerHealthy, r.cacheLookups, r.tokens, r.httpRequests, r.httpDuration,
	} {
		if err := registry.Register(collector); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return r, nil
}

// ObserveAttempt implements dispatch.Metrics
func (r *Recorder) ObserveAttempt(provider, operation, outcome string, duration time.Duration) {
	r.attempts.WithLabelValues(provider, operation, outcome).Inc()
	r.attemptDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// ObserveRetry implements dispatch.Metrics
func (r *Recorder) ObserveRetry(provider, operation string, kind providers.ErrorKind) {
	r.retries.WithLabelValues(provider, operation, string(kind)).Inc()
}

// ObserveBreakerTransition implements dispatch.Metrics
func (r *Recorder) ObserveBreakerTransition(provider string, from, to dispatch.State) {
	r.breakerChanges.WithLabelValues(provider, from.String(), to.String()).Inc()
	r.breakerState.WithLabelValues(provider).Set(breakerGauge(to))
}

// ObserveHealth records one health probe result
func (r *Recorder) ObserveHealth(status providers.HealthStatus) {
	v := 0.0
	if status.Healthy {
		v = 1
	}
	r.providerHealthy.WithLabelValues(status.Provider).Set(v)
}

// ObserveCache records a cache lookup: "hit", "miss" or "error"
func (r *Recorder) ObserveCache(result string) {
	r.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveUsage records token usage of a completed call
func (r *Recorder) ObserveUsage(provider, model string, usage providers.Usage) {
	r.tokens.WithLabelValues(provider, model, "prompt").Add(float64(usage.PromptTokens))
	r.tokens.WithLabelValues(provider, model, "completion").Add(float64(usage.CompletionTokens))
}

// ObserveHTTPRequest records one served HTTP request
func (r *Recorder) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RegisterCacheStats exposes the in-process cache size and counters, read from
// stats on every scrape
func RegisterCacheStats(registry prometheus.Registerer, stats func() cache.Stats) error {
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Responses held by the in-process cache",
		}, func() float64 { return float64(stats().Size) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_capacity",
			Help:      "Maximum responses the in-process cache holds",
		}, func() float64 { return float64(stats().MaxSize) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "In-process cache hits",
		}, func() float64 { return float64(stats().Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "In-process cache misses, expired entries included",
		}, func() float64 { return float64(stats().Misses) }),
	}
	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return fmt.Errorf("register cache collector: %w", err)
		}
	}
	return nil
}

func breakerGauge(s dispatch.State) float64 {
	switch s {
	case dispatch.StateHalfOpen:
		return 1
	case dispatch.StateOpen:
		return 2
	}
	return 0
}
