// Package dispatch wraps adapter calls with retries, backoff, per-attempt deadlines
// and a circuit breaker per provider.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/services/providers"
)

const (
	OpComplete    = "complete"
	OpStream      = "complete_stream"
	OpHealthCheck = "health_check"

	tracerName = "github.com/upb/llm-gateway/services/dispatch"
)

// Config holds the dispatch policy
type Config struct {
	// MaxRetries is the number of additional attempts after the first; a provider's
	// own MaxRetries overrides it when set
	MaxRetries int

	// BaseDelay and MaxDelay bound the exponential backoff
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Jitter is the random fraction added to each delay
	Jitter float64

	// MaxRetryAfter caps how long a vendor Retry-After hint can make us wait
	MaxRetryAfter time.Duration

	// BreakerThreshold is the consecutive-failure count that opens a breaker; 0 disables
	BreakerThreshold int

	// BreakerCooldown is how long a breaker stays open
	BreakerCooldown time.Duration

	// AttemptTimeout bounds one attempt when the provider config has no timeout
	AttemptTimeout time.Duration

	// StreamTimeout bounds a whole stream, including reads; 0 means no limit
	StreamTimeout time.Duration
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		BaseDelay:        500 * time.Millisecond,
		MaxDelay:         30 * time.Second,
		Jitter:           0.2,
		MaxRetryAfter:    60 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
		AttemptTimeout:   60 * time.Second,
		StreamTimeout:    5 * time.Minute,
	}
}

// Metrics receives dispatch events
type Metrics interface {
	ObserveAttempt(provider, operation, outcome string, duration time.Duration)
	ObserveRetry(provider, operation string, kind providers.ErrorKind)
	ObserveBreakerTransition(provider string, from, to State)
}

// NopMetrics discards all events
type NopMetrics struct{}

func (NopMetrics) ObserveAttempt(string, string, string, time.Duration) {}
func (NopMetrics) ObserveRetry(string, string, providers.ErrorKind)     {}
func (NopMetrics) ObserveBreakerTransition(string, State, State)        {}

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithTracer sets the tracer used for dispatch spans
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracer = t
		}
	}
}

// WithClock sets the clock used by circuit breakers
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithSleeper sets how backoff delays are waited out
func WithSleeper(s Sleeper) Option {
	return func(d *Dispatcher) {
		if s != nil {
			d.sleep = s
		}
	}
}

// WithRand sets the jitter source, returning values in [0, 1)
func WithRand(r func() float64) Option {
	return func(d *Dispatcher) {
		d.backoff.rand = r
	}
}

// Dispatcher applies the retry and breaker policy to adapter calls. It is safe for
// concurrent use; each call suspends only its own goroutine.
type Dispatcher struct {
	config  Config
	backoff Backoff
	logger  *zap.Logger
	metrics Metrics
	tracer  trace.Tracer
	now     func() time.Time
	sleep   Sleeper

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// New creates a dispatcher
func New(config Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		config: config,
		backoff: Backoff{
			Base:   config.BaseDelay,
			Max:    config.MaxDelay,
			Jitter: config.Jitter,
		},
		logger:   zap.NewNop(),
		metrics:  NopMetrics{},
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		sleep:    sleepContext,
		breakers: make(map[string]*CircuitBreaker),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Breaker returns the circuit breaker for a provider, creating it on first use
func (d *Dispatcher) Breaker(provider string) *CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.breakers[provider]
	if !ok {
		b = NewCircuitBreaker(provider, BreakerConfig{
			Threshold: d.config.BreakerThreshold,
			Cooldown:  d.config.BreakerCooldown,
		}, d.now)
		b.onTransition = d.onBreakerTransition
		d.breakers[provider] = b
	}
	return b
}

// ResetBreakers closes every breaker, used when providers are rebuilt from new config
func (d *Dispatcher) ResetBreakers() {
	d.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(d.breakers))
	for _, b := range d.breakers {
		breakers = append(breakers, b)
	}
	d.mu.Unlock()

	for _, b := range breakers {
		b.Reset()
	}
}

func (d *Dispatcher) onBreakerTransition(provider string, from, to State) {
	d.metrics.ObserveBreakerTransition(provider, from, to)
	fields := []zap.Field{
		zap.String("provider", provider),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	}
	if to == StateOpen {
		d.logger.Warn("circuit breaker opened", fields...)
		return
	}
	d.logger.Info("circuit breaker transition", fields...)
}

// Complete runs adapter.Complete under the dispatch policy
func (d *Dispatcher) Complete(ctx context.Context, adapter providers.Adapter, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	timeout := d.attemptTimeout(adapter)

	var resp *providers.CompletionResponse
	err := d.run(ctx, adapter, OpComplete, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		r, err := adapter.Complete(attemptCtx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// HealthCheck runs adapter.HealthCheck under the dispatch policy. It implements
// providers.Prober, so health probes share the provider's breaker.
func (d *Dispatcher) HealthCheck(ctx context.Context, adapter providers.Adapter) error {
	timeout := d.attemptTimeout(adapter)

	return d.run(ctx, adapter, OpHealthCheck, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return adapter.HealthCheck(attemptCtx)
	})
}

// CompleteStream runs adapter.CompleteStream under the dispatch policy. Retries
// cover establishing the stream only; once chunks flow, errors reach the consumer.
// Establishing is bounded by the attempt timeout, the body by StreamTimeout.
func (d *Dispatcher) CompleteStream(ctx context.Context, adapter providers.Adapter, req *providers.CompletionRequest) (providers.Stream, error) {
	timeout := d.attemptTimeout(adapter)

	var stream providers.Stream
	err := d.runStream(ctx, adapter, func(ctx context.Context, report func(error)) error {
		streamCtx, cancel := d.streamContext(ctx)

		var expired atomic.Bool
		timer := time.AfterFunc(timeout, func() {
			expired.Store(true)
			cancel()
		})

		s, err := adapter.CompleteStream(streamCtx, req)
		if !timer.Stop() && expired.Load() {
			if s != nil {
				_ = s.Close()
			}
			cancel()
			return &providers.LLMError{
				Kind:     providers.KindTimeout,
				Message:  fmt.Sprintf("stream not established within %s", timeout),
				Provider: adapter.Name(),
				Cause:    context.DeadlineExceeded,
			}
		}
		if err != nil {
			cancel()
			return err
		}
		stream = &guardedStream{
			stream:   s,
			provider: adapter.Name(),
			cancel:   cancel,
			report:   report,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (d *Dispatcher) streamContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.config.StreamTimeout > 0 {
		return context.WithTimeout(ctx, d.config.StreamTimeout)
	}
	return context.WithCancel(ctx)
}

// run is the retry loop for calls whose outcome is known when attempt returns
func (d *Dispatcher) run(ctx context.Context, adapter providers.Adapter, op string, attempt func(ctx context.Context) error) error {
	return d.loop(ctx, adapter, op, func(ctx context.Context, breaker *CircuitBreaker, ticket Ticket) error {
		err := attempt(ctx)
		breaker.Done(ticket, d.outcome(ctx, err))
		return err
	})
}

// runStream is the retry loop for streams. The breaker learns the outcome when the
// stream finishes, through report.
func (d *Dispatcher) runStream(ctx context.Context, adapter providers.Adapter, attempt func(ctx context.Context, report func(error)) error) error {
	return d.loop(ctx, adapter, OpStream, func(ctx context.Context, breaker *CircuitBreaker, ticket Ticket) error {
		var once sync.Once
		report := func(err error) {
			once.Do(func() { breaker.Done(ticket, d.outcome(ctx, err)) })
		}

		err := attempt(ctx, report)
		if err != nil {
			report(err)
		}
		return err
	})
}

func (d *Dispatcher) loop(ctx context.Context, adapter providers.Adapter, op string, attempt func(context.Context, *CircuitBreaker, Ticket) error) error {
	name := adapter.Name()
	breaker := d.Breaker(name)
	maxRetries := d.maxRetries(adapter)

	ctx, span := d.tracer.Start(ctx, "dispatch."+op, trace.WithAttributes(
		attribute.String("llm.provider", name),
		attribute.String("llm.operation", op),
	))
	defer span.End()

	var (
		lastErr  *providers.LLMError
		previous time.Duration
	)
	for n := 0; ; n++ {
		ticket, err := breaker.Allow()
		if err != nil {
			d.metrics.ObserveAttempt(name, op, "circuit_open", 0)
			if lastErr != nil {
				return d.fail(span, lastErr, n)
			}
			return d.fail(span, providers.Classify(name, err), n)
		}

		start := time.Now()
		err = attempt(ctx, breaker, ticket)
		if err == nil {
			d.metrics.ObserveAttempt(name, op, "success", time.Since(start))
			span.SetAttributes(attribute.Int("llm.attempts", n+1))
			return nil
		}

		llmErr := providers.Classify(name, err)
		lastErr = llmErr
		d.metrics.ObserveAttempt(name, op, string(llmErr.Kind), time.Since(start))

		if !llmErr.Kind.Retryable() || n >= maxRetries || ctx.Err() != nil {
			if llmErr.Kind.Retryable() && n >= maxRetries && maxRetries > 0 {
				d.logger.Warn("provider retries exhausted",
					zap.String("provider", name),
					zap.String("operation", op),
					zap.Int("attempts", n+1),
					zap.String("kind", string(llmErr.Kind)),
				)
			}
			return d.fail(span, llmErr, n+1)
		}

		delay := nextDelay(d.backoff, n+1, llmErr.RetryAfter, d.config.MaxRetryAfter, previous)
		previous = delay
		d.metrics.ObserveRetry(name, op, llmErr.Kind)
		d.logger.Info("retrying provider call",
			zap.String("provider", name),
			zap.String("operation", op),
			zap.Int("attempt", n+1),
			zap.String("kind", string(llmErr.Kind)),
			zap.Duration("delay", delay),
		)
		span.AddEvent("retry", trace.WithAttributes(
			attribute.Int("llm.attempt", n+1),
			attribute.String("llm.error_kind", string(llmErr.Kind)),
			attribute.Int64("llm.delay_ms", delay.Milliseconds()),
		))

		if err := d.sleep(ctx, delay); err != nil {
			return d.fail(span, llmErr, n+1)
		}
	}
}

func (d *Dispatcher) fail(span trace.Span, err *providers.LLMError, attempts int) error {
	if err.Kind == providers.KindUnknown {
		d.logger.Warn("unclassified provider error",
			zap.String("provider", err.Provider),
			zap.String("message", err.Message),
			zap.Error(err.Cause),
		)
	}
	span.SetAttributes(
		attribute.Int("llm.attempts", attempts),
		attribute.String("llm.error_kind", string(err.Kind)),
	)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(err.Kind))
	return err
}

// outcome decides what a finished call tells the breaker. Failures caused by the
// caller giving up say nothing about the vendor.
func (d *Dispatcher) outcome(ctx context.Context, err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if ctx.Err() != nil {
		return OutcomeNeutral
	}
	if providers.Classify("", err).Retryable() {
		return OutcomeFailure
	}
	return OutcomeNeutral
}

type configured interface {
	Config() providers.ProviderConfig
}

func (d *Dispatcher) maxRetries(adapter providers.Adapter) int {
	if c, ok := adapter.(configured); ok && c.Config().MaxRetries > 0 {
		return c.Config().MaxRetries
	}
	if d.config.MaxRetries < 0 {
		return 0
	}
	return d.config.MaxRetries
}

func (d *Dispatcher) attemptTimeout(adapter providers.Adapter) time.Duration {
	if c, ok := adapter.(configured); ok && c.Config().Timeout > 0 {
		return c.Config().Timeout
	}
	if d.config.AttemptTimeout > 0 {
		return d.config.AttemptTimeout
	}
	return DefaultConfig().AttemptTimeout
}

// guardedStream reports a stream's outcome to the breaker and releases its
// deadline when the consumer is done
type guardedStream struct {
	stream   providers.Stream
	provider string
	cancel   context.CancelFunc
	report   func(error)

	closeOnce sync.Once
	closeErr  error
}

func (g *guardedStream) Recv() (providers.StreamChunk, error) {
	c, err := g.stream.Recv()
	switch {
	case err == nil:
		if c.Done {
			g.report(nil)
		}
		return c, nil
	case errors.Is(err, io.EOF):
		g.report(nil)
		return c, err
	default:
		llmErr := providers.Classify(g.provider, err)
		g.report(llmErr)
		return c, llmErr
	}
}

func (g *guardedStream) Close() error {
	g.closeOnce.Do(func() {
		g.closeErr = g.stream.Close()
		g.cancel()
		// abandoned by the consumer
		g.report(context.Canceled)
	})
	return g.closeErr
}
