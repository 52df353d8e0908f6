// Package inference is the host pipeline around the gateway: it consults the
// response cache, submits the request and records a completion log entry.
package inference

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
	"github.com/upb/llm-gateway/services/cache"
	"github.com/upb/llm-gateway/services/gateway"
	"github.com/upb/llm-gateway/services/providers"
)

// Gateway is the part of *gateway.Gateway the pipeline calls
type Gateway interface {
	SubmitCompletion(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error)
	SubmitStreamingCompletion(ctx context.Context, req *providers.CompletionRequest) (providers.Stream, error)
}

// Service orchestrates cache, gateway and request log for one completion
type Service struct {
	gateway Gateway
	cache   cache.ResponseCache
	logs    repositories.CompletionLogRepository
	metrics Metrics
	logger  *zap.Logger
	now     func() time.Time

	// pending log writes
	wg sync.WaitGroup
}

// Option configures a Service
type Option func(*Service)

// WithCache sets the response cache
func WithCache(c cache.ResponseCache) Option {
	return func(s *Service) {
		if c != nil {
			s.cache = c
		}
	}
}

// WithLogRepository sets where completion log entries are written
func WithLogRepository(r repositories.CompletionLogRepository) Option {
	return func(s *Service) {
		if r != nil {
			s.logs = r
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService creates a pipeline over gw. Without options it neither caches nor logs.
func NewService(gw Gateway, opts ...Option) *Service {
	s := &Service{
		gateway: gw,
		cache:   cache.Nop{},
		logs:    repositories.NopCompletionLogRepository{},
		metrics: nopMetrics{},
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Complete serves req from the cache when possible, otherwise through the gateway.
// Errors are the gateway's *providers.LLMError.
func (s *Service) Complete(ctx context.Context, req *providers.CompletionRequest, caller Caller) (*Result, error) {
	start := s.now()
	requestID := requestIDOf(caller)

	if err := gateway.Validate(req); err != nil {
		return nil, err
	}
	fp := cache.Fingerprint(req)

	if resp, ok := s.lookup(ctx, fp, caller.NoCache); ok {
		entry := s.newEntry(requestID, caller, resp.Provider, resp.Model, fp, false)
		entry.Status = models.CompletionStatusCached
		fillUsage(entry, resp)
		entry.LatencyMs = int(s.now().Sub(start).Milliseconds())
		s.record(ctx, entry)

		s.logger.Debug("completion served from cache",
			zap.String("request_id", requestID),
			zap.String("provider", resp.Provider),
		)
		return &Result{CompletionResponse: resp, RequestID: requestID, Cached: true, Fingerprint: fp}, nil
	}

	resp, err := s.gateway.SubmitCompletion(ctx, req)
	latency := s.now().Sub(start)
	if err != nil {
		s.recordFailure(ctx, requestID, caller, req, fp, false, latency, err)
		return nil, err
	}

	s.store(ctx, fp, resp)
	s.metrics.ObserveUsage(resp.Provider, resp.Model, resp.Usage)

	entry := s.newEntry(requestID, caller, resp.Provider, resp.Model, fp, false)
	entry.Status = models.CompletionStatusCompleted
	fillUsage(entry, resp)
	entry.LatencyMs = int(latency.Milliseconds())
	s.record(ctx, entry)

	s.logger.Info("completion served",
		zap.String("request_id", requestID),
		zap.String("provider", resp.Provider),
		zap.String("model", resp.Model),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
		zap.Duration("latency", latency),
	)
	return &Result{CompletionResponse: resp, RequestID: requestID, Fingerprint: fp}, nil
}

// Stream opens a streaming completion. A cached response is replayed as a
// two-chunk stream. The log entry is written when the stream finishes, fails or
// is closed early. The caller must Close the returned stream.
func (s *Service) Stream(ctx context.Context, req *providers.CompletionRequest, caller Caller) (*Stream, error) {
	start := s.now()
	requestID := requestIDOf(caller)

	if err := gateway.Validate(req); err != nil {
		return nil, err
	}
	fp := cache.Fingerprint(req)

	if resp, ok := s.lookup(ctx, fp, caller.NoCache); ok {
		entry := s.newEntry(requestID, caller, resp.Provider, resp.Model, fp, true)
		entry.Status = models.CompletionStatusCached
		fillUsage(entry, resp)
		s.record(ctx, entry)

		return &Stream{RequestID: requestID, Provider: resp.Provider, Cached: true, src: newReplayStream(resp)}, nil
	}

	src, err := s.gateway.SubmitStreamingCompletion(ctx, req)
	if err != nil {
		s.recordFailure(ctx, requestID, caller, req, fp, true, s.now().Sub(start), err)
		return nil, err
	}

	provider := req.Provider
	if served, ok := src.(*gateway.ServedStream); ok {
		provider = served.Provider
	}
	return &Stream{
		RequestID: requestID,
		Provider:  provider,
		src:       src,
		finish: func(acc *providers.Accumulator, err error) {
			s.finishStream(ctx, requestID, caller, req, provider, fp, start, acc, err)
		},
	}, nil
}

// Wait blocks until pending log writes are done
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) finishStream(ctx context.Context, requestID string, caller Caller, req *providers.CompletionRequest,
	provider, fp string, start time.Time, acc *providers.Accumulator, err error) {
	latency := s.now().Sub(start)
	if err != nil {
		failed := req.Clone()
		failed.Provider = provider
		s.recordFailure(ctx, requestID, caller, failed, fp, true, latency, err)
		return
	}

	resp := acc.Response(provider, req.Model)
	if resp.ID == "" {
		resp.ID = uuid.NewString()
	}
	s.store(ctx, fp, resp)
	s.metrics.ObserveUsage(resp.Provider, resp.Model, resp.Usage)

	entry := s.newEntry(requestID, caller, provider, resp.Model, fp, true)
	entry.Status = models.CompletionStatusCompleted
	fillUsage(entry, resp)
	entry.LatencyMs = int(latency.Milliseconds())
	s.record(ctx, entry)
}

// lookup returns a cached response. Cache errors are logged and treated as misses.
func (s *Service) lookup(ctx context.Context, fp string, bypass bool) (*providers.CompletionResponse, bool) {
	if bypass {
		s.metrics.ObserveCache(cacheBypass)
		return nil, false
	}
	resp, ok, err := s.cache.Get(ctx, fp)
	switch {
	case err != nil:
		s.metrics.ObserveCache(cacheError)
		s.logger.Warn("response cache lookup failed", zap.Error(err))
		return nil, false
	case !ok:
		s.metrics.ObserveCache(cacheMiss)
		return nil, false
	}
	s.metrics.ObserveCache(cacheHit)
	return resp, true
}

func (s *Service) store(ctx context.Context, fp string, resp *providers.CompletionResponse) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logWriteTimeout)
	defer cancel()
	if err := s.cache.Put(ctx, fp, resp); err != nil {
		s.logger.Warn("response cache store failed", zap.Error(err))
	}
}

func (s *Service) recordFailure(ctx context.Context, requestID string, caller Caller, req *providers.CompletionRequest,
	fp string, stream bool, latency time.Duration, err error) {
	llmErr := providers.Classify(req.Provider, err)
	provider := llmErr.Provider
	if provider == "" {
		provider = req.Provider
	}

	entry := s.newEntry(requestID, caller, provider, req.Model, fp, stream)
	entry.MarkFailed(string(llmErr.Kind), llmErr.Message)
	entry.LatencyMs = int(latency.Milliseconds())
	s.record(ctx, entry)

	s.logger.Warn("completion failed",
		zap.String("request_id", requestID),
		zap.String("provider", provider),
		zap.String("kind", string(llmErr.Kind)),
		zap.Bool("stream", stream),
		zap.Error(err),
	)
}

func (s *Service) newEntry(requestID string, caller Caller, provider, model, fp string, stream bool) *models.CompletionLog {
	entry := models.NewCompletionLog(requestID, caller.Subject, provider, model)
	entry.Fingerprint = fp
	entry.Stream = stream
	return entry
}

// record writes entry in the background so a slow database never delays a response
func (s *Service) record(ctx context.Context, entry *models.CompletionLog) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logWriteTimeout)
		defer cancel()

		if err := s.logs.Insert(ctx, entry); err != nil {
			s.logger.Error("failed to write completion log",
				zap.String("request_id", entry.RequestID),
				zap.Error(err),
			)
		}
	}()
}

func fillUsage(entry *models.CompletionLog, resp *providers.CompletionResponse) {
	entry.FinishReason = string(resp.FinishReason)
	entry.PromptTokens = resp.Usage.PromptTokens
	entry.CompletionTokens = resp.Usage.CompletionTokens
	entry.ReasoningTokens = resp.Usage.ReasoningTokens
	entry.TotalTokens = resp.Usage.TotalTokens
}

func requestIDOf(c Caller) string {
	if c.RequestID != "" {
		return c.RequestID
	}
	return uuid.NewString()
}
