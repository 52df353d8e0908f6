// Package providertest provides scriptable adapters and streams for tests.
package providertest

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/upb/llm-gateway/services/providers"
)

// MockAdapter is a test implementation of providers.Adapter. Nil hooks fall back
// to canned successful behaviour.
type MockAdapter struct {
	mu sync.Mutex

	name   string
	models []string
	config providers.ProviderConfig

	InitFn     func(ctx context.Context) error
	CompleteFn func(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error)
	StreamFn   func(ctx context.Context, req *providers.CompletionRequest) (providers.Stream, error)
	HealthFn   func(ctx context.Context) error
	ModelsFn   func(ctx context.Context) ([]string, error)

	initCalls     int
	completeCalls int
	streamCalls   int
	healthCalls   int
	lastRequest   *providers.CompletionRequest
}

// NewMockAdapter creates a mock serving models
func NewMockAdapter(name string, models ...string) *MockAdapter {
	if len(models) == 0 {
		models = []string{"mock-model-1", "mock-model-2"}
	}
	return &MockAdapter{name: name, models: models}
}

// WithConfig sets the configuration reported by Config
func (m *MockAdapter) WithConfig(cfg providers.ProviderConfig) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg.Name = m.name
	m.config = cfg
	return m
}

// Config returns the adapter's configuration
func (m *MockAdapter) Config() providers.ProviderConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// Name implements providers.Adapter
func (m *MockAdapter) Name() string {
	return m.name
}

// Initialize implements providers.Adapter
func (m *MockAdapter) Initialize(ctx context.Context) error {
	m.mu.Lock()
	m.initCalls++
	fn := m.InitFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return nil
}

// Complete implements providers.Adapter
func (m *MockAdapter) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	m.mu.Lock()
	m.completeCalls++
	m.lastRequest = req
	fn := m.CompleteFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return &providers.CompletionResponse{
		ID:           "mock-response-123",
		Provider:     m.name,
		Model:        req.Model,
		Content:      "This is a mock response",
		FinishReason: providers.FinishStop,
		Usage:        providers.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		Created:      time.Now().UTC(),
	}, nil
}

// CompleteStream implements providers.Adapter
func (m *MockAdapter) CompleteStream(ctx context.Context, req *providers.CompletionRequest) (providers.Stream, error) {
	m.mu.Lock()
	m.streamCalls++
	m.lastRequest = req
	fn := m.StreamFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return NewStream(
		providers.StreamChunk{Delta: "This is "},
		providers.StreamChunk{Delta: "a mock response"},
		providers.StreamChunk{Done: true, FinishReason: providers.FinishStop},
	), nil
}

// HealthCheck implements providers.Adapter
func (m *MockAdapter) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	m.healthCalls++
	fn := m.HealthFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return nil
}

// ListModels implements providers.Adapter
func (m *MockAdapter) ListModels(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	fn := m.ModelsFn
	models := append([]string(nil), m.models...)
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return models, nil
}

// InitCalls returns the number of Initialize calls
func (m *MockAdapter) InitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initCalls
}

// CompleteCalls returns the number of Complete calls
func (m *MockAdapter) CompleteCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completeCalls
}

// StreamCalls returns the number of CompleteStream calls
func (m *MockAdapter) StreamCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamCalls
}

// HealthCalls returns the number of HealthCheck calls
func (m *MockAdapter) HealthCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthCalls
}

// LastRequest returns the request seen by the most recent Complete or CompleteStream
func (m *MockAdapter) LastRequest() *providers.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequest
}

// Stream is a canned providers.Stream that tracks Close calls
type Stream struct {
	mu     sync.Mutex
	chunks []providers.StreamChunk
	err    error
	pos    int
	closes int
}

// NewStream returns a stream that yields chunks, then io.EOF
func NewStream(chunks ...providers.StreamChunk) *Stream {
	return &Stream{chunks: chunks}
}

// NewFailingStream returns a stream that yields chunks, then err
func NewFailingStream(err error, chunks ...providers.StreamChunk) *Stream {
	return &Stream{chunks: chunks, err: err}
}

// Recv implements providers.Stream
func (s *Stream) Recv() (providers.StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closes > 0 {
		return providers.StreamChunk{}, providers.ErrStreamClosed
	}
	if s.pos < len(s.chunks) {
		c := s.chunks[s.pos]
		s.pos++
		return c, nil
	}
	if s.err != nil {
		return providers.StreamChunk{}, s.err
	}
	return providers.StreamChunk{}, io.EOF
}

// Close implements providers.Stream
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

// Closes returns the number of Close calls
func (s *Stream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}
