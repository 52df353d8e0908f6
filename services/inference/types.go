package inference

import (
	"time"

	"github.com/upb/llm-gateway/services/providers"
)

// Caller identifies who submitted a request
type Caller struct {
	// RequestID correlates the completion log with the HTTP request. Generated when empty.
	RequestID string

	// Subject is the authenticated principal, empty when auth is disabled
	Subject string

	// NoCache skips the cache lookup. The fresh response is still stored.
	NoCache bool
}

// Result is a completed, possibly cached, response
type Result struct {
	*providers.CompletionResponse

	RequestID   string `json:"request_id"`
	Cached      bool   `json:"cached"`
	Fingerprint string `json:"-"`
}

// Metrics receives pipeline observations. *observability.Recorder satisfies it.
type Metrics interface {
	ObserveCache(result string)
	ObserveUsage(provider, model string, usage providers.Usage)
}

type nopMetrics struct{}

func (nopMetrics) ObserveCache(string)                         {}
func (nopMetrics) ObserveUsage(string, string, providers.Usage) {}

// cache lookup results
const (
	cacheHit    = "hit"
	cacheMiss   = "miss"
	cacheError  = "error"
	cacheBypass = "bypass"
)

// logWriteTimeout bounds a request-log insert that outlives its request
const logWriteTimeout = 5 * time.Second
