package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/upb/llm-gateway/models"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// CompletionLogRepository persists the request log
type CompletionLogRepository interface {
	// Insert inserts a new log entry
	Insert(ctx context.Context, log *models.CompletionLog) error

	// GetByRequestID retrieves a log entry by external request ID
	GetByRequestID(ctx context.Context, requestID string) (*models.CompletionLog, error)

	// ListRecent retrieves log entries, newest first
	ListRecent(ctx context.Context, limit, offset int) ([]*models.CompletionLog, error)

	// GetUsageStats aggregates entries created since the given time, per provider and model
	GetUsageStats(ctx context.Context, since time.Time) ([]*UsageStats, error)
}

// UsageStats represents aggregated request-log metrics for one provider and model
type UsageStats struct {
	Provider          string  `json:"provider"`
	Model             string  `json:"model"`
	TotalRequests     int     `json:"total_requests"`
	CompletedRequests int     `json:"completed_requests"`
	CachedRequests    int     `json:"cached_requests"`
	FailedRequests    int     `json:"failed_requests"`
	PromptTokens      int     `json:"prompt_tokens"`
	CompletionTokens  int     `json:"completion_tokens"`
	TotalTokens       int     `json:"total_tokens"`
	AvgLatencyMs      float64 `json:"avg_latency_ms"`
}

// NopCompletionLogRepository discards writes; used when no database is configured
type NopCompletionLogRepository struct{}

// Insert implements CompletionLogRepository
func (NopCompletionLogRepository) Insert(context.Context, *models.CompletionLog) error {
	return nil
}

// GetByRequestID implements CompletionLogRepository
func (NopCompletionLogRepository) GetByRequestID(context.Context, string) (*models.CompletionLog, error) {
	return nil, ErrNotFound
}

// ListRecent implements CompletionLogRepository
func (NopCompletionLogRepository) ListRecent(context.Context, int, int) ([]*models.CompletionLog, error) {
	return nil, nil
}

// GetUsageStats implements CompletionLogRepository
func (NopCompletionLogRepository) GetUsageStats(context.Context, time.Time) ([]*UsageStats, error) {
	return nil, nil
}
