package models

import (
	"time"

	"github.com/google/uuid"
)

// CompletionStatus represents the outcome of a completion request
type CompletionStatus string

const (
	CompletionStatusCompleted CompletionStatus = "completed"
	CompletionStatusCached    CompletionStatus = "cached"
	CompletionStatusFailed    CompletionStatus = "failed"
)

// CompletionLog records one completion served by the gateway
type CompletionLog struct {
	ID        uuid.UUID        `json:"id" db:"id"`
	RequestID string           `json:"request_id" db:"request_id"`
	Subject   string           `json:"subject,omitempty" db:"subject"` // authenticated caller
	Status    CompletionStatus `json:"status" db:"status"`
	Stream    bool             `json:"stream" db:"stream"`

	// Provider details
	Provider     string `json:"provider" db:"provider"`
	Model        string `json:"model" db:"model"`
	FinishReason string `json:"finish_reason,omitempty" db:"finish_reason"`
	Fingerprint  string `json:"fingerprint" db:"fingerprint"`

	// Metrics
	PromptTokens     int `json:"prompt_tokens" db:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens" db:"completion_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens" db:"reasoning_tokens"`
	TotalTokens      int `json:"total_tokens" db:"total_tokens"`
	LatencyMs        int `json:"latency_ms" db:"latency_ms"`

	// Error handling
	ErrorKind    *string `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMessage *string `json:"error_message,omitempty" db:"error_message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the CompletionLog model
func (CompletionLog) TableName() string {
	return "completion_logs"
}

// NewCompletionLog creates a log entry for one request
func NewCompletionLog(requestID, subject, provider, model string) *CompletionLog {
	if requestID == "" {
		requestID = uuid.New().String()
	}
	return &CompletionLog{
		ID:        uuid.New(),
		RequestID: requestID,
		Subject:   subject,
		Provider:  provider,
		Model:     model,
		CreatedAt: time.Now().UTC(),
	}
}

// MarkFailed records a failure
func (l *CompletionLog) MarkFailed(kind, message string) {
	l.Status = CompletionStatusFailed
	l.ErrorKind = &kind
	l.ErrorMessage = &message
}
