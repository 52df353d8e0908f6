package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
)

const completionLogColumns = `
	id, request_id, subject, status, stream, provider, model, finish_reason, fingerprint,
	prompt_tokens, completion_tokens, reasoning_tokens, total_tokens, latency_ms,
	error_kind, error_message, created_at`

// CompletionLogRepository implements the repositories.CompletionLogRepository interface
type CompletionLogRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewCompletionLogRepository creates a new completion log repository
func NewCompletionLogRepository(db *DB, logger *zap.Logger) repositories.CompletionLogRepository {
	return &CompletionLogRepository{
		db:     db,
		logger: logger,
	}
}

// Insert inserts a new log entry
func (r *CompletionLogRepository) Insert(ctx context.Context, log *models.CompletionLog) error {
	query := `
		INSERT INTO completion_logs (` + completionLogColumns + `
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		)
	`

	_, err := r.db.ExecContext(ctx, query,
		log.ID,
		log.RequestID,
		log.Subject,
		log.Status,
		log.Stream,
		log.Provider,
		log.Model,
		log.FinishReason,
		log.Fingerprint,
		log.PromptTokens,
		log.CompletionTokens,
		log.ReasoningTokens,
		log.TotalTokens,
		log.LatencyMs,
		log.ErrorKind,
		log.ErrorMessage,
		log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert completion log: %w", err)
	}

	r.logger.Debug("completion log created",
		zap.String("id", log.ID.String()),
		zap.String("request_id", log.RequestID),
	)
	return nil
}

// GetByRequestID retrieves a log entry by external request ID
func (r *CompletionLogRepository) GetByRequestID(ctx context.Context, requestID string) (*models.CompletionLog, error) {
	query := `SELECT ` + completionLogColumns + `
		FROM completion_logs
		WHERE request_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	log, err := scanCompletionLog(r.db.QueryRowContext(ctx, query, requestID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: completion log %s", repositories.ErrNotFound, requestID)
		}
		return nil, fmt.Errorf("failed to get completion log: %w", err)
	}
	return log, nil
}

// ListRecent retrieves log entries, newest first
func (r *CompletionLogRepository) ListRecent(ctx context.Context, limit, offset int) ([]*models.CompletionLog, error) {
	query := `SELECT ` + completionLogColumns + `
		FROM completion_logs
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query completion logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.CompletionLog
	for rows.Next() {
		log, err := scanCompletionLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan completion log: %w", err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating completion log rows: %w", err)
	}
	return logs, nil
}

// GetUsageStats aggregates entries created since the given time, per provider and model
func (r *CompletionLogRepository) GetUsageStats(ctx context.Context, since time.Time) ([]*repositories.UsageStats, error) {
	query := `
		SELECT
			provider,
			COALESCE(model, '') AS model,
			COUNT(*) AS total_requests,
			COUNT(CASE WHEN status = 'completed' THEN 1 END) AS completed_requests,
			COUNT(CASE WHEN status = 'cached' THEN 1 END) AS cached_requests,
			COUNT(CASE WHEN status = 'failed' THEN 1 END) AS failed_requests,
			COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens,
			COALESCE(SUM(completion_tokens), 0) AS completion_tokens,
			COALESCE(SUM(total_tokens), 0) AS total_tokens,
			COALESCE(AVG(latency_ms), 0) AS avg_latency_ms
		FROM completion_logs
		WHERE created_at >= $1
		GROUP BY provider, COALESCE(model, '')
		ORDER BY provider, model
	`

	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage stats: %w", err)
	}
	defer rows.Close()

	var stats []*repositories.UsageStats
	for rows.Next() {
		s := &repositories.UsageStats{}
		if err := rows.Scan(
			&s.Provider,
			&s.Model,
			&s.TotalRequests,
			&s.CompletedRequests,
			&s.CachedRequests,
			&s.FailedRequests,
			&s.PromptTokens,
			&s.CompletionTokens,
			&s.TotalTokens,
			&s.AvgLatencyMs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage stats: %w", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage stats rows: %w", err)
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCompletionLog(row rowScanner) (*models.CompletionLog, error) {
	log := &models.CompletionLog{}
	var subject, model, finish, fingerprint sql.NullString
	err := row.Scan(
		&log.ID,
		&log.RequestID,
		&subject,
		&log.Status,
		&log.Stream,
		&log.Provider,
		&model,
		&finish,
		&fingerprint,
		&log.PromptTokens,
		&log.CompletionTokens,
		&log.ReasoningTokens,
		&log.TotalTokens,
		&log.LatencyMs,
		&log.ErrorKind,
		&log.ErrorMessage,
		&log.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	log.Subject = subject.String
	log.Model = model.String
	log.FinishReason = finish.String
	log.Fingerprint = fingerprint.String
	return log, nil
}
