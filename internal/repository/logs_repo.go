package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/relaykit/llmgate/internal/proxylog"
)

// LogsRepo implements proxylog.Store over Postgres (spec.md §4.1). Create is
// the only operation the Proxy Pipeline needs at request time; retention is
// handled separately by LogsRetentionSweeper.
type LogsRepo struct {
	db *sql.DB
}

func NewLogsRepo(db *sql.DB) *LogsRepo {
	return &LogsRepo{db: db}
}

func (r *LogsRepo) Create(ctx context.Context, log proxylog.RequestLog) error {
	const query = `INSERT INTO request_logs
		(api_key_id, "timestamp", status_code, is_error, error_type, error_message, model_used, response_time_ms, ip_address)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err := r.db.ExecContext(ctx, query,
		log.ApiKeyID, log.Timestamp, log.StatusCode, log.IsError, string(log.ErrorType),
		log.ErrorMessage, log.ModelUsed, log.ResponseTime.Milliseconds(), log.IPAddress,
	)
	if err != nil {
		return fmt.Errorf("logs_repo: create: %w", err)
	}
	return nil
}

// DeleteOlderThan removes every row whose timestamp predates cutoff,
// implementing the retention sweep spec.md §9 calls for
// ("logRetentionDays" against "the oldest log row").
func (r *LogsRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM request_logs WHERE "timestamp" < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("logs_repo: delete older than: %w", err)
	}
	return res.RowsAffected()
}
