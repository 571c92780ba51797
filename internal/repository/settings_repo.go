package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/relaykit/llmgate/internal/settingsvc"
)

// SettingsRepo implements settingsvc.Store over Postgres's single-row
// settings table (spec.md §4.1/§4.2).
type SettingsRepo struct {
	db *sql.DB
}

func NewSettingsRepo(db *sql.DB) *SettingsRepo {
	return &SettingsRepo{db: db}
}

const settingsColumns = `key_rotation_request_count, max_failure_count, rate_limit_cooldown,
	log_retention_days, max_retries, endpoint, failover_delay, load_balancing_strategy,
	request_rate_limit, enable_google_grounding`

func (r *SettingsRepo) Read(ctx context.Context) (settingsvc.Settings, error) {
	query := "SELECT " + settingsColumns + " FROM settings WHERE id = 1"
	var s settingsvc.Settings
	err := r.db.QueryRowContext(ctx, query).Scan(
		&s.KeyRotationRequestCount, &s.MaxFailureCount, &s.RateLimitCooldown,
		&s.LogRetentionDays, &s.MaxRetries, &s.Endpoint, &s.FailoverDelay, &s.LoadBalancingStrategy,
		&s.RequestRateLimit, &s.EnableGoogleGrounding,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return settingsvc.Settings{}, nil
	}
	if err != nil {
		return settingsvc.Settings{}, fmt.Errorf("settings_repo: read: %w", err)
	}
	return s, nil
}

// Write upserts the single settings row.
func (r *SettingsRepo) Write(ctx context.Context, s settingsvc.Settings) error {
	const query = `INSERT INTO settings
		(id, key_rotation_request_count, max_failure_count, rate_limit_cooldown,
		 log_retention_days, max_retries, endpoint, failover_delay, load_balancing_strategy,
		 request_rate_limit, enable_google_grounding)
		VALUES (1, $1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			key_rotation_request_count = EXCLUDED.key_rotation_request_count,
			max_failure_count = EXCLUDED.max_failure_count,
			rate_limit_cooldown = EXCLUDED.rate_limit_cooldown,
			log_retention_days = EXCLUDED.log_retention_days,
			max_retries = EXCLUDED.max_retries,
			endpoint = EXCLUDED.endpoint,
			failover_delay = EXCLUDED.failover_delay,
			load_balancing_strategy = EXCLUDED.load_balancing_strategy,
			request_rate_limit = EXCLUDED.request_rate_limit,
			enable_google_grounding = EXCLUDED.enable_google_grounding`

	_, err := r.db.ExecContext(ctx, query,
		s.KeyRotationRequestCount, s.MaxFailureCount, s.RateLimitCooldown,
		s.LogRetentionDays, s.MaxRetries, s.Endpoint, s.FailoverDelay, s.LoadBalancingStrategy,
		s.RequestRateLimit, s.EnableGoogleGrounding,
	)
	if err != nil {
		return fmt.Errorf("settings_repo: write: %w", err)
	}
	return nil
}
