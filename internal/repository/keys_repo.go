package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/relaykit/llmgate/internal/keymanager"
)

// KeysRepo implements keymanager.Store over Postgres (spec.md §4.1).
type KeysRepo struct {
	db *sql.DB
}

func NewKeysRepo(db *sql.DB) *KeysRepo {
	return &KeysRepo{db: db}
}

const keyColumns = `id, value, name, profile, is_active, is_disabled_by_rate_limit,
	rate_limit_reset_at, failure_count, request_count, daily_requests_used,
	daily_rate_limit, last_reset_date, last_used`

func scanApiKey(row *sql.Row) (*keymanager.ApiKey, error) {
	var k keymanager.ApiKey
	err := row.Scan(
		&k.ID, &k.Value, &k.Name, &k.Profile, &k.IsActive, &k.IsDisabledByRateLimit,
		&k.RateLimitResetAt, &k.FailureCount, &k.RequestCount, &k.DailyRequestsUsed,
		&k.DailyRateLimit, &k.LastResetDate, &k.LastUsed,
	)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func scanApiKeyRows(rows *sql.Rows) (*keymanager.ApiKey, error) {
	var k keymanager.ApiKey
	err := rows.Scan(
		&k.ID, &k.Value, &k.Name, &k.Profile, &k.IsActive, &k.IsDisabledByRateLimit,
		&k.RateLimitResetAt, &k.FailureCount, &k.RequestCount, &k.DailyRequestsUsed,
		&k.DailyRateLimit, &k.LastResetDate, &k.LastUsed,
	)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// buildFilter turns a keymanager.Filter into a WHERE clause and its
// positional arguments (spec.md §4.1: equality predicates plus the
// rateLimitResetAt-is-null-or-before-cutoff disjunction).
func buildFilter(f keymanager.Filter) (string, []any) {
	var clauses []string
	var args []any

	if f.Value != nil {
		args = append(args, *f.Value)
		clauses = append(clauses, fmt.Sprintf("value = $%d", len(args)))
	}
	if f.IsActive != nil {
		args = append(args, *f.IsActive)
		clauses = append(clauses, fmt.Sprintf("is_active = $%d", len(args)))
	}
	if f.IsDisabledByRateLimit != nil {
		args = append(args, *f.IsDisabledByRateLimit)
		clauses = append(clauses, fmt.Sprintf("is_disabled_by_rate_limit = $%d", len(args)))
	}
	if f.Profile != nil {
		args = append(args, *f.Profile)
		clauses = append(clauses, fmt.Sprintf("profile = $%d", len(args)))
	}
	if f.CooldownBefore != nil {
		args = append(args, *f.CooldownBefore)
		clauses = append(clauses, fmt.Sprintf("(rate_limit_reset_at IS NULL OR rate_limit_reset_at <= $%d)", len(args)))
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (r *KeysRepo) FindOne(ctx context.Context, f keymanager.Filter) (*keymanager.ApiKey, error) {
	where, args := buildFilter(f)
	query := "SELECT " + keyColumns + " FROM api_keys" + where + " ORDER BY id LIMIT 1"
	row := r.db.QueryRowContext(ctx, query, args...)
	k, err := scanApiKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keys_repo: find one: %w", err)
	}
	return k, nil
}

func (r *KeysRepo) FindAll(ctx context.Context, f keymanager.Filter) ([]*keymanager.ApiKey, error) {
	where, args := buildFilter(f)
	query := "SELECT " + keyColumns + " FROM api_keys" + where + " ORDER BY id"
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("keys_repo: find all: %w", err)
	}
	defer rows.Close()

	var out []*keymanager.ApiKey
	for rows.Next() {
		k, err := scanApiKeyRows(rows)
		if err != nil {
			return nil, fmt.Errorf("keys_repo: scan: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (r *KeysRepo) Create(ctx context.Context, k *keymanager.ApiKey) (*keymanager.ApiKey, error) {
	const query = `INSERT INTO api_keys
		(value, name, profile, is_active, is_disabled_by_rate_limit, rate_limit_reset_at,
		 failure_count, request_count, daily_requests_used, daily_rate_limit, last_reset_date, last_used)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		k.Value, k.Name, k.Profile, k.IsActive, k.IsDisabledByRateLimit, k.RateLimitResetAt,
		k.FailureCount, k.RequestCount, k.DailyRequestsUsed, k.DailyRateLimit, k.LastResetDate, k.LastUsed,
	).Scan(&k.ID)
	if err != nil {
		return nil, fmt.Errorf("keys_repo: create: %w", err)
	}
	return k, nil
}

func (r *KeysRepo) Save(ctx context.Context, k *keymanager.ApiKey) error {
	const query = `UPDATE api_keys SET
		value=$2, name=$3, profile=$4, is_active=$5, is_disabled_by_rate_limit=$6,
		rate_limit_reset_at=$7, failure_count=$8, request_count=$9, daily_requests_used=$10,
		daily_rate_limit=$11, last_reset_date=$12, last_used=$13
		WHERE id=$1`

	_, err := r.db.ExecContext(ctx, query,
		k.ID, k.Value, k.Name, k.Profile, k.IsActive, k.IsDisabledByRateLimit,
		k.RateLimitResetAt, k.FailureCount, k.RequestCount, k.DailyRequestsUsed,
		k.DailyRateLimit, k.LastResetDate, k.LastUsed,
	)
	if err != nil {
		return fmt.Errorf("keys_repo: save: %w", err)
	}
	return nil
}

// BulkUpdate applies every entry inside one transaction, so a daily-reset
// sweep across many keys either lands in full or not at all (spec.md §4.1).
func (r *KeysRepo) BulkUpdate(ctx context.Context, updates map[string]*keymanager.ApiKey) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("keys_repo: bulk update begin: %w", err)
	}
	defer tx.Rollback()

	const query = `UPDATE api_keys SET
		daily_requests_used=$2, is_disabled_by_rate_limit=$3, last_reset_date=$4
		WHERE id=$1`

	for id, k := range updates {
		if _, err := tx.ExecContext(ctx, query, id, k.DailyRequestsUsed, k.IsDisabledByRateLimit, k.LastResetDate); err != nil {
			return fmt.Errorf("keys_repo: bulk update id=%s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("keys_repo: bulk update commit: %w", err)
	}
	return nil
}
