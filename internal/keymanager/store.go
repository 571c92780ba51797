package keymanager

import (
	"context"
	"time"
)

// Filter is the predicate keys.findOne/findAll support (spec.md §4.1):
// equality on Value/IsActive/IsDisabledByRateLimit/Profile, plus the
// disjunction "rateLimitResetAt is null OR rateLimitResetAt <= CooldownBefore".
type Filter struct {
	Value                 *string
	IsActive              *bool
	IsDisabledByRateLimit *bool
	Profile               *string
	CooldownBefore        *time.Time
}

// Store is the keys side of the Persistence Contract (spec.md §4.1).
type Store interface {
	FindOne(ctx context.Context, f Filter) (*ApiKey, error)
	FindAll(ctx context.Context, f Filter) ([]*ApiKey, error)
	Create(ctx context.Context, k *ApiKey) (*ApiKey, error)
	Save(ctx context.Context, k *ApiKey) error
	// BulkUpdate applies every entry atomically: all updates land, or none
	// do, so a daily-reset sweep can never partially apply.
	BulkUpdate(ctx context.Context, updates map[string]*ApiKey) error
}
