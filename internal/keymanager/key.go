// Package keymanager implements the Key Manager (spec.md §4.4): a
// single-mutex scheduler owning the pool of upstream credentials.
package keymanager

import "time"

// ApiKey is one upstream credential (spec.md §3). Profile empty string
// means "Default", mirroring the teacher's account model where an unset
// grouping tag is treated as the default bucket rather than a sentinel.
type ApiKey struct {
	ID    string
	Value string

	Name    string
	Profile string

	IsActive              bool
	IsDisabledByRateLimit bool

	RateLimitResetAt *time.Time

	FailureCount      int
	RequestCount      int64
	DailyRequestsUsed int

	DailyRateLimit *int // nil = unlimited

	LastResetDate *time.Time
	LastUsed      *time.Time
}

// Usable reports the spec.md §3 usability invariant.
func (k *ApiKey) Usable(now time.Time) bool {
	if !k.IsActive || k.IsDisabledByRateLimit {
		return false
	}
	if k.RateLimitResetAt != nil && k.RateLimitResetAt.After(now) {
		return false
	}
	if k.DailyRateLimit != nil && k.DailyRequestsUsed >= *k.DailyRateLimit {
		return false
	}
	return true
}

// InCooldown reports whether the key's global cooldown is still active.
func (k *ApiKey) InCooldown(now time.Time) bool {
	return k.RateLimitResetAt != nil && k.RateLimitResetAt.After(now)
}

// sameUTCDay reports whether t and now fall on the same UTC calendar day,
// derived from year/month/day rather than string comparison (spec.md §9:
// "do not rely on string prefixes of ISO dates").
func sameUTCDay(t, now time.Time) bool {
	ty, tm, td := t.UTC().Date()
	ny, nm, nd := now.UTC().Date()
	return ty == ny && tm == nm && td == nd
}

// needsDailyReset reports whether lastResetDate is absent or not on
// today's UTC day.
func needsDailyReset(lastResetDate *time.Time, now time.Time) bool {
	return lastResetDate == nil || !sameUTCDay(*lastResetDate, now)
}
