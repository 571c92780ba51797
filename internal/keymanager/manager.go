package keymanager

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/relaykit/llmgate/internal/loadbalancer"
	"github.com/relaykit/llmgate/internal/pkg/apperr"
	"github.com/relaykit/llmgate/internal/settingsvc"
)

// SettingsProvider is the subset of settingsvc.Cache the Key Manager needs.
// settingsvc.Cache satisfies this directly.
type SettingsProvider interface {
	Get(ctx context.Context) (settingsvc.Settings, error)
}

// ErrorOutcome carries what the Proxy Pipeline observed from an upstream
// attempt that markKeyError needs to classify.
type ErrorOutcome struct {
	StatusCode       int
	RateLimitResetAt *time.Time // parsed from x-ratelimit-reset when the status is 429, else nil
}

// Manager is the Key Manager (spec.md §4.4): a single object guarded by one
// mutex, where every public operation executes inside that mutex. State is
// process-local by design (spec.md §9: multi-instance deployment is an
// explicit redesign, not a bug fix).
type Manager struct {
	mu sync.Mutex

	store       Store
	settings    SettingsProvider
	connections *loadbalancer.Connections
	logger      *slog.Logger

	currentKey     *ApiKey
	requestCounter int
}

func NewManager(store Store, settings SettingsProvider, connections *loadbalancer.Connections, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:       store,
		settings:    settings,
		connections: connections,
		logger:      logger,
	}
}

// GetKey returns the (value, id) pair to use for one upstream attempt.
// It fails only with apperr.NoKeysAvailable; every other returned error is
// a persistence failure and should be treated as internal.
func (m *Manager) GetKey(ctx context.Context) (value, id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	settings, err := m.settings.Get(ctx)
	if err != nil {
		return "", "", err
	}

	prevProfile := ""
	if m.currentKey != nil {
		prevProfile = m.currentKey.Profile
	}

	excludeID := ""
	if m.currentKey != nil {
		value, id, ok, rotatedAwayID, err := m.tryCurrentKey(ctx, settings, now)
		if err != nil {
			return "", "", err
		}
		if ok {
			return value, id, nil
		}
		excludeID = rotatedAwayID
	}

	return m.rotate(ctx, settings, now, prevProfile, excludeID)
}

// tryCurrentKey runs the ordered pipeline of spec.md §4.4 steps 1-6 against
// m.currentKey. ok is false if the first failing check dropped currentKey,
// in which case the caller falls through to rotation. rotatedAwayID is
// non-empty only when step 5 (rotation by count) was the reason currentKey
// was dropped: unlike every other drop reason, that key is still active,
// out of cooldown, and under quota, so it would otherwise tie for immediate
// reselection in rotate and undo the rotation.
func (m *Manager) tryCurrentKey(ctx context.Context, settings settingsvc.Settings, now time.Time) (value, id string, ok bool, rotatedAwayID string, err error) {
	k := m.currentKey

	// 1. Daily reset of current key.
	if needsDailyReset(k.LastResetDate, now) {
		k.DailyRequestsUsed = 0
		k.IsDisabledByRateLimit = false
		k.LastResetDate = &now
		if err := m.store.Save(ctx, k); err != nil {
			return "", "", false, "", err
		}
	}

	// 2. Global cooldown.
	if k.InCooldown(now) {
		m.currentKey = nil
		return "", "", false, "", nil
	}

	// 3. Stale rate-limit flag.
	if k.IsDisabledByRateLimit {
		m.currentKey = nil
		return "", "", false, "", nil
	}

	// 4. Quota exhaustion.
	if k.DailyRateLimit != nil && k.DailyRequestsUsed >= *k.DailyRateLimit {
		k.IsDisabledByRateLimit = true
		if err := m.store.Save(ctx, k); err != nil {
			return "", "", false, "", err
		}
		m.currentKey = nil
		return "", "", false, "", nil
	}

	// 5. Rotation by count.
	if settings.KeyRotationRequestCount > 0 && m.requestCounter >= settings.KeyRotationRequestCount {
		rotatedAwayID = k.ID
		m.currentKey = nil
		return "", "", false, rotatedAwayID, nil
	}

	// 6. Success.
	m.requestCounter++
	return k.Value, k.ID, true, "", nil
}

// rotate implements spec.md §4.4 steps a-e: sweep, candidate selection,
// profile diversification, strategy delegation, install. excludeID, when
// set, is the key rotate-by-count just dropped from m.currentKey; it is
// kept out of the immediate reselection pool so a RoundRobin tie on
// LastUsed=nil can't hand it straight back (spec.md §8 scenario 1).
func (m *Manager) rotate(ctx context.Context, settings settingsvc.Settings, now time.Time, prevProfile, excludeID string) (value, id string, err error) {
	active := true
	all, err := m.store.FindAll(ctx, Filter{IsActive: &active})
	if err != nil {
		return "", "", err
	}

	resets := make(map[string]*ApiKey)
	for _, k := range all {
		if needsDailyReset(k.LastResetDate, now) {
			k.DailyRequestsUsed = 0
			k.IsDisabledByRateLimit = false
			k.LastResetDate = &now
			resets[k.ID] = k
		}
	}
	if len(resets) > 0 {
		if err := m.store.BulkUpdate(ctx, resets); err != nil {
			return "", "", err
		}
	}

	disabled := false
	candidates, err := m.store.FindAll(ctx, Filter{
		IsActive:              &active,
		IsDisabledByRateLimit: &disabled,
		CooldownBefore:        &now,
	})
	if err != nil {
		return "", "", err
	}
	if len(candidates) == 0 {
		return "", "", apperr.NoKeysAvailable("no keys available")
	}

	pool := candidates
	if diversified := diversify(candidates, prevProfile); len(diversified) > 0 {
		pool = diversified
	} else {
		m.logger.Debug("profile diversification fell back to full candidate pool", "profile", prevProfile)
	}
	pool = excludeRecentlyRotated(pool, excludeID)

	lbCandidates := make([]loadbalancer.Candidate, len(pool))
	for i, k := range pool {
		lbCandidates[i] = loadbalancer.Candidate{ID: k.ID, LastUsed: k.LastUsed}
	}
	chosenID := loadbalancer.Select(settings.LoadBalancingStrategy, lbCandidates, m.connections).ID

	var chosen *ApiKey
	for _, k := range pool {
		if k.ID == chosenID {
			chosen = k
			break
		}
	}

	m.currentKey = chosen
	// Counts this install's own return as the first acquisition so that
	// keyRotationRequestCount=N rotates after exactly N total acquisitions
	// on the installed key (spec.md §8 scenario 1: three calls against a
	// threshold of 2 yield A, A, B — the literal requestCounter:=0 in §4.4
	// step (e) would instead yield A, A, A before rotating on a fourth call).
	m.requestCounter = 1
	m.connections.Increment(chosen.ID)
	return chosen.Value, chosen.ID, nil
}

// excludeRecentlyRotated drops excludeID from pool, unless doing so would
// leave nothing to select from (a single-key pool is left untouched: there
// is nowhere else to rotate to).
func excludeRecentlyRotated(pool []*ApiKey, excludeID string) []*ApiKey {
	if excludeID == "" || len(pool) <= 1 {
		return pool
	}
	filtered := make([]*ApiKey, 0, len(pool))
	for _, k := range pool {
		if k.ID != excludeID {
			filtered = append(filtered, k)
		}
	}
	if len(filtered) == 0 {
		return pool
	}
	return filtered
}

// diversify returns candidates whose profile differs from prevProfile and
// is not the default ("") profile.
func diversify(candidates []*ApiKey, prevProfile string) []*ApiKey {
	var out []*ApiKey
	for _, k := range candidates {
		if k.Profile != prevProfile && k.Profile != "" {
			out = append(out, k)
		}
	}
	return out
}

// MarkKeySuccess records a completed successful upstream attempt against
// the current key.
func (m *Manager) MarkKeySuccess(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentKey == nil {
		return nil
	}

	now := time.Now()
	k := m.currentKey
	k.LastUsed = &now
	k.RequestCount++
	k.DailyRequestsUsed++
	return m.store.Save(ctx, k)
}

// MarkKeyError records a completed failed upstream attempt. wasRateLimit
// tells the Proxy Pipeline whether this was a 429 (which always clears
// currentKey and always qualifies for retry alongside 5xx).
func (m *Manager) MarkKeyError(ctx context.Context, outcome ErrorOutcome) (wasRateLimit bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := m.currentKey
	if k == nil {
		return false, nil
	}

	settings, err := m.settings.Get(ctx)
	if err != nil {
		return false, err
	}

	if outcome.StatusCode == http.StatusTooManyRequests {
		if outcome.RateLimitResetAt != nil {
			k.RateLimitResetAt = outcome.RateLimitResetAt
		} else {
			resetAt := time.Now().Add(time.Duration(settings.RateLimitCooldown) * time.Second)
			k.RateLimitResetAt = &resetAt
		}
		if err := m.store.Save(ctx, k); err != nil {
			return false, err
		}
		if settings.FailoverDelay > 0 {
			// Deliberately inside the mutex: spec.md §9 pins this as the one
			// justified in-lock wait so a 429 blocks nothing else landing.
			time.Sleep(time.Duration(settings.FailoverDelay) * time.Second)
		}
		m.connections.Decrement(k.ID)
		m.currentKey = nil
		return true, nil
	}

	k.FailureCount++
	if k.FailureCount >= settings.MaxFailureCount {
		k.IsActive = false
		if err := m.store.Save(ctx, k); err != nil {
			return false, err
		}
		m.connections.Decrement(k.ID)
		m.currentKey = nil
		return false, nil
	}

	if err := m.store.Save(ctx, k); err != nil {
		return false, err
	}
	return false, nil
}

// AddKey reactivates an existing credential by value, or creates a new one.
func (m *Manager) AddKey(ctx context.Context, value, name, profile string, dailyRateLimit *int) (*ApiKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.store.FindOne(ctx, Filter{Value: &value})
	if err != nil {
		return nil, err
	}

	if existing != nil {
		existing.IsActive = true
		existing.FailureCount = 0
		existing.RateLimitResetAt = nil
		existing.DailyRequestsUsed = 0
		existing.LastResetDate = nil
		existing.IsDisabledByRateLimit = false
		if profile != "" {
			existing.Profile = profile
		}
		if err := m.store.Save(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	created := &ApiKey{
		Value:          value,
		Name:           name,
		Profile:        profile,
		IsActive:       true,
		DailyRateLimit: dailyRateLimit,
	}
	return m.store.Create(ctx, created)
}
