package keymanager

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaykit/llmgate/internal/loadbalancer"
	"github.com/relaykit/llmgate/internal/pkg/apperr"
	"github.com/relaykit/llmgate/internal/settingsvc"
)

type memStore struct {
	mu     sync.Mutex
	keys   map[string]*ApiKey
	nextID int
}

func newMemStore(keys ...*ApiKey) *memStore {
	s := &memStore{keys: make(map[string]*ApiKey)}
	for _, k := range keys {
		s.nextID++
		k.ID = idFor(s.nextID)
		s.keys[k.ID] = k
	}
	return s
}

func idFor(n int) string {
	return fmt.Sprintf("k%d", n)
}

func matches(k *ApiKey, f Filter) bool {
	if f.Value != nil && k.Value != *f.Value {
		return false
	}
	if f.IsActive != nil && k.IsActive != *f.IsActive {
		return false
	}
	if f.IsDisabledByRateLimit != nil && k.IsDisabledByRateLimit != *f.IsDisabledByRateLimit {
		return false
	}
	if f.Profile != nil && k.Profile != *f.Profile {
		return false
	}
	if f.CooldownBefore != nil {
		if k.RateLimitResetAt != nil && k.RateLimitResetAt.After(*f.CooldownBefore) {
			return false
		}
	}
	return true
}

func (s *memStore) FindOne(ctx context.Context, f Filter) (*ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.keys))
	for id := range s.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if matches(s.keys[id], f) {
			return s.keys[id], nil
		}
	}
	return nil, nil
}

func (s *memStore) FindAll(ctx context.Context, f Filter) ([]*ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.keys))
	for id := range s.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []*ApiKey
	for _, id := range ids {
		if matches(s.keys[id], f) {
			out = append(out, s.keys[id])
		}
	}
	return out, nil
}

func (s *memStore) Create(ctx context.Context, k *ApiKey) (*ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	k.ID = idFor(s.nextID)
	s.keys[k.ID] = k
	return k, nil
}

func (s *memStore) Save(ctx context.Context, k *ApiKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.ID] = k
	return nil
}

func (s *memStore) BulkUpdate(ctx context.Context, updates map[string]*ApiKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, k := range updates {
		s.keys[id] = k
	}
	return nil
}

type fakeSettings struct {
	s settingsvc.Settings
}

func (f fakeSettings) Get(ctx context.Context) (settingsvc.Settings, error) {
	return f.s, nil
}

func defaultTestSettings() settingsvc.Settings {
	s := settingsvc.Defaults()
	s.MaxFailureCount = 3
	s.RateLimitCooldown = 60
	return s
}

func TestRotationOnCount(t *testing.T) {
	a := &ApiKey{Value: "a", IsActive: true}
	b := &ApiKey{Value: "b", IsActive: true}
	store := newMemStore(a, b)

	settings := defaultTestSettings()
	settings.KeyRotationRequestCount = 2
	mgr := NewManager(store, fakeSettings{settings}, loadbalancer.NewConnections(), nil)

	v1, _, err := mgr.GetKey(context.Background())
	require.NoError(t, err)
	v2, _, err := mgr.GetKey(context.Background())
	require.NoError(t, err)
	v3, _, err := mgr.GetKey(context.Background())
	require.NoError(t, err)

	require.Equal(t, []string{"a", "a", "b"}, []string{v1, v2, v3})
}

func TestRateLimitCooldown(t *testing.T) {
	a := &ApiKey{Value: "a", IsActive: true}
	store := newMemStore(a)

	settings := defaultTestSettings()
	mgr := NewManager(store, fakeSettings{settings}, loadbalancer.NewConnections(), nil)

	_, id, err := mgr.GetKey(context.Background())
	require.NoError(t, err)

	resetAt := time.Now().Add(2 * time.Second)
	wasRL, err := mgr.MarkKeyError(context.Background(), ErrorOutcome{StatusCode: http.StatusTooManyRequests, RateLimitResetAt: &resetAt})
	require.NoError(t, err)
	require.True(t, wasRL)
	require.Equal(t, "k1", id)

	_, _, err = mgr.GetKey(context.Background())
	require.Error(t, err)
	require.True(t, apperr.IsNoKeysAvailable(err))

	time.Sleep(2100 * time.Millisecond)
	v, _, err := mgr.GetKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", v)
}

func TestDailyReset(t *testing.T) {
	yesterday := time.Now().Add(-24 * time.Hour)
	limit := 1
	a := &ApiKey{
		Value:             "a",
		IsActive:          true,
		DailyRateLimit:    &limit,
		DailyRequestsUsed: 1,
		LastResetDate:     &yesterday,
	}
	store := newMemStore(a)
	mgr := NewManager(store, fakeSettings{defaultTestSettings()}, loadbalancer.NewConnections(), nil)

	v, _, err := mgr.GetKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", v)
	require.Equal(t, 0, a.DailyRequestsUsed)
}

func TestFailureThresholdDeactivates(t *testing.T) {
	a := &ApiKey{Value: "a", IsActive: true}
	store := newMemStore(a)

	settings := defaultTestSettings()
	settings.MaxFailureCount = 3
	mgr := NewManager(store, fakeSettings{settings}, loadbalancer.NewConnections(), nil)

	for i := 0; i < 3; i++ {
		_, _, err := mgr.GetKey(context.Background())
		require.NoError(t, err)
		wasRL, err := mgr.MarkKeyError(context.Background(), ErrorOutcome{StatusCode: http.StatusInternalServerError})
		require.NoError(t, err)
		require.False(t, wasRL)
	}

	require.False(t, a.IsActive)

	_, _, err := mgr.GetKey(context.Background())
	require.True(t, apperr.IsNoKeysAvailable(err))
}

func TestProfileDiversification(t *testing.T) {
	a := &ApiKey{Value: "a", IsActive: true, Profile: "openai"}
	b := &ApiKey{Value: "b", IsActive: true, Profile: "anthropic"}
	c := &ApiKey{Value: "c", IsActive: true, Profile: "openai"}
	store := newMemStore(a, b, c)

	settings := defaultTestSettings()
	settings.KeyRotationRequestCount = 1
	mgr := NewManager(store, fakeSettings{settings}, loadbalancer.NewConnections(), nil)

	v1, _, err := mgr.GetKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", v1)

	v2, _, err := mgr.GetKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "b", v2)
}

func TestMarkKeySuccessIncrementsCounters(t *testing.T) {
	a := &ApiKey{Value: "a", IsActive: true}
	store := newMemStore(a)
	mgr := NewManager(store, fakeSettings{defaultTestSettings()}, loadbalancer.NewConnections(), nil)

	_, _, err := mgr.GetKey(context.Background())
	require.NoError(t, err)

	err = mgr.MarkKeySuccess(context.Background())
	require.NoError(t, err)

	require.EqualValues(t, 1, a.RequestCount)
	require.Equal(t, 1, a.DailyRequestsUsed)
	require.NotNil(t, a.LastUsed)
}

func TestAddKeyReactivatesExisting(t *testing.T) {
	a := &ApiKey{Value: "a", IsActive: false, FailureCount: 5}
	store := newMemStore(a)
	mgr := NewManager(store, fakeSettings{defaultTestSettings()}, loadbalancer.NewConnections(), nil)

	got, err := mgr.AddKey(context.Background(), "a", "renamed", "", nil)
	require.NoError(t, err)
	require.True(t, got.IsActive)
	require.Equal(t, 0, got.FailureCount)
}

func TestAddKeyCreatesNew(t *testing.T) {
	store := newMemStore()
	mgr := NewManager(store, fakeSettings{defaultTestSettings()}, loadbalancer.NewConnections(), nil)

	got, err := mgr.AddKey(context.Background(), "new-value", "n", "profile-x", nil)
	require.NoError(t, err)
	require.Equal(t, "new-value", got.Value)
	require.NotEmpty(t, got.ID)
}
