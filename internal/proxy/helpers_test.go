package proxy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/relaykit/llmgate/internal/keymanager"
	"github.com/relaykit/llmgate/internal/settingsvc"
)

// memApiKey is a lightweight alias so test fixtures read as plain structs.
type memApiKey = keymanager.ApiKey

// memKeyStore is a minimal in-memory keymanager.Store for pipeline tests.
type memKeyStore struct {
	mu     sync.Mutex
	keys   map[string]*keymanager.ApiKey
	nextID int
}

func newMemKeyStore(keys ...*keymanager.ApiKey) *memKeyStore {
	s := &memKeyStore{keys: make(map[string]*keymanager.ApiKey)}
	for _, k := range keys {
		s.nextID++
		k.ID = fmt.Sprintf("k%d", s.nextID)
		s.keys[k.ID] = k
	}
	return s
}

func keyMatches(k *keymanager.ApiKey, f keymanager.Filter) bool {
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
	if f.CooldownBefore != nil && k.RateLimitResetAt != nil && k.RateLimitResetAt.After(*f.CooldownBefore) {
		return false
	}
	return true
}

func (s *memKeyStore) FindOne(ctx context.Context, f keymanager.Filter) (*keymanager.ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.sortedIDs()
	for _, id := range ids {
		if keyMatches(s.keys[id], f) {
			return s.keys[id], nil
		}
	}
	return nil, nil
}

func (s *memKeyStore) FindAll(ctx context.Context, f keymanager.Filter) ([]*keymanager.ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*keymanager.ApiKey
	for _, id := range s.sortedIDs() {
		if keyMatches(s.keys[id], f) {
			out = append(out, s.keys[id])
		}
	}
	return out, nil
}

func (s *memKeyStore) Create(ctx context.Context, k *keymanager.ApiKey) (*keymanager.ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	k.ID = fmt.Sprintf("k%d", s.nextID)
	s.keys[k.ID] = k
	return k, nil
}

func (s *memKeyStore) Save(ctx context.Context, k *keymanager.ApiKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.ID] = k
	return nil
}

func (s *memKeyStore) BulkUpdate(ctx context.Context, updates map[string]*keymanager.ApiKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, k := range updates {
		s.keys[id] = k
	}
	return nil
}

func (s *memKeyStore) sortedIDs() []string {
	ids := make([]string, 0, len(s.keys))
	for id := range s.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// fixedSettingsStore always reads back the same Settings value; Write
// overwrites it in place, matching what pipeline tests need without a
// database.
type fixedSettingsStore struct {
	mu sync.Mutex
	s  settingsvc.Settings
}

func (f *fixedSettingsStore) Read(ctx context.Context) (settingsvc.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.s, nil
}

func (f *fixedSettingsStore) Write(ctx context.Context, s settingsvc.Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.s = s
	return nil
}

func fixedSettingsCache(t *testing.T, s settingsvc.Settings) *settingsvc.Cache {
	t.Helper()
	return settingsvc.NewCache(&fixedSettingsStore{s: s})
}
