package artifact

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memEntry struct {
	artifact       []byte
	symbols        []byte
	lastAccessedAt time.Time
}

// MemoryStore is an in-memory store, used in tests and single-process
// deployments that can afford to recompile on restart.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]map[string]*memEntry // tenantID -> cacheKey -> entry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]map[string]*memEntry),
		now:     time.Now,
	}
}

// Exists reports whether an artifact is stored for the key.
func (s *MemoryStore) Exists(_ context.Context, tenantID, cacheKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[tenantID][cacheKey]
	return ok
}

// Download returns the artifact bytes, or ok=false when absent.
func (s *MemoryStore) Download(_ context.Context, tenantID, cacheKey string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[tenantID][cacheKey]
	if !ok {
		return nil, false
	}
	e.lastAccessedAt = s.now()
	return append([]byte(nil), e.artifact...), true
}

// DownloadSymbols returns the debug-symbol bytes, or ok=false when absent.
func (s *MemoryStore) DownloadSymbols(_ context.Context, tenantID, cacheKey string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[tenantID][cacheKey]
	if !ok || len(e.symbols) == 0 {
		return nil, false
	}
	return append([]byte(nil), e.symbols...), true
}

// Write stores an artifact, or refreshes the timestamp when the key exists.
func (s *MemoryStore) Write(_ context.Context, tenantID, cacheKey string, artifactBytes, symbolBytes []byte) error {
	if len(artifactBytes) == 0 {
		return ErrEmptyArtifact
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[tenantID][cacheKey]; ok {
		e.lastAccessedAt = s.now()
		return nil
	}
	if s.entries[tenantID] == nil {
		s.entries[tenantID] = make(map[string]*memEntry)
	}
	s.entries[tenantID][cacheKey] = &memEntry{
		artifact:       append([]byte(nil), artifactBytes...),
		symbols:        append([]byte(nil), symbolBytes...),
		lastAccessedAt: s.now(),
	}
	return nil
}

// Touch updates the entry's last-accessed timestamp.
func (s *MemoryStore) Touch(_ context.Context, tenantID, cacheKey string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[tenantID][cacheKey]; ok {
		e.lastAccessedAt = now
	}
	return nil
}

// EnumerateAll calls fn for every entry of the tenant, in key order.
func (s *MemoryStore) EnumerateAll(_ context.Context, tenantID string, fn func(Entry) error) error {
	s.mu.Lock()
	keys := make([]string, 0, len(s.entries[tenantID]))
	for k := range s.entries[tenantID] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, Entry{CacheKey: k, LastAccessedAt: s.entries[tenantID][k].lastAccessedAt})
	}
	s.mu.Unlock()

	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// DeleteIfExists removes the entry, if present.
func (s *MemoryStore) DeleteIfExists(_ context.Context, tenantID, cacheKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries[tenantID], cacheKey)
	return nil
}

// SetNow overrides the clock, for tests.
func (s *MemoryStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
