package closure

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	binding   Binding
	expiresAt time.Time
}

// MemoryStore keeps bindings in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, name string) (Binding, error) {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()

	if !ok {
		return Binding{}, ErrNotFound
	}
	if !s.now().Before(e.expiresAt) {
		s.mu.Lock()
		if cur, ok := s.entries[name]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(s.entries, name)
		}
		s.mu.Unlock()
		return Binding{}, ErrNotFound
	}
	return e.binding, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, b Binding, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[b.Name] = memoryEntry{binding: b, expiresAt: s.now().Add(ttl)}
	return nil
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, b Binding, ttl time.Duration) (Binding, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[b.Name]; ok && now.Before(e.expiresAt) {
		return e.binding, false, nil
	}
	s.entries[b.Name] = memoryEntry{binding: b, expiresAt: now.Add(ttl)}
	return b, true, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, name)
	return nil
}

// List implements Store. Bindings are sorted by name.
func (s *MemoryStore) List(_ context.Context) ([]Binding, error) {
	now := s.now()

	s.mu.RLock()
	out := make([]Binding, 0, len(s.entries))
	for _, e := range s.entries {
		if now.Before(e.expiresAt) {
			out = append(out, e.binding)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Sweep removes expired bindings and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for name, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, name)
			removed++
		}
	}
	return removed
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
