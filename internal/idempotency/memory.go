package idempotency

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the in-memory store when no size is configured.
const DefaultCacheSize = 10000

// MemoryStore is a bounded, process-local store. The oldest inserted id is
// evicted first; lookups never refresh recency.
type MemoryStore struct {
	cache *lru.Cache[string, struct{}]
}

// NewMemoryStore creates a store holding at most size ids.
func NewMemoryStore(size int) *MemoryStore {
	if size <= 0 {
		size = DefaultCacheSize
	}

	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		panic(err)
	}

	return &MemoryStore{
		cache: cache,
	}
}

// TryAcquire records eventID and reports whether it was new.
func (s *MemoryStore) TryAcquire(_ context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, ErrEmptyEventID
	}

	found, _ := s.cache.ContainsOrAdd(eventID, struct{}{})

	return !found, nil
}

// Seen reports whether eventID is remembered.
func (s *MemoryStore) Seen(_ context.Context, eventID string) (bool, error) {
	return s.cache.Contains(eventID), nil
}

// Release forgets eventID.
func (s *MemoryStore) Release(_ context.Context, eventID string) error {
	s.cache.Remove(eventID)

	return nil
}

// Len returns the number of remembered ids.
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}
