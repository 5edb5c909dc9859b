package reliability

import (
	"sync"
	"time"

	"github.com/fluxorio/cqrsflow/pkg/core"
)

type idempotencyEntry struct {
	result    interface{}
	expiresAt time.Time
}

// IdempotencyStore caches a request's result so a duplicate call with the
// same requestId observes the original outcome instead of re-executing.
type IdempotencyStore interface {
	Store(requestID string, result interface{}, ttl time.Duration) *core.Error
	IsProcessed(requestID string) (bool, *core.Error)
	Get(requestID string) (interface{}, bool, *core.Error)
}

// MemoryIdempotencyStore is the in-process reference IdempotencyStore. TTL is
// advisory: expired entries are evicted lazily on access.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]idempotencyEntry
}

// NewMemoryIdempotencyStore creates an empty in-memory IdempotencyStore.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{entries: make(map[string]idempotencyEntry)}
}

func (s *MemoryIdempotencyStore) Store(requestID string, result interface{}, ttl time.Duration) *core.Error {
	if requestID == "" {
		return core.NewError(core.KindValidation, "INVALID_REQUEST_ID", "requestId cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[requestID] = idempotencyEntry{result: result, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryIdempotencyStore) IsProcessed(requestID string) (bool, *core.Error) {
	_, ok, err := s.Get(requestID)
	return ok, err
}

func (s *MemoryIdempotencyStore) Get(requestID string) (interface{}, bool, *core.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[requestID]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.entries, requestID)
		return nil, false, nil
	}
	return entry.result, true, nil
}
