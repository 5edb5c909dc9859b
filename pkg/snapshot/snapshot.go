// Package snapshot implements point-in-time aggregate snapshots and a
// checkpointed projection runtime over the event store.
package snapshot

import (
	"sort"
	"sync"
	"time"

	"github.com/fluxorio/cqrsflow/pkg/core"
)

// Snapshot is a point-in-time capture of an aggregate's folded state.
type Snapshot struct {
	StreamID  string
	Version   int64
	State     interface{}
	Timestamp time.Time
}

// Store persists and retrieves Snapshots. Save is idempotent per
// (streamId, version) pair.
type Store interface {
	Save(streamID string, state interface{}, version int64) *core.Error
	Get(streamID string) (*Snapshot, *core.Error)
	GetHistory(streamID string) ([]Snapshot, *core.Error)
	DeleteOlderThan(streamID string, version int64) *core.Error
}

// MemoryStore is the in-process reference Snapshot Store.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string][]Snapshot
}

// NewMemoryStore creates an empty in-memory Snapshot Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string][]Snapshot)}
}

func (s *MemoryStore) Save(streamID string, state interface{}, version int64) *core.Error {
	if err := core.ValidateStreamID(streamID); err != nil {
		return err.(*core.Error)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.snapshots[streamID] {
		if existing.Version == version {
			return nil // idempotent: (streamId, version) already saved
		}
	}

	s.snapshots[streamID] = append(s.snapshots[streamID], Snapshot{
		StreamID:  streamID,
		Version:   version,
		State:     state,
		Timestamp: time.Now(),
	})
	sort.Slice(s.snapshots[streamID], func(i, j int) bool {
		return s.snapshots[streamID][i].Version < s.snapshots[streamID][j].Version
	})
	return nil
}

func (s *MemoryStore) Get(streamID string) (*Snapshot, *core.Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.snapshots[streamID]
	if len(list) == 0 {
		return nil, nil
	}
	latest := list[len(list)-1]
	return &latest, nil
}

func (s *MemoryStore) GetHistory(streamID string) ([]Snapshot, *core.Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, len(s.snapshots[streamID]))
	copy(out, s.snapshots[streamID])
	return out, nil
}

func (s *MemoryStore) DeleteOlderThan(streamID string, version int64) *core.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []Snapshot
	for _, snap := range s.snapshots[streamID] {
		if snap.Version >= version {
			kept = append(kept, snap)
		}
	}
	s.snapshots[streamID] = kept
	return nil
}
