package snapshot

import (
	"sync"
	"sync/atomic"

	"github.com/fluxorio/cqrsflow/pkg/core"
	"github.com/fluxorio/cqrsflow/pkg/eventstore"
)

// Projection folds events into a read model.
type Projection interface {
	Name() string
	Apply(event eventstore.EventEnvelope) error
	Reset()
}

// Checkpoint tracks a projection's replay position.
type Checkpoint struct {
	Name            string
	StreamPattern   string
	Position        int64
	ProcessedCount  int64
}

// CheckpointStore persists Checkpoints keyed by projection name.
type CheckpointStore interface {
	Get(name string) (Checkpoint, *core.Error)
	Save(cp Checkpoint) *core.Error
}

// MemoryCheckpointStore is the in-process reference CheckpointStore.
type MemoryCheckpointStore struct {
	mu    sync.RWMutex
	items map[string]Checkpoint
}

// NewMemoryCheckpointStore creates an empty in-memory CheckpointStore.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{items: make(map[string]Checkpoint)}
}

func (m *MemoryCheckpointStore) Get(name string) (Checkpoint, *core.Error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.items[name]
	if !ok {
		return Checkpoint{Name: name}, nil
	}
	return cp, nil
}

func (m *MemoryCheckpointStore) Save(cp Checkpoint) *core.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[cp.Name] = cp
	return nil
}

// Runtime reads events from a stream starting at a projection's checkpoint,
// folds them through Apply, and advances the checkpoint. Rebuild swaps an
// atomic pointer to a fresh read-model instance so concurrent readers
// observe either the pre- or post-rebuild projection, never a partially
// rebuilt one.
type Runtime struct {
	store       eventstore.Store
	checkpoints CheckpointStore
	mu          sync.Mutex // serializes Apply per projection instance

	current atomic.Pointer[Projection]
}

// NewRuntime creates a projection Runtime over store/checkpoints for a single
// live Projection instance.
func NewRuntime(store eventstore.Store, checkpoints CheckpointStore, initial Projection) *Runtime {
	r := &Runtime{store: store, checkpoints: checkpoints}
	r.current.Store(&initial)
	return r
}

// Current returns the live projection instance (safe to call concurrently
// with Rebuild).
func (r *Runtime) Current() Projection {
	return *r.current.Load()
}

// CatchUp replays new events for streamID since the last checkpoint.
func (r *Runtime) CatchUp(streamID string) *core.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	proj := r.Current()
	cp, err := r.checkpoints.Get(proj.Name())
	if err != nil {
		return err
	}

	stream, rerr := r.store.Read(streamID, cp.Position+1, 0)
	if rerr != nil {
		return rerr
	}

	for _, env := range stream.Events {
		if applyErr := proj.Apply(env); applyErr != nil {
			return core.Wrap(core.KindFatal, "PROJECTION_APPLY_FAILED", "projection failed to apply event", applyErr)
		}
		cp.Position = env.Version
		cp.ProcessedCount++
	}
	return r.checkpoints.Save(cp)
}

// Rebuild replays streamID from version 0 into a freshly-constructed
// Projection (produced by factory), then atomically swaps it in as Current.
// Readers calling Current() concurrently with Rebuild see either the old or
// the new projection, never a half-folded one.
func (r *Runtime) Rebuild(streamID string, factory func() Projection) *core.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fresh := factory()
	fresh.Reset()

	stream, rerr := r.store.Read(streamID, 1, 0)
	if rerr != nil {
		return rerr
	}

	var processed int64
	for _, env := range stream.Events {
		if err := fresh.Apply(env); err != nil {
			return core.Wrap(core.KindFatal, "PROJECTION_APPLY_FAILED", "projection failed to apply event during rebuild", err)
		}
		processed++
	}

	if err := r.checkpoints.Save(Checkpoint{Name: fresh.Name(), Position: stream.Version, ProcessedCount: processed}); err != nil {
		return err
	}

	r.current.Store(&fresh)
	return nil
}
