package flow

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/fluxorio/cqrsflow/pkg/core"
	"github.com/fluxorio/cqrsflow/pkg/db"
)

// record is the untyped, serializable form of Snapshot[S] that Store
// implementations persist. The engine converts to/from the caller's typed S
// at the boundary, the same way eventstore.EventEnvelope carries interface{}
// and snapshot.Snapshot carries interface{} state.
type record struct {
	FlowID    string
	State     json.RawMessage
	Position  Position
	Status    Status
	LastError string
	Attempts  int
	UpdatedAt time.Time
}

// Store persists and loads flow snapshots. Implementations serialize writes
// per flowId: a single writer at a time per flow instance.
type Store interface {
	Load(ctx context.Context, flowID string) (*record, *core.Error)
	Save(ctx context.Context, rec *record) *core.Error
	Delete(ctx context.Context, flowID string) *core.Error
}

// MemoryStore is the in-process reference Flow Store, one mutex per flowId
// so concurrent flow instances never block each other.
type MemoryStore struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	data  map[string]*record
}

// NewMemoryStore creates an empty in-memory Flow Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks: make(map[string]*sync.Mutex),
		data:  make(map[string]*record),
	}
}

func (s *MemoryStore) lockFor(flowID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[flowID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[flowID] = l
	}
	return l
}

func (s *MemoryStore) Load(ctx context.Context, flowID string) (*record, *core.Error) {
	l := s.lockFor(flowID)
	l.Lock()
	defer l.Unlock()

	rec, ok := s.data[flowID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Save(ctx context.Context, rec *record) *core.Error {
	l := s.lockFor(rec.FlowID)
	l.Lock()
	defer l.Unlock()

	cp := *rec
	cp.UpdatedAt = time.Now()
	s.data[rec.FlowID] = &cp
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, flowID string) *core.Error {
	l := s.lockFor(flowID)
	l.Lock()
	defer l.Unlock()
	delete(s.data, flowID)
	return nil
}

// DBStore is a database/sql-backed Flow Store, driver-agnostic over
// db.Pool (lib/pq or mattn/go-sqlite3), following snapshot.DBStore's
// layout conventions.
type DBStore struct {
	pool *db.Pool
}

// NewDBStore wraps an already-migrated pool. Schema:
//
//	CREATE TABLE flow_snapshots (
//		flow_id    TEXT PRIMARY KEY,
//		state      BLOB NOT NULL,
//		position   TEXT NOT NULL,
//		status     TEXT NOT NULL,
//		last_error TEXT NOT NULL DEFAULT '',
//		attempts   INTEGER NOT NULL DEFAULT 0,
//		updated_at TIMESTAMP NOT NULL
//	);
func NewDBStore(pool *db.Pool) *DBStore {
	return &DBStore{pool: pool}
}

func (d *DBStore) Load(ctx context.Context, flowID string) (*record, *core.Error) {
	row := d.pool.QueryRow(ctx,
		`SELECT state, position, status, last_error, attempts, updated_at FROM flow_snapshots WHERE flow_id = $1`,
		flowID,
	)
	var (
		state     []byte
		posJSON   []byte
		status    string
		lastError string
		attempts  int
		updatedAt time.Time
	)
	switch err := row.Scan(&state, &posJSON, &status, &lastError, &attempts, &updatedAt); {
	case err == sql.ErrNoRows:
		return nil, nil
	case err != nil:
		return nil, core.Wrap(core.KindTransient, "STORAGE_UNAVAILABLE", "failed to load flow snapshot", err)
	}

	var pos Position
	if err := json.Unmarshal(posJSON, &pos); err != nil {
		return nil, core.Wrap(core.KindFatal, "STORAGE_CORRUPTION", "failed to decode flow position", err)
	}

	return &record{
		FlowID:    flowID,
		State:     json.RawMessage(state),
		Position:  pos,
		Status:    Status(status),
		LastError: lastError,
		Attempts:  attempts,
		UpdatedAt: updatedAt,
	}, nil
}

func (d *DBStore) Save(ctx context.Context, rec *record) *core.Error {
	posJSON, err := json.Marshal(rec.Position)
	if err != nil {
		return core.Wrap(core.KindValidation, "ENCODE_FAILED", "failed to encode flow position", err)
	}

	_, execErr := d.pool.Exec(ctx,
		`INSERT INTO flow_snapshots (flow_id, state, position, status, last_error, attempts, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (flow_id) DO UPDATE SET
		   state = excluded.state, position = excluded.position, status = excluded.status,
		   last_error = excluded.last_error, attempts = excluded.attempts, updated_at = excluded.updated_at`,
		rec.FlowID, []byte(rec.State), posJSON, string(rec.Status), rec.LastError, rec.Attempts, time.Now(),
	)
	if execErr != nil {
		return core.Wrap(core.KindTransient, "STORAGE_UNAVAILABLE", "failed to save flow snapshot", execErr)
	}
	return nil
}

func (d *DBStore) Delete(ctx context.Context, flowID string) *core.Error {
	_, err := d.pool.Exec(ctx, `DELETE FROM flow_snapshots WHERE flow_id = $1`, flowID)
	if err != nil {
		return core.Wrap(core.KindTransient, "STORAGE_UNAVAILABLE", "failed to delete flow snapshot", err)
	}
	return nil
}
