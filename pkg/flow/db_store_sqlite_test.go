package flow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/fluxorio/cqrsflow/pkg/db"
)

const flowSchemaSQLite = `
CREATE TABLE flow_snapshots (
	flow_id    TEXT PRIMARY KEY,
	state      BLOB NOT NULL,
	position   TEXT NOT NULL,
	status     TEXT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	attempts   INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL
);`

func newSQLiteFlowStore(t *testing.T) *DBStore {
	t.Helper()

	pool, err := db.NewPool(db.DefaultPoolConfig("file:flowstore_test?mode=memory&cache=shared", "sqlite3"))
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	if _, err := pool.Exec(context.Background(), `DROP TABLE IF EXISTS flow_snapshots`); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	if _, err := pool.Exec(context.Background(), flowSchemaSQLite); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return NewDBStore(pool)
}

func TestDBStore_SQLiteRoundTrip(t *testing.T) {
	store := newSQLiteFlowStore(t)
	ctx := context.Background()

	if rec, err := store.Load(ctx, "missing"); err != nil || rec != nil {
		t.Fatalf("load missing = %v, %v; want nil, nil", rec, err)
	}

	payload, _ := json.Marshal(map[string]int{"step": 2})
	rec := &record{FlowID: "f1", State: payload, Position: Position{1, 0}, Status: StatusFailed, LastError: "boom", Attempts: 2}
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Load(ctx, "f1")
	if err != nil || got == nil {
		t.Fatalf("load: %v, %v", got, err)
	}
	if !got.Position.Equal(Position{1, 0}) || got.Status != StatusFailed || got.LastError != "boom" || got.Attempts != 2 {
		t.Fatalf("loaded record = %+v", got)
	}

	// Upsert replaces the prior snapshot for the same flowId.
	rec.Status = StatusSucceeded
	rec.Position = nil
	rec.LastError = ""
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("second save: %v", err)
	}
	got, err = store.Load(ctx, "f1")
	if err != nil || got == nil || got.Status != StatusSucceeded {
		t.Fatalf("after upsert: %+v, %v", got, err)
	}

	if err := store.Delete(ctx, "f1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if after, err := store.Load(ctx, "f1"); err != nil || after != nil {
		t.Fatalf("load after delete = %v, %v; want nil, nil", after, err)
	}
}

func TestEngine_ResumeThroughDBStore(t *testing.T) {
	store := newSQLiteFlowStore(t)
	engine := NewEngine[*testState](store, nil, func() *testState { return newTestState("") })

	failing := true
	buildDef := func() *Definition[*testState] {
		return NewBuilder[*testState]().
			Step("S1", func(ctx context.Context, s *testState) error {
				s.Log = append(s.Log, "S1")
				return nil
			}).
			Step("S2", func(ctx context.Context, s *testState) error {
				if failing {
					return context.DeadlineExceeded
				}
				s.Log = append(s.Log, "S2")
				return nil
			}).
			Build()
	}

	if _, err := engine.Execute(context.Background(), buildDef(), newTestState("flow-db")); err == nil {
		t.Fatal("expected first run to fail at S2")
	}

	failing = false
	snap, err := engine.Resume(context.Background(), buildDef(), "flow-db")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if snap.Status != StatusSucceeded {
		t.Fatalf("status = %s, want Succeeded", snap.Status)
	}
	if got := snap.State.Log; len(got) != 2 || got[0] != "S1" || got[1] != "S2" {
		t.Fatalf("log = %v, want [S1 S2]", got)
	}
}
