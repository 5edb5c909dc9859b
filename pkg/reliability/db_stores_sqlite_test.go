package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fluxorio/cqrsflow/pkg/core"
	"github.com/fluxorio/cqrsflow/pkg/db"
)

const reliabilitySchemaSQLite = `
CREATE TABLE outbox (
	id           TEXT PRIMARY KEY,
	message_type TEXT NOT NULL,
	payload      BLOB NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	processed_at TIMESTAMP,
	attempts     INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE inbox (
	message_id BIGINT PRIMARY KEY,
	expires_at TIMESTAMP NOT NULL
);
CREATE TABLE dead_letters (
	origin_queue TEXT NOT NULL,
	message_id   TEXT NOT NULL,
	payload      BLOB,
	failed_at    TIMESTAMP NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	retry_count  INTEGER NOT NULL DEFAULT 0,
	permanent    BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (origin_queue, message_id)
);`

func newSQLiteReliabilityPool(t *testing.T) *db.Pool {
	t.Helper()

	pool, err := db.NewPool(db.DefaultPoolConfig("file:reliability_test?mode=memory&cache=shared", "sqlite3"))
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	ctx := context.Background()
	for _, table := range []string{"outbox", "inbox", "dead_letters"} {
		if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			t.Fatalf("drop %s: %v", table, err)
		}
	}
	if _, err := pool.Exec(ctx, reliabilitySchemaSQLite); err != nil {
		t.Fatalf("create tables: %v", err)
	}
	return pool
}

func TestDBOutbox_SQLitePendingLifecycle(t *testing.T) {
	pool := newSQLiteReliabilityPool(t)
	outbox := NewDBOutbox(pool)

	base := time.Now()
	for i, id := range []string{"m1", "m2", "m3"} {
		err := outbox.Add(OutboxMessage{
			ID:          id,
			MessageType: "OrderCreated",
			Payload:     []byte("payload"),
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}

	pending, err := outbox.GetPending(2)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "m1" || pending[1].ID != "m2" {
		t.Fatalf("pending = %+v, want [m1 m2] FIFO by created_at", pending)
	}

	if err := outbox.MarkAsProcessed("m1"); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	// Idempotent second mark.
	if err := outbox.MarkAsProcessed("m1"); err != nil {
		t.Fatalf("second mark processed: %v", err)
	}

	if err := outbox.IncrementAttempts("m2"); err != nil {
		t.Fatalf("increment attempts: %v", err)
	}

	pending, err = outbox.GetPending(10)
	if err != nil {
		t.Fatalf("get pending after mark: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 still pending, got %d", len(pending))
	}
	if pending[0].ID != "m2" || pending[0].Attempts != 1 {
		t.Fatalf("pending[0] = %+v, want m2 with 1 attempt", pending[0])
	}
}

func TestDBOutbox_SQLiteProcessorEscalatesToDBDeadLetters(t *testing.T) {
	pool := newSQLiteReliabilityPool(t)
	outbox := NewDBOutbox(pool)
	dlq := NewDBDeadLetterStore(pool)

	if err := outbox.Add(OutboxMessage{ID: "m1", MessageType: "PaymentFailed", Payload: []byte("x"), CreatedAt: time.Now()}); err != nil {
		t.Fatalf("add: %v", err)
	}

	processor := NewProcessor(outbox, dlq, func(m OutboxMessage) error {
		return errors.New("transport unavailable")
	}, 2, "payments")

	for i := 0; i < 2; i++ {
		if err := processor.RunOnce(10); err != nil {
			t.Fatalf("run once: %v", err)
		}
	}

	letters, err := dlq.ListByQueue("payments", 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(letters) != 1 || letters[0].MessageID != "m1" {
		t.Fatalf("letters = %+v, want [m1]", letters)
	}

	if err := dlq.MarkPermanent("payments", "m1"); err != nil {
		t.Fatalf("mark permanent: %v", err)
	}
	letters, err = dlq.ListByQueue("payments", 0, 10)
	if err != nil || len(letters) != 1 || !letters[0].Permanent {
		t.Fatalf("letters after mark = %+v, %v", letters, err)
	}

	pending, err := outbox.GetPending(10)
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected escalated row settled, got %d pending, %v", len(pending), err)
	}
}

func TestDBInbox_SQLiteFirstInsertWins(t *testing.T) {
	pool := newSQLiteReliabilityPool(t)
	inbox := NewDBInbox(pool)

	id := core.NewMessageID()
	first, err := inbox.TryStore(id, time.Minute)
	if err != nil || !first {
		t.Fatalf("first TryStore = %v, %v; want true", first, err)
	}
	second, err := inbox.TryStore(id, time.Minute)
	if err != nil || second {
		t.Fatalf("second TryStore = %v, %v; want false", second, err)
	}

	// An expired entry's slot is reclaimable.
	expired := core.NewMessageID()
	if ok, err := inbox.TryStore(expired, -time.Second); err != nil || !ok {
		t.Fatalf("insert expired = %v, %v; want true", ok, err)
	}
	if ok, err := inbox.TryStore(expired, time.Minute); err != nil || !ok {
		t.Fatalf("reinsert after expiry = %v, %v; want true", ok, err)
	}
}
