package reliability

import (
	"context"
	"database/sql"
	"time"

	"github.com/fluxorio/cqrsflow/pkg/core"
	"github.com/fluxorio/cqrsflow/pkg/db"
)

// DBOutbox is a database/sql-backed Outbox with the row layout
// (id, messageType, payload, createdAt, processedAt, attempts).
//
//	CREATE TABLE outbox (
//		id           TEXT PRIMARY KEY,
//		message_type TEXT NOT NULL,
//		payload      BLOB NOT NULL,
//		created_at   TIMESTAMP NOT NULL,
//		processed_at TIMESTAMP,
//		attempts     INTEGER NOT NULL DEFAULT 0
//	);
type DBOutbox struct {
	pool *db.Pool
}

// NewDBOutbox wraps an already-migrated pool.
func NewDBOutbox(pool *db.Pool) *DBOutbox {
	return &DBOutbox{pool: pool}
}

func (o *DBOutbox) Add(msg OutboxMessage) *core.Error {
	if msg.ID == "" {
		return core.NewError(core.KindValidation, "INVALID_OUTBOX_MESSAGE", "outbox message id cannot be empty")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := o.pool.Exec(ctx,
		`INSERT INTO outbox (id, message_type, payload, created_at, attempts) VALUES ($1, $2, $3, $4, 0)`,
		msg.ID, msg.MessageType, msg.Payload, msg.CreatedAt,
	)
	if err != nil {
		return core.Wrap(core.KindTransient, "STORAGE_UNAVAILABLE", "failed to insert outbox row", err)
	}
	return nil
}

func (o *DBOutbox) GetPending(limit int) ([]OutboxMessage, *core.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := `SELECT id, message_type, payload, created_at, processed_at, attempts FROM outbox WHERE processed_at IS NULL ORDER BY created_at ASC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := o.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, core.Wrap(core.KindTransient, "STORAGE_UNAVAILABLE", "failed to read pending outbox rows", err)
	}
	defer rows.Close()

	var out []OutboxMessage
	for rows.Next() {
		var (
			msg         OutboxMessage
			processedAt sql.NullTime
		)
		if scanErr := rows.Scan(&msg.ID, &msg.MessageType, &msg.Payload, &msg.CreatedAt, &processedAt, &msg.Attempts); scanErr != nil {
			return nil, core.Wrap(core.KindFatal, "STORAGE_CORRUPTION", "failed to scan outbox row", scanErr)
		}
		if processedAt.Valid {
			msg.ProcessedAt = &processedAt.Time
		}
		out = append(out, msg)
	}
	return out, nil
}

func (o *DBOutbox) MarkAsProcessed(id string) *core.Error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := o.pool.Exec(ctx, `UPDATE outbox SET processed_at = $1 WHERE id = $2 AND processed_at IS NULL`, time.Now(), id)
	if err != nil {
		return core.Wrap(core.KindTransient, "STORAGE_UNAVAILABLE", "failed to mark outbox row processed", err)
	}
	return nil
}

func (o *DBOutbox) IncrementAttempts(id string) *core.Error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := o.pool.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = $1`, id)
	if err != nil {
		return core.Wrap(core.KindTransient, "STORAGE_UNAVAILABLE", "failed to increment outbox attempts", err)
	}
	return nil
}

// DBIdempotencyStore is a database/sql-backed IdempotencyStore.
//
//	CREATE TABLE idempotency_keys (
//		request_id TEXT PRIMARY KEY,
//		result     BLOB,
//		expires_at TIMESTAMP NOT NULL
//	);
type DBIdempotencyStore struct {
	pool   *db.Pool
	encode func(interface{}) ([]byte, error)
	decode func([]byte) (interface{}, error)
}

// NewDBIdempotencyStore wraps an already-migrated pool, serializing cached
// results with the encode/decode functions supplied.
func NewDBIdempotencyStore(pool *db.Pool, encode func(interface{}) ([]byte, error), decode func([]byte) (interface{}, error)) *DBIdempotencyStore {
	return &DBIdempotencyStore{pool: pool, encode: encode, decode: decode}
}

func (d *DBIdempotencyStore) Store(requestID string, result interface{}, ttl time.Duration) *core.Error {
	if requestID == "" {
		return core.NewError(core.KindValidation, "INVALID_REQUEST_ID", "requestId cannot be empty")
	}
	payload, err := d.encode(result)
	if err != nil {
		return core.Wrap(core.KindValidation, "ENCODE_FAILED", "failed to encode idempotency result", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, execErr := d.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (request_id, result, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (request_id) DO UPDATE SET result = EXCLUDED.result, expires_at = EXCLUDED.expires_at`,
		requestID, payload, time.Now().Add(ttl),
	)
	if execErr != nil {
		return core.Wrap(core.KindTransient, "STORAGE_UNAVAILABLE", "failed to store idempotency key", execErr)
	}
	return nil
}

func (d *DBIdempotencyStore) IsProcessed(requestID string) (bool, *core.Error) {
	_, ok, err := d.Get(requestID)
	return ok, err
}

func (d *DBIdempotencyStore) Get(requestID string) (interface{}, bool, *core.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		payload   []byte
		expiresAt time.Time
	)
	row := d.pool.QueryRow(ctx, `SELECT result, expires_at FROM idempotency_keys WHERE request_id = $1`, requestID)
	switch scanErr := row.Scan(&payload, &expiresAt); {
	case scanErr == sql.ErrNoRows:
		return nil, false, nil
	case scanErr != nil:
		return nil, false, core.Wrap(core.KindTransient, "STORAGE_UNAVAILABLE", "failed to read idempotency key", scanErr)
	}

	if time.Now().After(expiresAt) {
		return nil, false, nil
	}

	result, decErr := d.decode(payload)
	if decErr != nil {
		return nil, false, core.Wrap(core.KindFatal, "STORAGE_CORRUPTION", "failed to decode idempotency result", decErr)
	}
	return result, true, nil
}

// DBInbox is a database/sql-backed Inbox. The primary-key constraint makes
// TryStore's first-insert-wins check atomic at the database.
//
//	CREATE TABLE inbox (
//		message_id BIGINT PRIMARY KEY,
//		expires_at TIMESTAMP NOT NULL
//	);
type DBInbox struct {
	pool *db.Pool
}

// NewDBInbox wraps an already-migrated pool.
func NewDBInbox(pool *db.Pool) *DBInbox {
	return &DBInbox{pool: pool}
}

func (i *DBInbox) TryStore(messageID core.MessageID, ttl time.Duration) (bool, *core.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()

	// Reclaim the slot if a previous entry for this id has expired, then rely
	// on the primary key to arbitrate concurrent first insertions.
	if _, err := i.pool.Exec(ctx, `DELETE FROM inbox WHERE message_id = $1 AND expires_at <= $2`, int64(messageID), now); err != nil {
		return false, core.Wrap(core.KindTransient, "STORAGE_UNAVAILABLE", "failed to sweep expired inbox entry", err)
	}

	res, err := i.pool.Exec(ctx,
		`INSERT INTO inbox (message_id, expires_at) VALUES ($1, $2) ON CONFLICT (message_id) DO NOTHING`,
		int64(messageID), now.Add(ttl),
	)
	if err != nil {
		return false, core.Wrap(core.KindTransient, "STORAGE_UNAVAILABLE", "failed to insert inbox entry", err)
	}
	inserted, raErr := res.RowsAffected()
	if raErr != nil {
		return false, core.Wrap(core.KindTransient, "STORAGE_UNAVAILABLE", "failed to read inbox insert outcome", raErr)
	}
	return inserted == 1, nil
}

// DBDeadLetterStore is a database/sql-backed DeadLetterStore.
//
//	CREATE TABLE dead_letters (
//		origin_queue TEXT NOT NULL,
//		message_id   TEXT NOT NULL,
//		payload      BLOB,
//		failed_at    TIMESTAMP NOT NULL,
//		reason       TEXT NOT NULL DEFAULT '',
//		retry_count  INTEGER NOT NULL DEFAULT 0,
//		permanent    BOOLEAN NOT NULL DEFAULT FALSE,
//		PRIMARY KEY (origin_queue, message_id)
//	);
type DBDeadLetterStore struct {
	pool *db.Pool
}

// NewDBDeadLetterStore wraps an already-migrated pool.
func NewDBDeadLetterStore(pool *db.Pool) *DBDeadLetterStore {
	return &DBDeadLetterStore{pool: pool}
}

func (s *DBDeadLetterStore) Store(dl DeadLetter) *core.Error {
	if dl.MessageID == "" || dl.OriginQueue == "" {
		return core.NewError(core.KindValidation, "INVALID_DEAD_LETTER", "messageId and originQueue are required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letters (origin_queue, message_id, payload, failed_at, reason, retry_count, permanent)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (origin_queue, message_id) DO UPDATE SET
		   payload = EXCLUDED.payload, failed_at = EXCLUDED.failed_at, reason = EXCLUDED.reason,
		   retry_count = EXCLUDED.retry_count, permanent = EXCLUDED.permanent`,
		dl.OriginQueue, dl.MessageID, dl.Payload, dl.FailedAt, dl.Reason, dl.RetryCount, dl.Permanent,
	)
	if err != nil {
		return core.Wrap(core.KindTransient, "STORAGE_UNAVAILABLE", "failed to insert dead letter", err)
	}
	return nil
}

func (s *DBDeadLetterStore) ListByQueue(originQueue string, offset, limit int) ([]DeadLetter, *core.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := `SELECT message_id, payload, failed_at, reason, retry_count, permanent
	          FROM dead_letters WHERE origin_queue = $1 ORDER BY failed_at ASC`
	args := []interface{}{originQueue}
	if limit > 0 {
		query += ` LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, core.Wrap(core.KindTransient, "STORAGE_UNAVAILABLE", "failed to read dead letters", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		dl := DeadLetter{OriginQueue: originQueue}
		if scanErr := rows.Scan(&dl.MessageID, &dl.Payload, &dl.FailedAt, &dl.Reason, &dl.RetryCount, &dl.Permanent); scanErr != nil {
			return nil, core.Wrap(core.KindFatal, "STORAGE_CORRUPTION", "failed to scan dead letter row", scanErr)
		}
		out = append(out, dl)
	}
	return out, nil
}

func (s *DBDeadLetterStore) Remove(originQueue, messageID string) *core.Error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letters WHERE origin_queue = $1 AND message_id = $2`, originQueue, messageID)
	if err != nil {
		return core.Wrap(core.KindTransient, "STORAGE_UNAVAILABLE", "failed to remove dead letter", err)
	}
	return nil
}

func (s *DBDeadLetterStore) MarkPermanent(originQueue, messageID string) *core.Error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.pool.Exec(ctx, `UPDATE dead_letters SET permanent = TRUE WHERE origin_queue = $1 AND message_id = $2`, originQueue, messageID)
	if err != nil {
		return core.Wrap(core.KindTransient, "STORAGE_UNAVAILABLE", "failed to mark dead letter permanent", err)
	}
	affected, raErr := res.RowsAffected()
	if raErr != nil {
		return core.Wrap(core.KindTransient, "STORAGE_UNAVAILABLE", "failed to read update outcome", raErr)
	}
	if affected == 0 {
		return core.NewError(core.KindNotFound, "DEAD_LETTER_NOT_FOUND", "no dead letter with that originQueue/messageId")
	}
	return nil
}

var (
	_ Outbox           = (*DBOutbox)(nil)
	_ IdempotencyStore = (*DBIdempotencyStore)(nil)
	_ Inbox            = (*DBInbox)(nil)
	_ DeadLetterStore  = (*DBDeadLetterStore)(nil)
)
