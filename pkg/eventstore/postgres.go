package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"time"

	"github.com/fluxorio/cqrsflow/pkg/core"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable Event Store backend: an events table of
// (stream_id, version, event_type, payload, timestamp, metadata) rows, plus
// a stream_versions header table holding current_version for O(1)
// optimistic-concurrency checks.
type PostgresStore struct {
	pool   *pgxpool.Pool
	codec  func(interface{}) ([]byte, error)
	decode func([]byte, string) (interface{}, error)
}

// EventTypeRegistry resolves a stored event_type string back to a concrete
// Go value for Read. Callers register their domain event constructors.
type EventTypeRegistry map[string]func() interface{}

// NewPostgresStore wraps an existing pgx native pool. Schema must already
// exist — see Schema() for the DDL this store expects.
func NewPostgresStore(pool *pgxpool.Pool, registry EventTypeRegistry) *PostgresStore {
	return &PostgresStore{
		pool: pool,
		codec: func(v interface{}) ([]byte, error) {
			return json.Marshal(v)
		},
		decode: func(data []byte, eventType string) (interface{}, error) {
			factory, ok := registry[eventType]
			if !ok {
				var generic map[string]interface{}
				if err := json.Unmarshal(data, &generic); err != nil {
					return nil, err
				}
				return generic, nil
			}
			v := factory()
			if err := json.Unmarshal(data, v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
}

// Schema is the DDL this store expects to already be applied.
const Schema = `
CREATE TABLE IF NOT EXISTS stream_versions (
	stream_id      TEXT PRIMARY KEY,
	current_version BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	stream_id  TEXT NOT NULL,
	version    BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	payload    BYTEA NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL,
	metadata   BYTEA,
	PRIMARY KEY (stream_id, version)
);
`

func (s *PostgresStore) Append(streamID string, events []interface{}, expectedVersion int64) (int64, *core.Error) {
	if err := core.ValidateStreamID(streamID); err != nil {
		return 0, err.(*core.Error)
	}
	if len(events) == 0 {
		return 0, core.NewError(core.KindValidation, "EMPTY_APPEND", "events cannot be empty")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, core.Wrap(core.KindTransient, CodeStorageUnavailable, "failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	var current int64
	row := tx.QueryRow(ctx, `SELECT current_version FROM stream_versions WHERE stream_id = $1 FOR UPDATE`, streamID)
	switch scanErr := row.Scan(&current); {
	case errors.Is(scanErr, pgx.ErrNoRows):
		current = 0
	case scanErr != nil:
		return 0, core.Wrap(core.KindTransient, CodeStorageUnavailable, "failed to read stream header", scanErr)
	}

	if expectedVersion != NoConcurrencyCheck && expectedVersion != current {
		return 0, NewConcurrencyConflictError(current, expectedVersion)
	}

	now := time.Now()
	newVersion := current
	for _, evt := range events {
		newVersion++
		payload, encErr := s.codec(evt)
		if encErr != nil {
			return 0, core.Wrap(core.KindValidation, "ENCODE_FAILED", "failed to encode event payload", encErr)
		}
		_, execErr := tx.Exec(ctx,
			`INSERT INTO events (stream_id, version, event_type, payload, timestamp) VALUES ($1, $2, $3, $4, $5)`,
			streamID, newVersion, reflect.TypeOf(evt).String(), payload, now,
		)
		if execErr != nil {
			// A new stream has no header row to lock, so a concurrent first
			// append surfaces here as a unique violation on (stream_id, version).
			var pgErr *pgconn.PgError
			if expectedVersion != NoConcurrencyCheck && errors.As(execErr, &pgErr) && pgErr.Code == "23505" {
				return 0, NewConcurrencyConflictError(newVersion, expectedVersion)
			}
			return 0, core.Wrap(core.KindTransient, CodeStorageUnavailable, "failed to insert event row", execErr)
		}
	}

	_, execErr := tx.Exec(ctx,
		`INSERT INTO stream_versions (stream_id, current_version) VALUES ($1, $2)
		 ON CONFLICT (stream_id) DO UPDATE SET current_version = EXCLUDED.current_version`,
		streamID, newVersion,
	)
	if execErr != nil {
		return 0, core.Wrap(core.KindTransient, CodeStorageUnavailable, "failed to update stream header", execErr)
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		return 0, core.Wrap(core.KindTransient, CodeStorageUnavailable, "failed to commit append", commitErr)
	}
	return newVersion, nil
}

func (s *PostgresStore) Read(streamID string, fromVersion int64, maxCount int) (EventStream, *core.Error) {
	if err := core.ValidateStreamID(streamID); err != nil {
		return EventStream{}, err.(*core.Error)
	}
	if fromVersion <= 0 {
		fromVersion = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	version, verr := s.GetStreamVersion(streamID)
	if verr != nil {
		return EventStream{}, verr
	}
	if version == 0 {
		return EventStream{StreamID: streamID, Version: 0}, nil
	}

	query := `SELECT version, event_type, payload, timestamp, metadata FROM events WHERE stream_id = $1 AND version >= $2 ORDER BY version ASC`
	args := []interface{}{streamID, fromVersion}
	if maxCount > 0 {
		query += ` LIMIT $3`
		args = append(args, maxCount)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return EventStream{}, core.Wrap(core.KindTransient, CodeStorageUnavailable, "failed to read events", err)
	}
	defer rows.Close()

	var envelopes []EventEnvelope
	for rows.Next() {
		var (
			ver       int64
			eventType string
			payload   []byte
			ts        time.Time
			metadata  []byte
		)
		if scanErr := rows.Scan(&ver, &eventType, &payload, &ts, &metadata); scanErr != nil {
			return EventStream{}, core.Wrap(core.KindFatal, CodeStorageCorruption, "failed to scan event row", scanErr)
		}
		decoded, decErr := s.decode(payload, eventType)
		if decErr != nil {
			return EventStream{}, core.Wrap(core.KindFatal, CodeStorageCorruption, "failed to decode event payload", decErr)
		}
		envelopes = append(envelopes, EventEnvelope{
			Event:     decoded,
			EventType: eventType,
			Version:   ver,
			Timestamp: ts,
		})
	}
	if rows.Err() != nil {
		return EventStream{}, core.Wrap(core.KindTransient, CodeStorageUnavailable, "event row iteration failed", rows.Err())
	}

	return EventStream{StreamID: streamID, Version: version, Events: envelopes}, nil
}

func (s *PostgresStore) StreamExists(streamID string) (bool, *core.Error) {
	version, err := s.GetStreamVersion(streamID)
	if err != nil {
		return false, err
	}
	return version > 0, nil
}

func (s *PostgresStore) GetStreamVersion(streamID string) (int64, *core.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var current int64
	row := s.pool.QueryRow(ctx, `SELECT current_version FROM stream_versions WHERE stream_id = $1`, streamID)
	switch err := row.Scan(&current); {
	case errors.Is(err, pgx.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, core.Wrap(core.KindTransient, CodeStorageUnavailable, "failed to read stream header", err)
	}
	return current, nil
}

func (s *PostgresStore) DeleteStream(streamID string) *core.Error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return core.Wrap(core.KindTransient, CodeStorageUnavailable, "failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM events WHERE stream_id = $1`, streamID); err != nil {
		return core.Wrap(core.KindTransient, CodeStorageUnavailable, "failed to delete events", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM stream_versions WHERE stream_id = $1`, streamID); err != nil {
		return core.Wrap(core.KindTransient, CodeStorageUnavailable, "failed to delete stream header", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return core.Wrap(core.KindTransient, CodeStorageUnavailable, "failed to commit delete", err)
	}
	return nil
}

func (s *PostgresStore) ListStreams(pattern string) ([]string, *core.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sqlPattern := "%"
	if pattern != "" && pattern != "*" {
		sqlPattern = pgGlobToLike(pattern)
	}

	rows, err := s.pool.Query(ctx, `SELECT stream_id FROM stream_versions WHERE stream_id LIKE $1 ORDER BY stream_id ASC`, sqlPattern)
	if err != nil {
		return nil, core.Wrap(core.KindTransient, CodeStorageUnavailable, "failed to list streams", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			return nil, core.Wrap(core.KindTransient, CodeStorageUnavailable, "failed to scan stream id", scanErr)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// pgGlobToLike translates a "*"-wildcard stream pattern into a SQL LIKE
// pattern (only "*" is a special character).
func pgGlobToLike(pattern string) string {
	out := make([]byte, 0, len(pattern))
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '*':
			out = append(out, '%')
		case '%', '_':
			out = append(out, '\\', pattern[i])
		default:
			out = append(out, pattern[i])
		}
	}
	return string(out)
}
