package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/fluxorio/cqrsflow/pkg/core"
	"github.com/fluxorio/cqrsflow/pkg/db"
)

// DBStore is a database/sql-backed Snapshot Store, driver-agnostic over
// db.Pool (lib/pq or mattn/go-sqlite3).
type DBStore struct {
	pool *db.Pool
}

// NewDBStore wraps an already-migrated pool. Schema:
//
//	CREATE TABLE snapshots (
//		stream_id TEXT NOT NULL,
//		version   BIGINT NOT NULL,
//		state     BLOB NOT NULL,
//		timestamp TIMESTAMP NOT NULL,
//		PRIMARY KEY (stream_id, version)
//	);
func NewDBStore(pool *db.Pool) *DBStore {
	return &DBStore{pool: pool}
}

func (d *DBStore) Save(streamID string, state interface{}, version int64) *core.Error {
	if err := core.ValidateStreamID(streamID); err != nil {
		return err.(*core.Error)
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return core.Wrap(core.KindValidation, "ENCODE_FAILED", "failed to encode snapshot state", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, execErr := d.pool.Exec(ctx,
		`INSERT INTO snapshots (stream_id, version, state, timestamp) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (stream_id, version) DO NOTHING`,
		streamID, version, payload, time.Now(),
	)
	if execErr != nil {
		return core.Wrap(core.KindTransient, "STORAGE_UNAVAILABLE", "failed to save snapshot", execErr)
	}
	return nil
}

func (d *DBStore) Get(streamID string) (*Snapshot, *core.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	row := d.pool.QueryRow(ctx,
		`SELECT version, state, timestamp FROM snapshots WHERE stream_id = $1 ORDER BY version DESC LIMIT 1`,
		streamID,
	)
	var (
		version int64
		payload []byte
		ts      time.Time
	)
	switch scanErr := row.Scan(&version, &payload, &ts); {
	case scanErr == sql.ErrNoRows:
		return nil, nil
	case scanErr != nil:
		return nil, core.Wrap(core.KindTransient, "STORAGE_UNAVAILABLE", "failed to read snapshot", scanErr)
	}

	var state map[string]interface{}
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, core.Wrap(core.KindFatal, "STORAGE_CORRUPTION", "failed to decode snapshot state", err)
	}

	return &Snapshot{StreamID: streamID, Version: version, State: state, Timestamp: ts}, nil
}

func (d *DBStore) GetHistory(streamID string) ([]Snapshot, *core.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := d.pool.Query(ctx,
		`SELECT version, state, timestamp FROM snapshots WHERE stream_id = $1 ORDER BY version ASC`,
		streamID,
	)
	if err != nil {
		return nil, core.Wrap(core.KindTransient, "STORAGE_UNAVAILABLE", "failed to read snapshot history", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			version int64
			payload []byte
			ts      time.Time
		)
		if scanErr := rows.Scan(&version, &payload, &ts); scanErr != nil {
			return nil, core.Wrap(core.KindFatal, "STORAGE_CORRUPTION", "failed to scan snapshot row", scanErr)
		}
		var state map[string]interface{}
		if err := json.Unmarshal(payload, &state); err != nil {
			return nil, core.Wrap(core.KindFatal, "STORAGE_CORRUPTION", "failed to decode snapshot state", err)
		}
		out = append(out, Snapshot{StreamID: streamID, Version: version, State: state, Timestamp: ts})
	}
	return out, nil
}

func (d *DBStore) DeleteOlderThan(streamID string, version int64) *core.Error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := d.pool.Exec(ctx, `DELETE FROM snapshots WHERE stream_id = $1 AND version < $2`, streamID, version)
	if err != nil {
		return core.Wrap(core.KindTransient, "STORAGE_UNAVAILABLE", "failed to prune snapshot history", err)
	}
	return nil
}
