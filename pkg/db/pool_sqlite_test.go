package db

import (
	"context"
	"testing"
)

// TestPool_SQLite_RoundTrip exercises the real sqlite3 driver end to end
// (open, exec, query) against an in-memory database.
func TestPool_SQLite_RoundTrip(t *testing.T) {
	config := DefaultPoolConfig("file::memory:?cache=shared", "sqlite3")
	pool, err := NewPool(config)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	defer pool.Close()

	ctx := context.Background()
	if _, err := pool.Exec(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)`); err != nil {
		t.Fatalf("Exec(CREATE TABLE) error = %v", err)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO widgets (id, name) VALUES (1, 'gear')`); err != nil {
		t.Fatalf("Exec(INSERT) error = %v", err)
	}

	var name string
	if err := pool.QueryRow(ctx, `SELECT name FROM widgets WHERE id = 1`).Scan(&name); err != nil {
		t.Fatalf("QueryRow().Scan() error = %v", err)
	}
	if name != "gear" {
		t.Errorf("name = %q, want %q", name, "gear")
	}

	stats := pool.Stats()
	if stats.MaxOpenConnections != config.MaxOpenConns {
		t.Errorf("Stats().MaxOpenConnections = %d, want %d", stats.MaxOpenConnections, config.MaxOpenConns)
	}
}
