package db

import (
	"context"
	"database/sql"
	"sync"
)

// DatabaseComponent wraps a Pool behind an explicit Start/Stop lifecycle. A
// DatabaseComponent is constructed eagerly (fail-fast config validation) but
// its Pool is not opened until Start is called, matching callers that wire
// up components before any of them actually connect.
type DatabaseComponent struct {
	config PoolConfig

	mu   sync.RWMutex
	pool *Pool
}

// NewDatabaseComponent creates a new database component with connection
// pooling. Fail-fast: validates configuration eagerly, before Start.
func NewDatabaseComponent(config PoolConfig) *DatabaseComponent {
	if config.DSN == "" {
		panic("DSN cannot be empty")
	}
	if config.DriverName == "" {
		panic("DriverName cannot be empty")
	}
	if config.MaxOpenConns <= 0 {
		panic("MaxOpenConns must be positive")
	}

	return &DatabaseComponent{config: config}
}

// Start opens the underlying connection pool. Calling Start twice replaces
// the pool after closing the prior one.
func (c *DatabaseComponent) Start(ctx context.Context) error {
	if c == nil {
		return &Error{Code: "INVALID_STATE", Message: "DatabaseComponent cannot be nil"}
	}
	pool, err := NewPool(c.config)
	if err != nil {
		return err
	}

	c.mu.Lock()
	prior := c.pool
	c.pool = pool
	c.mu.Unlock()

	if prior != nil {
		prior.Close()
	}
	return nil
}

// Stop closes the connection pool.
func (c *DatabaseComponent) Stop(ctx context.Context) error {
	c.mu.Lock()
	pool := c.pool
	c.pool = nil
	c.mu.Unlock()

	if pool == nil {
		return nil
	}
	return pool.Close()
}

func (c *DatabaseComponent) activePool() *Pool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pool
}

// Pool returns the connection pool.
// Fail-fast: panics if the component has not been started.
func (c *DatabaseComponent) Pool() *Pool {
	if c == nil {
		panic("DatabaseComponent cannot be nil")
	}
	pool := c.activePool()
	if pool == nil {
		panic("database component not started - call Start() first")
	}
	return pool
}

// DB returns the underlying *sql.DB.
// Fail-fast: panics if the component has not been started.
func (c *DatabaseComponent) DB() *sql.DB {
	if c == nil {
		panic("DatabaseComponent cannot be nil")
	}
	pool := c.activePool()
	if pool == nil {
		panic("database component not started - call Start() first")
	}
	return pool.DB()
}

// Query executes a query that returns rows.
func (c *DatabaseComponent) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if c == nil {
		return nil, &Error{Code: "INVALID_STATE", Message: "DatabaseComponent cannot be nil"}
	}
	pool := c.activePool()
	if pool == nil {
		return nil, &Error{Code: "NOT_STARTED", Message: "database component not started - call Start() first"}
	}
	if query == "" {
		return nil, &Error{Code: "INVALID_INPUT", Message: "query cannot be empty"}
	}
	return pool.Query(ctx, query, args...)
}

// QueryRow executes a query that returns a single row.
// Fail-fast: panics if the component has not been started.
func (c *DatabaseComponent) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	if c == nil {
		panic("DatabaseComponent cannot be nil")
	}
	pool := c.activePool()
	if pool == nil {
		panic("database component not started - call Start() first")
	}
	if query == "" {
		panic("query cannot be empty")
	}
	return pool.QueryRow(ctx, query, args...)
}

// Exec executes a command.
func (c *DatabaseComponent) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if c == nil {
		return nil, &Error{Code: "INVALID_STATE", Message: "DatabaseComponent cannot be nil"}
	}
	pool := c.activePool()
	if pool == nil {
		return nil, &Error{Code: "NOT_STARTED", Message: "database component not started - call Start() first"}
	}
	if query == "" {
		return nil, &Error{Code: "INVALID_INPUT", Message: "query cannot be empty"}
	}
	return pool.Exec(ctx, query, args...)
}

// Begin starts a transaction.
func (c *DatabaseComponent) Begin(ctx context.Context) (*sql.Tx, error) {
	if c == nil {
		return nil, &Error{Code: "INVALID_STATE", Message: "DatabaseComponent cannot be nil"}
	}
	pool := c.activePool()
	if pool == nil {
		return nil, &Error{Code: "NOT_STARTED", Message: "database component not started - call Start() first"}
	}
	return pool.Begin(ctx)
}

// BeginTx starts a transaction with options.
func (c *DatabaseComponent) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	if c == nil {
		return nil, &Error{Code: "INVALID_STATE", Message: "DatabaseComponent cannot be nil"}
	}
	pool := c.activePool()
	if pool == nil {
		return nil, &Error{Code: "NOT_STARTED", Message: "database component not started - call Start() first"}
	}
	return pool.BeginTx(ctx, opts)
}

// Stats returns pool statistics; safe to call before Start (returns zero
// value rather than panicking, since monitoring code should not crash on an
// idle component).
func (c *DatabaseComponent) Stats() sql.DBStats {
	pool := c.activePool()
	if pool == nil {
		return sql.DBStats{}
	}
	return pool.Stats()
}

// Ping tests the connection.
func (c *DatabaseComponent) Ping(ctx context.Context) error {
	if c == nil {
		return &Error{Code: "INVALID_STATE", Message: "DatabaseComponent cannot be nil"}
	}
	pool := c.activePool()
	if pool == nil {
		return &Error{Code: "NOT_STARTED", Message: "database component not started - call Start() first"}
	}
	return pool.Ping(ctx)
}
