package db

// Blank-imported so callers can sql.Open("postgres", dsn) or
// sql.Open("sqlite3", dsn) against a Pool without registering drivers
// themselves.
import (
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)
