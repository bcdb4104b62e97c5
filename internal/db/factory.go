package db

import (
	"strings"

	"opencopilot/internal/audit"
	"opencopilot/internal/clock"
)

// Store is the combined persistence surface the SQL backends provide.
type Store interface {
	TaskStore
	statusBackend
	audit.Store
	Close() error
}

// Open selects a backend from the connection string: postgres:// (or
// postgresql://) connects to PostgreSQL, anything else is treated as a
// SQLite file path. Callers wanting pure in-memory stores wire
// MemoryTaskStore and friends directly instead.
func Open(dsn string, c clock.Clock) (Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgresStore(dsn, c)
	}
	return NewSQLiteStore(dsn, c)
}

// compile-time interface checks
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)

	_ TaskStore = (*MemoryTaskStore)(nil)
)
