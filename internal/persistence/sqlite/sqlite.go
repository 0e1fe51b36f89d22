// Package sqlite binds the migration engine to SQLite through modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/example/schema-migrator/internal/migration"
	"github.com/example/schema-migrator/internal/persistence/sqldb"
)

// Dialect implements migration.Dialect for SQLite.
type Dialect struct{}

var _ migration.Dialect = Dialect{}

// Name returns "sqlite".
func (Dialect) Name() string { return "sqlite" }

// Placeholder returns "?" for every position.
func (Dialect) Placeholder(int) string { return "?" }

// CreateLedgerTable returns the ledger DDL with applied_at stored as text.
func (Dialect) CreateLedgerTable(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	checksum TEXT NOT NULL,
	applied_at TEXT NOT NULL
)`, table)
}

// TimeValue stores timestamps as RFC 3339 text in UTC so they sort lexically.
func (Dialect) TimeValue(t time.Time) any {
	return t.UTC().Format(time.RFC3339Nano)
}

// NewAdapter wraps an open database.
func NewAdapter(db *sql.DB) *sqldb.Adapter {
	return sqldb.New(db, Dialect{})
}

// Connect opens the database described by cfg and returns an adapter for it.
// Close the returned *sql.DB when done.
func Connect(ctx context.Context, cfg Config) (*sqldb.Adapter, *sql.DB, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return NewAdapter(db), db, nil
}
