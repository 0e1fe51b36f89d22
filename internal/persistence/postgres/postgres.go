// Package postgres binds the migration engine to PostgreSQL through lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	// Register the Postgres driver.
	_ "github.com/lib/pq"

	"github.com/example/schema-migrator/internal/migration"
	"github.com/example/schema-migrator/internal/persistence/sqldb"
)

// Dialect implements migration.Dialect for PostgreSQL.
type Dialect struct{}

var _ migration.Dialect = Dialect{}

// Name returns "postgres".
func (Dialect) Name() string { return "postgres" }

// Placeholder returns "$n".
func (Dialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

// CreateLedgerTable takes a transaction-scoped advisory lock keyed on the
// table name first, so two runners creating the ledger at the same time do
// not collide on the catalog.
func (Dialect) CreateLedgerTable(table string) string {
	return fmt.Sprintf(`SELECT pg_advisory_xact_lock(hashtext('%[1]s'));
CREATE TABLE IF NOT EXISTS %[1]s (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	checksum TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL
)`, table)
}

// TimeValue passes t through in UTC for the TIMESTAMPTZ column.
func (Dialect) TimeValue(t time.Time) any {
	return t.UTC()
}

// Open opens a connection pool for dsn and checks it with a ping.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres: dsn is empty")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	// One writer at a time; the engine never runs migrations in parallel.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return db, nil
}

// NewAdapter wraps an open database.
func NewAdapter(db *sql.DB) *sqldb.Adapter {
	return sqldb.New(db, Dialect{})
}

// Connect opens dsn and returns an adapter for it. Close the returned *sql.DB
// when done.
func Connect(ctx context.Context, dsn string) (*sqldb.Adapter, *sql.DB, error) {
	db, err := Open(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return NewAdapter(db), db, nil
}
