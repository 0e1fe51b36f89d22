package migration

import (
	"context"
	"time"
)

// Adapter is the database binding the engine delegates execution to. It owns
// the connection; the engine never pools or shares it.
type Adapter interface {
	// Begin starts a transaction.
	Begin(ctx context.Context) (Tx, error)

	// Dialect supplies the ledger statements for this database.
	Dialect() Dialect
}

// Tx is a single database transaction.
type Tx interface {
	// Exec runs a statement or script. Scripts are passed through untouched.
	Exec(ctx context.Context, query string, args ...any) error

	// Query runs a statement that returns rows.
	Query(ctx context.Context, query string, args ...any) (Rows, error)

	Commit() error
	Rollback() error
}

// Rows is the subset of *sql.Rows the ledger reads.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// Dialect holds the database specific parts of the ledger statements.
type Dialect interface {
	// Name identifies the dialect in logs, e.g. "sqlite" or "postgres".
	Name() string

	// Placeholder returns the bind parameter for the n-th argument, starting at 1.
	Placeholder(n int) string

	// CreateLedgerTable returns an idempotent CREATE TABLE statement for the
	// ledger with columns id, name, checksum, applied_at.
	CreateLedgerTable(table string) string

	// TimeValue converts an applied_at timestamp into a bind argument.
	TimeValue(t time.Time) any
}
