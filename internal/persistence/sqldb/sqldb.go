// Package sqldb adapts a database/sql handle to the migration engine.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/example/schema-migrator/internal/migration"
)

// Adapter runs migrations through a *sql.DB.
type Adapter struct {
	db      *sql.DB
	dialect migration.Dialect
	txOpts  *sql.TxOptions
}

var _ migration.Adapter = (*Adapter)(nil)

// New returns an adapter for db. The caller keeps ownership of db.
func New(db *sql.DB, dialect migration.Dialect) *Adapter {
	return &Adapter{db: db, dialect: dialect}
}

// WithTxOptions sets the options used for every transaction.
func (a *Adapter) WithTxOptions(opts *sql.TxOptions) *Adapter {
	a.txOpts = opts
	return a
}

// DB returns the underlying handle.
func (a *Adapter) DB() *sql.DB {
	return a.db
}

// Dialect implements migration.Adapter.
func (a *Adapter) Dialect() migration.Dialect {
	return a.dialect
}

// Begin implements migration.Adapter.
func (a *Adapter) Begin(ctx context.Context) (migration.Tx, error) {
	tx, err := a.db.BeginTx(ctx, a.txOpts)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Tx wraps *sql.Tx.
type Tx struct {
	tx *sql.Tx
}

// Exec implements migration.Tx.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) error {
	_, err := t.tx.ExecContext(ctx, query, args...)
	return err
}

// Query implements migration.Tx.
func (t *Tx) Query(ctx context.Context, query string, args ...any) (migration.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Commit implements migration.Tx.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback implements migration.Tx. Rolling back a transaction that already
// finished, for example after a failed commit, is not an error.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
