package testfixtures

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/example/schema-migrator/internal/persistence/sqldb"
	"github.com/example/schema-migrator/internal/persistence/sqlite"
)

// SQLiteHarness provides a real SQLite database and an adapter over it for
// integration-style engine tests.
type SQLiteHarness struct {
	DB      *sql.DB
	Adapter *sqldb.Adapter
	Path    string // Empty for in-memory databases

	cleanup func()
}

// Close releases resources associated with the harness.
func (h *SQLiteHarness) Close() {
	if h != nil && h.cleanup != nil {
		h.cleanup()
		h.cleanup = nil
	}
}

// NewSQLiteHarness opens a private in-memory database. The harness is closed
// automatically when the test finishes.
func NewSQLiteHarness(tb testing.TB) *SQLiteHarness {
	tb.Helper()
	return openHarness(tb, sqlite.InMemoryConfig())
}

// NewFileSQLiteHarness opens a database file in a temporary directory, so
// tests can close it and reopen the same file to simulate a restart.
func NewFileSQLiteHarness(tb testing.TB) *SQLiteHarness {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "migrations.db")
	return openHarness(tb, sqlite.DefaultConfig(path))
}

// ReopenSQLiteHarness opens another harness on the file behind h.
func ReopenSQLiteHarness(tb testing.TB, h *SQLiteHarness) *SQLiteHarness {
	tb.Helper()
	if h.Path == "" {
		tb.Fatalf("cannot reopen an in-memory harness")
	}
	return openHarness(tb, sqlite.DefaultConfig(h.Path))
}

func openHarness(tb testing.TB, cfg sqlite.Config) *SQLiteHarness {
	tb.Helper()

	adapter, db, err := sqlite.Connect(context.Background(), cfg)
	if err != nil {
		tb.Fatalf("failed to open sqlite: %v", err)
	}

	harness := &SQLiteHarness{
		DB:      db,
		Adapter: adapter,
		cleanup: func() {
			_ = db.Close()
		},
	}
	if cfg.DSN != ":memory:" {
		harness.Path = cfg.DSN
	}

	tb.Cleanup(harness.Close)
	return harness
}

// TableExists reports whether a table or index named name exists.
func (h *SQLiteHarness) TableExists(tb testing.TB, name string) bool {
	tb.Helper()
	var count int
	err := h.DB.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = ?`, name).Scan(&count)
	if err != nil {
		tb.Fatalf("failed to inspect sqlite_master for %s: %v", name, err)
	}
	return count > 0
}

// CountRows returns the number of rows in table.
func (h *SQLiteHarness) CountRows(tb testing.TB, table string) int {
	tb.Helper()
	var count int
	if err := h.DB.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&count); err != nil {
		tb.Fatalf("failed to count rows in %s: %v", table, err)
	}
	return count
}

// LedgerIDs returns the ids stored in table in ascending order.
func (h *SQLiteHarness) LedgerIDs(tb testing.TB, table string) []string {
	tb.Helper()
	rows, err := h.DB.Query(`SELECT id FROM ` + table + ` ORDER BY id`)
	if err != nil {
		tb.Fatalf("failed to read ledger %s: %v", table, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			tb.Fatalf("failed to scan ledger id: %v", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		tb.Fatalf("failed to iterate ledger: %v", err)
	}
	return ids
}
