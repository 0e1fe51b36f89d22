package testfixtures

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"
)

var referenceTime = time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)

// ReferenceTime returns the canonical baseline timestamp used by fixtures.
func ReferenceTime() time.Time {
	return referenceTime
}

// Migration file contents keyed by file name.
const (
	InitUp   = "CREATE TABLE accounts (id INTEGER PRIMARY KEY, email TEXT NOT NULL);"
	InitDown = "DROP TABLE accounts;"

	IndexUp   = "CREATE INDEX idx_accounts_email ON accounts (email);"
	IndexDown = "DROP INDEX idx_accounts_email;"

	UsersUp   = "CREATE TABLE users (id INTEGER PRIMARY KEY, account_id INTEGER NOT NULL REFERENCES accounts (id), name TEXT NOT NULL);"
	UsersDown = "DROP TABLE users;"
)

// MigrationFile renders a migration file body.
func MigrationFile(up, down string) string {
	return up + "\n\n-- DOWN --\n\n" + down + "\n"
}

// ScenarioFiles returns the three migrations used across the engine tests:
// a table, an index on it and a second table referencing the first.
func ScenarioFiles() map[string]string {
	return map[string]string{
		"20240101_init.sql":  MigrationFile(InitUp, InitDown),
		"20240110_idx.sql":   MigrationFile(IndexUp, IndexDown),
		"20240115_users.sql": MigrationFile(UsersUp, UsersDown),
	}
}

// MigrationFS builds an in-memory filesystem holding files at its root.
func MigrationFS(files map[string]string) fstest.MapFS {
	fsys := make(fstest.MapFS, len(files))
	for name, content := range files {
		fsys[name] = &fstest.MapFile{Data: []byte(content), Mode: 0o644}
	}
	return fsys
}

// WriteMigrations writes files into dir, creating it when needed.
func WriteMigrations(tb testing.TB, dir string, files map[string]string) {
	tb.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		tb.Fatalf("failed to create %s: %v", dir, err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			tb.Fatalf("failed to write %s: %v", name, err)
		}
	}
}
