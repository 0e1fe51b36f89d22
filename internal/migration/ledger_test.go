package migration_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/schema-migrator/internal/migration"
	"github.com/example/schema-migrator/internal/persistence/sqlite"
	"github.com/example/schema-migrator/internal/testfixtures"
)

func TestNewLedgerValidatesTableName(t *testing.T) {
	ledger, err := migration.NewLedger("", sqlite.Dialect{})
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	if ledger.Table() != migration.DefaultTableName {
		t.Fatalf("expected default table, got %s", ledger.Table())
	}

	for _, bad := range []string{"1table", "drop table x;--", "schema.table", "t-1"} {
		if _, err := migration.NewLedger(bad, sqlite.Dialect{}); !errors.Is(err, migration.ErrInvalidTableName) {
			t.Errorf("expected ErrInvalidTableName for %q, got %v", bad, err)
		}
	}
	if _, err := migration.NewLedger("ok", nil); err == nil {
		t.Fatalf("expected error for nil dialect")
	}
}

func TestLedgerRoundTripOnSQLite(t *testing.T) {
	ctx := context.Background()
	h := testfixtures.NewSQLiteHarness(t)
	ledger, err := migration.NewLedger("schema_history", h.Adapter.Dialect())
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}

	rec := migration.NewRecord("20240101_init", "init", testfixtures.InitUp, testfixtures.InitDown)
	at := time.Date(2024, 1, 1, 9, 30, 0, 123456789, time.UTC)

	tx, err := h.Adapter.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := ledger.Ensure(ctx, tx); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := ledger.Ensure(ctx, tx); err != nil {
		t.Fatalf("Ensure should be idempotent: %v", err)
	}
	if err := ledger.RecordApplied(ctx, tx, rec, at); err != nil {
		t.Fatalf("RecordApplied: %v", err)
	}
	if err := ledger.RecordApplied(ctx, tx, rec, at); !errors.Is(err, migration.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx, err = h.Adapter.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	entries, err := ledger.Load(ctx, tx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	entry, ok := entries["20240101_init"]
	if !ok || len(entries) != 1 {
		t.Fatalf("expected a single entry, got %v", entries)
	}
	if entry.Name != "init" || entry.Checksum != rec.Checksum() || !entry.AppliedAt.Equal(at) {
		t.Fatalf("unexpected entry %+v", entry)
	}

	if err := ledger.RemoveApplied(ctx, tx, "20240101_init"); err != nil {
		t.Fatalf("RemoveApplied: %v", err)
	}
	if err := ledger.RemoveApplied(ctx, tx, "20240101_init"); !errors.Is(err, migration.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if ids := h.LedgerIDs(t, "schema_history"); len(ids) != 0 {
		t.Fatalf("expected empty ledger, got %v", ids)
	}
}

func TestLedgerRollbackDiscardsInsert(t *testing.T) {
	ctx := context.Background()
	adapter := testfixtures.NewFakeAdapter()
	ledger, err := migration.NewLedger("", adapter.Dialect())
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}

	tx, err := adapter.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	rec := migration.NewRecord("20240101_init", "init", "up", "down")
	if err := ledger.RecordApplied(ctx, tx, rec, testfixtures.ReferenceTime()); err != nil {
		t.Fatalf("RecordApplied: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if ids := adapter.LedgerIDs(); len(ids) != 0 {
		t.Fatalf("rolled back insert should not land, got %v", ids)
	}
}
