package migration

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// DefaultTableName is the ledger table used when none is configured.
const DefaultTableName = "_migrations"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// LedgerEntry is one persisted row of the ledger.
type LedgerEntry struct {
	ID        string
	Name      string
	Checksum  string
	AppliedAt time.Time
}

// Ledger reads and writes the table that records applied migrations. Every
// operation runs inside a transaction supplied by the caller.
type Ledger struct {
	table   string
	dialect Dialect
}

// NewLedger returns a ledger stored in table. The table name is interpolated
// into statements, so only plain identifiers are accepted.
func NewLedger(table string, dialect Dialect) (*Ledger, error) {
	if table == "" {
		table = DefaultTableName
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTableName, table)
	}
	if dialect == nil {
		return nil, fmt.Errorf("ledger: dialect is required")
	}
	return &Ledger{table: table, dialect: dialect}, nil
}

// Table returns the ledger table name.
func (l *Ledger) Table() string {
	return l.table
}

// Ensure creates the ledger table if it does not exist yet.
func (l *Ledger) Ensure(ctx context.Context, tx Tx) error {
	stmt := l.dialect.CreateLedgerTable(l.table)
	if err := tx.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("ensure ledger table %s: %w", l.table, err)
	}
	return nil
}

// RecordApplied inserts the ledger row for rec.
func (l *Ledger) RecordApplied(ctx context.Context, tx Tx, rec *Record, at time.Time) error {
	exists, err := l.exists(ctx, tx, rec.ID())
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("record %s: %w", rec.ID(), ErrDuplicateKey)
	}

	stmt := fmt.Sprintf("INSERT INTO %s (id, name, checksum, applied_at) VALUES (%s, %s, %s, %s)",
		l.table, l.ph(1), l.ph(2), l.ph(3), l.ph(4))
	if err := tx.Exec(ctx, stmt, rec.ID(), rec.Name(), rec.Checksum(), l.dialect.TimeValue(at)); err != nil {
		return fmt.Errorf("record %s: %w", rec.ID(), err)
	}
	return nil
}

// RemoveApplied deletes the ledger row for id.
func (l *Ledger) RemoveApplied(ctx context.Context, tx Tx, id string) error {
	exists, err := l.exists(ctx, tx, id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("remove %s: %w", id, ErrEntryNotFound)
	}

	stmt := fmt.Sprintf("DELETE FROM %s WHERE id = %s", l.table, l.ph(1))
	if err := tx.Exec(ctx, stmt, id); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

// Load returns every ledger row keyed by migration id.
func (l *Ledger) Load(ctx context.Context, tx Tx) (map[string]LedgerEntry, error) {
	query := fmt.Sprintf("SELECT id, name, checksum, applied_at FROM %s ORDER BY id ASC", l.table)
	rows, err := tx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load ledger %s: %w", l.table, err)
	}
	defer rows.Close()

	entries := make(map[string]LedgerEntry)
	for rows.Next() {
		var (
			entry     LedgerEntry
			appliedAt ledgerTime
		)
		if err := rows.Scan(&entry.ID, &entry.Name, &entry.Checksum, &appliedAt); err != nil {
			return nil, fmt.Errorf("scan ledger %s: %w", l.table, err)
		}
		entry.AppliedAt = appliedAt.Time
		entries[entry.ID] = entry
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger %s: %w", l.table, err)
	}
	return entries, nil
}

func (l *Ledger) exists(ctx context.Context, tx Tx, id string) (bool, error) {
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE id = %s", l.table, l.ph(1))
	rows, err := tx.Query(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", id, err)
	}
	defer rows.Close()

	found := rows.Next()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("lookup %s: %w", id, err)
	}
	return found, nil
}

func (l *Ledger) ph(n int) string {
	return l.dialect.Placeholder(n)
}

var ledgerTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05",
}

// ledgerTime scans applied_at whether the driver hands back a time or text.
type ledgerTime struct {
	time.Time
}

func (t *ledgerTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = v.UTC()
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	default:
		return fmt.Errorf("unsupported applied_at type %T", src)
	}
}

func (t *ledgerTime) parse(value string) error {
	for _, layout := range ledgerTimeLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognised applied_at value %q", value)
}
