package testfixtures

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/schema-migrator/internal/migration"
)

// FakeDialect is the dialect reported by FakeAdapter.
type FakeDialect struct{}

func (FakeDialect) Name() string { return "fake" }

func (FakeDialect) Placeholder(int) string { return "?" }

func (FakeDialect) CreateLedgerTable(table string) string {
	return "CREATE TABLE IF NOT EXISTS " + table
}

func (FakeDialect) TimeValue(t time.Time) any { return t.UTC() }

// ErrInjected is the default error returned by injected failures.
var ErrInjected = errors.New("injected failure")

// FakeAdapter is an in-memory migration.Adapter. It understands the ledger
// statements, treats every other statement as an opaque script, and records
// each call so tests can assert on the exact sequence.
type FakeAdapter struct {
	mu sync.Mutex

	calls   []string
	ledger  map[string][]any
	scripts []string

	failBegin  error
	failCommit error
	failExec   map[string]error
}

// NewFakeAdapter returns an adapter with an empty ledger.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		ledger:   make(map[string][]any),
		failExec: make(map[string]error),
	}
}

// FailBegin makes every Begin return err (ErrInjected when nil).
func (a *FakeAdapter) FailBegin(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failBegin = orInjected(err)
}

// FailCommit makes every Commit return err (ErrInjected when nil).
func (a *FakeAdapter) FailCommit(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failCommit = orInjected(err)
}

// FailExec makes any statement containing fragment fail with err
// (ErrInjected when nil).
func (a *FakeAdapter) FailExec(fragment string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failExec[fragment] = orInjected(err)
}

// Reset clears injected failures and the call log. Ledger rows stay.
func (a *FakeAdapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failBegin = nil
	a.failCommit = nil
	a.failExec = make(map[string]error)
	a.calls = nil
}

// Calls returns the recorded call log: "begin", "exec <stmt>", "query <stmt>",
// "commit" and "rollback".
func (a *FakeAdapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.calls))
	copy(out, a.calls)
	return out
}

// Scripts returns the committed non-ledger statements in order.
func (a *FakeAdapter) Scripts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.scripts))
	copy(out, a.scripts)
	return out
}

// LedgerIDs returns the committed ledger ids in ascending order.
func (a *FakeAdapter) LedgerIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.ledger))
	for id := range a.ledger {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetLedgerChecksum rewrites the stored checksum of id, simulating a ledger
// written by an older definition.
func (a *FakeAdapter) SetLedgerChecksum(id, checksum string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if row, ok := a.ledger[id]; ok {
		row[2] = checksum
	}
}

// Dialect implements migration.Adapter.
func (a *FakeAdapter) Dialect() migration.Dialect {
	return FakeDialect{}
}

// Begin implements migration.Adapter.
func (a *FakeAdapter) Begin(context.Context) (migration.Tx, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "begin")
	if a.failBegin != nil {
		return nil, a.failBegin
	}
	return &fakeTx{adapter: a}, nil
}

type fakeTx struct {
	adapter *FakeAdapter
	ops     []func()
	inserts map[string][]any
	deletes map[string]bool
	done    bool
}

func (t *fakeTx) Exec(_ context.Context, query string, args ...any) error {
	a := t.adapter
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "exec "+query)
	if t.done {
		return errors.New("transaction already finished")
	}
	for fragment, err := range a.failExec {
		if strings.Contains(query, fragment) {
			return err
		}
	}

	switch {
	case strings.HasPrefix(query, "CREATE TABLE IF NOT EXISTS"):
	case strings.HasPrefix(query, "INSERT INTO"):
		if len(args) != 4 {
			return fmt.Errorf("insert expects 4 args, got %d", len(args))
		}
		id := fmt.Sprint(args[0])
		if t.visible(id) {
			return fmt.Errorf("UNIQUE constraint failed: %s", id)
		}
		if t.inserts == nil {
			t.inserts = make(map[string][]any)
		}
		t.inserts[id] = append([]any(nil), args...)
		delete(t.deletes, id)
	case strings.HasPrefix(query, "DELETE FROM"):
		id := fmt.Sprint(args[0])
		if _, ok := t.inserts[id]; ok {
			delete(t.inserts, id)
			break
		}
		if t.deletes == nil {
			t.deletes = make(map[string]bool)
		}
		t.deletes[id] = true
	default:
		t.ops = append(t.ops, func() { a.scripts = append(a.scripts, query) })
	}
	return nil
}

// visible reports whether id is in the ledger as seen from inside the
// transaction. Callers hold the adapter lock.
func (t *fakeTx) visible(id string) bool {
	if _, ok := t.inserts[id]; ok {
		return true
	}
	if t.deletes[id] {
		return false
	}
	_, ok := t.adapter.ledger[id]
	return ok
}

func (t *fakeTx) Query(_ context.Context, query string, args ...any) (migration.Rows, error) {
	a := t.adapter
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "query "+query)
	for fragment, err := range a.failExec {
		if strings.Contains(query, fragment) {
			return nil, err
		}
	}

	switch {
	case strings.HasPrefix(query, "SELECT 1 FROM"):
		if t.visible(fmt.Sprint(args[0])) {
			return &fakeRows{rows: [][]any{{1}}}, nil
		}
		return &fakeRows{}, nil
	case strings.HasPrefix(query, "SELECT id, name, checksum, applied_at FROM"):
		ids := make([]string, 0, len(a.ledger)+len(t.inserts))
		for id := range a.ledger {
			if t.visible(id) {
				ids = append(ids, id)
			}
		}
		for id := range t.inserts {
			if _, ok := a.ledger[id]; !ok {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		rows := make([][]any, 0, len(ids))
		for _, id := range ids {
			row, ok := t.inserts[id]
			if !ok {
				row = a.ledger[id]
			}
			rows = append(rows, row)
		}
		return &fakeRows{rows: rows}, nil
	default:
		return nil, fmt.Errorf("unsupported query: %s", query)
	}
}

func (t *fakeTx) Commit() error {
	a := t.adapter
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "commit")
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	if a.failCommit != nil {
		return a.failCommit
	}
	for _, op := range t.ops {
		op()
	}
	for id := range t.deletes {
		delete(a.ledger, id)
	}
	for id, row := range t.inserts {
		a.ledger[id] = row
	}
	return nil
}

func (t *fakeTx) Rollback() error {
	a := t.adapter
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "rollback")
	t.done = true
	return nil
}

type fakeRows struct {
	rows [][]any
	pos  int
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	if r.pos == 0 || r.pos > len(r.rows) {
		return errors.New("scan called without a row")
	}
	row := r.rows[r.pos-1]
	if len(dest) > len(row) {
		return fmt.Errorf("scan expects %d columns, row has %d", len(dest), len(row))
	}
	for i, d := range dest {
		switch target := d.(type) {
		case *string:
			*target = fmt.Sprint(row[i])
		case interface{ Scan(any) error }:
			if err := target.Scan(row[i]); err != nil {
				return err
			}
		case *any:
			*target = row[i]
		default:
			return fmt.Errorf("unsupported scan target %T", d)
		}
	}
	return nil
}

func (r *fakeRows) Err() error   { return nil }
func (r *fakeRows) Close() error { return nil }

func orInjected(err error) error {
	if err == nil {
		return ErrInjected
	}
	return err
}
