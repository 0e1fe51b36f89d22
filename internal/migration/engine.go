package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/schema-migrator/internal/logging"
)

const tracerName = "github.com/example/schema-migrator/internal/migration"

// Summary is a point-in-time count of the engine's records.
type Summary struct {
	Total       int
	Applied     int
	Pending     int
	LastApplied string // Highest applied id, empty when nothing is applied
}

// Option configures an Engine.
type Option func(*Engine)

// WithSource sets the source used by Discover. Defaults to a FileSource on the
// local filesystem.
func WithSource(source Source) Option {
	return func(e *Engine) { e.source = source }
}

// WithTableName sets the ledger table. Defaults to DefaultTableName.
func WithTableName(table string) Option {
	return func(e *Engine) { e.table = table }
}

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock sets the time source for applied_at.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTracerProvider sets the provider for engine spans. Defaults to the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(tracerName) }
}

// WithRunIDGenerator sets the generator for the run_id log attribute.
func WithRunIDGenerator(next func() string) Option {
	return func(e *Engine) { e.newRunID = next }
}

// Engine applies and rolls back migrations one transaction at a time and
// keeps an in-memory copy of the ledger. It is not safe for concurrent use.
type Engine struct {
	source   Source
	table    string
	logger   *slog.Logger
	now      func() time.Time
	tracer   trace.Tracer
	newRunID func() string

	adapter Adapter
	ledger  *Ledger

	records []*Record
	byID    map[string]*Record
	applied map[string]LedgerEntry
}

// NewEngine returns an engine with no records and no adapter.
func NewEngine(opts ...Option) (*Engine, error) {
	e := &Engine{
		table:    DefaultTableName,
		now:      time.Now,
		newRunID: uuid.NewString,
		byID:     make(map[string]*Record),
		applied:  make(map[string]LedgerEntry),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.source == nil {
		e.source = NewFileSource(nil)
	}
	if e.tracer == nil {
		e.tracer = otel.GetTracerProvider().Tracer(tracerName)
	}
	if e.table == "" {
		e.table = DefaultTableName
	}
	if !tableNamePattern.MatchString(e.table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTableName, e.table)
	}
	return e, nil
}

// Discover replaces the record set with the definitions found at location.
// On error the current record set is kept.
func (e *Engine) Discover(ctx context.Context, location string) ([]*Record, error) {
	logger := e.log(ctx).With("operation", "discover", "location", location)

	records, err := e.source.Discover(ctx, location)
	if err != nil {
		logger.Error("migration discovery failed", "error", err, "error_kind", ErrorKind(err))
		return nil, err
	}
	if err := e.setRecords(records); err != nil {
		logger.Error("migration discovery failed", "error", err, "error_kind", ErrorKind(err))
		return nil, err
	}

	logger.Info("migrations discovered", "count", len(records))
	return e.Records(), nil
}

// Register adds records built in code to the current set.
func (e *Engine) Register(records ...*Record) error {
	merged := make([]*Record, 0, len(e.records)+len(records))
	merged = append(merged, e.records...)
	merged = append(merged, records...)
	return e.setRecords(merged)
}

func (e *Engine) setRecords(records []*Record) error {
	sorted := make([]*Record, len(records))
	copy(sorted, records)
	if err := sortRecords(sorted); err != nil {
		return err
	}

	byID := make(map[string]*Record, len(sorted))
	for _, rec := range sorted {
		byID[rec.id] = rec
	}
	e.records = sorted
	e.byID = byID
	e.reconcile()
	return nil
}

// Records returns the known records ordered by id.
func (e *Engine) Records() []*Record {
	out := make([]*Record, len(e.records))
	copy(out, e.records)
	return out
}

// Connect attaches the adapter, creates the ledger table if needed and
// replaces the applied set with the ledger's contents.
func (e *Engine) Connect(ctx context.Context, adapter Adapter) error {
	if adapter == nil {
		return newMigrationError(ErrNotConnected, "", "connect", errors.New("adapter is nil"))
	}
	logger := e.log(ctx).With("operation", "connect", "table", e.table)

	ledger, err := NewLedger(e.table, adapter.Dialect())
	if err != nil {
		return err
	}

	tx, err := adapter.Begin(ctx)
	if err != nil {
		return fmt.Errorf("connect: begin transaction: %w", err)
	}
	entries, err := loadLedger(ctx, tx, ledger)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			err = errors.Join(err, fmt.Errorf("rollback transaction: %w", rbErr))
		}
		logger.Error("ledger load failed", "error", err)
		return fmt.Errorf("connect: %w", err)
	}

	e.adapter = adapter
	e.ledger = ledger
	e.applied = entries
	e.reconcile()

	logger.Info("ledger loaded", "dialect", adapter.Dialect().Name(), "applied", len(entries))
	return nil
}

func loadLedger(ctx context.Context, tx Tx, ledger *Ledger) (map[string]LedgerEntry, error) {
	if err := ledger.Ensure(ctx, tx); err != nil {
		return nil, err
	}
	entries, err := ledger.Load(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return entries, nil
}

// Disconnect detaches the adapter. The applied set is kept for Status.
func (e *Engine) Disconnect() {
	e.adapter = nil
	e.ledger = nil
}

// Connected reports whether an adapter is attached.
func (e *Engine) Connected() bool {
	return e.adapter != nil
}

// reconcile aligns record statuses with the applied set.
func (e *Engine) reconcile() {
	for _, rec := range e.records {
		entry, ok := e.applied[rec.id]
		switch {
		case ok && rec.status != StatusApplied:
			rec.markApplied(entry.AppliedAt)
		case !ok && rec.status == StatusApplied:
			rec.reset()
		}
	}
}

// Plan returns the records not in the applied set, ordered by id.
func (e *Engine) Plan() []*Record {
	var pending []*Record
	for _, rec := range e.records {
		if _, ok := e.applied[rec.id]; !ok {
			pending = append(pending, rec)
		}
	}
	return pending
}

// RunPending applies every pending record in id order, one transaction each.
// It stops at the first failure and returns the records applied before it
// together with the error. onApplied, when set, runs after each success.
//
// Checksums of already applied records are verified first; a mismatch aborts
// the run before anything is applied.
func (e *Engine) RunPending(ctx context.Context, onApplied func(*Record)) (applied []*Record, err error) {
	ctx, span := e.tracer.Start(ctx, "migration.run_pending")
	defer func() { finishSpan(span, err) }()
	ctx, logger := e.runContext(ctx, "run_pending")

	if err := e.verifyApplied(); err != nil {
		logger.Error("checksum verification failed", "error", err, "error_kind", ErrorKind(err))
		return nil, err
	}

	pending := e.Plan()
	span.SetAttributes(attribute.Int("migration.pending", len(pending)))
	if len(pending) == 0 {
		logger.Info("no pending migrations")
		return nil, nil
	}

	logger.Info("applying pending migrations", "count", len(pending))
	start := time.Now()
	applied, err = e.applySequence(ctx, pending, onApplied)
	if err != nil {
		logger.Error("migration run aborted", "applied", len(applied), "error", err, "error_kind", ErrorKind(err))
		return applied, err
	}

	logger.Info("pending migrations applied", "count", len(applied), "duration", time.Since(start))
	return applied, nil
}

func (e *Engine) applySequence(ctx context.Context, pending []*Record, onApplied func(*Record)) ([]*Record, error) {
	applied := make([]*Record, 0, len(pending))
	for _, rec := range pending {
		if rec.status == StatusFailed {
			return applied, newMigrationError(ErrFailedMigration, rec.id, "apply", nil)
		}
		if err := e.applyOne(ctx, rec); err != nil {
			return applied, err
		}
		applied = append(applied, rec)
		if onApplied != nil {
			onApplied(rec)
		}
	}
	return applied, nil
}

// ApplyOne applies a single record. Unlike RunPending it accepts a record that
// previously failed, which is how an operator retries after fixing it.
func (e *Engine) ApplyOne(ctx context.Context, id string) (*Record, error) {
	rec, ok := e.byID[id]
	if !ok {
		return nil, newMigrationError(ErrUnknownMigration, id, "apply", nil)
	}
	if _, applied := e.applied[id]; applied {
		return rec, newMigrationError(ErrApplyFailed, id, "apply", ErrDuplicateKey)
	}
	ctx, _ = e.runContext(ctx, "apply_one")
	if err := e.applyOne(ctx, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

func (e *Engine) applyOne(ctx context.Context, rec *Record) (err error) {
	ctx, span := e.tracer.Start(ctx, "migration.apply",
		trace.WithAttributes(attribute.String("migration.id", rec.id)))
	defer func() { finishSpan(span, err) }()
	logger := e.log(ctx).With("migration_id", rec.id)

	if e.adapter == nil {
		return newMigrationError(ErrNotConnected, rec.id, "apply", nil)
	}

	start := time.Now()
	tx, err := e.adapter.Begin(ctx)
	if err != nil {
		return newMigrationError(ErrApplyFailed, rec.id, "apply", fmt.Errorf("begin transaction: %w", err))
	}

	at := e.now().UTC()
	if cause := e.applyInTx(ctx, tx, rec, at); cause != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			cause = errors.Join(cause, fmt.Errorf("rollback transaction: %w", rbErr))
		}
		rec.markFailed()
		logger.Error("migration failed", "name", rec.name, "error", cause)
		return newMigrationError(ErrApplyFailed, rec.id, "apply", cause)
	}

	rec.markApplied(at)
	e.applied[rec.id] = LedgerEntry{ID: rec.id, Name: rec.name, Checksum: rec.checksum, AppliedAt: at}
	logger.Info("migration applied", "name", rec.name, "duration", time.Since(start))
	return nil
}

func (e *Engine) applyInTx(ctx context.Context, tx Tx, rec *Record, at time.Time) error {
	if err := tx.Exec(ctx, rec.up); err != nil {
		return fmt.Errorf("execute up script: %w", err)
	}
	if err := e.ledger.RecordApplied(ctx, tx, rec, at); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// RollbackLast rolls back the applied migration with the highest id and
// returns it, or returns nil when nothing is applied.
//
// "Last" follows id order, not applied_at: a migration applied out of order
// by hand is not necessarily the one rolled back first.
func (e *Engine) RollbackLast(ctx context.Context) (rec *Record, err error) {
	if len(e.applied) == 0 {
		return nil, nil
	}

	ctx, span := e.tracer.Start(ctx, "migration.rollback_last")
	defer func() { finishSpan(span, err) }()
	ctx, logger := e.runContext(ctx, "rollback_last")

	lastID := e.lastApplied()
	rec, ok := e.byID[lastID]
	if !ok {
		err = newMigrationError(ErrUnknownMigration, lastID, "rollback", nil)
		logger.Error("cannot roll back migration without a definition", "migration_id", lastID)
		return nil, err
	}
	if err := e.rollbackOne(ctx, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// RollbackOne rolls back a single applied record.
func (e *Engine) RollbackOne(ctx context.Context, id string) (*Record, error) {
	rec, ok := e.byID[id]
	if !ok {
		return nil, newMigrationError(ErrUnknownMigration, id, "rollback", nil)
	}
	if _, applied := e.applied[id]; !applied {
		return rec, newMigrationError(ErrRollbackFailed, id, "rollback", ErrEntryNotFound)
	}
	ctx, _ = e.runContext(ctx, "rollback_one")
	if err := e.rollbackOne(ctx, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

func (e *Engine) rollbackOne(ctx context.Context, rec *Record) (err error) {
	ctx, span := e.tracer.Start(ctx, "migration.rollback",
		trace.WithAttributes(attribute.String("migration.id", rec.id)))
	defer func() { finishSpan(span, err) }()
	logger := e.log(ctx).With("migration_id", rec.id)

	if e.adapter == nil {
		return newMigrationError(ErrNotConnected, rec.id, "rollback", nil)
	}
	if entry, ok := e.applied[rec.id]; ok {
		if err := VerifyChecksum(rec, entry.Checksum); err != nil {
			logger.Error("refusing to roll back edited migration", "error", err)
			return err
		}
	}

	start := time.Now()
	tx, err := e.adapter.Begin(ctx)
	if err != nil {
		return newMigrationError(ErrRollbackFailed, rec.id, "rollback", fmt.Errorf("begin transaction: %w", err))
	}

	if cause := e.rollbackInTx(ctx, tx, rec); cause != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			cause = errors.Join(cause, fmt.Errorf("rollback transaction: %w", rbErr))
		}
		logger.Error("migration rollback failed", "name", rec.name, "error", cause)
		return newMigrationError(ErrRollbackFailed, rec.id, "rollback", cause)
	}

	rec.markRolledBack()
	delete(e.applied, rec.id)
	logger.Info("migration rolled back", "name", rec.name, "duration", time.Since(start))
	return nil
}

func (e *Engine) rollbackInTx(ctx context.Context, tx Tx, rec *Record) error {
	if err := tx.Exec(ctx, rec.down); err != nil {
		return fmt.Errorf("execute down script: %w", err)
	}
	if err := e.ledger.RemoveApplied(ctx, tx, rec.id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// MigrateTo brings the database to target: applied records with a higher id
// are rolled back newest first, then pending records up to and including
// target are applied oldest first. onEach runs after every change.
func (e *Engine) MigrateTo(ctx context.Context, target string, onEach func(*Record)) (changed []*Record, err error) {
	if _, ok := e.byID[target]; !ok {
		return nil, newMigrationError(ErrUnknownMigration, target, "migrate", nil)
	}

	ctx, span := e.tracer.Start(ctx, "migration.migrate_to",
		trace.WithAttributes(attribute.String("migration.target", target)))
	defer func() { finishSpan(span, err) }()
	ctx, logger := e.runContext(ctx, "migrate_to")
	logger = logger.With("target", target)

	if err := e.verifyApplied(); err != nil {
		logger.Error("checksum verification failed", "error", err, "error_kind", ErrorKind(err))
		return nil, err
	}

	var newer []string
	for id := range e.applied {
		if id > target {
			newer = append(newer, id)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(newer)))

	for _, id := range newer {
		rec, ok := e.byID[id]
		if !ok {
			return changed, newMigrationError(ErrUnknownMigration, id, "rollback", nil)
		}
		if err := e.rollbackOne(ctx, rec); err != nil {
			return changed, err
		}
		changed = append(changed, rec)
		if onEach != nil {
			onEach(rec)
		}
	}

	var pending []*Record
	for _, rec := range e.Plan() {
		if rec.id <= target {
			pending = append(pending, rec)
		}
	}
	applied, err := e.applySequence(ctx, pending, onEach)
	changed = append(changed, applied...)
	if err != nil {
		logger.Error("migrate to target aborted", "changed", len(changed), "error", err, "error_kind", ErrorKind(err))
		return changed, err
	}

	logger.Info("migrated to target", "changed", len(changed))
	return changed, nil
}

// VerifyChecksum compares a record against the checksum the ledger holds for it.
func VerifyChecksum(rec *Record, ledgerChecksum string) error {
	if rec.checksum == ledgerChecksum {
		return nil
	}
	return &ChecksumMismatchError{ID: rec.id, Recorded: ledgerChecksum, Computed: rec.checksum}
}

func (e *Engine) verifyApplied() error {
	for _, rec := range e.records {
		entry, ok := e.applied[rec.id]
		if !ok {
			continue
		}
		if err := VerifyChecksum(rec, entry.Checksum); err != nil {
			return err
		}
	}
	return nil
}

// VerifyReport lists integrity problems between definitions and the ledger.
type VerifyReport struct {
	Mismatches []*ChecksumMismatchError
	Orphans    []LedgerEntry // Ledger rows with no discovered definition
}

// Err joins the checksum mismatches, or returns nil when there are none.
// Orphans are reported but do not count as errors.
func (r VerifyReport) Err() error {
	if len(r.Mismatches) == 0 {
		return nil
	}
	errs := make([]error, len(r.Mismatches))
	for i, m := range r.Mismatches {
		errs[i] = m
	}
	return errors.Join(errs...)
}

// Verify checks every applied record against the ledger without changing anything.
func (e *Engine) Verify(ctx context.Context) VerifyReport {
	logger := e.log(ctx).With("operation", "verify")

	var report VerifyReport
	for _, rec := range e.records {
		entry, ok := e.applied[rec.id]
		if !ok {
			continue
		}
		var mismatch *ChecksumMismatchError
		if err := VerifyChecksum(rec, entry.Checksum); errors.As(err, &mismatch) {
			report.Mismatches = append(report.Mismatches, mismatch)
			logger.Warn("applied migration was modified", "migration_id", rec.id)
		}
	}

	ids := make([]string, 0, len(e.applied))
	for id := range e.applied {
		if _, ok := e.byID[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		report.Orphans = append(report.Orphans, e.applied[id])
		logger.Warn("applied migration has no definition", "migration_id", id)
	}
	return report
}

// Status returns the current counts. Applied mirrors the ledger, so it can
// exceed Total when the ledger holds migrations that were not discovered.
func (e *Engine) Status() Summary {
	pending := 0
	for _, rec := range e.records {
		if _, ok := e.applied[rec.id]; !ok {
			pending++
		}
	}
	return Summary{
		Total:       len(e.records),
		Applied:     len(e.applied),
		Pending:     pending,
		LastApplied: e.lastApplied(),
	}
}

// Applied returns the cached ledger entries ordered by id.
func (e *Engine) Applied() []LedgerEntry {
	entries := make([]LedgerEntry, 0, len(e.applied))
	for _, entry := range e.applied {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

func (e *Engine) lastApplied() string {
	last := ""
	for id := range e.applied {
		if id > last {
			last = id
		}
	}
	return last
}

func (e *Engine) log(ctx context.Context) *slog.Logger {
	if logger := logging.FromContext(ctx); logger != nil {
		return logger
	}
	if e.logger != nil {
		return e.logger
	}
	return slog.Default()
}

// runContext tags the context logger with a fresh run id.
func (e *Engine) runContext(ctx context.Context, operation string) (context.Context, *slog.Logger) {
	logger := e.log(ctx).With("run_id", e.newRunID(), "operation", operation)
	return logging.ContextWithLogger(ctx, logger), logger
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
