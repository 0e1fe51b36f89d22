package migration

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure modes of discovery, the ledger and the engine.
var (
	// ErrNotConnected indicates an apply or rollback without an adapter.
	ErrNotConnected = errors.New("not connected")

	// ErrApplyFailed indicates a forward script or its ledger insert failed.
	ErrApplyFailed = errors.New("apply failed")

	// ErrRollbackFailed indicates a reverse script or its ledger delete failed.
	ErrRollbackFailed = errors.New("rollback failed")

	// ErrChecksumMismatch indicates an applied migration was edited afterwards.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrInvalidDefinition indicates a migration file name that breaks the naming convention.
	ErrInvalidDefinition = errors.New("invalid migration definition")

	// ErrMissingDownSection indicates a migration file without exactly one "-- DOWN --" separator.
	ErrMissingDownSection = errors.New("missing '-- DOWN --' separator")

	// ErrEmptyUpScript indicates a migration with nothing above the separator.
	ErrEmptyUpScript = errors.New("empty up script")

	// ErrEmptyDownScript indicates a migration with nothing below the separator.
	ErrEmptyDownScript = errors.New("empty down script")

	// ErrDuplicateID indicates two definitions share an id.
	ErrDuplicateID = errors.New("duplicate migration id")

	// ErrDuplicateKey indicates the ledger already holds a row for the id.
	ErrDuplicateKey = errors.New("ledger entry already exists")

	// ErrEntryNotFound indicates the ledger holds no row for the id.
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrUnknownMigration indicates an id with no discovered definition.
	ErrUnknownMigration = errors.New("unknown migration")

	// ErrFailedMigration indicates a previously failed migration blocks the run
	// until an operator fixes and re-discovers it.
	ErrFailedMigration = errors.New("migration previously failed")

	// ErrInvalidTableName indicates a ledger table name that is not a plain identifier.
	ErrInvalidTableName = errors.New("invalid ledger table name")
)

// DiscoveryError reports a malformed or unreadable migration definition.
type DiscoveryError struct {
	Path string // File the definition came from, if any
	ID   string // Migration id, when it could be determined
	Err  error  // Reason
}

// Error implements the error interface
func (e *DiscoveryError) Error() string {
	if e.ID != "" && e.Path == "" {
		return fmt.Sprintf("discover migration %s: %v", e.ID, e.Err)
	}
	return fmt.Sprintf("discover migration %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error
func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// MigrationError carries the kind of failure, the migration it concerns and
// the underlying cause. errors.Is matches both the kind and the cause.
type MigrationError struct {
	Kind error  // One of the Err* sentinels
	ID   string // Migration id, empty when the failure is not tied to one
	Op   string // apply, rollback, connect, ...
	Err  error  // Underlying cause, may be nil
}

// Error implements the error interface
func (e *MigrationError) Error() string {
	msg := e.Kind.Error()
	if e.ID != "" {
		msg = fmt.Sprintf("migration %s: %s: %s", e.ID, e.Op, msg)
	} else if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *MigrationError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newMigrationError(kind error, id, op string, cause error) *MigrationError {
	return &MigrationError{Kind: kind, ID: id, Op: op, Err: cause}
}

// ChecksumMismatchError reports that a migration's content no longer matches
// what the ledger recorded when it was applied.
type ChecksumMismatchError struct {
	ID       string
	Recorded string
	Computed string
}

// Error implements the error interface
func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("migration %s: %v: ledger has %s, definition has %s",
		e.ID, ErrChecksumMismatch, short(e.Recorded), short(e.Computed))
}

// Is matches ErrChecksumMismatch.
func (e *ChecksumMismatchError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

func short(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

// ErrorKind maps engine errors to a stable logging label.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrFailedMigration):
		return "failed_migration"
	case errors.Is(err, ErrUnknownMigration):
		return "unknown_migration"
	case errors.Is(err, ErrApplyFailed):
		return "apply"
	case errors.Is(err, ErrRollbackFailed):
		return "rollback"
	}

	var dErr *DiscoveryError
	if errors.As(err, &dErr) {
		return "discovery"
	}

	return "unexpected"
}
