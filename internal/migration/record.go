package migration

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"
)

// Status describes where a record sits in its lifecycle.
type Status int

const (
	// StatusPending marks a discovered migration that is not in the ledger.
	StatusPending Status = iota
	// StatusApplied marks a migration whose forward script has been committed.
	StatusApplied
	// StatusFailed marks a migration whose forward script failed. It is never
	// retried automatically.
	StatusFailed
	// StatusRolledBack marks a migration whose reverse script has been committed.
	StatusRolledBack
)

// String returns the lower-case status label used in logs and CLI output.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApplied:
		return "applied"
	case StatusFailed:
		return "failed"
	case StatusRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Record is a single reversible migration. Identity, scripts and checksum are
// fixed at construction; only the engine changes status and applied time.
type Record struct {
	id       string
	name     string
	up       string
	down     string
	checksum string
	path     string

	status    Status
	appliedAt time.Time
}

// NewRecord builds a pending record and computes its checksum.
func NewRecord(id, name, up, down string) *Record {
	return &Record{
		id:       id,
		name:     name,
		up:       up,
		down:     down,
		checksum: Checksum(up, down),
		status:   StatusPending,
	}
}

// Checksum returns the hex SHA-256 of up followed by down.
func Checksum(up, down string) string {
	h := sha256.New()
	h.Write([]byte(up))
	h.Write([]byte(down))
	return hex.EncodeToString(h.Sum(nil))
}

// Accessors. A record's definition fields never change after NewRecord;
// Status and AppliedAt follow the engine's view of the ledger.

func (r *Record) ID() string           { return r.id }
func (r *Record) Name() string         { return r.name }
func (r *Record) Up() string           { return r.up }
func (r *Record) Down() string         { return r.down }
func (r *Record) Checksum() string     { return r.checksum }
func (r *Record) Status() Status       { return r.status }
func (r *Record) AppliedAt() time.Time { return r.appliedAt }

// Path is the file the record was parsed from, or empty for records built in code.
func (r *Record) Path() string { return r.path }

func (r *Record) markApplied(at time.Time) {
	r.status = StatusApplied
	r.appliedAt = at
}

func (r *Record) markFailed() {
	r.status = StatusFailed
}

func (r *Record) markRolledBack() {
	r.status = StatusRolledBack
	r.appliedAt = time.Time{}
}

// reset returns a record to pending, used when the ledger no longer holds it.
func (r *Record) reset() {
	r.status = StatusPending
	r.appliedAt = time.Time{}
}

// sortRecords orders records by id and reports the first duplicate it finds.
func sortRecords(records []*Record) error {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].id < records[j].id
	})
	for i := 1; i < len(records); i++ {
		if records[i].id == records[i-1].id {
			return &DiscoveryError{
				Path: records[i].path,
				ID:   records[i].id,
				Err:  ErrDuplicateID,
			}
		}
	}
	return nil
}
