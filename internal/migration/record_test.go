package migration

import (
	"errors"
	"testing"
	"time"
)

func TestChecksumIsPureFunctionOfScripts(t *testing.T) {
	a := NewRecord("20240101_init", "init", "CREATE TABLE t (id INTEGER);", "DROP TABLE t;")
	b := NewRecord("20240102_other", "other", "CREATE TABLE t (id INTEGER);", "DROP TABLE t;")

	if a.Checksum() != b.Checksum() {
		t.Fatalf("identical scripts should hash identically: %s vs %s", a.Checksum(), b.Checksum())
	}
	if len(a.Checksum()) != 64 {
		t.Fatalf("expected hex sha256, got %q", a.Checksum())
	}

	variants := [][2]string{
		{"CREATE TABLE t (id INTEGER); ", "DROP TABLE t;"},
		{"CREATE TABLE t (id INTEGER);", "DROP TABLE t; "},
		{"create TABLE t (id INTEGER);", "DROP TABLE t;"},
		{"CREATE TABLE t (id INTEGER);", "DROP TABLE u;"},
	}
	for _, v := range variants {
		if sum := Checksum(v[0], v[1]); sum == a.Checksum() {
			t.Errorf("changed scripts %q / %q produced the same checksum", v[0], v[1])
		}
	}
}

func TestChecksumMatchesKnownValue(t *testing.T) {
	// sha256("ab")
	const want = "fb8e20fc2e4c3f248c60c39bd652f3c1347298bb977b8b4d5903b85055620603"
	if got := Checksum("a", "b"); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestRecordLifecycle(t *testing.T) {
	rec := NewRecord("20240101_init", "init", "up", "down")
	if rec.Status() != StatusPending || !rec.AppliedAt().IsZero() {
		t.Fatalf("new record should be pending with no applied time")
	}

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec.markApplied(at)
	if rec.Status() != StatusApplied || !rec.AppliedAt().Equal(at) {
		t.Fatalf("expected applied at %v, got %s at %v", at, rec.Status(), rec.AppliedAt())
	}

	rec.markRolledBack()
	if rec.Status() != StatusRolledBack || !rec.AppliedAt().IsZero() {
		t.Fatalf("expected rolled back with cleared time, got %s at %v", rec.Status(), rec.AppliedAt())
	}

	sum := rec.Checksum()
	rec.markFailed()
	if rec.Checksum() != sum {
		t.Fatalf("checksum must not change with status")
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusPending:    "pending",
		StatusApplied:    "applied",
		StatusFailed:     "failed",
		StatusRolledBack: "rolled_back",
		Status(42):       "unknown",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", int(status), got, want)
		}
	}
}

func TestSortRecordsOrdersByID(t *testing.T) {
	records := []*Record{
		NewRecord("20240115_users", "users", "u", "d"),
		NewRecord("20240101_init", "init", "u", "d"),
		NewRecord("20240110_idx", "idx", "u", "d"),
	}
	if err := sortRecords(records); err != nil {
		t.Fatalf("sortRecords: %v", err)
	}
	want := []string{"20240101_init", "20240110_idx", "20240115_users"}
	for i, rec := range records {
		if rec.ID() != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], rec.ID())
		}
	}
}

func TestSortRecordsRejectsDuplicates(t *testing.T) {
	records := []*Record{
		NewRecord("20240101_init", "init", "u", "d"),
		NewRecord("20240101_init", "init", "u2", "d2"),
	}
	err := sortRecords(records)
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	var dErr *DiscoveryError
	if !errors.As(err, &dErr) || dErr.ID != "20240101_init" {
		t.Fatalf("expected DiscoveryError naming the id, got %#v", err)
	}
}
