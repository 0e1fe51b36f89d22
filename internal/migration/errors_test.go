package migration

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestMigrationErrorMatchesKindAndCause(t *testing.T) {
	cause := errors.New("near \"CREAT\": syntax error")
	err := newMigrationError(ErrApplyFailed, "20240110_idx", "apply", cause)

	if !errors.Is(err, ErrApplyFailed) {
		t.Fatalf("expected errors.Is to match the kind")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to match the cause")
	}
	if errors.Is(err, ErrRollbackFailed) {
		t.Fatalf("unexpected match on another kind")
	}

	want := `migration 20240110_idx: apply: apply failed: near "CREAT": syntax error`
	if err.Error() != want {
		t.Fatalf("unexpected message:\n got %s\nwant %s", err.Error(), want)
	}

	wrapped := fmt.Errorf("run: %w", err)
	var mErr *MigrationError
	if !errors.As(wrapped, &mErr) || mErr.ID != "20240110_idx" {
		t.Fatalf("expected errors.As to find the migration id")
	}
}

func TestMigrationErrorWithoutIDOrCause(t *testing.T) {
	err := newMigrationError(ErrNotConnected, "", "connect", nil)
	if err.Error() != "connect: not connected" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if len(err.Unwrap()) != 1 {
		t.Fatalf("nil cause should not be unwrapped")
	}
}

func TestChecksumMismatchError(t *testing.T) {
	err := &ChecksumMismatchError{
		ID:       "20240101_init",
		Recorded: strings.Repeat("a", 64),
		Computed: strings.Repeat("b", 64),
	}
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected match on ErrChecksumMismatch")
	}
	msg := err.Error()
	if !strings.Contains(msg, "20240101_init") || !strings.Contains(msg, "aaaaaaaaaaaa,") {
		t.Fatalf("message should name the migration and shortened sums: %s", msg)
	}
	if strings.Contains(msg, strings.Repeat("a", 13)) {
		t.Fatalf("sums should be shortened: %s", msg)
	}
}

func TestErrorKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&ChecksumMismatchError{ID: "x"}, "checksum_mismatch"},
		{newMigrationError(ErrNotConnected, "x", "apply", nil), "not_connected"},
		{newMigrationError(ErrFailedMigration, "x", "apply", nil), "failed_migration"},
		{newMigrationError(ErrUnknownMigration, "x", "rollback", nil), "unknown_migration"},
		{newMigrationError(ErrApplyFailed, "x", "apply", errors.New("boom")), "apply"},
		{newMigrationError(ErrRollbackFailed, "x", "rollback", errors.New("boom")), "rollback"},
		{&DiscoveryError{Path: "a.sql", Err: ErrMissingDownSection}, "discovery"},
		{errors.New("other"), "unexpected"},
	}
	for _, tc := range cases {
		if got := ErrorKind(tc.err); got != tc.want {
			t.Errorf("ErrorKind(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestDiscoveryErrorMessage(t *testing.T) {
	err := &DiscoveryError{Path: "20240110_idx.sql", ID: "20240110_idx", Err: ErrMissingDownSection}
	if err.Error() != "discover migration 20240110_idx.sql: missing '-- DOWN --' separator" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	byID := &DiscoveryError{ID: "20240110_idx", Err: ErrDuplicateID}
	if !strings.Contains(byID.Error(), "20240110_idx") {
		t.Fatalf("expected id in message, got %q", byID.Error())
	}
}
