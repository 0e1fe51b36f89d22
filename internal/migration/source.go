package migration

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"strings"
)

// DownSeparator splits a migration file into its forward and reverse scripts.
const DownSeparator = "-- DOWN --"

// Source discovers migration definitions at a location.
type Source interface {
	// Discover returns the records found at location ordered by id. On any
	// malformed definition it returns no records at all.
	Discover(ctx context.Context, location string) ([]*Record, error)
}

// FileSource reads "{id}_{name}.sql" files whose content holds the forward
// script, a "-- DOWN --" line, and the reverse script.
type FileSource struct {
	fsys fs.FS
}

var stemPattern = regexp.MustCompile(`^\d+_[A-Za-z0-9_-]+$`)

// NewFileSource returns a source reading from fsys. With a nil fsys the
// location passed to Discover is a directory on the local filesystem.
func NewFileSource(fsys fs.FS) *FileSource {
	return &FileSource{fsys: fsys}
}

// Discover implements Source.
func (s *FileSource) Discover(ctx context.Context, location string) ([]*Record, error) {
	fsys, root := s.fsys, location
	if fsys == nil {
		info, err := os.Stat(location)
		if err != nil {
			return nil, &DiscoveryError{Path: location, Err: err}
		}
		if !info.IsDir() {
			return nil, &DiscoveryError{Path: location, Err: fmt.Errorf("not a directory")}
		}
		fsys, root = os.DirFS(location), "."
	}
	if root == "" {
		root = "."
	}

	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, &DiscoveryError{Path: location, Err: err}
	}

	var (
		records []*Record
		errs    []error
	)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		filePath := path.Join(root, entry.Name())
		displayPath := entry.Name()
		if s.fsys == nil {
			displayPath = path.Join(location, entry.Name())
		} else if root != "." {
			displayPath = filePath
		}

		rec, err := s.parse(fsys, filePath, displayPath)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		records = append(records, rec)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := sortRecords(records); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *FileSource) parse(fsys fs.FS, filePath, displayPath string) (*Record, error) {
	stem := strings.TrimSuffix(path.Base(filePath), ".sql")
	if !stemPattern.MatchString(stem) {
		return nil, &DiscoveryError{
			Path: displayPath,
			Err:  fmt.Errorf("%w: file name must match {id}_{name}.sql", ErrInvalidDefinition),
		}
	}

	content, err := fs.ReadFile(fsys, filePath)
	if err != nil {
		return nil, &DiscoveryError{Path: displayPath, ID: stem, Err: err}
	}

	up, down, err := SplitScripts(string(content))
	if err != nil {
		return nil, &DiscoveryError{Path: displayPath, ID: stem, Err: err}
	}

	rec := NewRecord(stem, nameFromStem(stem), up, down)
	rec.path = displayPath
	return rec, nil
}

// SplitScripts separates file content into trimmed forward and reverse scripts.
func SplitScripts(content string) (up, down string, err error) {
	parts := strings.Split(content, DownSeparator)
	if len(parts) != 2 {
		return "", "", ErrMissingDownSection
	}
	up = strings.TrimSpace(parts[0])
	down = strings.TrimSpace(parts[1])
	if up == "" {
		return "", "", ErrEmptyUpScript
	}
	if down == "" {
		return "", "", ErrEmptyDownScript
	}
	return up, down, nil
}

// nameFromStem drops the leading numeric segments (timestamp and optional
// sequence number): "20240101_001_initial_schema" becomes "initial_schema".
func nameFromStem(stem string) string {
	parts := strings.Split(stem, "_")
	i := 0
	for i < len(parts)-1 && isDigits(parts[i]) {
		i++
	}
	return strings.Join(parts[i:], "_")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
