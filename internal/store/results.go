// Package store persists per-term extraction output and the resumable
// progress checkpoint as crash-safe files. Every write goes through a
// temp-file, fsync, rename sequence so a reader never observes a partial
// file: either the prior version or the complete new version is present.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slug converts a search term into a stable filename component.
func Slug(term string) string {
	s := slugPattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(term)), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "term"
	}
	return s
}

// StatusEntry is one line of the per-term URL status log.
type StatusEntry struct {
	URL    string `json:"url"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// ResultSink writes per-term artifacts under a single output directory.
type ResultSink struct {
	dir    string
	logger *zap.Logger
}

// NewResultSink creates the output directory if needed.
func NewResultSink(dir string, logger *zap.Logger) (*ResultSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create output dir %s: %w", dir, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultSink{dir: dir, logger: logger}, nil
}

// Dir returns the sink's output directory.
func (s *ResultSink) Dir() string {
	return s.dir
}

// ResultsPath returns the result file path for term.
func (s *ResultSink) ResultsPath(term string) string {
	return filepath.Join(s.dir, Slug(term)+".json")
}

// StatusPath returns the status-log file path for term.
func (s *ResultSink) StatusPath(term string) string {
	return filepath.Join(s.dir, Slug(term)+".status.json")
}

// WriteResults atomically persists the term's result array and returns the
// final path. A term with no results lands as an empty JSON array, never
// null, so downstream readers always see an array.
func (s *ResultSink) WriteResults(term string, results any) (string, error) {
	if isNilSlice(results) {
		results = []any{}
	}
	path := s.ResultsPath(term)
	if err := writeJSONAtomic(path, results); err != nil {
		return "", fmt.Errorf("write results for %q: %w", term, err)
	}
	return path, nil
}

func isNilSlice(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Slice && rv.IsNil()
}

// WriteStatusLog atomically persists the term's URL status log.
func (s *ResultSink) WriteStatusLog(term string, entries []StatusEntry) error {
	if entries == nil {
		entries = []StatusEntry{}
	}
	if err := writeJSONAtomic(s.StatusPath(term), entries); err != nil {
		return fmt.Errorf("write status log for %q: %w", term, err)
	}
	return nil
}

// writeJSONAtomic marshals v and lands it at path via temp+fsync+rename.
func writeJSONAtomic(path string, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
