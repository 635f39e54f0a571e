package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"
)

// checkpointFile is the on-disk form of the resume state.
type checkpointFile struct {
	CompletedKeywords []string  `json:"completed_keywords"`
	LastUpdated       time.Time `json:"last_updated"`
}

// Checkpoint tracks terms already completed so a crashed run can resume
// without redoing them. Read once at process start; saved after each term;
// cleared only on fully successful completion.
type Checkpoint struct {
	path string

	mu        sync.Mutex
	completed map[string]struct{}
}

// LoadCheckpoint reads the resume file at path; a missing file yields an
// empty checkpoint.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	c := &Checkpoint{
		path:      path,
		completed: make(map[string]struct{}),
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", path, err)
	}
	var file checkpointFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	for _, kw := range file.CompletedKeywords {
		c.completed[kw] = struct{}{}
	}
	return c, nil
}

// IsComplete reports whether term finished in a prior (or this) run.
func (c *Checkpoint) IsComplete(term string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.completed[term]
	return ok
}

// CompletedCount returns how many terms the checkpoint holds.
func (c *Checkpoint) CompletedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.completed)
}

// MarkComplete records term and saves the file atomically.
func (c *Checkpoint) MarkComplete(term string) error {
	c.mu.Lock()
	c.completed[term] = struct{}{}
	file := checkpointFile{
		CompletedKeywords: make([]string, 0, len(c.completed)),
		LastUpdated:       time.Now().UTC(),
	}
	for kw := range c.completed {
		file.CompletedKeywords = append(file.CompletedKeywords, kw)
	}
	c.mu.Unlock()

	sort.Strings(file.CompletedKeywords)
	if err := writeJSONAtomic(c.path, file); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Clear removes the resume file after a fully successful run.
func (c *Checkpoint) Clear() error {
	c.mu.Lock()
	c.completed = make(map[string]struct{})
	c.mu.Unlock()
	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}
