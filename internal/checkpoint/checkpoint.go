// Package checkpoint persists per-source ingestion progress so an interrupted
// run can resume exactly where its last committed chunk ended.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// ErrCorrupt is returned when a checkpoint file exists but cannot be decoded.
var ErrCorrupt = errors.New("checkpoint file is corrupt")

// Checkpoint is the resume state of one source. The JSON shape is stable and
// read by external tooling.
type Checkpoint struct {
	TotalItems      int       `json:"totalItems"`
	ProcessedItems  int       `json:"processedItems"`
	SuccessfulItems int       `json:"successfulItems"`
	FailedItems     int       `json:"failedItems"`
	SkippedItems    int       `json:"skippedItems"`
	CurrentChunk    int       `json:"currentChunk"`
	TotalChunks     int       `json:"totalChunks"`
	ProcessedIDs    []string  `json:"processedIds"`
	FailedIDs       []string  `json:"failedIds"`
	LastSaveTime    time.Time `json:"lastSaveTime"`
	StartTime       time.Time `json:"startTime"`

	processed map[string]struct{}
	failed    map[string]struct{}
}

// New returns an empty checkpoint started now.
func New() *Checkpoint {
	cp := &Checkpoint{
		StartTime:    time.Now().UTC(),
		ProcessedIDs: []string{},
		FailedIDs:    []string{},
	}
	cp.index()
	return cp
}

func (c *Checkpoint) index() {
	c.processed = make(map[string]struct{}, len(c.ProcessedIDs))
	for _, id := range c.ProcessedIDs {
		c.processed[id] = struct{}{}
	}
	c.failed = make(map[string]struct{}, len(c.FailedIDs))
	for _, id := range c.FailedIDs {
		c.failed[id] = struct{}{}
	}
}

// IsProcessed reports whether id's effects are already committed.
func (c *Checkpoint) IsProcessed(id string) bool {
	_, ok := c.processed[id]
	return ok
}

// IsFailed reports whether id failed in an earlier attempt.
func (c *Checkpoint) IsFailed(id string) bool {
	_, ok := c.failed[id]
	return ok
}

// MarkProcessed records a committed item. An id that previously failed and
// now succeeded leaves the failed set.
func (c *Checkpoint) MarkProcessed(id string) {
	if _, ok := c.processed[id]; ok {
		return
	}
	c.processed[id] = struct{}{}
	c.ProcessedIDs = append(c.ProcessedIDs, id)
	if _, ok := c.failed[id]; ok {
		delete(c.failed, id)
		c.FailedIDs = removeID(c.FailedIDs, id)
		if c.FailedItems > 0 {
			c.FailedItems--
		}
	}
}

// MarkFailed records an isolated item failure. Failed ids are retried on the
// next run because they are not in the processed set.
func (c *Checkpoint) MarkFailed(id string) {
	if _, ok := c.failed[id]; ok {
		return
	}
	c.failed[id] = struct{}{}
	c.FailedIDs = append(c.FailedIDs, id)
	c.FailedItems++
}

// Clone returns a deep copy safe to serialize while the original keeps changing.
func (c *Checkpoint) Clone() *Checkpoint {
	out := *c
	out.ProcessedIDs = append([]string(nil), c.ProcessedIDs...)
	out.FailedIDs = append([]string(nil), c.FailedIDs...)
	out.index()
	return &out
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Store reads and atomically rewrites one checkpoint file.
type Store struct {
	mu   sync.Mutex
	path string
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// NewStore returns a store for source under dir.
func NewStore(dir string, source string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	name := unsafeName.ReplaceAllString(source, "_")
	if name == "" {
		return nil, fmt.Errorf("source name is required")
	}
	return &Store{path: filepath.Join(dir, name+".checkpoint.json")}, nil
}

// Path returns the checkpoint file path.
func (s *Store) Path() string { return s.path }

// Load returns the saved checkpoint, or (nil, false, nil) if there is none.
func (s *Store) Load() (*Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	if cp.ProcessedIDs == nil {
		cp.ProcessedIDs = []string{}
	}
	if cp.FailedIDs == nil {
		cp.FailedIDs = []string{}
	}
	cp.index()
	return &cp, true, nil
}

// Save writes cp to a temp file in the same directory, syncs it, and renames
// it over the previous checkpoint so a crash never leaves a partial file.
func (s *Store) Save(cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp.LastSaveTime = time.Now().UTC()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		cleanup()
		return fmt.Errorf("failed to rename checkpoint: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// Reset deletes the checkpoint file.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove checkpoint: %w", err)
	}
	return nil
}

// List returns the checkpoints found in dir keyed by source file stem.
func List(dir string) (map[string]*Checkpoint, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.checkpoint.json"))
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Checkpoint, len(matches))
	for _, m := range matches {
		name := filepath.Base(m)
		name = name[:len(name)-len(".checkpoint.json")]
		s := &Store{path: m}
		cp, ok, err := s.Load()
		if err != nil {
			return nil, err
		}
		if ok {
			out[name] = cp
		}
	}
	return out, nil
}
