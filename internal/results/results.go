// Package results maintains the append-only NDJSON file of ingested records
// kept for audit and export alongside the relational store.
package results

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/Napageneral/commsledger/internal/record"
)

// Writer appends records, one JSON object per line.
type Writer struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Open opens (creating if needed) the results file for appending.
func Open(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create results directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open results file: %w", err)
	}
	return &Writer{path: path, f: f}, nil
}

// Path returns the file path.
func (w *Writer) Path() string { return w.path }

// Append writes recs and fsyncs so they survive a crash.
func (w *Writer) Append(recs []record.Record) error {
	if len(recs) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	bw := bufio.NewWriter(w.f)
	enc := json.NewEncoder(bw)
	for i := range recs {
		if err := enc.Encode(recs[i]); err != nil {
			return fmt.Errorf("failed to encode result %s: %w", recs[i].ID, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync results: %w", err)
	}
	return nil
}

// Close closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// Read decodes every record in r. Lines re-appended after a resume are
// collapsed so each record id appears once, keeping the first occurrence.
// A truncated final line (crash mid-append) is ignored.
func Read(r io.Reader) ([]record.Record, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	var out []record.Record
	seen := make(map[string]struct{})
	var pendingErr error
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		if pendingErr != nil {
			// A bad line followed by more data is real corruption.
			return nil, pendingErr
		}
		var rec record.Record
		if err := json.Unmarshal(b, &rec); err != nil {
			pendingErr = fmt.Errorf("results line %d: %w", line, err)
			continue
		}
		if _, ok := seen[rec.ID]; ok {
			continue
		}
		seen[rec.ID] = struct{}{}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read results: %w", err)
	}
	return out, nil
}

// ReadFile reads a results file from disk.
func ReadFile(path string) ([]record.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open results file: %w", err)
	}
	defer f.Close()
	return Read(f)
}
