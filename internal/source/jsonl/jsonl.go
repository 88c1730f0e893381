// Package jsonl reads canonical records from newline-delimited JSON, the
// format the results file and the export command write.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"os"
	"strconv"

	"github.com/Napageneral/commsledger/internal/record"
	"github.com/Napageneral/commsledger/internal/source"
)

const maxLine = 64 * 1024 * 1024

var _ source.Source = (*Source)(nil)

// Source streams one record per line from a file.
type Source struct {
	name    string
	path    string
	maxText int
}

// New returns a source reading path. maxText bounds body length (0 = default).
func New(name, path string, maxText int) *Source {
	return &Source{name: name, path: path, maxText: maxText}
}

func (s *Source) Name() string { return s.name }

// Stream yields each non-blank line keyed by its 1-based line number.
func (s *Source) Stream(ctx context.Context) iter.Seq2[source.RawItem, error] {
	return func(yield func(source.RawItem, error) bool) {
		f, err := os.Open(s.path)
		if err != nil {
			yield(source.RawItem{}, fmt.Errorf("failed to open %s: %w", s.path, err))
			return
		}
		defer f.Close()
		streamLines(ctx, f, yield)
	}
}

func streamLines(ctx context.Context, r io.Reader, yield func(source.RawItem, error) bool) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	n := 0
	for sc.Scan() {
		n++
		if ctx.Err() != nil {
			return
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		data := make([]byte, len(line))
		copy(data, line)
		if !yield(source.RawItem{Key: "line " + strconv.Itoa(n), Data: data}, nil) {
			return
		}
	}
	if err := sc.Err(); err != nil {
		yield(source.RawItem{}, fmt.Errorf("failed reading line %d: %w", n+1, err))
	}
}

// Normalize decodes and finalizes one record.
func (s *Source) Normalize(_ context.Context, item source.RawItem) record.Result {
	var rec record.Record
	if err := json.Unmarshal(item.Data, &rec); err != nil {
		return record.Skip(record.SkipMalformed, fmt.Sprintf("%s: %v", item.Key, err))
	}
	if err := rec.Finalize(s.maxText); err != nil {
		return record.Skip(record.SkipMalformed, fmt.Sprintf("%s: %v", item.Key, err))
	}
	return record.Keep(&rec)
}
