// Package source defines the capability every ingestion source implements.
// A source streams raw items and normalizes each one into a canonical
// Record or an explicit skip.
package source

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/Napageneral/commsledger/internal/record"
)

// RawItem is one unit of source data before normalization.
type RawItem struct {
	// Key locates the item in the source (line number, mbox offset, event id).
	Key  string
	Data []byte
	// Err marks an item the source could not fetch after retrying its
	// collaborator. The engine records Key as an isolated failure and moves
	// on; the item is fetched again on the next run.
	Err error
}

// Source is implemented by every concrete source variant.
type Source interface {
	// Name is the checkpoint and job key for this source instance.
	Name() string
	// Stream yields raw items in source order. A non-nil error ends the run.
	// The engine may hold a write transaction between pulls, so sources that
	// call out to collaborators gather their data before the first yield.
	Stream(ctx context.Context) iter.Seq2[RawItem, error]
	// Normalize converts an item to a finalized record or a skip.
	Normalize(ctx context.Context, item RawItem) record.Result
}

// Filter inspects a normalized record and may exclude it.
type Filter func(rec *record.Record) (record.SkipReason, string, bool)

// Apply runs filters in order and returns the first exclusion.
func Apply(rec *record.Record, filters ...Filter) (record.Result, bool) {
	for _, f := range filters {
		if f == nil {
			continue
		}
		if reason, detail, skip := f(rec); skip {
			return record.Skip(reason, detail), true
		}
	}
	return record.Result{}, false
}

// StartDate excludes records older than start. A zero start keeps everything.
func StartDate(start time.Time) Filter {
	return func(rec *record.Record) (record.SkipReason, string, bool) {
		if start.IsZero() || !rec.Timestamp.Before(start) {
			return "", "", false
		}
		return record.SkipBeforeStartDate, fmt.Sprintf("%s before %s", rec.ID, record.FormatTime(start)), true
	}
}

// SubjectKeywords excludes records whose subject contains any keyword,
// case-insensitively. It backs the configurable generic-event filter.
func SubjectKeywords(keywords []string) Filter {
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lowered = append(lowered, k)
		}
	}
	return func(rec *record.Record) (record.SkipReason, string, bool) {
		subject := strings.ToLower(rec.Subject)
		for _, k := range lowered {
			if strings.Contains(subject, k) {
				return record.SkipFiltered, fmt.Sprintf("subject matches %q", k), true
			}
		}
		return "", "", false
	}
}
