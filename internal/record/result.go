package record

// SkipReason explains why a raw item produced no Record. Skips are counted,
// never treated as failures.
type SkipReason string

const (
	SkipMalformed       SkipReason = "malformed"
	SkipUnsupported     SkipReason = "unsupported"
	SkipEmpty           SkipReason = "empty"
	SkipBeforeStartDate SkipReason = "before_start_date"
	SkipFiltered        SkipReason = "filtered"
)

// Result is the outcome of normalizing one raw item: either a Record or a
// skip with a reason.
type Result struct {
	Record *Record
	Reason SkipReason
	Detail string
}

// Keep wraps a normalized record.
func Keep(r *Record) Result {
	return Result{Record: r}
}

// Skip reports that the item should not be ingested.
func Skip(reason SkipReason, detail string) Result {
	return Result{Reason: reason, Detail: detail}
}

// Skipped reports whether no record was produced.
func (r Result) Skipped() bool {
	return r.Record == nil
}
