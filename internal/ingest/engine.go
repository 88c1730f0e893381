// Package ingest runs a source through normalization and projection in
// checkpointed chunks. A chunk is one store transaction; every item runs in
// its own savepoint so a failing item rolls back alone. The checkpoint is
// written only after the chunk commits, so the store never holds effects the
// checkpoint does not know about. Re-projecting an id is a no-op, so the
// reverse case (checkpoint lost, effects present) is harmless.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Napageneral/commsledger/internal/bus"
	"github.com/Napageneral/commsledger/internal/checkpoint"
	"github.com/Napageneral/commsledger/internal/collab"
	"github.com/Napageneral/commsledger/internal/db"
	"github.com/Napageneral/commsledger/internal/project"
	"github.com/Napageneral/commsledger/internal/record"
	"github.com/Napageneral/commsledger/internal/results"
	"github.com/Napageneral/commsledger/internal/source"
)

var (
	// ErrFatal aborts the run: schema missing, stream failure, commit or
	// checkpoint write failure.
	ErrFatal = errors.New("fatal ingestion error")
	// ErrInterrupted means the run was cancelled after flushing its partial
	// chunk and checkpoint. The run is resumable.
	ErrInterrupted = errors.New("ingestion interrupted")
	// ErrItemFailed wraps a single item's failure.
	ErrItemFailed = errors.New("item failed")
)

const (
	DefaultChunkSize    = 100
	DefaultSaveInterval = 10
	DefaultLockWait     = 2 * time.Minute
)

// Run statuses.
const (
	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"
	StatusFailed      = "failed"
)

// Observer receives per-item and per-chunk notifications, e.g. for metrics.
type Observer interface {
	ItemProjected(source string, outcome project.Outcome)
	ItemSkipped(source string, reason record.SkipReason)
	ItemFailed(source string)
	ChunkCommitted(source string, items int, elapsed time.Duration)
}

// Options configure an engine.
type Options struct {
	ChunkSize    int
	SaveInterval int
	// IsolatedErrors keeps going past item failures. When false the first
	// failure aborts the run after checkpointing.
	IsolatedErrors bool
	Filters        []source.Filter
	// Results, when set, receives every projected record.
	Results *results.Writer
	// Retrier retries items that hit a busy store. Nil uses a short default.
	Retrier *collab.Retrier
	// LockWait bounds how long a chunk waits for another writer to release
	// the store before its item fails alone.
	LockWait time.Duration
	// Me lists the local user's identifiers, marked before the first item.
	Me []record.Person
	// OnProgress is called after every checkpoint save.
	OnProgress func(Summary)
	Observer   Observer
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.SaveInterval <= 0 {
		o.SaveInterval = DefaultSaveInterval
	}
	if o.SaveInterval > o.ChunkSize {
		o.SaveInterval = o.ChunkSize
	}
	if o.LockWait <= 0 {
		o.LockWait = DefaultLockWait
	}
	if o.Retrier == nil {
		o.Retrier = &collab.Retrier{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
			Factor:       2,
		}
	}
	retry := *o.Retrier
	retry.Retryable = db.IsBusy
	retry.Timeout = 0
	o.Retrier = &retry
	return o
}

// Summary reports one run.
type Summary struct {
	Source     string        `json:"source"`
	RunID      string        `json:"run_id"`
	Status     string        `json:"status"`
	Seen       int           `json:"seen"`
	Resumed    int           `json:"already_processed"`
	Inserted   int           `json:"inserted"`
	Duplicates int           `json:"duplicates"`
	Suppressed int           `json:"suppressed"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Chunks     int           `json:"chunks"`
	Duration   time.Duration `json:"duration"`
	// FailedIDs are this run's isolated failures.
	FailedIDs []string `json:"failed_ids,omitempty"`
	// SkipReasons counts skips by reason.
	SkipReasons map[record.SkipReason]int `json:"skip_reasons,omitempty"`
	// Checkpoint is a snapshot taken at the last save.
	Checkpoint *checkpoint.Checkpoint `json:"checkpoint,omitempty"`
}

// Processed counts items projected this run, whether new or duplicate.
func (s Summary) Processed() int {
	return s.Inserted + s.Duplicates + s.Suppressed
}

// Engine drives sources into the store.
type Engine struct {
	db        *sql.DB
	projector *project.Projector
	opts      Options
	log       *zap.Logger
}

// New returns an engine. log may be nil.
func New(database *sql.DB, projector *project.Projector, opts Options, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{db: database, projector: projector, opts: opts.withDefaults(), log: log}
}

// Run ingests src, resuming from store's checkpoint. It returns ErrInterrupted
// when ctx is cancelled, ErrItemFailed when a failure aborts a fail-fast run,
// and ErrFatal for everything that stops the run outright.
func (e *Engine) Run(ctx context.Context, src source.Source, store *checkpoint.Store) (Summary, error) {
	start := time.Now()
	bg := context.WithoutCancel(ctx)

	r := &run{
		Engine: e,
		src:    src,
		store:  store,
		log:    e.log.With(zap.String("source", src.Name())),
		sum: Summary{
			Source:      src.Name(),
			RunID:       uuid.New().String(),
			SkipReasons: map[record.SkipReason]int{},
		},
		bg: bg,
	}

	if err := db.CheckSchema(bg, e.db); err != nil {
		r.sum.Status = StatusFailed
		return r.sum, fmt.Errorf("%w: %w", ErrFatal, err)
	}

	cp, found, err := store.Load()
	if err != nil {
		r.sum.Status = StatusFailed
		return r.sum, fmt.Errorf("%w: %w", ErrFatal, err)
	}
	if !found {
		cp = checkpoint.New()
	}
	r.cp = cp
	r.prevSkipped = cp.SkippedItems

	if len(e.opts.Me) > 0 {
		err := db.RunTx(bg, e.db, func(tx *sql.Tx) error {
			return e.projector.MarkMe(bg, tx, e.opts.Me)
		})
		if err != nil {
			r.sum.Status = StatusFailed
			return r.sum, fmt.Errorf("%w: failed to mark me identities: %w", ErrFatal, err)
		}
	}

	r.log.Info("ingest started",
		zap.String("run_id", r.sum.RunID),
		zap.Bool("resumed", found),
		zap.Int("already_processed", len(cp.ProcessedIDs)),
		zap.Int("chunk_size", e.opts.ChunkSize))
	r.emit(bus.TypeRunStarted, map[string]any{"run_id": r.sum.RunID, "resumed": found})

	runErr := r.loop(ctx)
	r.sum.Duration = time.Since(start)

	switch {
	case runErr == nil:
		r.sum.Status = StatusCompleted
		r.emit(bus.TypeRunCompleted, r.sum)
		r.log.Info("ingest completed",
			zap.Int("inserted", r.sum.Inserted),
			zap.Int("duplicates", r.sum.Duplicates),
			zap.Int("suppressed", r.sum.Suppressed),
			zap.Int("failed", r.sum.Failed),
			zap.Int("skipped", r.sum.Skipped),
			zap.Duration("duration", r.sum.Duration))
	case errors.Is(runErr, ErrInterrupted):
		r.sum.Status = StatusInterrupted
		r.emit(bus.TypeRunInterrupted, r.sum)
		r.log.Warn("ingest interrupted; checkpoint saved", zap.Int("processed", len(r.cp.ProcessedIDs)))
	default:
		r.sum.Status = StatusFailed
		r.emit(bus.TypeRunFailed, map[string]any{"run_id": r.sum.RunID, "error": runErr.Error()})
		r.log.Error("ingest aborted", zap.Error(runErr))
	}
	r.sum.Checkpoint = r.cp.Clone()
	return r.sum, runErr
}

// run is the state of one Run call.
type run struct {
	*Engine
	src   source.Source
	store *checkpoint.Store
	log   *zap.Logger
	cp    *checkpoint.Checkpoint
	sum   Summary
	bg    context.Context

	prevSkipped int

	tx          *sql.Tx
	chunkStart  time.Time
	chunkItems  int
	sinceSave   int
	pendingOK   []string
	pendingFail []string
	pendingOut  []record.Record
	inChunk     map[string]struct{}
}

func (r *run) loop(ctx context.Context) error {
	for item, err := range r.src.Stream(ctx) {
		if ctx.Err() != nil {
			return r.interrupt(ctx)
		}
		if err != nil {
			return r.abort(fmt.Errorf("%w: stream: %w", ErrFatal, err))
		}
		r.sum.Seen++

		if item.Err != nil {
			ferr := r.fail(item.Key, item.Err)
			if !r.opts.IsolatedErrors {
				return r.abort(ferr)
			}
			continue
		}

		res := r.src.Normalize(ctx, item)
		if !res.Skipped() {
			if filtered, skip := source.Apply(res.Record, r.opts.Filters...); skip {
				res = filtered
			}
		}
		if res.Skipped() {
			r.skip(item, res)
			continue
		}
		rec := res.Record

		if r.cp.IsProcessed(rec.ID) {
			r.sum.Resumed++
			continue
		}

		if err := r.process(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return r.interrupt(ctx)
			}
			if errors.Is(err, ErrFatal) {
				return r.abort(err)
			}
			if !r.opts.IsolatedErrors {
				return r.abort(err)
			}
		}

		if r.chunkItems >= r.opts.ChunkSize {
			if err := r.commit(); err != nil {
				return err
			}
		}
	}
	if ctx.Err() != nil {
		return r.interrupt(ctx)
	}

	if r.cp.TotalItems < r.sum.Seen {
		r.cp.TotalItems = r.sum.Seen
	}
	if err := r.commit(); err != nil {
		return err
	}
	// A run with nothing left to do still leaves a checkpoint behind.
	if r.sum.Chunks == 0 {
		return r.save()
	}
	return nil
}

func (r *run) skip(item source.RawItem, res record.Result) {
	r.sum.Skipped++
	r.sum.SkipReasons[res.Reason]++
	if r.opts.Observer != nil {
		r.opts.Observer.ItemSkipped(r.src.Name(), res.Reason)
	}
	r.log.Debug("item skipped",
		zap.String("item", item.Key),
		zap.String("reason", string(res.Reason)),
		zap.String("detail", res.Detail))
}

// process projects one record inside a savepoint of the current chunk.
func (r *run) process(ctx context.Context, rec *record.Record) error {
	if err := r.begin(ctx); err != nil {
		if errors.Is(err, ErrFatal) || ctx.Err() != nil {
			return err
		}
		return r.fail(rec.ID, err)
	}
	r.chunkItems++
	if _, dup := r.inChunk[rec.ID]; dup {
		r.sum.Duplicates++
		return nil
	}

	var out project.Result
	err := r.opts.Retrier.Do(r.bg, func(ctx context.Context) error {
		return db.Savepoint(ctx, r.tx, "item", func() error {
			var err error
			out, err = r.projector.Project(ctx, r.tx, rec)
			if err != nil {
				return err
			}
			for _, loser := range out.Merged {
				if err := bus.Emit(ctx, r.tx, bus.TypeIdentityMerged, r.src.Name(), fmt.Sprint(loser), map[string]any{"record": rec.ID}); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		if db.IsSchemaError(err) {
			return fmt.Errorf("%w: %s: %w", ErrFatal, rec.ID, err)
		}
		return r.fail(rec.ID, err)
	}

	r.inChunk[rec.ID] = struct{}{}
	r.pendingOK = append(r.pendingOK, rec.ID)
	switch out.Outcome {
	case project.OutcomeInserted:
		r.sum.Inserted++
		r.pendingOut = append(r.pendingOut, *rec)
	case project.OutcomeDuplicate:
		r.sum.Duplicates++
		r.pendingOut = append(r.pendingOut, *rec)
	case project.OutcomeSuppressed:
		r.sum.Suppressed++
	}
	if r.opts.Observer != nil {
		r.opts.Observer.ItemProjected(r.src.Name(), out.Outcome)
	}

	r.sinceSave++
	if r.sinceSave >= r.opts.SaveInterval {
		if err := r.flushResults(); err != nil {
			return fmt.Errorf("%w: %w", ErrFatal, err)
		}
	}
	return nil
}

// fail records id as an isolated failure. It reaches the checkpoint with the
// next commit or save.
func (r *run) fail(id string, err error) error {
	r.pendingFail = append(r.pendingFail, id)
	r.sum.Failed++
	r.sum.FailedIDs = append(r.sum.FailedIDs, id)
	if r.opts.Observer != nil {
		r.opts.Observer.ItemFailed(r.src.Name())
	}
	r.log.Warn("item failed", zap.String("item", id), zap.Error(err))
	return fmt.Errorf("%w: %s: %w", ErrItemFailed, id, err)
}

// begin opens the chunk transaction. While another writer holds the store,
// begin backs off and tries again until LockWait runs out; the caller then
// fails the current item alone and the next item starts over.
func (r *run) begin(ctx context.Context) error {
	if r.tx != nil {
		return nil
	}
	deadline := time.Now().Add(r.opts.LockWait)
	for {
		var tx *sql.Tx
		err := r.opts.Retrier.Do(ctx, func(context.Context) error {
			var err error
			tx, err = r.db.BeginTx(r.bg, nil)
			return err
		})
		if err == nil {
			r.tx = tx
			r.chunkStart = time.Now()
			r.inChunk = map[string]struct{}{}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !db.IsBusy(err) {
			return fmt.Errorf("%w: failed to begin chunk: %w", ErrFatal, err)
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("store busy for %s: %w", r.opts.LockWait, err)
		}
		r.log.Warn("store busy; waiting to start chunk", zap.Error(err))
		if err := sleepCtx(ctx, r.lockBackoff()); err != nil {
			return err
		}
	}
}

func (r *run) lockBackoff() time.Duration {
	if d := r.opts.Retrier.MaxDelay; d > 0 {
		return d
	}
	return 500 * time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *run) flushResults() error {
	r.sinceSave = 0
	if r.opts.Results == nil || len(r.pendingOut) == 0 {
		r.pendingOut = r.pendingOut[:0]
		return nil
	}
	if err := r.opts.Results.Append(r.pendingOut); err != nil {
		return err
	}
	r.pendingOut = r.pendingOut[:0]
	return nil
}

// commit closes the current chunk: store commit first, then checkpoint.
func (r *run) commit() error {
	if r.tx == nil {
		// Failures without store effects still reach the checkpoint.
		if len(r.pendingFail) == 0 {
			return nil
		}
		for _, id := range r.pendingFail {
			r.cp.MarkFailed(id)
		}
		r.pendingFail = r.pendingFail[:0]
		return r.save()
	}
	items := r.chunkItems
	if err := bus.Emit(r.bg, r.tx, bus.TypeChunkCommitted, r.src.Name(), "", map[string]any{
		"run_id": r.sum.RunID,
		"chunk":  r.cp.CurrentChunk + 1,
		"items":  items,
	}); err != nil {
		_ = r.tx.Rollback()
		r.tx = nil
		return fmt.Errorf("%w: %w", ErrFatal, err)
	}
	if err := r.tx.Commit(); err != nil {
		r.tx = nil
		return fmt.Errorf("%w: failed to commit chunk: %w", ErrFatal, err)
	}
	r.tx = nil

	for _, id := range r.pendingOK {
		r.cp.MarkProcessed(id)
	}
	for _, id := range r.pendingFail {
		r.cp.MarkFailed(id)
	}
	r.pendingOK = r.pendingOK[:0]
	r.pendingFail = r.pendingFail[:0]
	r.chunkItems = 0
	r.cp.CurrentChunk++
	r.sum.Chunks++

	if err := r.flushResults(); err != nil {
		return fmt.Errorf("%w: %w", ErrFatal, err)
	}
	if err := r.save(); err != nil {
		return err
	}

	elapsed := time.Since(r.chunkStart)
	if r.opts.Observer != nil {
		r.opts.Observer.ChunkCommitted(r.src.Name(), items, elapsed)
	}
	r.log.Debug("chunk committed",
		zap.Int("chunk", r.cp.CurrentChunk),
		zap.Int("items", items),
		zap.Duration("elapsed", elapsed))
	return nil
}

func (r *run) save() error {
	r.cp.SuccessfulItems = len(r.cp.ProcessedIDs)
	r.cp.FailedItems = len(r.cp.FailedIDs)
	r.cp.ProcessedItems = r.cp.SuccessfulItems + r.cp.FailedItems
	r.cp.SkippedItems = max(r.prevSkipped, r.sum.Skipped)
	if r.cp.TotalItems < r.cp.ProcessedItems+r.cp.SkippedItems {
		r.cp.TotalItems = r.cp.ProcessedItems + r.cp.SkippedItems
	}
	r.cp.TotalChunks = (r.cp.TotalItems + r.opts.ChunkSize - 1) / r.opts.ChunkSize
	if err := r.store.Save(r.cp); err != nil {
		return fmt.Errorf("%w: %w", ErrFatal, err)
	}
	if r.opts.OnProgress != nil {
		snap := r.sum
		snap.Checkpoint = r.cp.Clone()
		r.opts.OnProgress(snap)
	}
	return nil
}

// interrupt flushes the partial chunk and checkpoint, then reports the
// cancellation.
func (r *run) interrupt(ctx context.Context) error {
	if err := r.commit(); err != nil {
		return err
	}
	return fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
}

// abort stops the run. A fail-fast item error still commits and checkpoints
// the items before it; a fatal error rolls the open chunk back and attempts
// no further commits.
func (r *run) abort(err error) error {
	if errors.Is(err, ErrFatal) {
		if r.tx != nil {
			_ = r.tx.Rollback()
			r.tx = nil
		}
		return err
	}
	if cerr := r.commit(); cerr != nil {
		return errors.Join(err, cerr)
	}
	return err
}

func (r *run) emit(typ string, payload any) {
	if err := bus.Emit(r.bg, r.db, typ, r.src.Name(), "", payload); err != nil {
		r.log.Warn("failed to emit bus event", zap.String("type", typ), zap.Error(err))
	}
}
