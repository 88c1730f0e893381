package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Napageneral/commsledger/internal/checkpoint"
	"github.com/Napageneral/commsledger/internal/collab"
	"github.com/Napageneral/commsledger/internal/config"
	"github.com/Napageneral/commsledger/internal/identity"
	"github.com/Napageneral/commsledger/internal/ingest"
	"github.com/Napageneral/commsledger/internal/me"
	"github.com/Napageneral/commsledger/internal/project"
	"github.com/Napageneral/commsledger/internal/record"
	"github.com/Napageneral/commsledger/internal/results"
	"github.com/Napageneral/commsledger/internal/source"
	"github.com/Napageneral/commsledger/internal/source/gcal"
	"github.com/Napageneral/commsledger/internal/source/jsonl"
	"github.com/Napageneral/commsledger/internal/source/mbox"
)

// Source types accepted in config.
const (
	TypeJSONL = "jsonl"
	TypeMbox  = "mbox"
	TypeGCal  = "gcal"
)

// ErrUnknownSource is returned for names missing from config.
var ErrUnknownSource = errors.New("source not configured")

// Options tune one ingest invocation. Zero values keep the configured policy.
type Options struct {
	Reset        bool
	ChunkSize    int
	SaveInterval int
	FailFast     bool

	// Concurrency bounds how many sources run at once (0 = all).
	Concurrency int

	Names    identity.NameSource
	Observer ingest.Observer
	Logger   *zap.Logger

	// Empty directories fall back to the data directory layout.
	CheckpointDir string
	ResultsDir    string
}

// SourceResult contains the result of ingesting a single source
type SourceResult struct {
	Source   string          `json:"source"`
	Type     string          `json:"type"`
	Success  bool            `json:"success"`
	Status   string          `json:"status,omitempty"`
	Error    string          `json:"error,omitempty"`
	Summary  *ingest.Summary `json:"summary,omitempty"`
	Duration string          `json:"duration"`
}

// IngestResult contains the results of ingesting every selected source
type IngestResult struct {
	OK      bool           `json:"ok"`
	Message string         `json:"message,omitempty"`
	Sources []SourceResult `json:"sources,omitempty"`
}

// IngestAll runs every enabled source. Sources run concurrently; one source
// failing doesn't stop the others. The returned error joins every
// per-source failure.
func IngestAll(ctx context.Context, database *sql.DB, cfg *config.Config, opts Options) (IngestResult, error) {
	result := IngestResult{OK: true}

	if len(cfg.Sources) == 0 {
		result.Message = "No sources configured"
		return result, nil
	}

	var names []string
	for name, sc := range cfg.Sources {
		if sc.Enabled {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		result.Message = "No sources enabled"
		return result, nil
	}
	slices.Sort(names)

	out := make([]SourceResult, len(names))
	errs := make([]error, len(names))

	var g errgroup.Group
	if opts.Concurrency > 0 {
		g.SetLimit(opts.Concurrency)
	}
	for i, name := range names {
		g.Go(func() error {
			out[i], errs[i] = IngestSource(ctx, database, cfg, name, cfg.Sources[name], opts)
			return nil
		})
	}
	_ = g.Wait()

	result.Sources = out
	for _, sr := range out {
		if !sr.Success {
			result.OK = false
		}
	}
	return result, errors.Join(errs...)
}

// IngestOne runs a specific source by name
func IngestOne(ctx context.Context, database *sql.DB, cfg *config.Config, name string, opts Options) (IngestResult, error) {
	sc, exists := cfg.Sources[name]
	if !exists {
		err := fmt.Errorf("%w: %s", ErrUnknownSource, name)
		return IngestResult{OK: false, Message: fmt.Sprintf("Source '%s' not configured", name)}, err
	}
	if !sc.Enabled {
		return IngestResult{OK: false, Message: fmt.Sprintf("Source '%s' is disabled", name)}, fmt.Errorf("source %s is disabled", name)
	}

	sr, err := IngestSource(ctx, database, cfg, name, sc, opts)
	return IngestResult{OK: sr.Success, Sources: []SourceResult{sr}}, err
}

// IngestSource builds sc and runs it through the engine, tracking the run in
// ingest_jobs. The source need not be present in cfg.Sources.
func IngestSource(ctx context.Context, database *sql.DB, cfg *config.Config, name string, sc config.SourceConfig, opts Options) (SourceResult, error) {
	start := time.Now()
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("source", name))
	bg := context.WithoutCancel(ctx)

	result := SourceResult{Source: name, Type: sc.Type}
	fail := func(err error) (SourceResult, error) {
		result.Status = ingest.StatusFailed
		result.Error = err.Error()
		result.Duration = time.Since(start).String()
		if ferr := FinishJobError(bg, database, name, "", err.Error(), nil); ferr != nil {
			log.Warn("failed to record job failure", zap.Error(ferr))
		}
		return result, fmt.Errorf("%s: %w", name, err)
	}

	if err := StartJob(bg, database, name); err != nil {
		return fail(err)
	}

	retrier := collab.New(cfg.Retry)
	src, err := Build(name, sc, cfg, retrier)
	if err != nil {
		return fail(err)
	}
	filters, err := Filters(cfg.Ingest, sc)
	if err != nil {
		return fail(err)
	}
	mePersons, err := me.Persons(cfg.Me)
	if err != nil {
		return fail(err)
	}

	store, writer, err := openState(name, opts)
	if err != nil {
		return fail(err)
	}
	defer writer.Close()

	ic := cfg.Ingest.WithDefaults()
	if opts.ChunkSize > 0 {
		ic.ChunkSize = opts.ChunkSize
	}
	if opts.SaveInterval > 0 {
		ic.SaveInterval = opts.SaveInterval
	}
	isolated := *ic.IsolatedErrors && !opts.FailFast

	projector := project.New(identity.NewResolver(opts.Names), project.Options{GroupCeiling: ic.GroupCeiling}, log)
	engine := ingest.New(database, projector, ingest.Options{
		ChunkSize:      ic.ChunkSize,
		SaveInterval:   ic.SaveInterval,
		IsolatedErrors: isolated,
		Filters:        filters,
		Results:        writer,
		Me:             mePersons,
		Observer:       opts.Observer,
		OnProgress: func(sum ingest.Summary) {
			if err := UpdateJob(bg, database, name, sum.RunID, "ingest", progressOf(sum)); err != nil {
				log.Warn("failed to update job", zap.Error(err))
			}
		},
	}, log)

	sum, runErr := engine.Run(ctx, src, store)
	result.Summary = &sum
	result.Status = sum.Status
	result.Duration = time.Since(start).String()

	var ferr error
	switch {
	case runErr == nil:
		result.Success = true
		ferr = FinishJobSuccess(bg, database, name, sum.RunID, progressOf(sum))
	case errors.Is(runErr, ingest.ErrInterrupted):
		result.Error = runErr.Error()
		ferr = FinishJobInterrupted(bg, database, name, sum.RunID, progressOf(sum))
	default:
		result.Error = runErr.Error()
		ferr = FinishJobError(bg, database, name, sum.RunID, runErr.Error(), progressOf(sum))
	}
	if ferr != nil {
		log.Warn("failed to finish job", zap.Error(ferr))
	}
	if runErr != nil {
		return result, fmt.Errorf("%s: %w", name, runErr)
	}
	return result, nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// ResultsPath is where a source's incremental results are appended.
func ResultsPath(dir, name string) string {
	return filepath.Join(dir, unsafeName.ReplaceAllString(name, "_")+".jsonl")
}

func openState(name string, opts Options) (*checkpoint.Store, *results.Writer, error) {
	cpDir := opts.CheckpointDir
	if cpDir == "" {
		dir, err := config.GetCheckpointDir()
		if err != nil {
			return nil, nil, err
		}
		cpDir = dir
	}
	resDir := opts.ResultsDir
	if resDir == "" {
		dir, err := config.GetResultsDir()
		if err != nil {
			return nil, nil, err
		}
		resDir = dir
	}

	store, err := checkpoint.NewStore(cpDir, name)
	if err != nil {
		return nil, nil, err
	}
	resPath := ResultsPath(resDir, name)
	if opts.Reset {
		if err := store.Reset(); err != nil {
			return nil, nil, err
		}
		if err := os.Remove(resPath); err != nil && !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("failed to remove results file: %w", err)
		}
	}
	writer, err := results.Open(resPath)
	if err != nil {
		return nil, nil, err
	}
	return store, writer, nil
}

// Build creates the source described by sc.
func Build(name string, sc config.SourceConfig, cfg *config.Config, retrier *collab.Retrier) (source.Source, error) {
	maxText := cfg.Ingest.WithDefaults().MaxBodyLength
	opts := sc.Options

	switch sc.Type {
	case TypeJSONL:
		path := config.StringOption(opts, "path", "")
		if path == "" {
			return nil, fmt.Errorf("source %s: option path is required", name)
		}
		return jsonl.New(name, path, maxText), nil

	case TypeMbox:
		path := config.StringOption(opts, "path", "")
		if path == "" {
			return nil, fmt.Errorf("source %s: option path is required", name)
		}
		mo := mbox.Options{
			MaxMessageBytes: int64(config.IntOption(opts, "max_message_bytes", 0)),
			MaxText:         maxText,
		}
		if p := config.StringOption(opts, "platform", ""); p != "" {
			platform, err := record.ParsePlatform(p)
			if err != nil {
				return nil, fmt.Errorf("source %s: %w", name, err)
			}
			mo.Platform = platform
		}
		return mbox.New(name, path, mo), nil

	case TypeGCal:
		from, err := dateOption(opts, "from")
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", name, err)
		}
		to, err := dateOption(opts, "to")
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", name, err)
		}
		return gcal.New(name, gcal.Options{
			File:      config.StringOption(opts, "file", ""),
			Command:   config.StringOption(opts, "command", ""),
			Account:   config.StringOption(opts, "account", ""),
			Calendars: listOption(opts, "calendars"),
			From:      from,
			To:        to,
			Retrier:   retrier,
			MaxText:   maxText,
		})

	default:
		return nil, fmt.Errorf("unknown source type: %q", sc.Type)
	}
}

// Filters returns the skip predicates for a source: the global start date
// plus the source's optional skip_subject_keywords list.
func Filters(ic config.IngestConfig, sc config.SourceConfig) ([]source.Filter, error) {
	start, err := ic.StartTime()
	if err != nil {
		return nil, err
	}
	filters := []source.Filter{source.StartDate(start)}
	if kw := listOption(sc.Options, "skip_subject_keywords"); len(kw) > 0 {
		filters = append(filters, source.SubjectKeywords(kw))
	}
	return filters, nil
}

// listOption accepts a YAML list or a comma-separated string.
func listOption(opts map[string]any, key string) []string {
	var raw []string
	switch v := opts[key].(type) {
	case string:
		raw = strings.Split(v, ",")
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	case []string:
		raw = v
	}
	var out []string
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func dateOption(opts map[string]any, key string) (time.Time, error) {
	s := config.StringOption(opts, key, "")
	if s == "" {
		return time.Time{}, nil
	}
	t, err := record.ParseTime(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("option %s: %w", key, err)
	}
	return t, nil
}

func progressOf(sum ingest.Summary) map[string]any {
	p := map[string]any{
		"seen":       sum.Seen,
		"inserted":   sum.Inserted,
		"duplicates": sum.Duplicates,
		"suppressed": sum.Suppressed,
		"failed":     sum.Failed,
		"skipped":    sum.Skipped,
		"chunks":     sum.Chunks,
	}
	if sum.Checkpoint != nil {
		p["processed_items"] = sum.Checkpoint.ProcessedItems
		p["total_items"] = sum.Checkpoint.TotalItems
	}
	return p
}
