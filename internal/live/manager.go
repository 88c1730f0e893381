// Package live keeps configured sources ingesting continuously: inbox
// directories are watched for new files and pull sources are polled.
package live

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/Napageneral/commsledger/internal/config"
	"github.com/Napageneral/commsledger/internal/sync"
)

type WatcherSpec struct {
	Name    string
	Sources []string
	Run     func(ctx context.Context, beat func()) error
}

// IngestFunc runs one source configuration to completion under name.
type IngestFunc func(ctx context.Context, name string, sc config.SourceConfig) (sync.SourceResult, error)

type Manager struct {
	DB                *sql.DB
	Config            *config.Config
	HeartbeatInterval time.Duration
	RestartBackoff    time.Duration
	MaxBackoff        time.Duration
	Debounce          time.Duration
	PollInterval      time.Duration
	Logf              func(format string, args ...any)

	// Ingest defaults to sync.IngestSource with SyncOptions.
	Ingest      IngestFunc
	SyncOptions sync.Options
}

func NewManager(db *sql.DB, cfg *config.Config) *Manager {
	return &Manager{
		DB:                db,
		Config:            cfg,
		HeartbeatInterval: 10 * time.Second,
		RestartBackoff:    3 * time.Second,
		MaxBackoff:        30 * time.Second,
		Debounce:          2 * time.Second,
		PollInterval:      5 * time.Minute,
		Logf:              log.Printf,
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.Logf != nil {
		m.Logf(format, args...)
	}
}

func (m *Manager) ingest(ctx context.Context, name string, sc config.SourceConfig) (sync.SourceResult, error) {
	if m.Ingest != nil {
		return m.Ingest(ctx, name, sc)
	}
	return sync.IngestSource(ctx, m.DB, m.Config, name, sc, m.SyncOptions)
}

// Run starts every live watcher and blocks until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	specs, err := m.BuildSpecs()
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return fmt.Errorf("no live watchers enabled")
	}

	for _, spec := range specs {
		go m.runWatcher(ctx, spec)
	}

	<-ctx.Done()
	return nil
}

func (m *Manager) runWatcher(ctx context.Context, spec WatcherSpec) {
	backoff := m.RestartBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	maxBackoff := m.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	for {
		if ctx.Err() != nil {
			m.setStatus(spec, "stopped")
			return
		}

		m.setStatus(spec, "running")
		for _, name := range spec.Sources {
			setLiveError(m.DB, name, nil)
		}
		beat := func() {
			for _, name := range spec.Sources {
				setLiveHeartbeat(m.DB, name, time.Now())
			}
		}
		beat()

		err := spec.Run(ctx, beat)
		if ctx.Err() != nil {
			m.setStatus(spec, "stopped")
			return
		}

		m.setStatus(spec, "error")
		for _, name := range spec.Sources {
			setLiveError(m.DB, name, err)
			incrementLiveRestarts(m.DB, name)
		}
		if err != nil {
			m.logf("live watcher %s stopped: %v (restarting in %s)", spec.Name, err, backoff)
		} else {
			m.logf("live watcher %s stopped (restarting in %s)", spec.Name, backoff)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			m.setStatus(spec, "stopped")
			return
		}

		backoff = min(backoff*2, maxBackoff)
	}
}

func (m *Manager) setStatus(spec WatcherSpec, status string) {
	for _, name := range spec.Sources {
		setLiveStatus(m.DB, name, status)
	}
}

// BuildSpecs returns one watcher per enabled source with live enabled,
// in source name order.
func (m *Manager) BuildSpecs() ([]WatcherSpec, error) {
	if m.Config == nil {
		return nil, fmt.Errorf("config is required")
	}

	var names []string
	for name := range m.Config.Sources {
		names = append(names, name)
	}
	slices.Sort(names)

	var specs []WatcherSpec
	for _, name := range names {
		sc := m.Config.Sources[name]
		if !sc.Enabled || sc.Live == nil || !sc.Live.Enabled {
			continue
		}
		opts := config.MergeOptions(sc.Live.Options, sc.Options)

		switch sc.Type {
		case sync.TypeJSONL, sync.TypeMbox:
			spec, err := m.NewInboxWatcher(name, sc, opts)
			if err != nil {
				return nil, err
			}
			specs = append(specs, spec)
		case sync.TypeGCal:
			specs = append(specs, m.NewPollWatcher(name, sc, opts))
		default:
			m.logf("live not supported for source %s (type=%s)", name, sc.Type)
		}
	}
	return specs, nil
}

func LiveSupported(sourceType string) bool {
	switch sourceType {
	case sync.TypeJSONL, sync.TypeMbox, sync.TypeGCal:
		return true
	default:
		return false
	}
}
