package live

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Napageneral/commsledger/internal/config"
	"github.com/Napageneral/commsledger/internal/sync"
)

// ProcessedDir is the inbox subdirectory that ingested files are moved into.
const ProcessedDir = "processed"

var inboxExtensions = map[string][]string{
	sync.TypeJSONL: {".jsonl", ".ndjson"},
	sync.TypeMbox:  {".mbox"},
}

// NewInboxWatcher watches a drop directory and ingests every new file that
// matches the source type. Each file runs as its own sub-source so it gets
// its own checkpoint; once completed it is moved to inbox/processed.
// Failed files stay put and are retried on the next scan.
func (m *Manager) NewInboxWatcher(name string, sc config.SourceConfig, opts map[string]any) (WatcherSpec, error) {
	dir := config.StringOption(opts, "inbox_dir", "")
	if dir == "" {
		dataDir, err := config.GetDataDir()
		if err != nil {
			return WatcherSpec{}, err
		}
		dir = filepath.Join(dataDir, "inbox", name)
	}
	debounce := m.Debounce
	if s := config.IntOption(opts, "debounce_seconds", 0); s > 0 {
		debounce = time.Duration(s) * time.Second
	}
	exts := inboxExtensions[sc.Type]

	return WatcherSpec{
		Name:    name,
		Sources: []string{name},
		Run: func(ctx context.Context, beat func()) error {
			processed := filepath.Join(dir, ProcessedDir)
			if err := os.MkdirAll(processed, 0755); err != nil {
				return fmt.Errorf("create inbox: %w", err)
			}

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("create watcher: %w", err)
			}
			defer watcher.Close()

			if err := watcher.Add(dir); err != nil {
				return fmt.Errorf("watch %s: %w", dir, err)
			}

			m.logf("Watching inbox %s for %s (debounce: %s)", dir, strings.Join(exts, ", "), debounce)

			stopHeartbeat := startHeartbeat(ctx, m.HeartbeatInterval, beat)
			defer stopHeartbeat()

			scan := func() {
				beat()
				m.scanInbox(ctx, name, sc, dir, exts)
			}

			m.logf("[%s] Scanning inbox...", time.Now().Format("15:04:05"))
			scan()

			var pending <-chan time.Time
			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
						continue
					}
					if matchesExt(event.Name, exts) {
						pending = time.After(debounce)
					}
				case <-pending:
					pending = nil
					scan()
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					m.logf("[%s] Watch error: %v", time.Now().Format("15:04:05"), err)
				}
			}
		},
	}, nil
}

func (m *Manager) scanInbox(ctx context.Context, name string, sc config.SourceConfig, dir string, exts []string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		m.logf("inbox %s: %v", dir, err)
		setLiveError(m.DB, name, err)
		return
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && matchesExt(e.Name(), exts) {
			files = append(files, e.Name())
		}
	}
	slices.Sort(files)

	for _, file := range files {
		if ctx.Err() != nil {
			return
		}
		path := filepath.Join(dir, file)
		fileSC := config.SourceConfig{
			Type:    sc.Type,
			Enabled: true,
			Options: config.MergeOptions(map[string]any{"path": path}, sc.Options),
		}

		res, err := m.ingest(ctx, name+"."+file, fileSC)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.logf("inbox ingest error (%s): %v", file, err)
			setLiveError(m.DB, name, err)
			continue
		}
		if err := os.Rename(path, filepath.Join(dir, ProcessedDir, file)); err != nil {
			m.logf("inbox move error (%s): %v", file, err)
			setLiveError(m.DB, name, err)
			continue
		}
		setLiveLastFile(m.DB, name, file)
		setLiveLastRun(m.DB, name, time.Now())
		if sum := res.Summary; sum != nil {
			m.logf("[%s] Ingested %s: %d new, %d duplicates, %d failed, %d skipped",
				time.Now().Format("15:04:05"), file, sum.Inserted, sum.Duplicates, sum.Failed, sum.Skipped)
		}
	}
}

func matchesExt(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return slices.Contains(exts, ext)
}
