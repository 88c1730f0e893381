package live

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"slices"
	stdsync "sync"
	"testing"
	"time"

	"github.com/Napageneral/commsledger/internal/config"
	"github.com/Napageneral/commsledger/internal/db"
	"github.com/Napageneral/commsledger/internal/ingest"
	"github.com/Napageneral/commsledger/internal/state"
	"github.com/Napageneral/commsledger/internal/sync"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.OpenPath(db.DriverModernc, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.InitDB(database); err != nil {
		t.Fatalf("init db: %v", err)
	}
	return database
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type recorder struct {
	mu    stdsync.Mutex
	calls []string
	paths []string
}

func (r *recorder) ingest(_ context.Context, name string, sc config.SourceConfig) (sync.SourceResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
	r.paths = append(r.paths, config.StringOption(sc.Options, "path", ""))
	return sync.SourceResult{Source: name, Success: true, Summary: &ingest.Summary{Inserted: 1}}, nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

func newTestManager(database *sql.DB, cfg *config.Config, rec *recorder) *Manager {
	m := NewManager(database, cfg)
	m.Logf = func(string, ...any) {}
	m.HeartbeatInterval = 0
	m.Debounce = 20 * time.Millisecond
	m.RestartBackoff = 10 * time.Millisecond
	m.MaxBackoff = 20 * time.Millisecond
	m.PollInterval = 20 * time.Millisecond
	if rec != nil {
		m.Ingest = rec.ingest
	}
	return m
}

func TestInboxWatcherIngestsAndMovesFiles(t *testing.T) {
	database := openTestDB(t)
	inbox := t.TempDir()
	if err := os.WriteFile(filepath.Join(inbox, "a.jsonl"), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(inbox, "notes.txt"), []byte("ignore me"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := &config.Config{Sources: map[string]config.SourceConfig{
		"drop": {Type: sync.TypeJSONL, Enabled: true, Live: &config.LiveConfig{
			Enabled: true,
			Options: map[string]any{"inbox_dir": inbox},
		}},
	}}
	rec := &recorder{}
	m := newTestManager(database, cfg, rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	eventually(t, "initial scan", func() bool {
		_, err := os.Stat(filepath.Join(inbox, ProcessedDir, "a.jsonl"))
		return err == nil
	})

	tmp := filepath.Join(inbox, "b.partial")
	if err := os.WriteFile(tmp, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Rename(tmp, filepath.Join(inbox, "b.ndjson")); err != nil {
		t.Fatalf("rename: %v", err)
	}
	eventually(t, "new file", func() bool {
		_, err := os.Stat(filepath.Join(inbox, ProcessedDir, "b.ndjson"))
		return err == nil
	})

	if got := rec.snapshot(); !slices.Equal(got, []string{"drop.a.jsonl", "drop.b.ndjson"}) {
		t.Fatalf("unexpected ingest calls %v", got)
	}
	if _, err := os.Stat(filepath.Join(inbox, "notes.txt")); err != nil {
		t.Fatalf("non-matching file should stay: %v", err)
	}
	if rec.paths[0] != filepath.Join(inbox, "a.jsonl") {
		t.Fatalf("unexpected path %q", rec.paths[0])
	}

	v, _, err := state.Get(context.Background(), database, "drop", keyLiveLastFile)
	if err != nil || v != "b.ndjson" {
		t.Fatalf("expected last file b.ndjson, got %q (%v)", v, err)
	}

	cancel()
	eventually(t, "stopped status", func() bool {
		v, _, _ := state.Get(context.Background(), database, "drop", keyLiveStatus)
		return v == "stopped"
	})
}

func TestInboxWatcherKeepsFailedFiles(t *testing.T) {
	database := openTestDB(t)
	inbox := t.TempDir()
	if err := os.WriteFile(filepath.Join(inbox, "bad.mbox"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := newTestManager(database, &config.Config{}, nil)
	var calls int
	var mu stdsync.Mutex
	m.Ingest = func(context.Context, string, config.SourceConfig) (sync.SourceResult, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return sync.SourceResult{}, errors.New("boom")
	}

	m.scanInbox(context.Background(), "mail", config.SourceConfig{Type: sync.TypeMbox}, inbox, inboxExtensions[sync.TypeMbox])

	if calls != 1 {
		t.Fatalf("expected one ingest attempt, got %d", calls)
	}
	if _, err := os.Stat(filepath.Join(inbox, "bad.mbox")); err != nil {
		t.Fatalf("failed file should stay in inbox: %v", err)
	}
	v, _, _ := state.Get(context.Background(), database, "mail", keyLiveLastError)
	if v != "boom" {
		t.Fatalf("expected last error boom, got %q", v)
	}
}

func TestRunWatcherRestartsWithBackoff(t *testing.T) {
	database := openTestDB(t)
	m := newTestManager(database, &config.Config{}, nil)

	var mu stdsync.Mutex
	runs := 0
	spec := WatcherSpec{
		Name:    "flaky",
		Sources: []string{"flaky"},
		Run: func(ctx context.Context, beat func()) error {
			mu.Lock()
			runs++
			mu.Unlock()
			return errors.New("upstream went away")
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.runWatcher(ctx, spec)
		close(done)
	}()

	eventually(t, "restarts", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 3
	})
	cancel()
	<-done

	st, err := readLiveState(context.Background(), database, "flaky")
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if st.status != "stopped" {
		t.Fatalf("expected stopped, got %q", st.status)
	}
	if st.restarts < 2 {
		t.Fatalf("expected restarts to be counted, got %d", st.restarts)
	}
	if st.lastHeartbeat == nil {
		t.Fatalf("expected a heartbeat")
	}
}

func TestPollWatcherReruns(t *testing.T) {
	database := openTestDB(t)
	rec := &recorder{}
	m := newTestManager(database, &config.Config{}, rec)
	spec := m.NewPollWatcher("cal", config.SourceConfig{Type: sync.TypeGCal}, map[string]any{"file": "events.json"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- spec.Run(ctx, func() {}) }()

	eventually(t, "second poll", func() bool { return len(rec.snapshot()) >= 2 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("poll watcher: %v", err)
	}
	if rec.paths[0] != "" {
		t.Fatalf("poll runs use the source options as-is")
	}
}

func TestBuildSpecs(t *testing.T) {
	database := openTestDB(t)
	live := &config.LiveConfig{Enabled: true, Options: map[string]any{"inbox_dir": t.TempDir()}}
	cfg := &config.Config{Sources: map[string]config.SourceConfig{
		"chats":  {Type: sync.TypeJSONL, Enabled: true, Live: live},
		"cal":    {Type: sync.TypeGCal, Enabled: true, Live: &config.LiveConfig{Enabled: true}},
		"mail":   {Type: sync.TypeMbox, Enabled: true},
		"off":    {Type: sync.TypeJSONL, Enabled: false, Live: live},
		"exotic": {Type: "carrier-pigeon", Enabled: true, Live: live},
	}}
	m := newTestManager(database, cfg, nil)

	specs, err := m.BuildSpecs()
	if err != nil {
		t.Fatalf("build specs: %v", err)
	}
	var names []string
	for _, s := range specs {
		names = append(names, s.Name)
	}
	if !slices.Equal(names, []string{"cal", "chats"}) {
		t.Fatalf("unexpected specs %v", names)
	}

	if _, err := (&Manager{}).BuildSpecs(); err == nil {
		t.Fatalf("expected error without config")
	}
}

func TestGetStatuses(t *testing.T) {
	database := openTestDB(t)
	cfg := &config.Config{Sources: map[string]config.SourceConfig{
		"chats": {Type: sync.TypeJSONL, Enabled: true, Live: &config.LiveConfig{Enabled: true}},
		"other": {Type: "carrier-pigeon"},
	}}
	setLiveStatus(database, "chats", "running")
	setLiveHeartbeat(database, "chats", time.Unix(1700000000, 0))
	incrementLiveRestarts(database, "chats")
	incrementLiveRestarts(database, "chats")

	statuses, err := GetStatuses(context.Background(), database, cfg)
	if err != nil {
		t.Fatalf("statuses: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	chats := statuses[0]
	if chats.Source != "chats" || !chats.Enabled || !chats.Supported || chats.Status != "running" || chats.Restarts != 2 {
		t.Fatalf("unexpected chats status %+v", chats)
	}
	if chats.LastHeartbeat == nil || *chats.LastHeartbeat != 1700000000 {
		t.Fatalf("unexpected heartbeat %v", chats.LastHeartbeat)
	}
	if statuses[1].Supported {
		t.Fatalf("unknown type should not be supported")
	}
}
