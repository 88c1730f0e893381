package live

import (
	"context"
	"time"

	"github.com/Napageneral/commsledger/internal/config"
)

// NewPollWatcher re-runs a pull source every poll interval. The checkpoint
// carries over between runs, so only records not seen before are projected.
func (m *Manager) NewPollWatcher(name string, sc config.SourceConfig, opts map[string]any) WatcherSpec {
	interval := m.PollInterval
	if s := config.IntOption(opts, "poll_seconds", 0); s > 0 {
		interval = time.Duration(s) * time.Second
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	runSC := config.SourceConfig{Type: sc.Type, Enabled: true, Options: opts}

	return WatcherSpec{
		Name:    name,
		Sources: []string{name},
		Run: func(ctx context.Context, beat func()) error {
			m.logf("Polling %s every %s", name, interval)

			stopHeartbeat := startHeartbeat(ctx, m.HeartbeatInterval, beat)
			defer stopHeartbeat()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				beat()
				res, err := m.ingest(ctx, name, runSC)
				if ctx.Err() != nil {
					return nil
				}
				if err != nil {
					// The manager restarts the watcher with backoff.
					return err
				}
				setLiveLastRun(m.DB, name, time.Now())
				if sum := res.Summary; sum != nil && sum.Inserted > 0 {
					m.logf("[%s] %s: %d new records", time.Now().Format("15:04:05"), name, sum.Inserted)
				}

				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
}
