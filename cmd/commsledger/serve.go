package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Napageneral/commsledger/internal/config"
	"github.com/Napageneral/commsledger/internal/live"
	"github.com/Napageneral/commsledger/internal/metrics"
	"github.com/Napageneral/commsledger/internal/publish"
	"github.com/Napageneral/commsledger/internal/sync"
)

const defaultServeAddr = "127.0.0.1:9464"

func statusServer(database *sql.DB, cfg *config.Config, m *metrics.Metrics) *metrics.Server {
	cpDir, err := config.GetCheckpointDir()
	if err != nil {
		fail(exitFailed, "Failed to get checkpoint directory: %v", err)
	}
	return &metrics.Server{
		DB:            database,
		Config:        cfg,
		Metrics:       m,
		CheckpointDir: cpDir,
		Logger:        logger,
	}
}

// serveMetrics runs the status server alongside a long command until ctx is
// done. Listen failures are logged, not fatal.
func serveMetrics(ctx context.Context, database *sql.DB, cfg *config.Config, m *metrics.Metrics, addr string) {
	srv := statusServer(database, cfg, m)
	go func() {
		if err := srv.ListenAndServe(ctx, addr); err != nil {
			logger.Warn("status server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve metrics and ingest status over HTTP",
		Long:  "Serve /metrics, /healthz, /jobs, /checkpoints, /live and /events until interrupted.",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			addr, _ := cmd.Flags().GetString("addr")

			cfg := loadConfig()
			if addr == "" {
				addr = cfg.MetricsAddr
			}
			if addr == "" {
				addr = defaultServeAddr
			}
			database := openStore(ctx, cfg)
			defer database.Close()

			if !jsonOutput {
				fmt.Printf("Serving on http://%s (Ctrl+C to stop)\n", addr)
			}
			if err := statusServer(database, cfg, metrics.New()).ListenAndServe(ctx, addr); err != nil {
				fail(exitFailed, "Server failed: %v", err)
			}
		},
	}
	cmd.Flags().String("addr", "", "Listen address (default metrics_addr or "+defaultServeAddr+")")
	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep live-enabled sources ingesting",
		Long: `Watch inbox directories of live-enabled jsonl and mbox sources for new
files, and poll live-enabled calendar sources. Watchers that stop are
restarted with backoff. Runs until interrupted.`,
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			cfg := loadConfig()
			database := openStore(ctx, cfg)
			defer database.Close()

			names, err := nameDirectory(cfg)
			if err != nil {
				fail(exitFailed, "Failed to load name directory: %v", err)
			}

			mgr := live.NewManager(database, cfg)
			mgr.Logf = logger.Sugar().Infof
			mgr.SyncOptions = sync.Options{Names: names, Logger: logger}
			if cfg.MetricsAddr != "" {
				m := metrics.New()
				mgr.SyncOptions.Observer = m
				serveMetrics(ctx, database, cfg, m, cfg.MetricsAddr)
			}

			if err := mgr.Run(ctx); err != nil {
				fail(exitFailed, "%v", err)
			}
			if jsonOutput {
				statuses, err := live.GetStatuses(context.WithoutCancel(ctx), database, cfg)
				if err != nil {
					fail(exitFailed, "Failed to read live status: %v", err)
				}
				printJSON(map[string]any{"ok": true, "sources": statuses})
			}
		},
	}
}

func newPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Mirror the local store to Postgres",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			url, _ := cmd.Flags().GetString("postgres-url")

			cfg := loadConfig()
			if url == "" {
				url = cfg.PostgresURL
			}
			if url == "" {
				fail(exitFailed, "No Postgres URL: set postgres_url, COMMSLEDGER_POSTGRES_URL or --postgres-url")
			}
			database := openStore(ctx, cfg)
			defer database.Close()

			pub, err := publish.Connect(ctx, url, logger)
			if err != nil {
				fail(exitFailed, "%v", err)
			}
			defer pub.Close()

			stats, err := pub.Publish(ctx, database)
			if err != nil {
				fail(exitCode(err), "Publish failed: %v", err)
			}
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "stats": stats})
				return
			}
			fmt.Println("Published:")
			for table, n := range stats.Tables {
				fmt.Printf("  %s: %d rows\n", table, n)
			}
			fmt.Printf("  Duration: %s\n", stats.Duration)
		},
	}
	cmd.Flags().String("postgres-url", "", "Postgres connection URL (default from config)")
	return cmd
}
