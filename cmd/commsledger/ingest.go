package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Napageneral/commsledger/internal/config"
	"github.com/Napageneral/commsledger/internal/ingest"
	"github.com/Napageneral/commsledger/internal/metrics"
	"github.com/Napageneral/commsledger/internal/sync"
)

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest records from configured sources or a file",
		Long: `Ingest all enabled sources, one configured source (--source), or a
single file (--file with --type). Runs resume from their checkpoint
unless --reset is given. Ctrl+C stops after committing the current
chunk; the next run picks up where this one left off.`,
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			sourceName, _ := cmd.Flags().GetString("source")
			file, _ := cmd.Flags().GetString("file")
			sourceType, _ := cmd.Flags().GetString("type")
			reset, _ := cmd.Flags().GetBool("reset")
			chunkSize, _ := cmd.Flags().GetInt("chunk-size")
			saveInterval, _ := cmd.Flags().GetInt("save-interval")
			failFast, _ := cmd.Flags().GetBool("fail-fast")
			concurrency, _ := cmd.Flags().GetInt("concurrency")

			cfg := loadConfig()
			database := openStore(ctx, cfg)
			defer database.Close()

			names, err := nameDirectory(cfg)
			if err != nil {
				fail(exitFailed, "Failed to load name directory: %v", err)
			}

			opts := sync.Options{
				Reset:        reset,
				ChunkSize:    chunkSize,
				SaveInterval: saveInterval,
				FailFast:     failFast,
				Concurrency:  concurrency,
				Names:        names,
				Logger:       logger,
			}
			if cfg.MetricsAddr != "" {
				m := metrics.New()
				opts.Observer = m
				serveMetrics(ctx, database, cfg, m, cfg.MetricsAddr)
			}

			var result sync.IngestResult
			var runErr error
			switch {
			case file != "":
				if sourceType == "" {
					fail(exitFailed, "--type is required with --file")
				}
				if sourceName == "" {
					sourceName = fileSourceName(file)
				}
				var sr sync.SourceResult
				sr, runErr = sync.IngestSource(ctx, database, cfg, sourceName, fileSource(sourceType, file), opts)
				result = sync.IngestResult{OK: sr.Success, Sources: []sync.SourceResult{sr}}
			case sourceName != "":
				result, runErr = sync.IngestOne(ctx, database, cfg, sourceName, opts)
			default:
				result, runErr = sync.IngestAll(ctx, database, cfg, opts)
			}

			hits, misses := names.Stats()
			logger.Debug("name directory", zap.Int("hits", hits), zap.Int("misses", misses))

			if jsonOutput {
				printJSON(result)
			} else {
				printIngestResult(result)
			}
			if runErr != nil {
				logger.Debug("ingest finished with error", zap.Error(runErr))
				database.Close()
				os.Exit(exitCode(runErr))
			}
		},
	}
	cmd.Flags().String("source", "", "Ingest a specific configured source (or name the --file source)")
	cmd.Flags().String("file", "", "Ingest a single file instead of configured sources")
	cmd.Flags().String("type", "", "Type of --file: jsonl, mbox or gcal")
	cmd.Flags().Bool("reset", false, "Discard the checkpoint and results file before running")
	cmd.Flags().Int("chunk-size", 0, "Items per committed chunk (default from config, 100)")
	cmd.Flags().Int("save-interval", 0, "Items between results file appends (default from config, 10)")
	cmd.Flags().Bool("fail-fast", false, "Abort on the first failing item instead of isolating it")
	cmd.Flags().Int("concurrency", 0, "Max sources ingested at once (0 = all)")
	return cmd
}

func fileSource(sourceType, path string) config.SourceConfig {
	key := "path"
	if sourceType == sync.TypeGCal {
		key = "file"
	}
	return config.SourceConfig{
		Type:    sourceType,
		Enabled: true,
		Options: map[string]any{key: path},
	}
}

// fileSourceName derives a stable source name from a file path, so re-running
// the same file resumes its checkpoint.
func fileSourceName(path string) string {
	base := filepath.Base(path)
	return "file-" + strings.TrimSuffix(base, filepath.Ext(base))
}

func printIngestResult(result sync.IngestResult) {
	if len(result.Sources) == 0 {
		if result.Message != "" {
			fmt.Println(result.Message)
		}
		return
	}
	fmt.Println("Ingest results:")
	for _, sr := range result.Sources {
		mark := "✓"
		if !sr.Success {
			mark = "✗"
		}
		fmt.Printf("\n%s %s (%s)\n", mark, sr.Source, sr.Type)
		if sum := sr.Summary; sum != nil {
			fmt.Printf("  Status: %s\n", sum.Status)
			fmt.Printf("  Seen: %d (already processed: %d)\n", sum.Seen, sum.Resumed)
			fmt.Printf("  Inserted: %d\n", sum.Inserted)
			fmt.Printf("  Duplicates: %d\n", sum.Duplicates)
			if sum.Suppressed > 0 {
				fmt.Printf("  Suppressed (group ceiling): %d\n", sum.Suppressed)
			}
			fmt.Printf("  Failed: %d\n", sum.Failed)
			fmt.Printf("  Skipped: %d\n", sum.Skipped)
			for reason, n := range sum.SkipReasons {
				fmt.Printf("    %s: %d\n", reason, n)
			}
			fmt.Printf("  Chunks: %d\n", sum.Chunks)
		}
		fmt.Printf("  Duration: %s\n", sr.Duration)
		if sr.Error != "" {
			fmt.Printf("  Error: %s\n", sr.Error)
		}
		if sr.Status == ingest.StatusInterrupted {
			fmt.Println("  Checkpoint saved; run again to resume.")
		}
	}
}
