package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Napageneral/commsledger/internal/collab"
	"github.com/Napageneral/commsledger/internal/config"
	"github.com/Napageneral/commsledger/internal/db"
	"github.com/Napageneral/commsledger/internal/directory"
	"github.com/Napageneral/commsledger/internal/ingest"
	"github.com/Napageneral/commsledger/internal/logging"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
	verbose    bool
	logger     = zap.NewNop()
)

// Exit codes.
const (
	exitOK          = 0
	exitFailed      = 1
	exitInterrupted = 130
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "commsledger",
		Short: "Personal communications ledger",
		Long: `commsledger ingests messages, mail and calendar events from many
sources into one local store, resolving the people behind every
phone number, address and handle into a single contact.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.Must(logging.Options{Verbose: verbose, JSON: jsonOutput})
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	// version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("commsledger %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newIngestCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newIdentitiesCmd())
	rootCmd.AddCommand(newEventsCmd())
	rootCmd.AddCommand(newExportCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newPublishCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	_ = logger.Sync()
	if err != nil {
		fail(exitCode(err), "%v", err)
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize commsledger config and database",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK        bool   `json:"ok"`
				Message   string `json:"message,omitempty"`
				ConfigDir string `json:"config_dir,omitempty"`
				DataDir   string `json:"data_dir,omitempty"`
				DBPath    string `json:"db_path,omitempty"`
			}

			configDir, err := config.GetConfigDir()
			if err != nil {
				fail(exitFailed, "Failed to get config directory: %v", err)
			}
			dataDir, err := config.GetDataDir()
			if err != nil {
				fail(exitFailed, "Failed to get data directory: %v", err)
			}
			if err := os.MkdirAll(configDir, 0755); err != nil {
				fail(exitFailed, "Failed to create config directory: %v", err)
			}
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				fail(exitFailed, "Failed to create data directory: %v", err)
			}

			cfg := loadConfig()
			if err := db.Init(cfg.Database.Driver); err != nil {
				fail(exitFailed, "Failed to initialize database: %v", err)
			}
			dbPath, err := db.GetPath()
			if err != nil {
				fail(exitFailed, "Failed to get database path: %v", err)
			}

			result := Result{
				OK:        true,
				Message:   "commsledger initialized successfully",
				ConfigDir: configDir,
				DataDir:   dataDir,
				DBPath:    dbPath,
			}
			if jsonOutput {
				printJSON(result)
				return
			}
			fmt.Printf("✓ Config directory: %s\n", result.ConfigDir)
			fmt.Printf("✓ Data directory: %s\n", result.DataDir)
			fmt.Printf("✓ Database: %s\n", result.DBPath)
			fmt.Println("\ncommsledger initialized successfully!")
		},
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// fail reports msg the way the output mode expects and exits.
func fail(code int, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if jsonOutput {
		printJSON(map[string]any{"ok": false, "message": msg})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(code)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, ingest.ErrInterrupted), errors.Is(err, context.Canceled):
		return exitInterrupted
	default:
		return exitFailed
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fail(exitFailed, "Failed to load config: %v", err)
	}
	return cfg
}

// openStore opens the database and insists the schema is present.
func openStore(ctx context.Context, cfg *config.Config) *sql.DB {
	database, err := db.Open(cfg.Database.Driver)
	if err != nil {
		fail(exitFailed, "Failed to open database: %v", err)
	}
	if err := db.CheckSchema(ctx, database); err != nil {
		database.Close()
		fail(exitFailed, "%v", err)
	}
	return database
}

// nameDirectory builds the per-run display-name cache from the contacts CSV
// and the lookup command, asked in that order.
func nameDirectory(cfg *config.Config) (*directory.Cache, error) {
	var chain directory.Chain
	if cfg.ContactsCSV != "" {
		csv, err := directory.LoadCSVFile(cfg.ContactsCSV)
		if err != nil {
			return nil, err
		}
		logger.Debug("contacts directory loaded", zap.Int("entries", csv.Len()))
		chain = append(chain, csv)
	}
	if nc := cfg.NameCommand; nc != nil && nc.Path != "" {
		chain = append(chain, &directory.Command{
			Path:    nc.Path,
			Args:    nc.Args,
			Kinds:   nc.Kinds,
			Retrier: collab.New(cfg.Retry),
		})
	}
	if len(chain) == 0 {
		return directory.NewCache(nil, logger), nil
	}
	return directory.NewCache(chain, logger), nil
}
