package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/Napageneral/commsledger/internal/bus"
	"github.com/Napageneral/commsledger/internal/checkpoint"
	"github.com/Napageneral/commsledger/internal/config"
	"github.com/Napageneral/commsledger/internal/identity"
	"github.com/Napageneral/commsledger/internal/live"
	"github.com/Napageneral/commsledger/internal/me"
	"github.com/Napageneral/commsledger/internal/sync"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show ingest jobs, checkpoints and live watchers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			cfg := loadConfig()
			database := openStore(ctx, cfg)
			defer database.Close()

			jobs, err := sync.ListJobs(ctx, database)
			if err != nil {
				fail(exitFailed, "%v", err)
			}
			cpDir, err := config.GetCheckpointDir()
			if err != nil {
				fail(exitFailed, "Failed to get checkpoint directory: %v", err)
			}
			cps, err := checkpoint.List(cpDir)
			if err != nil {
				fail(exitFailed, "Failed to read checkpoints: %v", err)
			}
			self, err := me.Get(ctx, database)
			if err != nil {
				fail(exitFailed, "%v", err)
			}
			liveStatuses, err := live.GetStatuses(ctx, database, cfg)
			if err != nil {
				fail(exitFailed, "%v", err)
			}

			if jsonOutput {
				printJSON(map[string]any{
					"ok":          true,
					"me":          self,
					"jobs":        jobs,
					"checkpoints": cps,
					"live":        liveStatuses,
				})
				return
			}

			if self != nil {
				fmt.Printf("Me: %s (identity %d, %d aliases)\n", displayName(*self), self.ID, len(self.Aliases))
			} else {
				fmt.Println("Me: not resolved yet")
			}

			fmt.Println("\nJobs:")
			if len(jobs) == 0 {
				fmt.Println("  none")
			}
			for _, j := range jobs {
				fmt.Printf("  %-20s %-12s %-10s %s\n", j.Source, j.Status, j.Phase, time.Unix(j.UpdatedAt, 0).Format(time.DateTime))
				if j.LastError != nil && *j.LastError != "" {
					fmt.Printf("    error: %s\n", *j.LastError)
				}
			}

			fmt.Println("\nCheckpoints:")
			if len(cps) == 0 {
				fmt.Println("  none")
			}
			names := make([]string, 0, len(cps))
			for name := range cps {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				cp := cps[name]
				fmt.Printf("  %-20s %d processed, %d ok, %d failed, %d skipped (saved %s)\n",
					name, cp.ProcessedItems, cp.SuccessfulItems, cp.FailedItems, cp.SkippedItems,
					cp.LastSaveTime.Local().Format(time.DateTime))
			}

			fmt.Println("\nLive:")
			for _, s := range liveStatuses {
				if !s.Enabled {
					continue
				}
				status := s.Status
				if status == "" {
					status = "never started"
				}
				if !s.Supported {
					status = "unsupported"
				}
				fmt.Printf("  %-20s %s (restarts: %d)\n", s.Source, status, s.Restarts)
				if s.LastError != "" {
					fmt.Printf("    error: %s\n", s.LastError)
				}
			}
		},
	}
}

func newIdentitiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identities",
		Short: "List resolved contacts and their aliases",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			limit, _ := cmd.Flags().GetInt("limit")

			cfg := loadConfig()
			database := openStore(ctx, cfg)
			defer database.Close()

			idents, err := identity.List(ctx, database, limit)
			if err != nil {
				fail(exitFailed, "%v", err)
			}
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "identities": idents})
				return
			}
			for _, ident := range idents {
				mark := ""
				if ident.IsMe {
					mark = " [me]"
				}
				fmt.Printf("%d %s%s\n", ident.ID, displayName(ident), mark)
				for _, a := range ident.Aliases {
					fmt.Printf("    %s\n", a.Key())
				}
			}
		},
	}
	cmd.Flags().Int("limit", 100, "Max identities to list")
	return cmd
}

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the event log",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			after, _ := cmd.Flags().GetInt64("after")
			limit, _ := cmd.Flags().GetInt("limit")

			cfg := loadConfig()
			database := openStore(ctx, cfg)
			defer database.Close()

			events, err := bus.List(ctx, database, after, limit)
			if err != nil {
				fail(exitFailed, "%v", err)
			}
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "events": events})
				return
			}
			for _, e := range events {
				source := ""
				if e.Source != nil {
					source = *e.Source
				}
				fmt.Printf("%6d %s %-18s %s\n", e.Seq, time.Unix(e.CreatedAt, 0).Format(time.DateTime), e.Type, source)
				if e.Payload != nil {
					fmt.Printf("       %s\n", *e.Payload)
				}
			}
		},
	}
	cmd.Flags().Int64("after", 0, "Only events with a sequence number above this")
	cmd.Flags().Int("limit", 100, "Max events to list")
	return cmd
}

func displayName(ident identity.Identity) string {
	for _, s := range []string{ident.DisplayName, ident.Email, ident.Phone, ident.PrimaryPlatformID} {
		if s != "" {
			return s
		}
	}
	return "(unnamed)"
}
