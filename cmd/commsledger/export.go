package main

import (
	"bufio"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Napageneral/commsledger/internal/config"
	"github.com/Napageneral/commsledger/internal/ledger"
	"github.com/Napageneral/commsledger/internal/record"
	"github.com/Napageneral/commsledger/internal/sync"
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a source's results file as a unified timeline",
		Long: `Load the results file written during ingestion and print it as JSON
or as a text timeline grouped by day. --with narrows the timeline to one
contact, given as an alias key such as email:ann@example.com or
phone:+15551234567.`,
		Run: func(cmd *cobra.Command, args []string) {
			path, _ := cmd.Flags().GetString("results")
			source, _ := cmd.Flags().GetString("source")
			format, _ := cmd.Flags().GetString("format")
			startDate, _ := cmd.Flags().GetString("start-date")
			with, _ := cmd.Flags().GetString("with")

			if path == "" {
				if source == "" {
					fail(exitFailed, "--results or --source is required")
				}
				dir, err := config.GetResultsDir()
				if err != nil {
					fail(exitFailed, "Failed to get results directory: %v", err)
				}
				path = sync.ResultsPath(dir, source)
			}
			if format == "" && jsonOutput {
				format = "json"
			}

			var start time.Time
			if startDate != "" {
				t, err := record.ParseTime(startDate)
				if err != nil {
					fail(exitFailed, "Invalid --start-date: %v", err)
				}
				start = t
			}

			l, err := ledger.LoadResults(path, start)
			if err != nil {
				fail(exitFailed, "%v", err)
			}

			if with != "" {
				recs, err := l.ConversationsWith(with)
				if err != nil {
					fail(exitFailed, "%v", err)
				}
				l = ledger.New(time.Time{})
				for _, rec := range recs {
					l.Add(rec)
				}
			}

			w := bufio.NewWriter(os.Stdout)
			switch format {
			case "json":
				err = l.ExportJSON(w)
			case "", "text":
				err = l.ExportText(w)
			default:
				fail(exitFailed, "Unknown format %q (want json or text)", format)
			}
			if err == nil {
				err = w.Flush()
			}
			if err != nil {
				fail(exitFailed, "%v", err)
			}
		},
	}
	cmd.Flags().String("results", "", "Results file to export")
	cmd.Flags().String("source", "", "Export the results file of this source")
	cmd.Flags().String("format", "", "Output format: text or json (default text, json with --json)")
	cmd.Flags().String("start-date", "", "Drop records before this date")
	cmd.Flags().String("with", "", "Only conversations with this contact alias key")
	return cmd
}
