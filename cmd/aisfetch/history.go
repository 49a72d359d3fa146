package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/quantecon/aisfetch/internal/config"
	"github.com/quantecon/aisfetch/internal/history"
	"github.com/quantecon/aisfetch/internal/progress"
)

// runHistory prints recorded downloads or runs.
func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "YAML configuration file")
	envFile := fs.String("env-file", ".env", "Environment file loaded before AISFETCH_* variables are read")
	path := fs.String("history", "", "SQLite history file (default from config)")
	year := fs.Int("year", 0, "Only show this year")
	runID := fs.String("run", "", "Only show this run, with its per-year results")
	status := fs.String("status", "", "Only show files with this status: stored, failed, skipped")
	limit := fs.Int("limit", history.DefaultLimit, "Maximum number of rows")
	runs := fs.Bool("runs", false, "List runs instead of files")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: aisfetch history [options]

Show the files recorded by previous fetch runs, newest first.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	dbPath, err := historyPath(*configPath, *envFile, *path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	if dbPath == "" {
		fmt.Fprintln(stderr, "Error: -history is required")
		fs.Usage()
		return ExitInvalidArgs
	}
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Fprintf(stderr, "Error: no history at %s: %v\n", dbPath, err)
		return ExitStorageError
	}

	db, err := history.Open(dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening history: %v\n", err)
		return ExitStorageError
	}
	defer db.Close()

	ctx := context.Background()

	if *runs {
		list, err := db.Runs(ctx, *limit)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitStorageError
		}
		renderRuns(list)
		return ExitSuccess
	}

	if *runID != "" {
		years, err := db.Years(ctx, *runID)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitStorageError
		}
		renderYears(years)
	}

	downloads, err := db.Downloads(ctx, history.Filter{
		Year:   *year,
		RunID:  *runID,
		Status: *status,
		Limit:  *limit,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	renderDownloads(downloads)
	return ExitSuccess
}

// historyPath resolves the database path: flag, then environment, then config file.
func historyPath(configPath, envFile, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}

	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.LoadFromFile(configPath)
		if err != nil {
			return "", err
		}
	}
	if err := config.LoadDotEnv(envFile); err != nil {
		return "", err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return "", err
	}
	return cfg.HistoryPath, nil
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(stdout)
	return t
}

func renderDownloads(downloads []history.Download) {
	if len(downloads) == 0 {
		fmt.Fprintln(stderr, "[aisfetch] No downloads recorded")
		return
	}

	t := newTable()
	t.AppendHeader(table.Row{"Fetched", "Year", "File", "Status", "Size", "Error"})
	for _, d := range downloads {
		t.AppendRow(table.Row{
			formatStamp(d.Fetched),
			d.Year,
			d.Name,
			d.Status,
			progress.FormatBytes(d.Bytes),
			truncate(d.Error, 60),
		})
	}
	t.Render()
}

func renderRuns(runs []history.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(stderr, "[aisfetch] No runs recorded")
		return
	}

	t := newTable()
	t.AppendHeader(table.Row{"Run", "Started", "Duration", "Years", "Failed", "Files", "Size"})
	for _, r := range runs {
		duration := "running"
		if !r.Finished.IsZero() {
			duration = progress.FormatDuration(r.Finished.Sub(r.Started))
		}
		t.AppendRow(table.Row{
			r.ID,
			formatStamp(r.Started),
			duration,
			joinYears(r.Years),
			joinYears(r.FailedYears),
			r.Stored,
			progress.FormatBytes(r.Bytes),
		})
	}
	t.Render()
}

func renderYears(years []history.Year) {
	if len(years) == 0 {
		fmt.Fprintln(stderr, "[aisfetch] No years recorded for this run")
		return
	}

	t := newTable()
	t.AppendHeader(table.Row{"Year", "Outcome", "Links", "Matched", "Duplicates", "Duration", "Error"})
	for _, y := range years {
		t.AppendRow(table.Row{
			y.Year,
			y.Outcome,
			y.Links,
			y.Matched,
			y.Duplicates,
			progress.FormatDuration(y.Finished.Sub(y.Started)),
			truncate(y.Error, 60),
		})
	}
	t.Render()
}

func formatStamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func joinYears(years []int) string {
	if len(years) == 0 {
		return "-"
	}
	parts := make([]string, len(years))
	for i, y := range years {
		parts[i] = strconv.Itoa(y)
	}
	return strings.Join(parts, ",")
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
