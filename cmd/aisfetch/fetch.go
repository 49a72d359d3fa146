package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/quantecon/aisfetch/internal/config"
	"github.com/quantecon/aisfetch/internal/fetcher"
	"github.com/quantecon/aisfetch/internal/history"
	aishttp "github.com/quantecon/aisfetch/internal/http"
	"github.com/quantecon/aisfetch/internal/index"
	"github.com/quantecon/aisfetch/internal/logger"
	"github.com/quantecon/aisfetch/internal/progress"
	"github.com/quantecon/aisfetch/internal/store"
)

// fetchFlags are shared by fetch and watch. Values only override the
// configuration when the flag was given on the command line.
type fetchFlags struct {
	fs *flag.FlagSet

	configPath      *string
	envFile         *string
	years           *string
	from            *int
	to              *int
	baseURL         *string
	pattern         *string
	join            *string
	dataRoot        *string
	workers         *int
	timeout         *time.Duration
	maxFailures     *int
	retryAttempts   *int
	retryBackoff    *time.Duration
	retryMaxBackoff *time.Duration
	historyPath     *string
	progress        *bool
	logLevel        *string
	logFormat       *string
	logPath         *string
}

func registerFetchFlags(fs *flag.FlagSet) *fetchFlags {
	def := config.Default()

	return &fetchFlags{
		fs:              fs,
		configPath:      fs.String("config", "", "YAML configuration file"),
		envFile:         fs.String("env-file", ".env", "Environment file loaded before AISFETCH_* variables are read"),
		years:           fs.String("years", "", "Years to fetch, e.g. 2025,2023 or 2025:2020"),
		from:            fs.Int("from", def.Years[0], "First year of the range"),
		to:              fs.Int("to", def.Years[len(def.Years)-1], "Last year of the range"),
		baseURL:         fs.String("base-url", def.BaseURL, "Year base URL, {year} is substituted"),
		pattern:         fs.String("pattern", def.Pattern, "Pattern for anchor texts, case-insensitive"),
		join:            fs.String("join", def.LinkJoin, "How hrefs are joined to the base URL: concat or resolve"),
		dataRoot:        fs.String("data-root", def.DataRoot, "Local directory or bucket URL (mem://, s3://, gs://)"),
		workers:         fs.Int("workers", def.Workers, "Parallel downloads per year"),
		timeout:         fs.Duration("timeout", def.Timeout, "Timeout per request"),
		maxFailures:     fs.Int("max-failures", def.MaxConsecutiveFailures, "Consecutive failures before the rest of a year is skipped (0 disables)"),
		retryAttempts:   fs.Int("retry-attempts", def.Retry.Attempts, "Max retry attempts per request"),
		retryBackoff:    fs.Duration("retry-backoff", def.Retry.Backoff, "Initial retry backoff"),
		retryMaxBackoff: fs.Duration("retry-max-backoff", def.Retry.MaxBackoff, "Max retry backoff"),
		historyPath:     fs.String("history", "", "SQLite file recording runs and downloads"),
		progress:        fs.Bool("progress", false, "Show progress output"),
		logLevel:        fs.String("log-level", def.Log.Level, "Log level: trace, debug, info, warn, error"),
		logFormat:       fs.String("log-format", def.Log.Format, "Log format: console or json"),
		logPath:         fs.String("log-path", "", "Directory for rotated log files"),
	}
}

// load layers defaults, the config file, the environment and the flags.
func (f *fetchFlags) load() (config.Config, error) {
	cfg := config.Default()
	if *f.configPath != "" {
		var err error
		cfg, err = config.LoadFromFile(*f.configPath)
		if err != nil {
			return config.Config{}, err
		}
	}

	if err := config.LoadDotEnv(*f.envFile); err != nil {
		return config.Config{}, err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}

	var yearsSet, fromSet, toSet bool
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "years":
			yearsSet = true
		case "from":
			fromSet = true
		case "to":
			toSet = true
		case "base-url":
			cfg.BaseURL = *f.baseURL
		case "pattern":
			cfg.Pattern = *f.pattern
		case "join":
			cfg.LinkJoin = *f.join
		case "data-root":
			cfg.DataRoot = *f.dataRoot
		case "workers":
			cfg.Workers = *f.workers
		case "timeout":
			cfg.Timeout = *f.timeout
		case "max-failures":
			cfg.MaxConsecutiveFailures = *f.maxFailures
		case "retry-attempts":
			cfg.Retry.Attempts = *f.retryAttempts
		case "retry-backoff":
			cfg.Retry.Backoff = *f.retryBackoff
		case "retry-max-backoff":
			cfg.Retry.MaxBackoff = *f.retryMaxBackoff
		case "history":
			cfg.HistoryPath = *f.historyPath
		case "progress":
			cfg.Progress = *f.progress
		case "log-level":
			cfg.Log.Level = *f.logLevel
		case "log-format":
			cfg.Log.Format = *f.logFormat
		case "log-path":
			cfg.Log.Path = *f.logPath
		}
	})

	switch {
	case yearsSet && (fromSet || toSet):
		return config.Config{}, errors.New("-years cannot be combined with -from/-to")
	case yearsSet:
		years, err := config.ParseYears(*f.years)
		if err != nil {
			return config.Config{}, err
		}
		cfg.Years = years
	case fromSet || toSet:
		from, to := cfg.Years[0], cfg.Years[len(cfg.Years)-1]
		if fromSet {
			from = *f.from
		}
		if toSet {
			to = *f.to
		}
		cfg.Years = config.YearRange(from, to)
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// app holds everything a fetch run needs.
type app struct {
	cfg     config.Config
	log     *logger.Logger
	store   *store.Store
	history *history.DB
	fetcher *fetcher.Fetcher
}

// newApp opens the store and history and builds the fetcher. On failure it
// returns the exit code to use.
func newApp(ctx context.Context, cfg config.Config) (*app, int) {
	log := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Path:   cfg.Log.Path,
		Output: stderr,
	})

	a := &app{cfg: cfg, log: log}

	st, err := store.Open(ctx, cfg.DataRoot)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening data root: %v\n", err)
		a.Close()
		return nil, ExitStorageError
	}
	a.store = st

	if cfg.HistoryPath != "" {
		db, err := history.Open(cfg.HistoryPath)
		if err != nil {
			fmt.Fprintf(stderr, "Error opening history: %v\n", err)
			a.Close()
			return nil, ExitStorageError
		}
		a.history = db
	}

	join, err := index.ParseJoinMode(cfg.LinkJoin)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		a.Close()
		return nil, ExitInvalidArgs
	}

	opts := fetcher.Options{
		BaseURL:                cfg.BaseURL,
		IndexFile:              cfg.IndexFile,
		Pattern:                cfg.Pattern,
		Join:                   join,
		Workers:                cfg.Workers,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		HTTPOptions: aishttp.Options{
			MaxIdleConnsPerHost: cfg.Workers * 2,
			Timeout:             cfg.Timeout,
			RetryAttempts:       cfg.Retry.Attempts,
			RetryBackoff:        cfg.Retry.Backoff,
			RetryMaxBackoff:     cfg.Retry.MaxBackoff,
			UserAgent:           cfg.UserAgent,
		},
		Progress:       cfg.Progress,
		ProgressOutput: stderr,
		Status:         stdout,
		Logger:         &log.Logger,
	}
	if a.history != nil {
		opts.Recorder = a.history
	}

	f, err := fetcher.New(st, opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		a.Close()
		return nil, ExitInvalidArgs
	}
	a.fetcher = f

	return a, ExitSuccess
}

// Close releases the store, the history and the log file.
func (a *app) Close() {
	if a.history != nil {
		a.history.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	a.log.Close()
}

// runFetch mirrors the configured years once.
func runFetch(args []string) int {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	flags := registerFetchFlags(fs)

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: aisfetch fetch [options]

Download the AIS daily files listed on each year's index page into
<data-root>/<year>/. Years are processed in the given order; a failing year
is reported and the next one is tried.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "Error: unexpected arguments: %s\n", strings.Join(fs.Args(), " "))
		return ExitInvalidArgs
	}

	cfg, err := flags.load()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, code := newApp(ctx, cfg)
	if a == nil {
		return code
	}
	defer a.Close()

	summary, err := a.fetcher.Run(ctx, cfg.Years)
	printSummary(summary)

	if err != nil {
		fmt.Fprintln(stderr, "[aisfetch] Fetch interrupted")
		return ExitGeneralError
	}
	if len(summary.FailedYears()) > 0 {
		return ExitYearFailed
	}
	return ExitSuccess
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(stderr, "\n[aisfetch] Received interrupt, shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// printSummary writes the end-of-run summary to stderr.
func printSummary(s *fetcher.Summary) {
	fmt.Fprintf(stderr, "[aisfetch] %d files stored (%s) across %d years in %s\n",
		s.Stored(),
		progress.FormatBytes(s.Bytes()),
		len(s.Reports),
		progress.FormatDuration(s.Finished.Sub(s.Started)),
	)
	if failed := s.FailedYears(); len(failed) > 0 {
		parts := make([]string, len(failed))
		for i, y := range failed {
			parts[i] = strconv.Itoa(y)
		}
		fmt.Fprintf(stderr, "[aisfetch] Failed years: %s\n", strings.Join(parts, ", "))
	}
	if s.RunID != "" {
		fmt.Fprintf(stderr, "[aisfetch] Recorded as run %s\n", s.RunID)
	}
}
