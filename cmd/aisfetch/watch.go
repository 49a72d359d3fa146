package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// runWatch runs fetch on a cron schedule until interrupted.
func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	flags := registerFetchFlags(fs)
	schedule := fs.String("schedule", "", "Cron expression, e.g. \"0 3 * * *\" for 03:00 daily")
	runOnStart := fs.Bool("run-on-start", false, "Also fetch once right away")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: aisfetch watch -schedule <cron> [options]

Run fetch on a cron schedule until SIGINT or SIGTERM. Accepts every fetch
option. A run still in progress when the next one is due delays it.

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
	if *schedule != "" {
		cfg.Schedule = *schedule
	}
	if cfg.Schedule == "" {
		fmt.Fprintln(stderr, "Error: -schedule is required")
		fs.Usage()
		return ExitInvalidArgs
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, code := newApp(ctx, cfg)
	if a == nil {
		return code
	}
	defer a.Close()

	log := a.log.WithComponent("watch")

	s, err := gocron.NewScheduler()
	if err != nil {
		fmt.Fprintf(stderr, "Error creating scheduler: %v\n", err)
		return ExitGeneralError
	}

	task := func(ctx context.Context) {
		start := time.Now()
		log.Info().Ints("years", cfg.Years).Msg("Starting scheduled fetch")

		summary, err := a.fetcher.Run(ctx, cfg.Years)
		if err != nil {
			log.Warn().Err(err).Msg("Scheduled fetch interrupted")
			return
		}

		event := log.Info()
		if failed := summary.FailedYears(); len(failed) > 0 {
			event = log.Warn().Ints("failedYears", failed)
		}
		event.
			Int("stored", summary.Stored()).
			Int64("bytes", summary.Bytes()).
			Dur("duration", time.Since(start)).
			Str("runId", summary.RunID).
			Msg("Scheduled fetch complete")
	}

	jobOpts := []gocron.JobOption{
		gocron.WithName("fetch"),
		gocron.WithContext(ctx),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
	if *runOnStart {
		jobOpts = append(jobOpts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}

	job, err := s.NewJob(
		gocron.CronJob(cfg.Schedule, false),
		gocron.NewTask(task),
		jobOpts...,
	)
	if err != nil {
		fmt.Fprintf(stderr, "Error: invalid schedule %q: %v\n", cfg.Schedule, err)
		s.Shutdown()
		return ExitInvalidArgs
	}

	s.Start()

	next, _ := job.NextRun()
	log.Info().
		Str("cron", cfg.Schedule).
		Time("nextRun", next).
		Bool("runOnStart", *runOnStart).
		Msg("Watching")
	fmt.Fprintf(stderr, "[aisfetch] Watching with schedule %q, next run at %s\n", cfg.Schedule, next.Format(time.RFC3339))

	<-ctx.Done()

	if err := s.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("Scheduler shutdown failed")
	}
	fmt.Fprintln(stderr, "[aisfetch] Watch stopped")
	return ExitSuccess
}
