package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	aishttp "github.com/quantecon/aisfetch/internal/http"
	"github.com/quantecon/aisfetch/internal/index"
	"github.com/quantecon/aisfetch/internal/progress"
	"github.com/quantecon/aisfetch/internal/store"
)

// Options configures the fetcher.
type Options struct {
	// BaseURL is the year base URL template; {year} is substituted.
	BaseURL string

	// IndexFile is appended to the year base URL to locate the listing.
	// Default: index.html
	IndexFile string

	// Pattern selects the anchors to download by their visible text.
	// It is applied case-insensitively. Default: index.DefaultPattern
	Pattern string

	// Join selects how hrefs are combined with the year base URL.
	Join index.JoinMode

	// Workers is the number of parallel downloads per year.
	// Default: 1, which keeps document order.
	Workers int

	// MaxConsecutiveFailures is the number of consecutive file failures
	// after which the rest of the year is skipped. 0 disables the breaker.
	MaxConsecutiveFailures int

	// HTTPOptions configures the HTTP client. The zero value selects
	// aishttp.DefaultOptions; otherwise the fields are used as given.
	HTTPOptions aishttp.Options

	// Progress enables the per-year progress reporter on ProgressOutput.
	Progress       bool
	ProgressOutput io.Writer

	// Status receives one line per processed year. Nil discards them.
	Status io.Writer

	// Logger receives structured logs. Nil discards them.
	Logger *zerolog.Logger

	// Recorder, when set, is told about every run and year.
	Recorder Recorder
}

// Recorder persists the results of runs.
type Recorder interface {
	StartRun(ctx context.Context, years []int) (string, error)
	RecordYear(ctx context.Context, runID string, report *YearReport) error
	FinishRun(ctx context.Context, runID string, summary *Summary) error
}

// Fetcher mirrors AIS files of one or more years into a store.
type Fetcher struct {
	opts    Options
	client  *aishttp.Client
	store   *store.Store
	matcher *index.Matcher
	log     zerolog.Logger
}

// New creates a Fetcher writing into st.
func New(st *store.Store, opts Options) (*Fetcher, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("fetcher: base URL is required")
	}
	if opts.IndexFile == "" {
		opts.IndexFile = "index.html"
	}
	if opts.Pattern == "" {
		opts.Pattern = index.DefaultPattern
	}
	if opts.Join == "" {
		opts.Join = index.JoinConcat
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxConsecutiveFailures < 0 {
		opts.MaxConsecutiveFailures = 0
	}
	if opts.HTTPOptions == (aishttp.Options{}) {
		opts.HTTPOptions = aishttp.DefaultOptions()
	}
	if opts.HTTPOptions.MaxIdleConnsPerHost < opts.Workers {
		opts.HTTPOptions.MaxIdleConnsPerHost = opts.Workers
	}
	if opts.Status == nil {
		opts.Status = io.Discard
	}

	matcher, err := index.NewMatcher(opts.Pattern)
	if err != nil {
		return nil, err
	}

	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "fetcher").Logger()
	}

	return &Fetcher{
		opts:    opts,
		client:  aishttp.NewClient(opts.HTTPOptions),
		store:   st,
		matcher: matcher,
		log:     log,
	}, nil
}

// Run mirrors each year in order. A year listed twice is fetched once, at
// its first position. A failing year is reported and the run moves on; only
// cancellation of ctx stops it early, in which case the summary so far is
// returned together with ctx's error.
func (f *Fetcher) Run(ctx context.Context, years []int) (*Summary, error) {
	summary := &Summary{Started: time.Now()}
	years = uniqueYears(years)

	if f.opts.Recorder != nil {
		runID, err := f.opts.Recorder.StartRun(ctx, years)
		if err != nil {
			f.log.Warn().Err(err).Msg("History unavailable, continuing without it")
		} else {
			summary.RunID = runID
		}
	}

	for _, year := range years {
		if ctx.Err() != nil {
			break
		}

		f.log.Info().Int("year", year).Msg("Working on year")

		var report *YearReport
		if err := f.store.PrepareYear(year); err != nil {
			now := time.Now()
			report = &YearReport{Year: year, Err: err, Started: now, Finished: now}
		} else {
			report, _ = f.FetchYear(ctx, year)
		}

		summary.Reports = append(summary.Reports, report)
		f.logReport(report)
		f.printStatus(report)

		if summary.RunID != "" {
			if err := f.opts.Recorder.RecordYear(context.WithoutCancel(ctx), summary.RunID, report); err != nil {
				f.log.Warn().Err(err).Int("year", year).Msg("Failed to record year")
			}
		}
	}

	summary.Finished = time.Now()

	if summary.RunID != "" {
		if err := f.opts.Recorder.FinishRun(context.WithoutCancel(ctx), summary.RunID, summary); err != nil {
			f.log.Warn().Err(err).Msg("Failed to record run")
		}
	}

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// FetchYear mirrors every matching file listed on the year's index page.
//
// The returned report is never nil. The error is non-nil when the index
// could not be fetched, the circuit breaker tripped or ctx was cancelled;
// individual file failures are only recorded in the report.
func (f *Fetcher) FetchYear(ctx context.Context, year int) (*YearReport, error) {
	base := index.YearBaseURL(f.opts.BaseURL, year)
	report := &YearReport{
		Year:     year,
		IndexURL: base + f.opts.IndexFile,
		Started:  time.Now(),
	}
	defer func() { report.Finished = time.Now() }()

	log := f.log.With().Int("year", year).Logger()

	links, err := f.fetchIndex(ctx, report.IndexURL)
	if err != nil {
		report.Err = fmt.Errorf("%w: %s: %w", ErrIndexUnavailable, report.IndexURL, err)
		return report, report.Err
	}
	report.Links = len(links)

	pending := f.plan(year, base, links, report, log)

	var reporter *progress.Reporter
	if f.opts.Progress && len(pending) > 0 {
		reporter = progress.NewReporter(progress.Options{
			Year:       year,
			TotalFiles: len(pending),
			Workers:    f.opts.Workers,
			Output:     f.opts.ProgressOutput,
			IndexURL:   report.IndexURL,
		})
		reporter.Start()
		defer reporter.Stop()
	}

	// Circuit breaker state
	var (
		cbMu                sync.Mutex
		consecutiveFailures int
		failedNames         []string
		lastErr             error
		tripped             bool
	)

	cbCtx, cbCancel := context.WithCancel(ctx)
	defer cbCancel()

	jobs := make(chan int)
	var wg sync.WaitGroup

	for i := 0; i < f.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				if cbCtx.Err() != nil {
					continue // leave it pending, marked skipped below
				}

				res := &report.Files[idx]
				f.download(cbCtx, res, reporter, log)

				if res.Status == StatusFailed && cbCtx.Err() != nil && errors.Is(res.Err, context.Canceled) {
					res.Status = StatusPending
					res.Err = nil
					continue
				}

				cbMu.Lock()
				if res.Status == StatusFailed {
					consecutiveFailures++
					failedNames = append(failedNames, res.Name)
					lastErr = res.Err
					if f.opts.MaxConsecutiveFailures > 0 && consecutiveFailures >= f.opts.MaxConsecutiveFailures && !tripped {
						tripped = true
						cbCancel() // Stop all workers
					}
				} else {
					consecutiveFailures = 0
				}
				cbMu.Unlock()
			}
		}()
	}

	// Feed files to workers in document order
	go func() {
		defer close(jobs)
		for _, idx := range pending {
			select {
			case jobs <- idx:
			case <-cbCtx.Done():
				return
			}
		}
	}()

	wg.Wait()

	cbMu.Lock()
	defer cbMu.Unlock()

	switch {
	case tripped:
		report.Err = &CircuitBreakerError{
			Year:                year,
			ConsecutiveFailures: consecutiveFailures,
			FailedFiles:         failedNames,
			LastErr:             lastErr,
		}
	case ctx.Err() != nil:
		report.Err = ctx.Err()
	}

	for i := range report.Files {
		if report.Files[i].Status == StatusPending {
			report.Files[i].Status = StatusSkipped
			report.Files[i].Err = ErrSkipped
			if report.Err != nil {
				report.Files[i].Err = fmt.Errorf("%w: %w", ErrSkipped, report.Err)
			}
		}
	}

	return report, report.Err
}

func uniqueYears(years []int) []int {
	seen := make(map[int]bool, len(years))
	out := make([]int, 0, len(years))
	for _, y := range years {
		if !seen[y] {
			seen[y] = true
			out = append(out, y)
		}
	}
	return out
}

// fetchIndex downloads and parses an index page.
func (f *Fetcher) fetchIndex(ctx context.Context, url string) ([]index.Link, error) {
	resp, err := f.client.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return index.Parse(resp.Body)
}

// plan turns the matching links into report.Files and returns the indices of
// the files to download. Duplicate names keep their first occurrence.
func (f *Fetcher) plan(year int, base string, links []index.Link, report *YearReport, log zerolog.Logger) []int {
	seen := make(map[string]bool)
	var pending []int

	matches := f.matcher.Filter(links)
	report.Matched = len(matches)

	for _, link := range matches {
		if seen[link.Text] {
			report.Duplicates++
			log.Debug().Str("file", link.Text).Msg("Skipping duplicate link")
			continue
		}
		seen[link.Text] = true

		res := FileResult{Name: link.Text}

		key, err := store.Key(year, link.Text)
		if err != nil {
			res.Status, res.Err = StatusFailed, err
			report.Files = append(report.Files, res)
			log.Warn().Err(err).Str("file", link.Text).Msg("Unusable file name")
			continue
		}
		res.Key = key
		res.Location = f.store.Location(key)

		if link.Href == "" {
			res.Status, res.Err = StatusFailed, ErrMissingHref
			report.Files = append(report.Files, res)
			log.Warn().Str("file", link.Text).Msg("Link without href")
			continue
		}

		u, err := index.DownloadURL(base, link.Href, f.opts.Join)
		if err != nil {
			res.Status, res.Err = StatusFailed, err
			report.Files = append(report.Files, res)
			log.Warn().Err(err).Str("file", link.Text).Msg("Unusable link")
			continue
		}
		res.URL = u

		log.Debug().Str("file", res.Name).Str("url", res.URL).Msg("Found match")
		report.Files = append(report.Files, res)
		pending = append(pending, len(report.Files)-1)
	}

	return pending
}

// download fetches one file into the store and records the result in res.
func (f *Fetcher) download(ctx context.Context, res *FileResult, reporter *progress.Reporter, log zerolog.Logger) {
	if reporter != nil {
		reporter.FileStarted()
	}

	start := time.Now()
	n, err := f.downloadWithRetry(ctx, res.URL, res.Key, log)
	res.Duration = time.Since(start)

	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		if reporter != nil {
			reporter.FileFailed()
		}
		log.Warn().Err(err).Str("file", res.Name).Str("url", res.URL).Msg("Download failed")
		return
	}

	res.Status = StatusStored
	res.Bytes = n
	if reporter != nil {
		reporter.FileCompleted(n)
	}
	log.Info().
		Str("file", res.Name).
		Int64("bytes", n).
		Dur("duration", res.Duration).
		Msg("Downloaded")
}

// downloadWithRetry retries downloads whose body broke off mid-stream.
// Request-level failures are already retried by the HTTP client.
func (f *Fetcher) downloadWithRetry(ctx context.Context, url, key string, log zerolog.Logger) (int64, error) {
	var lastErr error

	for attempt := 0; attempt < f.client.Attempts(); attempt++ {
		if attempt > 0 {
			if err := f.client.Backoff(ctx, attempt); err != nil {
				return 0, err
			}
		}

		n, err := f.downloadOnce(ctx, url, key)
		if err == nil {
			return n, nil
		}

		var se *streamError
		if !errors.As(err, &se) || ctx.Err() != nil || !aishttp.IsRetryable(se.err) {
			return 0, err
		}
		lastErr = err
		log.Debug().Err(err).Str("url", url).Int("attempt", attempt+1).Msg("Body read failed, retrying")
	}

	return 0, lastErr
}

// downloadOnce streams url into key. Non-2xx responses never reach the store.
func (f *Fetcher) downloadOnce(ctx context.Context, url, key string) (int64, error) {
	resp, err := f.client.Get(ctx, url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body := &trackingReader{r: resp.Body}
	n, err := f.store.Put(ctx, key, body)
	if err != nil {
		if body.err != nil {
			return n, &streamError{err: body.err}
		}
		return n, err
	}
	return n, nil
}

func (f *Fetcher) logReport(r *YearReport) {
	level := zerolog.InfoLevel
	if r.Outcome() != OutcomeOK {
		level = zerolog.WarnLevel
	}
	f.log.WithLevel(level).
		Err(r.Err).
		Int("year", r.Year).
		Str("outcome", r.Outcome().String()).
		Int("links", r.Links).
		Int("matched", r.Matched).
		Int("duplicates", r.Duplicates).
		Int("stored", len(r.Downloaded())).
		Int("failed", len(r.Failed())).
		Int("skipped", len(r.Skipped())).
		Int64("bytes", r.Bytes()).
		Dur("duration", r.Finished.Sub(r.Started)).
		Msg("Year complete")
}

// printStatus writes the one-line status for a year.
func (f *Fetcher) printStatus(r *YearReport) {
	line := fmt.Sprintf("%d: %s (%d stored, %d failed, %d skipped, %s)",
		r.Year,
		r.Outcome(),
		len(r.Downloaded()),
		len(r.Failed()),
		len(r.Skipped()),
		progress.FormatBytes(r.Bytes()),
	)
	if r.Err != nil {
		line += ": " + r.Err.Error()
	}
	fmt.Fprintln(f.opts.Status, line)
}

// trackingReader remembers the first read error so that broken response
// bodies can be told apart from storage failures.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}

// streamError wraps a failure while reading a response body.
type streamError struct {
	err error
}

func (e *streamError) Error() string {
	return fmt.Sprintf("read body: %v", e.err)
}

func (e *streamError) Unwrap() error {
	return e.err
}
