package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures the progress reporter.
type Options struct {
	// Year is the year being mirrored (for display).
	Year int

	// TotalFiles is the number of matched files to download.
	TotalFiles int

	// Workers is the number of parallel workers.
	Workers int

	// Output is where to write progress output.
	// Default: os.Stderr
	Output io.Writer

	// UpdateInterval is how often a progress line is printed.
	// Default: 2s
	UpdateInterval time.Duration

	// IndexURL is the index page being mirrored (for display).
	IndexURL string
}

// Snapshot is the state of a year at one point in time.
type Snapshot struct {
	Stored     int
	Failed     int
	InProgress int
	Pending    int
	Bytes      int64
	Elapsed    time.Duration
}

// Finished returns the number of files that are done, stored or not.
func (s Snapshot) Finished() int {
	return s.Stored + s.Failed
}

// ETA estimates the time left from the average time per finished file.
// It returns 0 while nothing has finished yet.
func (s Snapshot) ETA() time.Duration {
	finished := s.Finished()
	if finished == 0 {
		return 0
	}
	left := s.Pending + s.InProgress
	return time.Duration(int64(s.Elapsed) / int64(finished) * int64(left))
}

// Reporter prints human-readable progress for one year.
type Reporter struct {
	opts Options

	bytes      atomic.Int64
	stored     atomic.Int32
	failed     atomic.Int32
	inProgress atomic.Int32

	mu        sync.Mutex
	start     time.Time
	lastTick  time.Time
	lastBytes int64
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = 2 * time.Second
	}
	return &Reporter{opts: opts}
}

// Start prints the header and begins periodic progress lines.
func (r *Reporter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}

	r.running = true
	r.start = time.Now()
	r.lastTick = r.start
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	r.printf("mirroring %s", r.opts.IndexURL)
	r.printf("%d matching files | Workers: %d", r.opts.TotalFiles, r.opts.Workers)

	go r.loop(r.stopCh, r.doneCh)
}

// Stop ends periodic output and prints the final line. It blocks until that
// line is written and is a no-op when the reporter is not running.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// FileStarted marks a file as in progress.
func (r *Reporter) FileStarted() {
	r.inProgress.Add(1)
}

// FileCompleted marks a file as stored.
func (r *Reporter) FileCompleted(size int64) {
	r.bytes.Add(size)
	r.stored.Add(1)
	r.inProgress.Add(-1)
}

// FileFailed marks a file as failed.
func (r *Reporter) FileFailed() {
	r.failed.Add(1)
	r.inProgress.Add(-1)
}

// Snapshot returns the current counters.
func (r *Reporter) Snapshot() Snapshot {
	s := Snapshot{
		Stored:     int(r.stored.Load()),
		Failed:     int(r.failed.Load()),
		InProgress: int(r.inProgress.Load()),
		Bytes:      r.bytes.Load(),
	}
	s.Pending = max(r.opts.TotalFiles-s.Stored-s.Failed-s.InProgress, 0)

	r.mu.Lock()
	if !r.start.IsZero() {
		s.Elapsed = time.Since(r.start)
	}
	r.mu.Unlock()

	return s
}

func (r *Reporter) loop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			r.printFinal()
			return
		case now := <-ticker.C:
			r.printTick(now)
		}
	}
}

func (r *Reporter) printTick(now time.Time) {
	s := r.Snapshot()

	r.mu.Lock()
	window := max(now.Sub(r.lastTick).Seconds(), 0.1)
	rate := float64(s.Bytes-r.lastBytes) / window
	r.lastTick, r.lastBytes = now, s.Bytes
	r.mu.Unlock()

	eta := "-"
	if d := s.ETA(); d > 0 {
		eta = FormatDuration(d)
	}

	r.printf("%d/%d files | %s | %s/s | %d in-progress | %d pending | %d failed | ETA %s",
		s.Finished(), r.opts.TotalFiles,
		FormatBytes(s.Bytes),
		FormatBytes(int64(rate)),
		s.InProgress,
		s.Pending,
		s.Failed,
		eta,
	)
}

func (r *Reporter) printFinal() {
	s := r.Snapshot()
	avg := float64(s.Bytes) / max(s.Elapsed.Seconds(), 0.001)

	r.printf("%d/%d files stored, %d failed | %s in %s | Average speed: %s/s",
		s.Stored, r.opts.TotalFiles,
		s.Failed,
		FormatBytes(s.Bytes),
		FormatDuration(s.Elapsed),
		FormatBytes(int64(avg)),
	)
}

func (r *Reporter) printf(format string, args ...any) {
	fmt.Fprintf(r.opts.Output, "[aisfetch] %d: "+format+"\n", append([]any{r.opts.Year}, args...)...)
}

// FormatBytes formats b with binary units, e.g. "1.50 KB".
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	value, suffix := float64(b)/unit, "KB"
	for _, next := range []string{"MB", "GB", "TB"} {
		if value < unit {
			break
		}
		value /= unit
		suffix = next
	}
	return fmt.Sprintf("%.2f %s", value, suffix)
}

// FormatDuration formats d as "12s", "9m 12s" or "2h 3m 4s".
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)

	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
