package fetcher

import (
	"errors"
	"fmt"
	"time"
)

// Errors reported for a year or an individual file.
var (
	ErrIndexUnavailable = errors.New("fetcher: index unavailable")
	ErrMissingHref      = errors.New("fetcher: link has no href")
	ErrSkipped          = errors.New("fetcher: not attempted")
)

// CircuitBreakerError is returned when too many consecutive file downloads
// fail within one year. The remaining files of that year are skipped.
//
// Use errors.As to extract this error and inspect FailedFiles for details.
type CircuitBreakerError struct {
	Year                int
	ConsecutiveFailures int
	FailedFiles         []string
	LastErr             error
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker tripped for %d: %d consecutive failures, last: %v",
		e.Year, e.ConsecutiveFailures, e.LastErr)
}

func (e *CircuitBreakerError) Unwrap() error {
	return e.LastErr
}

// FileStatus is the state of one matched file.
type FileStatus string

const (
	StatusPending FileStatus = ""
	StatusStored  FileStatus = "stored"
	StatusFailed  FileStatus = "failed"
	StatusSkipped FileStatus = "skipped"
)

// FileResult is the outcome for one matched link.
type FileResult struct {
	Name     string
	URL      string
	Key      string
	Location string
	Status   FileStatus
	Bytes    int64
	Err      error
	Duration time.Duration
}

// Outcome summarises a year.
type Outcome int

const (
	// OutcomeOK means every matched file was stored. A year without any
	// matches is OK too.
	OutcomeOK Outcome = iota
	// OutcomePartial means some files were stored and some were not.
	OutcomePartial
	// OutcomeFailed means nothing was stored although something should have been.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomePartial:
		return "partial"
	default:
		return "failed"
	}
}

// YearReport describes what happened while mirroring one year.
type YearReport struct {
	Year     int
	IndexURL string
	// Links is the number of anchors on the index page.
	Links int
	// Matched is the number of anchors whose text matched, duplicates included.
	Matched int
	// Duplicates counts matches skipped because an earlier anchor had the same text.
	Duplicates int
	// Files holds one result per distinct matched name, in document order.
	Files    []FileResult
	Err      error
	Started  time.Time
	Finished time.Time
}

// Downloaded returns the stored files.
func (r *YearReport) Downloaded() []FileResult {
	return r.filter(StatusStored)
}

// Failed returns the files whose download or write failed.
func (r *YearReport) Failed() []FileResult {
	return r.filter(StatusFailed)
}

// Skipped returns the files never attempted.
func (r *YearReport) Skipped() []FileResult {
	return r.filter(StatusSkipped)
}

func (r *YearReport) filter(status FileStatus) []FileResult {
	var out []FileResult
	for _, f := range r.Files {
		if f.Status == status {
			out = append(out, f)
		}
	}
	return out
}

// Bytes returns the number of bytes stored.
func (r *YearReport) Bytes() int64 {
	var n int64
	for _, f := range r.Files {
		if f.Status == StatusStored {
			n += f.Bytes
		}
	}
	return n
}

// Outcome classifies the year.
func (r *YearReport) Outcome() Outcome {
	stored := len(r.Downloaded())
	switch {
	case stored == 0 && (r.Err != nil || len(r.Files) > 0):
		return OutcomeFailed
	case stored == len(r.Files) && r.Err == nil:
		return OutcomeOK
	default:
		return OutcomePartial
	}
}

// Summary collects the reports of one run, in the order the years were processed.
type Summary struct {
	RunID    string
	Reports  []*YearReport
	Started  time.Time
	Finished time.Time
}

// FailedYears returns the years whose outcome is OutcomeFailed.
func (s *Summary) FailedYears() []int {
	var years []int
	for _, r := range s.Reports {
		if r.Outcome() == OutcomeFailed {
			years = append(years, r.Year)
		}
	}
	return years
}

// Stored returns the number of files stored across all years.
func (s *Summary) Stored() int {
	n := 0
	for _, r := range s.Reports {
		n += len(r.Downloaded())
	}
	return n
}

// Bytes returns the number of bytes stored across all years.
func (s *Summary) Bytes() int64 {
	var n int64
	for _, r := range s.Reports {
		n += r.Bytes()
	}
	return n
}
