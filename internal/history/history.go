package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/quantecon/aisfetch/internal/fetcher"
)

// timeLayout has a fixed width so that timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// DefaultLimit is used when a query does not set a limit.
const DefaultLimit = 50

// ErrRunNotFound is returned when a run ID is unknown.
var ErrRunNotFound = errors.New("history: run not found")

// Run is one recorded invocation of the fetcher.
type Run struct {
	ID          string
	Started     time.Time
	Finished    time.Time
	Years       []int
	FailedYears []int
	Stored      int
	Bytes       int64
}

// Year is the recorded result of one year within a run.
type Year struct {
	Year       int
	Outcome    string
	IndexURL   string
	Links      int
	Matched    int
	Duplicates int
	Error      string
	Started    time.Time
	Finished   time.Time
}

// Download is the recorded result of one matched file.
type Download struct {
	ID      int64
	RunID   string
	Year    int
	Name    string
	URL     string
	Key     string
	Bytes   int64
	Status  string
	Error   string
	Fetched time.Time
}

// Filter narrows a Downloads query. Zero values match everything.
type Filter struct {
	Year   int
	RunID  string
	Status string
	Limit  int
}

// DB records runs in a SQLite database. It implements fetcher.Recorder.
type DB struct {
	conn *sql.DB
	now  func() time.Time
}

var _ fetcher.Recorder = (*DB)(nil)

// Open opens (creating if needed) the history database at path.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// SQLite only supports one writer
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	for _, stmt := range []string{createRunsTable, createYearsTable, createDownloadsTable} {
		if _, err := conn.Exec(stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create history schema: %w", err)
		}
	}

	return &DB{conn: conn, now: time.Now}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// StartRun records the start of a run and returns its ID.
func (db *DB) StartRun(ctx context.Context, years []int) (string, error) {
	id := uuid.NewString()
	if _, err := db.conn.ExecContext(ctx, insertRun, id, formatTime(db.now()), joinInts(years)); err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}
	return id, nil
}

// RecordYear stores a year report and one row per matched file.
func (db *DB) RecordYear(ctx context.Context, runID string, report *fetcher.YearReport) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, insertYear,
		runID,
		report.Year,
		report.Outcome().String(),
		report.IndexURL,
		report.Links,
		report.Matched,
		report.Duplicates,
		errString(report.Err),
		formatTime(report.Started),
		formatTime(report.Finished),
	)
	if err != nil {
		return fmt.Errorf("failed to insert year %d: %w", report.Year, err)
	}

	stmt, err := tx.PrepareContext(ctx, insertDownload)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	fetched := formatTime(report.Finished)
	for _, f := range report.Files {
		_, err := stmt.ExecContext(ctx,
			runID,
			report.Year,
			f.Name,
			f.URL,
			f.Key,
			f.Bytes,
			string(f.Status),
			errString(f.Err),
			fetched,
		)
		if err != nil {
			return fmt.Errorf("failed to insert download %s: %w", f.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FinishRun stores the totals of a finished run.
func (db *DB) FinishRun(ctx context.Context, runID string, summary *fetcher.Summary) error {
	finished := summary.Finished
	if finished.IsZero() {
		finished = db.now()
	}

	res, err := db.conn.ExecContext(ctx, finishRun,
		formatTime(finished),
		joinInts(summary.FailedYears()),
		summary.Stored(),
		summary.Bytes(),
		runID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// Runs returns the most recent runs, newest first.
func (db *DB) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := db.conn.QueryContext(ctx, selectRuns, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                  Run
			started, finished  string
			years, failedYears string
		)
		if err := rows.Scan(&r.ID, &started, &finished, &years, &failedYears, &r.Stored, &r.Bytes); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Started = parseTime(started)
		r.Finished = parseTime(finished)
		r.Years = splitInts(years)
		r.FailedYears = splitInts(failedYears)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Years returns the per-year results of a run in processing order.
func (db *DB) Years(ctx context.Context, runID string) ([]Year, error) {
	rows, err := db.conn.QueryContext(ctx, selectYears, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query years: %w", err)
	}
	defer rows.Close()

	var years []Year
	for rows.Next() {
		var (
			y                 Year
			started, finished string
		)
		err := rows.Scan(&y.Year, &y.Outcome, &y.IndexURL, &y.Links, &y.Matched, &y.Duplicates,
			&y.Error, &started, &finished)
		if err != nil {
			return nil, fmt.Errorf("failed to scan year: %w", err)
		}
		y.Started = parseTime(started)
		y.Finished = parseTime(finished)
		years = append(years, y)
	}
	return years, rows.Err()
}

// Downloads returns recorded files matching filter, newest first.
func (db *DB) Downloads(ctx context.Context, filter Filter) ([]Download, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := db.conn.QueryContext(ctx, selectDownloads,
		filter.Year, filter.Year,
		filter.RunID, filter.RunID,
		filter.Status, filter.Status,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query downloads: %w", err)
	}
	defer rows.Close()

	var downloads []Download
	for rows.Next() {
		var (
			d       Download
			fetched string
		)
		err := rows.Scan(&d.ID, &d.RunID, &d.Year, &d.Name, &d.URL, &d.Key, &d.Bytes,
			&d.Status, &d.Error, &fetched)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		d.Fetched = parseTime(fetched)
		downloads = append(downloads, d)
	}
	return downloads, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func splitInts(s string) []int {
	if s == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}
