package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aishttp "github.com/quantecon/aisfetch/internal/http"
	"github.com/quantecon/aisfetch/internal/index"
	"github.com/quantecon/aisfetch/internal/store"
)

// archive is a fake AIS archive. Paths are matched verbatim, so literal
// concatenations such as /ais/2024//data/a.csv can be served.
type archive struct {
	mu       sync.Mutex
	pages    map[string]string
	files    map[string][]byte
	handlers map[string]http.HandlerFunc
	requests []string
}

func newArchive() *archive {
	return &archive{
		pages:    make(map[string]string),
		files:    make(map[string][]byte),
		handlers: make(map[string]http.HandlerFunc),
	}
}

func (a *archive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.requests = append(a.requests, r.URL.Path)
	page, isPage := a.pages[r.URL.Path]
	data, isFile := a.files[r.URL.Path]
	h := a.handlers[r.URL.Path]
	a.mu.Unlock()

	switch {
	case h != nil:
		h(w, r)
	case isPage:
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, page)
	case isFile:
		w.Write(data)
	default:
		http.Error(w, "not found: "+r.URL.Path, http.StatusNotFound)
	}
}

func (a *archive) count(path string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, p := range a.requests {
		if p == path {
			n++
		}
	}
	return n
}

// listing renders an index page from text/href pairs.
func listing(pairs ...string) string {
	var b strings.Builder
	b.WriteString("<html><body><table>\n")
	for i := 0; i+1 < len(pairs); i += 2 {
		fmt.Fprintf(&b, "<tr><td><a href=%q>%s</a></td></tr>\n", pairs[i+1], pairs[i])
	}
	b.WriteString("</table></body></html>")
	return b.String()
}

func testOptions(baseURL string) Options {
	return Options{
		BaseURL: baseURL + "/ais/{year}/",
		HTTPOptions: aishttp.Options{
			Timeout:         5 * time.Second,
			RetryAttempts:   2,
			RetryBackoff:    time.Millisecond,
			RetryMaxBackoff: 5 * time.Millisecond,
		},
	}
}

func memStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), "mem://")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dirStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "data")
	s, err := store.Open(context.Background(), root)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, root
}

func names(files []FileResult) []string {
	var out []string
	for _, f := range files {
		out = append(out, f.Name)
	}
	return out
}

func TestFetchYearEndToEnd(t *testing.T) {
	a := newArchive()
	a.pages["/ais/2024/index.html"] = listing(
		"readme.txt", "/help.txt",
		"AIS_2024_03_15.csv", "/data/a.csv",
		"ais-2024-03-16.zip", "/data/b.zip",
	)
	a.files["/help.txt"] = []byte("help")
	a.files["/ais/2024//data/a.csv"] = []byte("csv body")
	a.files["/ais/2024//data/b.zip"] = []byte("zip body")
	server := httptest.NewServer(a)
	defer server.Close()

	st, root := dirStore(t)
	f, err := New(st, testOptions(server.URL))
	require.NoError(t, err)

	require.NoError(t, st.PrepareYear(2024))
	report, err := f.FetchYear(context.Background(), 2024)
	require.NoError(t, err)

	assert.Equal(t, OutcomeOK, report.Outcome())
	assert.Equal(t, 3, report.Links)
	assert.Equal(t, 2, report.Matched)
	assert.Equal(t, []string{"AIS_2024_03_15.csv", "ais-2024-03-16.zip"}, names(report.Downloaded()))
	assert.Equal(t, server.URL+"/ais/2024//data/a.csv", report.Files[0].URL)
	assert.Equal(t, int64(16), report.Bytes())

	data, err := os.ReadFile(filepath.Join(root, "2024", "AIS_2024_03_15.csv"))
	require.NoError(t, err)
	assert.Equal(t, "csv body", string(data))

	data, err = os.ReadFile(filepath.Join(root, "2024", "ais-2024-03-16.zip"))
	require.NoError(t, err)
	assert.Equal(t, "zip body", string(data))

	entries, err := os.ReadDir(filepath.Join(root, "2024"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Zero(t, a.count("/help.txt"), "non-matching link must not be fetched")
}

func TestFetchYearResolveJoin(t *testing.T) {
	a := newArchive()
	a.pages["/ais/2024/index.html"] = listing("AIS_2024_03_15.csv", "/data/a.csv")
	a.files["/data/a.csv"] = []byte("resolved")
	server := httptest.NewServer(a)
	defer server.Close()

	opts := testOptions(server.URL)
	opts.Join = index.JoinResolve

	st := memStore(t)
	f, err := New(st, opts)
	require.NoError(t, err)

	report, err := f.FetchYear(context.Background(), 2024)
	require.NoError(t, err)
	require.Len(t, report.Downloaded(), 1)
	assert.Equal(t, server.URL+"/data/a.csv", report.Files[0].URL)
}

func TestFetchYearIdempotent(t *testing.T) {
	a := newArchive()
	a.pages["/ais/2023/index.html"] = listing(
		"AIS_2023_01_01.zip", "AIS_2023_01_01.zip",
		"AIS_2023_01_02.zip", "AIS_2023_01_02.zip",
	)
	a.files["/ais/2023/AIS_2023_01_01.zip"] = bytes.Repeat([]byte{1, 2, 3}, 1000)
	a.files["/ais/2023/AIS_2023_01_02.zip"] = bytes.Repeat([]byte{4, 5}, 5000)
	server := httptest.NewServer(a)
	defer server.Close()

	st, root := dirStore(t)
	f, err := New(st, testOptions(server.URL))
	require.NoError(t, err)

	snapshot := func() map[string][]byte {
		out := make(map[string][]byte)
		entries, err := os.ReadDir(filepath.Join(root, "2023"))
		require.NoError(t, err)
		for _, e := range entries {
			data, err := os.ReadFile(filepath.Join(root, "2023", e.Name()))
			require.NoError(t, err)
			out[e.Name()] = data
		}
		return out
	}

	_, err = f.Run(context.Background(), []int{2023})
	require.NoError(t, err)
	first := snapshot()

	_, err = f.Run(context.Background(), []int{2023})
	require.NoError(t, err)
	second := snapshot()

	assert.Len(t, first, 2)
	assert.Equal(t, first, second)
}

func TestFetchYearNoMatches(t *testing.T) {
	a := newArchive()
	a.pages["/ais/2022/index.html"] = listing("readme.txt", "readme.txt", "aisdata-2022-01-01.csv", "x.csv")
	server := httptest.NewServer(a)
	defer server.Close()

	st, root := dirStore(t)
	var status bytes.Buffer
	opts := testOptions(server.URL)
	opts.Status = &status
	f, err := New(st, opts)
	require.NoError(t, err)

	summary, err := f.Run(context.Background(), []int{2022})
	require.NoError(t, err)
	require.Len(t, summary.Reports, 1)

	report := summary.Reports[0]
	assert.Equal(t, OutcomeOK, report.Outcome())
	assert.Empty(t, report.Files)
	assert.Empty(t, summary.FailedYears())

	entries, err := os.ReadDir(filepath.Join(root, "2022"))
	require.NoError(t, err, "year directory must exist")
	assert.Empty(t, entries)

	assert.Equal(t, "2022: ok (0 stored, 0 failed, 0 skipped, 0 B)\n", status.String())
}

func TestFetchYearErrorResponsesNotPersisted(t *testing.T) {
	a := newArchive()
	a.pages["/ais/2024/index.html"] = listing(
		"AIS_2024_01_01.zip", "AIS_2024_01_01.zip",
		"AIS_2024_01_02.zip", "AIS_2024_01_02.zip",
		"AIS_2024_01_03.zip", "AIS_2024_01_03.zip",
	)
	a.files["/ais/2024/AIS_2024_01_01.zip"] = []byte("day one")
	// 01_02 is missing and answers 404.
	a.handlers["/ais/2024/AIS_2024_01_03.zip"] = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "<html>server error</html>", http.StatusInternalServerError)
	}
	server := httptest.NewServer(a)
	defer server.Close()

	st, root := dirStore(t)
	f, err := New(st, testOptions(server.URL))
	require.NoError(t, err)

	require.NoError(t, st.PrepareYear(2024))
	report, err := f.FetchYear(context.Background(), 2024)
	require.NoError(t, err, "file failures do not fail the year")

	assert.Equal(t, OutcomePartial, report.Outcome())
	assert.Equal(t, []string{"AIS_2024_01_01.zip"}, names(report.Downloaded()))
	assert.Equal(t, []string{"AIS_2024_01_02.zip", "AIS_2024_01_03.zip"}, names(report.Failed()))
	assert.ErrorIs(t, report.Files[1].Err, aishttp.ErrNotFound)
	assert.ErrorIs(t, report.Files[2].Err, aishttp.ErrServerError)

	// 404 is final, 500 is retried.
	assert.Equal(t, 1, a.count("/ais/2024/AIS_2024_01_02.zip"))
	assert.Equal(t, 3, a.count("/ais/2024/AIS_2024_01_03.zip"))

	for _, name := range []string{"AIS_2024_01_02.zip", "AIS_2024_01_03.zip"} {
		_, err := os.Stat(filepath.Join(root, "2024", name))
		assert.True(t, os.IsNotExist(err), "%s must not be written", name)
	}
}

func TestFetchYearRetriesBrokenBody(t *testing.T) {
	full := bytes.Repeat([]byte("x"), 4096)
	var attempts atomic.Int32

	a := newArchive()
	a.pages["/ais/2024/index.html"] = listing("AIS_2024_02_01.zip", "AIS_2024_02_01.zip")
	a.handlers["/ais/2024/AIS_2024_02_01.zip"] = func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			// Promise more than is sent; the client sees an unexpected EOF.
			w.Header().Set("Content-Length", "4096")
			w.Write(full[:100])
			return
		}
		w.Write(full)
	}
	server := httptest.NewServer(a)
	defer server.Close()

	st := memStore(t)
	f, err := New(st, testOptions(server.URL))
	require.NoError(t, err)

	report, err := f.FetchYear(context.Background(), 2024)
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, report.Outcome())
	assert.Equal(t, int32(2), attempts.Load())

	size, err := st.Size(context.Background(), "2024/AIS_2024_02_01.zip")
	require.NoError(t, err)
	assert.Equal(t, int64(len(full)), size)
}

func TestFetchYearDuplicates(t *testing.T) {
	a := newArchive()
	a.pages["/ais/2024/index.html"] = listing(
		"AIS_2024_01_01.zip", "AIS_2024_01_01.zip",
		"AIS_2024_01_01.zip", "mirror/AIS_2024_01_01.zip",
	)
	a.files["/ais/2024/AIS_2024_01_01.zip"] = []byte("first")
	a.files["/ais/2024/mirror/AIS_2024_01_01.zip"] = []byte("second")
	server := httptest.NewServer(a)
	defer server.Close()

	st := memStore(t)
	opts := testOptions(server.URL)
	opts.Workers = 4
	f, err := New(st, opts)
	require.NoError(t, err)

	report, err := f.FetchYear(context.Background(), 2024)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Matched)
	assert.Equal(t, 1, report.Duplicates)
	require.Len(t, report.Files, 1)
	assert.Zero(t, a.count("/ais/2024/mirror/AIS_2024_01_01.zip"))
}

func TestFetchYearMissingHref(t *testing.T) {
	a := newArchive()
	a.pages["/ais/2024/index.html"] = `<a>AIS_2024_01_01.zip</a><a href="AIS_2024_01_02.zip">AIS_2024_01_02.zip</a>`
	a.files["/ais/2024/AIS_2024_01_02.zip"] = []byte("ok")
	server := httptest.NewServer(a)
	defer server.Close()

	f, err := New(memStore(t), testOptions(server.URL))
	require.NoError(t, err)

	report, err := f.FetchYear(context.Background(), 2024)
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, report.Outcome())
	require.Len(t, report.Failed(), 1)
	assert.ErrorIs(t, report.Failed()[0].Err, ErrMissingHref)
}

func TestFetchYearParallel(t *testing.T) {
	const files = 20
	var inFlight, maxInFlight atomic.Int32

	a := newArchive()
	var pairs []string
	for i := 1; i <= files; i++ {
		name := fmt.Sprintf("AIS_2024_01_%02d.zip", i)
		pairs = append(pairs, name, name)
		a.handlers["/ais/2024/"+name] = func(w http.ResponseWriter, r *http.Request) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			fmt.Fprint(w, name)
		}
	}
	a.pages["/ais/2024/index.html"] = listing(pairs...)
	server := httptest.NewServer(a)
	defer server.Close()

	st := memStore(t)
	opts := testOptions(server.URL)
	opts.Workers = 4
	f, err := New(st, opts)
	require.NoError(t, err)

	report, err := f.FetchYear(context.Background(), 2024)
	require.NoError(t, err)
	assert.Len(t, report.Downloaded(), files)
	assert.LessOrEqual(t, maxInFlight.Load(), int32(4))

	// Results stay in document order regardless of completion order.
	for i, res := range report.Files {
		assert.Equal(t, fmt.Sprintf("AIS_2024_01_%02d.zip", i+1), res.Name)
	}

	objs, err := st.List(context.Background(), 2024)
	require.NoError(t, err)
	assert.Len(t, objs, files)
}

func TestFetchYearCircuitBreaker(t *testing.T) {
	a := newArchive()
	var pairs []string
	for i := 1; i <= 5; i++ {
		name := fmt.Sprintf("AIS_2024_01_%02d.zip", i)
		pairs = append(pairs, name, name) // none of them exist
	}
	a.pages["/ais/2024/index.html"] = listing(pairs...)
	server := httptest.NewServer(a)
	defer server.Close()

	opts := testOptions(server.URL)
	opts.MaxConsecutiveFailures = 2
	f, err := New(memStore(t), opts)
	require.NoError(t, err)

	report, err := f.FetchYear(context.Background(), 2024)

	var cbErr *CircuitBreakerError
	require.True(t, errors.As(err, &cbErr), "expected CircuitBreakerError, got %v", err)
	assert.Equal(t, 2, cbErr.ConsecutiveFailures)
	assert.ErrorIs(t, err, aishttp.ErrNotFound)

	assert.Equal(t, OutcomeFailed, report.Outcome())
	assert.Len(t, report.Failed(), 2)
	assert.Len(t, report.Skipped(), 3)
	for _, s := range report.Skipped() {
		assert.ErrorIs(t, s.Err, ErrSkipped)
	}
}

func TestRunIsolatesYears(t *testing.T) {
	a := newArchive()
	// 2025 has no index page.
	a.pages["/ais/2024/index.html"] = listing("AIS_2024_01_01.zip", "AIS_2024_01_01.zip")
	a.files["/ais/2024/AIS_2024_01_01.zip"] = []byte("ok")
	server := httptest.NewServer(a)
	defer server.Close()

	var status bytes.Buffer
	opts := testOptions(server.URL)
	opts.Status = &status
	f, err := New(memStore(t), opts)
	require.NoError(t, err)

	summary, err := f.Run(context.Background(), []int{2025, 2024})
	require.NoError(t, err)
	require.Len(t, summary.Reports, 2)

	assert.Equal(t, 2025, summary.Reports[0].Year)
	assert.ErrorIs(t, summary.Reports[0].Err, ErrIndexUnavailable)
	assert.ErrorIs(t, summary.Reports[0].Err, aishttp.ErrNotFound)
	assert.Equal(t, OutcomeOK, summary.Reports[1].Outcome())
	assert.Equal(t, []int{2025}, summary.FailedYears())
	assert.Equal(t, 1, summary.Stored())
	assert.Equal(t, int64(2), summary.Bytes())

	lines := strings.Split(strings.TrimSpace(status.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "2025: failed"), lines[0])
	assert.Equal(t, "2024: ok (1 stored, 0 failed, 0 skipped, 2 B)", lines[1])
}

func TestRunCancelled(t *testing.T) {
	a := newArchive()
	server := httptest.NewServer(a)
	defer server.Close()

	f, err := New(memStore(t), testOptions(server.URL))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := f.Run(ctx, []int{2025, 2024})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, summary.Reports)
}

type fakeRecorder struct {
	years    []int
	recorded []int
	finished *Summary
}

func (r *fakeRecorder) StartRun(ctx context.Context, years []int) (string, error) {
	r.years = years
	return "run-1", nil
}

func (r *fakeRecorder) RecordYear(ctx context.Context, runID string, report *YearReport) error {
	r.recorded = append(r.recorded, report.Year)
	return nil
}

func (r *fakeRecorder) FinishRun(ctx context.Context, runID string, summary *Summary) error {
	r.finished = summary
	return nil
}

func TestRunRecordsHistory(t *testing.T) {
	a := newArchive()
	a.pages["/ais/2024/index.html"] = listing()
	a.pages["/ais/2023/index.html"] = listing()
	server := httptest.NewServer(a)
	defer server.Close()

	rec := &fakeRecorder{}
	opts := testOptions(server.URL)
	opts.Recorder = rec
	f, err := New(memStore(t), opts)
	require.NoError(t, err)

	summary, err := f.Run(context.Background(), []int{2024, 2023})
	require.NoError(t, err)

	assert.Equal(t, "run-1", summary.RunID)
	assert.Equal(t, []int{2024, 2023}, rec.years)
	assert.Equal(t, []int{2024, 2023}, rec.recorded)
	assert.Same(t, summary, rec.finished)
}

func TestRunRepeatedYear(t *testing.T) {
	a := newArchive()
	a.pages["/ais/2024/index.html"] = listing("AIS_2024_01_01.zip", "AIS_2024_01_01.zip")
	a.files["/ais/2024/AIS_2024_01_01.zip"] = []byte("data")
	a.pages["/ais/2023/index.html"] = listing()
	server := httptest.NewServer(a)
	defer server.Close()

	rec := &fakeRecorder{}
	opts := testOptions(server.URL)
	opts.Recorder = rec
	f, err := New(memStore(t), opts)
	require.NoError(t, err)

	summary, err := f.Run(context.Background(), []int{2024, 2023, 2024})
	require.NoError(t, err)

	require.Len(t, summary.Reports, 2)
	assert.Equal(t, []int{2024, 2023}, rec.years)
	assert.Equal(t, []int{2024, 2023}, rec.recorded)
	assert.Equal(t, 1, a.count("/ais/2024/index.html"))
	assert.Equal(t, 1, a.count("/ais/2024/AIS_2024_01_01.zip"))
}

func TestNewValidation(t *testing.T) {
	_, err := New(memStore(t), Options{})
	assert.Error(t, err)

	_, err = New(memStore(t), Options{BaseURL: "http://x/{year}/", Pattern: "ais["})
	assert.Error(t, err)
}

func TestNewHTTPOptions(t *testing.T) {
	f, err := New(memStore(t), Options{BaseURL: "http://x/{year}/"})
	require.NoError(t, err)
	assert.Equal(t, aishttp.DefaultOptions().RetryAttempts+1, f.client.Attempts())

	f, err = New(memStore(t), Options{
		BaseURL:     "http://x/{year}/",
		HTTPOptions: aishttp.Options{RetryAttempts: 1, UserAgent: "custom"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, f.client.Attempts())
	assert.Equal(t, "custom", f.opts.HTTPOptions.UserAgent)
	assert.Zero(t, f.opts.HTTPOptions.Timeout)
}
