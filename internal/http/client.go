package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// Common errors.
var (
	ErrNotFound        = errors.New("http: resource not found")
	ErrForbidden       = errors.New("http: access forbidden")
	ErrUnauthorized    = errors.New("http: unauthorized")
	ErrServerError     = errors.New("http: server error")
	ErrTooManyRequests = errors.New("http: too many requests")
)

// StatusError is returned for non-success responses without a dedicated
// sentinel.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http: unexpected status %s", e.Status)
}

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 8
	MaxIdleConnsPerHost int

	// Timeout for individual requests, including reading the body.
	// 0 means no timeout.
	// Default: 10m
	Timeout time.Duration

	// RetryAttempts is the maximum number of retry attempts.
	// Default: 3
	RetryAttempts int

	// RetryBackoff is the initial backoff duration. 0 retries at once.
	// Default: 1s
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration. 0 leaves the
	// backoff uncapped.
	// Default: 30s
	RetryMaxBackoff time.Duration

	// UserAgent is sent with every request when set.
	UserAgent string
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 8,
		Timeout:             10 * time.Minute,
		RetryAttempts:       3,
		RetryBackoff:        time.Second,
		RetryMaxBackoff:     30 * time.Second,
		UserAgent:           "aisfetch/1.0",
	}
}

// Response is a successful response whose body the caller must close.
type Response struct {
	Body          io.ReadCloser
	ContentLength int64
	ContentType   string
}

// Client is an HTTP client that retries transient failures.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) *Client {
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = DefaultOptions().MaxIdleConnsPerHost
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = opts.MaxIdleConnsPerHost
	transport.MaxIdleConns = opts.MaxIdleConnsPerHost * 2
	transport.IdleConnTimeout = 90 * time.Second

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		opts: opts,
	}
}

// Get performs a GET request. Network errors, 429 and 5xx responses are
// retried with exponential backoff; other non-2xx responses fail at once.
// The response body is only returned for 2xx responses.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.Backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if c.opts.UserAgent != "" {
			req.Header.Set("User-Agent", c.opts.UserAgent)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			drain(resp.Body)
			lastErr = fmt.Errorf("%w: %s", ErrServerError, resp.Status)
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			drain(resp.Body)
			lastErr = fmt.Errorf("%w: %s", ErrTooManyRequests, resp.Status)
			continue
		}

		if err := checkStatus(resp); err != nil {
			drain(resp.Body)
			return nil, err
		}

		return &Response{
			Body:          resp.Body,
			ContentLength: resp.ContentLength,
			ContentType:   resp.Header.Get("Content-Type"),
		}, nil
	}

	return nil, fmt.Errorf("get %s failed after %d attempts: %w", url, c.opts.RetryAttempts+1, lastErr)
}

// Attempts reports how many times a request may be tried in total.
func (c *Client) Attempts() int {
	return c.opts.RetryAttempts + 1
}

// Backoff waits for an exponentially increasing duration with jitter.
// attempt starts at 1 for the first retry.
func (c *Client) Backoff(ctx context.Context, attempt int) error {
	backoff := c.delay(attempt)
	if backoff <= 0 {
		return ctx.Err()
	}

	// Add jitter: 0.5 to 1.5 of backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	timer := time.NewTimer(jitter)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// delay is RetryBackoff doubled for every retry after the first, capped at
// RetryMaxBackoff when that is set.
func (c *Client) delay(attempt int) time.Duration {
	backoff, limit := c.opts.RetryBackoff, c.opts.RetryMaxBackoff
	if backoff <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		if (limit > 0 && backoff >= limit) || backoff > math.MaxInt64/4 {
			break
		}
		backoff *= 2
	}
	if limit > 0 && backoff > limit {
		backoff = limit
	}
	return backoff
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return false
	}
	return !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrForbidden) &&
		!errors.Is(err, ErrUnauthorized)
}

// checkStatus returns an appropriate error for non-success status codes.
func checkStatus(resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return &StatusError{Code: code, Status: resp.Status}
	}
}

// drain discards a bounded amount of the body so the connection can be reused.
func drain(body io.ReadCloser) {
	io.CopyN(io.Discard, body, 64*1024)
	body.Close()
}
