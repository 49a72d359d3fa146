// Package http provides the HTTP client used to fetch index pages and AIS
// files.
//
// This package handles:
//   - Connection pooling for parallel file downloads
//   - Per-request timeouts
//   - Retry with exponential backoff and jitter for network errors, 429 and 5xx
//   - Classification of non-success responses into sentinel errors
//
// # Usage
//
//	client := http.NewClient(http.Options{
//	    Timeout:       10 * time.Minute,
//	    RetryAttempts: 3,
//	})
//
//	resp, err := client.Get(ctx, url)
//	if errors.Is(err, http.ErrNotFound) {
//	    // ...
//	}
//	defer resp.Body.Close()
package http
