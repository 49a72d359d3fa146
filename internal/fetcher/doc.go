// Package fetcher mirrors AIS daily files from the Marine Cadastre archive.
//
// For every year the fetcher downloads the year's index page, keeps the
// anchors whose visible text matches the AIS file name pattern and stores
// each of them under <year>/<anchor text>.
//
// # Failure handling
//
// Failures are isolated at two levels:
//   - A file that cannot be downloaded is recorded as failed and the year
//     continues with the next file. Non-2xx responses are never stored.
//   - A year whose index page cannot be fetched is reported with
//     ErrIndexUnavailable and Run moves on to the next year.
//
// When MaxConsecutiveFailures files in a row fail, the circuit breaker skips
// the rest of the year and FetchYear returns a *CircuitBreakerError.
//
// # Usage
//
//	st, err := store.Open(ctx, "data")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
//
//	f, err := fetcher.New(st, fetcher.Options{
//	    BaseURL: config.DefaultBaseURL,
//	    Workers: 4,
//	})
//	if err != nil {
//	    return err
//	}
//
//	summary, err := f.Run(ctx, []int{2025, 2024})
//	for _, r := range summary.Reports {
//	    fmt.Println(r.Year, r.Outcome())
//	}
package fetcher
