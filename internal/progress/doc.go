// Package progress reports per-year mirroring progress.
//
// Output goes to stderr by default so stdout stays reserved for the one-line
// status per year.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{
//	    Year:       2024,
//	    TotalFiles: len(matches),
//	    Workers:    4,
//	    IndexURL:   indexURL,
//	})
//
//	reporter.Start()
//	defer reporter.Stop()
//
//	reporter.FileStarted()
//	reporter.FileCompleted(n)
//
// # Output Format
//
//	[aisfetch] 2024: mirroring https://coast.noaa.gov/htdata/CMSP/AISDataHandler/2024/index.html
//	[aisfetch] 2024: 366 matching files | Workers: 4
//	[aisfetch] 2024: 120/366 files | 9.81 GB | 54.20 MB/s | 4 in-progress | 242 pending | 0 failed | ETA 6m 12s
//	[aisfetch] 2024: 366/366 files stored, 0 failed | 29.90 GB in 9m 12s | Average speed: 55.41 MB/s
package progress
