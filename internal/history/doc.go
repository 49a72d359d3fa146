// Package history keeps a SQLite ledger of fetch runs.
//
// Every run gets a UUID. For each processed year the ledger stores the
// outcome and one row per matched file with its status, size and error, so
// that `aisfetch history` can answer which files were mirrored when.
package history
