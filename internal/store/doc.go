// Package store persists AIS files through gocloud.dev/blob.
//
// A plain path opens a local directory through fileblob, so files land at
// <data-root>/<year>/<name> exactly as on disk. Any gocloud bucket URL
// (mem://, s3://bucket, gs://bucket, file:///path) works as well.
//
// Writes are atomic: Put streams into a temporary object that only replaces
// the key once the whole body has been copied. A failed or cancelled copy
// leaves no partial file behind.
package store
