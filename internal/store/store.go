package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

// ErrInvalidKey is returned for file names that cannot be stored safely.
var ErrInvalidKey = errors.New("store: invalid key")

// Object describes a stored file.
type Object struct {
	Key  string
	Size int64
}

// Store persists downloaded files under <year>/<name> keys.
type Store struct {
	bucket *blob.Bucket
	// dir is the local data root, empty for remote buckets.
	dir  string
	root string
}

// Open opens root as a store. root is either a local directory, created if
// absent, or a gocloud bucket URL such as mem://, s3://bucket or gs://bucket.
func Open(ctx context.Context, root string) (*Store, error) {
	if strings.Contains(root, "://") {
		bucket, err := blob.OpenBucket(ctx, root)
		if err != nil {
			return nil, fmt.Errorf("open bucket %s: %w", root, err)
		}
		return &Store{bucket: bucket, root: root}, nil
	}

	dir, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve data root: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}

	bucket, err := fileblob.OpenBucket(dir, &fileblob.Options{
		CreateDir: true,
		// Temp files next to the target keep the final rename on one filesystem.
		NoTempDir: true,
		Metadata:  fileblob.MetadataDontWrite,
	})
	if err != nil {
		return nil, fmt.Errorf("open data root %s: %w", dir, err)
	}
	return &Store{bucket: bucket, dir: dir, root: root}, nil
}

// Close releases the underlying bucket.
func (s *Store) Close() error {
	return s.bucket.Close()
}

// Key returns the storage key for a file of the given year.
func Key(year int, name string) (string, error) {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, name)
	}
	return strconv.Itoa(year) + "/" + name, nil
}

// PrepareYear makes sure the year's directory exists so that a year without
// matches still leaves an (empty) directory behind. Buckets have no
// directories, so this is a no-op for them.
func (s *Store) PrepareYear(year int) error {
	if s.dir == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Join(s.dir, strconv.Itoa(year)), 0755); err != nil {
		return fmt.Errorf("create year directory: %w", err)
	}
	return nil
}

// Put streams r to key, replacing any existing object. If reading r or
// writing fails, the write is aborted and the previous object, if any, is
// left untouched.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	// Cancelling the writer's context before Close aborts the write.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(wctx, key, nil)
	if err != nil {
		return 0, fmt.Errorf("open writer %s: %w", key, err)
	}

	n, err := io.Copy(w, r)
	if err != nil {
		cancel()
		w.Close()
		return n, fmt.Errorf("write %s: %w", key, err)
	}

	if err := w.Close(); err != nil {
		return n, fmt.Errorf("close %s: %w", key, err)
	}
	return n, nil
}

// Size returns the size of the object at key.
func (s *Store) Size(ctx context.Context, key string) (int64, error) {
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return 0, fmt.Errorf("%s: %w", key, os.ErrNotExist)
		}
		return 0, fmt.Errorf("attributes %s: %w", key, err)
	}
	return attrs.Size, nil
}

// List returns the files stored for year, sorted by key.
func (s *Store) List(ctx context.Context, year int) ([]Object, error) {
	iter := s.bucket.List(&blob.ListOptions{Prefix: strconv.Itoa(year) + "/"})

	var objs []Object
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %d: %w", year, err)
		}
		if obj.IsDir {
			continue
		}
		objs = append(objs, Object{Key: obj.Key, Size: obj.Size})
	}
	return objs, nil
}

// Location returns a human readable location for key.
func (s *Store) Location(key string) string {
	switch {
	case s.dir != "":
		return filepath.Join(s.dir, filepath.FromSlash(key))
	case s.root != "":
		return strings.TrimSuffix(s.root, "/") + "/" + key
	default:
		return key
	}
}
