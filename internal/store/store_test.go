package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingReader returns some data, then an error.
type failingReader struct {
	data []byte
	done bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, errors.New("connection reset")
	}
	r.done = true
	return copy(p, r.data), nil
}

func TestKey(t *testing.T) {
	key, err := Key(2024, "AIS_2024_03_15.csv")
	require.NoError(t, err)
	assert.Equal(t, "2024/AIS_2024_03_15.csv", key)

	for _, bad := range []string{"", ".", "..", "a/b.csv", `a\b.csv`, "a\x00.csv"} {
		_, err := Key(2024, bad)
		assert.ErrorIs(t, err, ErrInvalidKey, "name %q", bad)
	}
}

func TestLocalLayout(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "data")

	s, err := Open(ctx, root)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.PrepareYear(2024))
	info, err := os.Stat(filepath.Join(root, "2024"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	key, err := Key(2024, "ais-2024-03-16.zip")
	require.NoError(t, err)

	n, err := s.Put(ctx, key, strings.NewReader("zip bytes"))
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)

	data, err := os.ReadFile(filepath.Join(root, "2024", "ais-2024-03-16.zip"))
	require.NoError(t, err)
	assert.Equal(t, "zip bytes", string(data))

	// No sidecar metadata files next to the data.
	entries, err := os.ReadDir(filepath.Join(root, "2024"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	assert.Equal(t, filepath.Join(root, "2024", "ais-2024-03-16.zip"), s.Location(key))
}

func TestPutOverwrites(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Put(ctx, "2024/a.csv", strings.NewReader("first version"))
	require.NoError(t, err)
	_, err = s.Put(ctx, "2024/a.csv", strings.NewReader("second"))
	require.NoError(t, err)

	size, err := s.Size(ctx, "2024/a.csv")
	require.NoError(t, err)
	assert.Equal(t, int64(6), size)
}

func TestPutAbortsOnReadError(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := Open(ctx, root)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.PrepareYear(2024))

	_, err = s.Put(ctx, "2024/partial.csv", &failingReader{data: []byte("half a file")})
	require.Error(t, err)

	_, err = s.Size(ctx, "2024/partial.csv")
	assert.ErrorIs(t, err, os.ErrNotExist, "aborted write must not leave a file")

	_, err = os.Stat(filepath.Join(root, "2024", "partial.csv"))
	assert.True(t, os.IsNotExist(err))
}

func TestPutAbortKeepsPrevious(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := Open(ctx, root)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.PrepareYear(2024))

	_, err = s.Put(ctx, "2024/a.csv", strings.NewReader("good"))
	require.NoError(t, err)

	_, err = s.Put(ctx, "2024/a.csv", &failingReader{data: []byte("bad")})
	require.Error(t, err)

	data, err := os.ReadFile(filepath.Join(root, "2024", "a.csv"))
	require.NoError(t, err)
	assert.Equal(t, "good", string(data))
}

func TestList(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "mem://")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.PrepareYear(2024))
	for _, key := range []string{"2024/b.csv", "2024/a.csv", "2023/c.csv"} {
		_, err := s.Put(ctx, key, strings.NewReader(key))
		require.NoError(t, err)
	}

	objs, err := s.List(ctx, 2024)
	require.NoError(t, err)
	assert.Equal(t, []Object{
		{Key: "2024/a.csv", Size: 10},
		{Key: "2024/b.csv", Size: 10},
	}, objs)

	objs, err = s.List(ctx, 2022)
	require.NoError(t, err)
	assert.Empty(t, objs)
}

func TestSizeNotFound(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "mem://")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Size(ctx, "2024/missing.csv")
	assert.ErrorIs(t, err, os.ErrNotExist)
}
