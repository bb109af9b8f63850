package blobstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	id, err := s.Put([]byte("racun 123"), "application/xml")
	require.NoError(t, err)
	assert.Len(t, id, 64)

	data, mt, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "racun 123", string(data))
	assert.Equal(t, "application/xml", mt)
}

func TestPutIdempotent(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	a, err := s.Put([]byte("same bytes"), "text/plain")
	require.NoError(t, err)
	b, err := s.Put([]byte("same bytes"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGetNotFound(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, _, err = s.Get("deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetCorrupt(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	id, err := s.Put([]byte("original"), "text/plain")
	require.NoError(t, err)

	// Flip the stored bytes behind the store's back.
	require.NoError(t, os.WriteFile(filepath.Join(dir, id[:2], id), []byte("tampered"), 0o644))

	_, _, err = s.Get(id)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestGCRespectsInUse(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	keep, err := s.Put([]byte("keep"), "text/plain")
	require.NoError(t, err)
	drop, err := s.Put([]byte("drop"), "text/plain")
	require.NoError(t, err)

	removed, err := s.GC(GCPolicy{
		MaxAge: 0,
		InUse:  func(id string) bool { return id == keep },
	})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, _, err = s.Get(keep)
	assert.NoError(t, err)
	_, _, err = s.Get(drop)
	assert.ErrorIs(t, err, ErrNotFound)
}
