package objstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/dotman/internal/hash"
)

func TestPutGetRoundtrip(t *testing.T) {
	s := New(t.TempDir(), 3)
	data := []byte("hello world")
	h, err := s.PutBytes(data)
	require.NoError(t, err)
	require.True(t, s.Has(h))

	got, err := s.Get(h)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestPutDedup(t *testing.T) {
	s := New(t.TempDir(), 3)
	data := []byte("same bytes")
	h1, err := s.PutBytes(data)
	require.NoError(t, err)
	h2, err := s.PutBytes(data)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestEmptyObject(t *testing.T) {
	s := New(t.TempDir(), 3)
	h, err := s.PutBytes(nil)
	require.NoError(t, err)
	require.Equal(t, hash.NullContentHash, h)

	got, err := s.Get(h)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestWalk(t *testing.T) {
	s := New(t.TempDir(), 3)
	h1, _ := s.PutBytes([]byte("one"))
	h2, _ := s.PutBytes([]byte("two"))

	seen := map[hash.ContentHash]bool{}
	err := s.Walk(func(h hash.ContentHash) error {
		seen[h] = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, seen[h1])
	require.True(t, seen[h2])
}

func TestDelete(t *testing.T) {
	s := New(t.TempDir(), 3)
	h, _ := s.PutBytes([]byte("gone soon"))
	require.NoError(t, s.Delete(h))
	require.False(t, s.Has(h))
}
