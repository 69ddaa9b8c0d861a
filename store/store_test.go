package store

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	afs := afero.NewMemMapFs()
	s, err := New(afs, "/data", "peerA", false)
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("file1", "blockA", []byte("hello")))

	got, err := s.Get("file1", "blockA")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestPutIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("file1", "blockA", []byte("hello")))
	require.NoError(t, s.Put("file1", "blockA", []byte("hello")))

	got, err := s.Get("file1", "blockA")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("file1", "nope")
	assert.ErrorIs(t, err, ErrMissing)
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("file1", "b2", []byte("x")))
	require.NoError(t, s.Put("file1", "b1", []byte("y")))
	require.NoError(t, s.Put("file2", "other", []byte("z")))

	list, err := s.List("file1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "b2"}, list)
}

func TestListEmptyFile(t *testing.T) {
	s := newTestStore(t)
	list, err := s.List("unknown")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("file1", "b1", []byte("x")))
	require.NoError(t, s.Remove("file1", "b1"))
	_, err := s.Get("file1", "b1")
	assert.ErrorIs(t, err, ErrMissing)

	assert.ErrorIs(t, s.Remove("file1", "b1"), ErrMissing)
}

func TestClearRemovesAllBlocksForFile(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("file1", "b1", []byte("x")))
	require.NoError(t, s.Put("file1", "b2", []byte("y")))
	require.NoError(t, s.Put("file2", "b3", []byte("z")))

	require.NoError(t, s.Clear("file1"))

	list, err := s.List("file1")
	require.NoError(t, err)
	assert.Empty(t, list)

	list2, err := s.List("file2")
	require.NoError(t, err)
	assert.Equal(t, []string{"b3"}, list2)
}

func TestSize(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("file1", "b1", []byte("12345")))
	sz, err := s.Size("file1", "b1")
	require.NoError(t, err)
	assert.EqualValues(t, 5, sz)
}

func TestPurgeOnNew(t *testing.T) {
	afs := afero.NewMemMapFs()
	s, err := New(afs, "/data", "peerA", false)
	require.NoError(t, err)
	require.NoError(t, s.Put("file1", "b1", []byte("x")))

	s2, err := New(afs, "/data", "peerA", true)
	require.NoError(t, err)
	list, err := s2.List("file1")
	require.NoError(t, err)
	assert.Empty(t, list)
}
