package shardfile

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManagerWritesAndRotates(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, 16)
	require.NoError(t, err)
	defer m.Close()

	off, err := m.Active().Append([]byte("0123456789abcdef"))
	require.NoError(t, err)
	require.EqualValues(t, 0, off)
	require.True(t, m.CheckRotationNeeded())

	next, err := m.Rotate()
	require.NoError(t, err)
	require.NotEqual(t, m.Shards()[0].Path(), next.Path())
	require.Len(t, m.Shards(), 2)
}

func TestShardReadAtRoundTrips(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, 1<<20)
	require.NoError(t, err)
	defer m.Close()

	data := []byte("hello cachegrand")
	off, err := m.Active().Append(data)
	require.NoError(t, err)

	got, err := m.Active().ReadAt(off, len(data))
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestRotatorPrunesOldestFiles(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRotator(dir, "snapshot", 2)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		p := r.NextPath()
		require.NoError(t, writeEmpty(p))
		require.NoError(t, r.Prune())
	}

	files, err := r.listFiles()
	require.NoError(t, err)
	require.Len(t, files, 2)
}

func writeEmpty(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	return f.Close()
}
