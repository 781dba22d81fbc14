package snapshotfmt

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	records := []Record{
		{DatabaseIndex: 0, Key: []byte("a"), Value: []byte("1")},
		{DatabaseIndex: 3, Key: []byte("b"), Value: []byte("2"), ExpiresAtUnixMilli: 12345},
	}

	var h Header
	h.CreatedAt = time.Now().Truncate(time.Millisecond)
	h.EnableDB(0)
	h.EnableDB(3)
	h.RecordCount = uint64(len(records))
	require.NoError(t, w.WriteHeader(h))
	for _, r := range records {
		require.NoError(t, w.WriteRecord(r))
	}
	require.NoError(t, w.Close())

	r := NewReader(&buf)
	gotHeader, err := r.ReadHeader()
	require.NoError(t, err)
	require.Equal(t, h.CreatedAt.UnixMilli(), gotHeader.CreatedAt.UnixMilli())
	require.True(t, gotHeader.DBEnabled(0))
	require.True(t, gotHeader.DBEnabled(3))
	require.False(t, gotHeader.DBEnabled(1))

	for _, want := range records {
		got, err := r.ReadRecord()
		require.NoError(t, err)
		require.Equal(t, want.DatabaseIndex, got.DatabaseIndex)
		require.Equal(t, want.Key, got.Key)
		require.Equal(t, want.Value, got.Value)
		require.Equal(t, want.ExpiresAtUnixMilli, got.ExpiresAtUnixMilli)
	}

	count, err := r.ReadFooter()
	require.NoError(t, err)
	require.EqualValues(t, len(records), count)
}

func TestReadHeaderRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})
	r := NewReader(&buf)
	_, err := r.ReadHeader()
	require.Error(t, err)
}

func TestReadFooterDetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteHeader(Header{CreatedAt: time.Now()}))
	require.NoError(t, w.WriteRecord(Record{Key: []byte("k"), Value: []byte("v")}))
	require.NoError(t, w.Close())

	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xFF

	r := NewReader(bytes.NewReader(corrupted))
	_, err := r.ReadHeader()
	require.NoError(t, err)
	_, err = r.ReadRecord()
	require.NoError(t, err)
	_, err = r.ReadFooter()
	require.Error(t, err)
}
