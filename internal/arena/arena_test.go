package arena

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocBytesRoundTrip(t *testing.T) {
	a := New()
	b := a.AllocBytes([]byte("hello"))
	require.Equal(t, "hello", string(b))
	require.EqualValues(t, 5, a.Allocated())
}

func TestMakeSliceSpansMultipleBlocks(t *testing.T) {
	a := New()
	big := a.MakeSlice(blockSize + 10)
	require.Len(t, big, blockSize+10)

	small := a.AllocBytes([]byte("x"))
	require.Equal(t, "x", string(small))
}

func TestFreeResetsAccounting(t *testing.T) {
	a := New()
	a.AllocBytes([]byte("data"))
	require.EqualValues(t, 4, a.Allocated())
	a.Free()
	require.EqualValues(t, 0, a.Allocated())
}
