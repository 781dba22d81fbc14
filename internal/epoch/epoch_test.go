package epoch

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStageAndCollect(t *testing.T) {
	reg := NewRegistry(ObjectTypeEntryIndex)
	var destroyed atomic.Int64
	reg.RegisterDestructor(func(objects []any) {
		destroyed.Add(int64(len(objects)))
	})

	th := reg.RegisterThread()
	defer reg.UnregisterThread(th)

	for i := 0; i < 100; i++ {
		th.Stage(i)
	}
	th.Advance()

	reg.Collect()
	require.EqualValues(t, 100, destroyed.Load())
}

func TestCollectRespectsSlowestReader(t *testing.T) {
	reg := NewRegistry(ObjectTypeEntryIndex)
	var destroyed atomic.Int64
	reg.RegisterDestructor(func(objects []any) { destroyed.Add(int64(len(objects))) })

	fast := reg.RegisterThread()
	slow := reg.RegisterThread()
	defer reg.UnregisterThread(fast)
	defer reg.UnregisterThread(slow)

	fast.Stage("x")
	fast.Advance()

	// slow never advances past its initial epoch: the staged object must
	// remain live because slow could still be dereferencing it.
	reg.Collect()
	require.EqualValues(t, 0, destroyed.Load())

	slow.Advance()
	reg.Collect()
	require.EqualValues(t, 1, destroyed.Load())
}

func TestUnregisterDrainsInline(t *testing.T) {
	reg := NewRegistry(ObjectTypeHashtableNode)
	var destroyed atomic.Int64
	reg.RegisterDestructor(func(objects []any) { destroyed.Add(int64(len(objects))) })

	th := reg.RegisterThread()
	th.Stage(1)
	th.Stage(2)
	reg.UnregisterThread(th)

	require.EqualValues(t, 2, destroyed.Load())
}

func TestRingGrowsPastStagedRingSize(t *testing.T) {
	reg := NewRegistry(ObjectTypeEntryIndex)
	th := reg.RegisterThread()
	defer reg.UnregisterThread(th)

	for i := 0; i < StagedRingSize+10; i++ {
		th.Stage(i)
	}
	th.Advance()

	var destroyed atomic.Int64
	reg.RegisterDestructor(func(objects []any) { destroyed.Add(int64(len(objects))) })
	reg.Collect()
	require.EqualValues(t, StagedRingSize+10, destroyed.Load())
}

func TestStartStopCollector(t *testing.T) {
	reg := NewRegistry(ObjectTypeEntryIndex)
	var destroyed atomic.Int64
	reg.RegisterDestructor(func(objects []any) { destroyed.Add(int64(len(objects))) })

	th := reg.RegisterThread()
	defer reg.UnregisterThread(th)

	th.Stage("a")
	th.Advance()

	reg.StartCollector(2 * time.Millisecond)
	require.Eventually(t, func() bool { return destroyed.Load() == 1 }, time.Second, time.Millisecond)
	reg.StopCollector()
}
