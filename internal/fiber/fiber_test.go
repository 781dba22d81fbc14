package fiber

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestYieldInterleaving(t *testing.T) {
	s := New()
	go s.Run()
	defer s.Stop()

	var order []int
	done := make(chan struct{}, 2)

	s.Spawn("a", func(f *Fiber) {
		order = append(order, 1)
		require.NoError(t, f.Yield())
		order = append(order, 3)
		done <- struct{}{}
	})
	s.Spawn("b", func(f *Fiber) {
		order = append(order, 2)
		require.NoError(t, f.Yield())
		order = append(order, 4)
		done <- struct{}{}
	})

	<-done
	<-done
	require.Equal(t, []int{1, 2, 3, 4}, order)
}

func TestSleepWakes(t *testing.T) {
	s := New()
	go s.Run()
	defer s.Stop()

	woke := make(chan time.Time, 1)
	start := time.Now()
	s.Spawn("sleeper", func(f *Fiber) {
		require.NoError(t, f.Sleep(20*time.Millisecond))
		woke <- time.Now()
	})

	select {
	case w := <-woke:
		require.GreaterOrEqual(t, w.Sub(start), 15*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("fiber never woke")
	}
}

func TestWaitIOReadyWins(t *testing.T) {
	s := New()
	go s.Run()
	defer s.Stop()

	ready := make(chan struct{})
	result := make(chan error, 1)
	s.Spawn("io", func(f *Fiber) {
		result <- f.WaitIO(context.Background(), ready, time.Second)
	})

	close(ready)
	require.NoError(t, <-result)
}

func TestWaitIOTimeoutWins(t *testing.T) {
	s := New()
	go s.Run()
	defer s.Stop()

	ready := make(chan struct{})
	result := make(chan error, 1)
	s.Spawn("io", func(f *Fiber) {
		result <- f.WaitIO(context.Background(), ready, 10*time.Millisecond)
	})

	err := <-result
	require.ErrorIs(t, err, ErrCancelled)
}

func TestTerminateUnwindsAtSuspensionPoint(t *testing.T) {
	s := New()
	go s.Run()

	var gotErr atomic.Value
	started := make(chan struct{})
	finished := make(chan struct{})
	var target *Fiber
	target = s.Spawn("victim", func(f *Fiber) {
		close(started)
		err := f.Sleep(time.Hour)
		gotErr.Store(err)
		close(finished)
	})

	<-started
	target.Terminate()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("terminated fiber never unwound")
	}
	require.ErrorIs(t, gotErr.Load().(error), ErrCancelled)
	s.Stop()
}
