package fiber

import (
	"sync"
	"time"
)

// Scheduler runs many Fibers cooperatively on a single goroutine (its
// run-loop): ready / sleeping / io-waiting queues, and a fiber runs until
// it explicitly suspends.
type Scheduler struct {
	mu sync.Mutex

	ready    []*Fiber
	sleepers []sleeper
	waiters  []waiter

	newFiberCh chan *Fiber
	wakeCh     chan struct{} // nudges Run's select when a queue changes

	stopped  chan struct{}
	stopOnce sync.Once
}

type sleeper struct {
	f        *Fiber
	deadline time.Time
}

type waiter struct {
	f        *Fiber
	ready    <-chan struct{}
	deadline <-chan time.Time
	cancel   <-chan struct{}
}

// New constructs an idle Scheduler. Call Run on the goroutine that will
// serve as this worker's single scheduling thread.
func New() *Scheduler {
	return &Scheduler{
		newFiberCh: make(chan *Fiber, 64),
		wakeCh:     make(chan struct{}, 1),
		stopped:    make(chan struct{}),
	}
}

func (s *Scheduler) nudge() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Spawn creates a new fiber running fn and enqueues it as ready. Safe to
// call from any goroutine, including from within another fiber on the same
// scheduler.
func (s *Scheduler) Spawn(name string, fn func(f *Fiber)) *Fiber {
	f := &Fiber{
		name:     name,
		sched:    s,
		fn:       fn,
		turnCh:   make(chan struct{}),
		parkedCh: make(chan struct{}),
		state:    StateReady,
	}
	s.newFiberCh <- f
	s.nudge()
	return f
}

// parkCurrent records f into the queue matching f.state. Called by the
// fiber's own goroutine right before it blocks waiting for its next turn.
func (s *Scheduler) parkCurrent(f *Fiber) {
	s.mu.Lock()
	switch f.state {
	case StateReady:
		s.ready = append(s.ready, f)
	case StateSleeping, StateIOWaiting:
		// already recorded into sleepers/waiters by scheduleWake /
		// registerIOWaiter before suspend() was called.
	}
	s.mu.Unlock()
	s.nudge()
}

func (s *Scheduler) scheduleWake(f *Fiber, deadline time.Time) {
	s.mu.Lock()
	s.sleepers = append(s.sleepers, sleeper{f: f, deadline: deadline})
	s.mu.Unlock()
}

func (s *Scheduler) registerIOWaiter(f *Fiber, ready <-chan struct{}, deadline <-chan time.Time, cancel <-chan struct{}) {
	s.mu.Lock()
	s.waiters = append(s.waiters, waiter{f: f, ready: ready, deadline: deadline, cancel: cancel})
	s.mu.Unlock()
}

// Stop requests the scheduler's Run loop to drain: every live fiber is
// terminated and given a final turn to unwind, then Run returns.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.nudge()
	})
}

// Run drives the scheduler's single run-loop: grant a turn to one ready
// fiber at a time, promote expired sleepers and ready I/O waiters, accept
// newly spawned fibers, and repeat until Stop is called and no fiber
// remains runnable. Run must be called from exactly one goroutine and
// blocks until shutdown completes.
func (s *Scheduler) Run() {
	active := map[*Fiber]bool{}
	stopping := false

	for {
		s.drainNewFibers()

		if stopping {
			s.terminateAllQueued()
		}

		s.promoteExpiredSleepers()
		s.promoteReadyWaiters()

		s.mu.Lock()
		var next *Fiber
		if len(s.ready) > 0 {
			next = s.ready[0]
			s.ready = s.ready[1:]
		}
		s.mu.Unlock()

		if next == nil {
			if stopping && len(active) == 0 {
				return
			}
			select {
			case <-s.stopped:
				stopping = true
			case <-s.wakeCh:
			case <-time.After(s.nextDeadlineWait()):
			}
			continue
		}

		if !active[next] {
			active[next] = true
			go func(f *Fiber) {
				f.state = StateRunning
				f.fn(f)
				f.state = StateDone
				f.parkedCh <- struct{}{}
			}(next)
		} else {
			next.turnCh <- struct{}{}
		}
		<-next.parkedCh
		if next.state == StateDone {
			delete(active, next)
		}

		select {
		case <-s.stopped:
			stopping = true
		default:
		}
	}
}

func (s *Scheduler) drainNewFibers() {
	for {
		select {
		case f := <-s.newFiberCh:
			s.mu.Lock()
			s.ready = append(s.ready, f)
			s.mu.Unlock()
		default:
			return
		}
	}
}

func (s *Scheduler) promoteExpiredSleepers() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := s.sleepers[:0]
	for _, sl := range s.sleepers {
		if !now.Before(sl.deadline) || sl.f.terminated() {
			s.ready = append(s.ready, sl.f)
		} else {
			remaining = append(remaining, sl)
		}
	}
	s.sleepers = remaining
}

func (s *Scheduler) promoteReadyWaiters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := s.waiters[:0]
	for _, w := range s.waiters {
		if w.f.terminated() {
			s.ready = append(s.ready, w.f)
			continue
		}
		select {
		case <-w.ready:
			s.ready = append(s.ready, w.f)
			continue
		case <-w.cancel:
			w.f.Terminate()
			s.ready = append(s.ready, w.f)
			continue
		default:
		}
		if w.deadline != nil {
			select {
			case <-w.deadline:
				s.ready = append(s.ready, w.f)
				continue
			default:
			}
		}
		remaining = append(remaining, w)
	}
	s.waiters = remaining
}

func (s *Scheduler) nextDeadlineWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sleepers) == 0 {
		if len(s.waiters) > 0 {
			return 10 * time.Millisecond
		}
		return 50 * time.Millisecond
	}
	min := s.sleepers[0].deadline
	for _, sl := range s.sleepers[1:] {
		if sl.deadline.Before(min) {
			min = sl.deadline
		}
	}
	d := time.Until(min)
	if d < 0 {
		return 0
	}
	return d
}

// terminateAllQueued moves every sleeping/waiting fiber into the ready
// queue (terminated), so the main loop's ordinary turn-granting drains them
// to completion instead of leaving them parked forever.
func (s *Scheduler) terminateAllQueued() {
	s.mu.Lock()
	for _, sl := range s.sleepers {
		sl.f.Terminate()
		s.ready = append(s.ready, sl.f)
	}
	s.sleepers = nil
	for _, w := range s.waiters {
		w.f.Terminate()
		s.ready = append(s.ready, w.f)
	}
	s.waiters = nil
	for _, f := range s.ready {
		f.Terminate()
	}
	s.mu.Unlock()
}
