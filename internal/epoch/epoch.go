// Package epoch implements epoch-based reclamation: readers traverse shared
// structures (the MCMP hash table and storage-DB entry indices) without
// locks, and objects that are logically removed are destroyed only once no
// registered thread can still observe them.
//
// The design mirrors cachegrand's C epoch GC (see
// original_source/src/epoch_gc.h for the constants kept here) generalized
// from pthreads + a dedicated collector pthread into goroutines: every
// worker registers a *Thread, stages retired objects with Stage, and a
// single background Collector walks all registered threads to compute the
// safe reclamation watermark.
//
// © 2025 cachegrand-go authors. MIT License.
package epoch

import (
	"sync"
	"sync/atomic"
	"time"
)

// StagedRingSize is the capacity of each staging ring a thread allocates.
// Matches EPOCH_GC_STAGED_OBJECTS_RING_SIZE in the original C source.
const StagedRingSize = 8 * 1024

// DestructorBatchSize bounds how many staged objects are handed to a
// destructor callback at once. Matches
// EPOCH_GC_STAGED_OBJECT_DESTRUCTOR_CB_BATCH_SIZE.
const DestructorBatchSize = 16

// DefaultCollectInterval is how often the Collector sweeps staged objects
// when no explicit interval is configured. Matches
// EPOCH_GC_THREAD_LOOP_WAIT_TIME_MS.
const DefaultCollectInterval = 3 * time.Millisecond

// ObjectType discriminates the per-type registries a Registry manages.
// pkg/storage creates one Registry, of ObjectTypeEntryIndex; no Registry of
// ObjectTypeHashtableNode is created (the hash table does not stage its
// chains for epoch reclamation).
type ObjectType uint8

const (
	ObjectTypeHashtableNode ObjectType = iota
	ObjectTypeEntryIndex
)

// Destructor frees a batch of staged objects. It must be idempotent and
// order-independent within the batch.
type Destructor func(objects []any)

type staged struct {
	epoch  uint64
	object any
}

type ring struct {
	buf  []staged
	next *ring
}

func newRing() *ring {
	return &ring{buf: make([]staged, 0, StagedRingSize)}
}

// Thread is the per-worker registration record. A worker pins the current
// global epoch before traversing shared data, calls Advance at quiescent
// points (end of a fiber tick / completed command), and Stage()s objects it
// retires.
type Thread struct {
	reg *Registry

	mu      sync.Mutex
	head    *ring // most recently allocated ring (push target)
	tail    *ring // oldest ring (collector drains from here)
	epoch   atomic.Uint64
	done    atomic.Bool
}

// Registry is the per-object-type collection of registered threads plus the
// destructor used to free staged objects of that type.
type Registry struct {
	objectType ObjectType
	destructor atomic.Value // Destructor

	mu      sync.Mutex // guards threads slice structural changes
	threads []*Thread

	globalEpoch atomic.Uint64

	collectOnce sync.Once
	stopCh      chan struct{}
	stoppedWG   sync.WaitGroup
	collected   atomic.Uint64
}

// NewRegistry constructs a Registry for one object type. RegisterDestructor
// must be called before any Stage is collected, matching the C API's
// separation between init and registering the destructor callback.
func NewRegistry(objectType ObjectType) *Registry {
	return &Registry{
		objectType: objectType,
		stopCh:     make(chan struct{}),
	}
}

// RegisterDestructor installs (or replaces) the destructor used when
// collecting staged objects of this registry's type.
func (r *Registry) RegisterDestructor(d Destructor) {
	r.destructor.Store(d)
}

func (r *Registry) destructorFn() Destructor {
	v := r.destructor.Load()
	if v == nil {
		return nil
	}
	return v.(Destructor)
}

// RegisterThread attaches a new Thread record to the registry, linking it
// under the registry's thread list (the spinlock of the C source becomes a
// plain mutex here: registration is rare, never on the hot path).
func (r *Registry) RegisterThread() *Thread {
	t := &Thread{reg: r}
	t.head = newRing()
	t.tail = t.head
	t.epoch.Store(r.globalEpoch.Load())

	r.mu.Lock()
	r.threads = append(r.threads, t)
	r.mu.Unlock()
	return t
}

// UnregisterThread signals the thread is done, drains its rings inline, and
// removes it from the registry.
func (r *Registry) UnregisterThread(t *Thread) {
	t.done.Store(true)
	r.drainThread(t, true)

	r.mu.Lock()
	for i, th := range r.threads {
		if th == t {
			r.threads = append(r.threads[:i], r.threads[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
}

// Advance increments the calling thread's observed epoch. Workers call this
// at every suspension point (fiber yield, end of command).
func (t *Thread) Advance() {
	t.epoch.Add(1)
	// also bump the registry's global counter so Stage() timestamps objects
	// with a monotonically increasing value readers can compare against.
	t.reg.globalEpoch.Add(1)
}

// Epoch returns the thread's last observed epoch.
func (t *Thread) Epoch() uint64 { return t.epoch.Load() }

// Stage records object as retired as of the current global epoch. It will
// be destroyed once every registered thread's observed epoch has advanced
// past this point.
func (t *Thread) Stage(object any) {
	e := t.reg.globalEpoch.Load()

	t.mu.Lock()
	if len(t.head.buf) == cap(t.head.buf) {
		n := newRing()
		n.buf = append(n.buf, staged{epoch: e, object: object})
		t.head.next = n
		t.head = n
		t.mu.Unlock()
		return
	}
	t.head.buf = append(t.head.buf, staged{epoch: e, object: object})
	t.mu.Unlock()
}

// minEpoch computes min(thread.epoch) across all live, registered threads.
func (r *Registry) minEpoch() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.threads) == 0 {
		return 0, false
	}
	min := r.threads[0].epoch.Load()
	for _, th := range r.threads[1:] {
		if e := th.epoch.Load(); e < min {
			min = e
		}
	}
	return min, true
}

// drainThread destructs every staged object in t's rings. When force is
// true (teardown path) objects are destroyed regardless of epoch; otherwise
// only objects staged before minEpoch are destroyed.
func (r *Registry) drainThread(t *Thread, force bool) {
	min, have := r.minEpoch()
	if !have {
		force = true
	}

	d := r.destructorFn()

	t.mu.Lock()
	cur := t.tail
	t.mu.Unlock()

	batch := make([]any, 0, DestructorBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if d != nil {
			d(batch)
		}
		r.collected.Add(uint64(len(batch)))
		batch = batch[:0]
	}

	for cur != nil {
		kept := cur.buf[:0]
		for _, s := range cur.buf {
			if force || s.epoch < min {
				batch = append(batch, s.object)
				if len(batch) == DestructorBatchSize {
					flush()
				}
			} else {
				kept = append(kept, s)
			}
		}
		cur.buf = kept
		cur = cur.next
	}
	flush()

	t.mu.Lock()
	t.tail = t.head
	if len(t.tail.buf) == 0 {
		t.tail.next = nil
	}
	t.mu.Unlock()
}

// Collect walks every registered thread once, destroying objects whose
// epoch precedes the minimum observed epoch. Safe to call from any
// goroutine; typically driven by StartCollector's background loop.
func (r *Registry) Collect() {
	r.mu.Lock()
	threads := make([]*Thread, len(r.threads))
	copy(threads, r.threads)
	r.mu.Unlock()

	for _, t := range threads {
		r.drainThread(t, false)
	}
}

// CollectedCount returns the number of objects destroyed so far, for stats.
func (r *Registry) CollectedCount() uint64 { return r.collected.Load() }

// StartCollector launches a background goroutine calling Collect on
// interval until Stop is called. interval<=0 uses DefaultCollectInterval.
func (r *Registry) StartCollector(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCollectInterval
	}
	r.collectOnce.Do(func() {
		r.stoppedWG.Add(1)
		go func() {
			defer r.stoppedWG.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-r.stopCh:
					r.Collect()
					return
				case <-ticker.C:
					r.Collect()
				}
			}
		}()
	})
}

// StopCollector stops the background collector loop and waits for it to
// finish a final sweep.
func (r *Registry) StopCollector() {
	select {
	case <-r.stopCh:
		// already closed
	default:
		close(r.stopCh)
	}
	r.stoppedWG.Wait()
}
