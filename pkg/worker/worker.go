// Package worker hosts one cooperative fiber scheduler bound to one
// listening socket and one storage DB: the unit of concurrency cachegrand
// is built from. A process runs one or more Workers, each pinned to its own
// goroutine, each independently accepting connections and dispatching RESP
// commands against a shared pkg/storage.DB.
//
// Grounded on the top-level Cache[K,V] construction/teardown shape (New
// allocates and wires every owned resource up front, Close tears them all
// down), generalized from "owns N shards" to "owns one scheduler + one
// listener + one timer fiber + one stats block", and on
// examples/basic/main.go's server-wiring style for the surrounding process.
//
// © 2025 cachegrand-go authors. MIT License.
package worker

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cachegrand/cachegrand-go/internal/fiber"
	"github.com/cachegrand/cachegrand-go/internal/resp"
	"github.com/cachegrand/cachegrand-go/pkg/dispatcher"
	"github.com/cachegrand/cachegrand-go/pkg/metrics"
	"github.com/cachegrand/cachegrand-go/pkg/storage"
)

// Stats is the published, read-only snapshot of a Worker's counters — the
// "shared" half of the split internal/shared stats layout: the worker
// mutates an unshared internal copy on its own fiber and atomically
// publishes a new Stats value for everyone else to read.
type Stats struct {
	ConnectionsAccepted int64
	ConnectionsActive   int64
	CommandsProcessed   int64
	StartedAt           time.Time
}

// Config tunes one Worker.
type Config struct {
	// WorkerID labels this worker's series in pkg/metrics (the {worker="N"}
	// label spec §6 requires); defaults to "0".
	WorkerID string
	// ListenAddr is the TCP address this worker's acceptor fiber binds to.
	ListenAddr string
	// StatsInterval controls how often the internal stats block is
	// published to the shared snapshot and the TTL sweep runs.
	StatsInterval time.Duration
	Dispatcher    *dispatcher.Config
	Metrics       *metrics.Registry
	Logger        *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = "0"
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Worker owns exactly one fiber.Scheduler, running on exactly one
// goroutine (Run blocks until Stop or a fatal listener error). All
// connection-handling fibers and the timer fiber are spawned onto that
// same scheduler, so at most one of them ever executes at a time —
// "single-threaded cooperative" per connection, horizontally scaled by
// running multiple Workers, each with its own scheduler goroutine, against
// the same storage.DB.
type Worker struct {
	cfg    Config
	db     *storage.DB
	disp   *dispatcher.Dispatcher
	sched  *fiber.Scheduler
	stats  atomic.Pointer[Stats]
	listen net.Listener

	internal internalStats
}

// internalStats is mutated only by fibers running on this Worker's own
// scheduler goroutine — no atomics needed here, unlike Stats.
type internalStats struct {
	connectionsAccepted int64
	connectionsActive   int64
	commandsProcessed   int64
	startedAt           time.Time
}

// New constructs a Worker bound to db, but does not yet bind the listen
// socket or start the scheduler — call Run for that.
func New(db *storage.DB, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	dispCfg := dispatcher.Config{}
	if cfg.Dispatcher != nil {
		dispCfg = *cfg.Dispatcher
	}
	w := &Worker{
		cfg:  cfg,
		db:   db,
		disp: dispatcher.New(db, dispCfg),
		sched: fiber.New(),
	}
	w.stats.Store(&Stats{})
	return w
}

// Stats returns the most recently published stats snapshot. Safe to call
// from any goroutine.
func (w *Worker) Stats() Stats {
	return *w.stats.Load()
}

// Run binds the listen socket, spawns the acceptor and timer fibers, and
// runs the scheduler loop until ctx is cancelled or Stop is called. The
// scheduler loop and the ctx-cancellation watcher are supervised together
// via errgroup.Group so that either one tearing down (a cancelled context,
// or the scheduler draining after Stop) unwinds the other. Run blocks;
// callers run it on a dedicated goroutine.
func (w *Worker) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", w.cfg.ListenAddr)
	if err != nil {
		return err
	}
	w.listen = ln
	w.internal.startedAt = time.Now()

	w.sched.Spawn("acceptor", w.acceptFiber)
	w.sched.Spawn("timer", w.timerFiber)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.sched.Run()
		cancel()
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		w.Stop()
		return nil
	})
	return g.Wait()
}

// Stop closes the listen socket (unblocking the acceptor fiber) and asks
// the scheduler to terminate all fibers and return from Run.
func (w *Worker) Stop() {
	if w.listen != nil {
		_ = w.listen.Close()
	}
	w.sched.Stop()
}

// acceptFiber is the long-lived fiber that owns the listen socket. Each
// Accept() runs on a helper goroutine so the fiber can suspend with WaitIO
// rather than blocking the scheduler goroutine outright; once a connection
// arrives, the fiber spawns a dedicated connection fiber and loops.
func (w *Worker) acceptFiber(f *fiber.Fiber) {
	type acceptResult struct {
		conn net.Conn
		err  error
	}

	for {
		ready := make(chan struct{})
		result := make(chan acceptResult, 1)
		go func() {
			conn, err := w.listen.Accept()
			result <- acceptResult{conn, err}
			close(ready)
		}()

		if err := f.WaitIO(context.Background(), ready, 0); err != nil {
			return
		}

		r := <-result
		if r.err != nil {
			if errors.Is(r.err, net.ErrClosed) {
				return
			}
			w.cfg.Logger.Warn("accept failed", zap.Error(r.err))
			continue
		}

		w.internal.connectionsAccepted++
		w.internal.connectionsActive++
		conn := r.conn
		w.sched.Spawn("conn", func(f *fiber.Fiber) {
			w.serveConn(f, conn)
			w.internal.connectionsActive--
		})
	}
}

// timerFiber periodically publishes the stats snapshot and sweeps
// expired keys across every database, sleeping between runs — the
// cooperative equivalent of a background cron fiber.
func (w *Worker) timerFiber(f *fiber.Fiber) {
	for {
		if err := f.Sleep(w.cfg.StatsInterval); err != nil {
			return
		}
		w.publishStats()
		now := time.Now()
		for i := uint32(0); i < uint32(w.db.DatabaseCount()); i++ {
			if d := w.db.Database(i); d != nil {
				d.ActiveExpireCycle(now)
			}
		}
	}
}

func (w *Worker) publishStats() {
	w.stats.Store(&Stats{
		ConnectionsAccepted: w.internal.connectionsAccepted,
		ConnectionsActive:   w.internal.connectionsActive,
		CommandsProcessed:   w.internal.commandsProcessed,
		StartedAt:           w.internal.startedAt,
	})

	if w.cfg.Metrics == nil {
		return
	}
	var keysCount int64
	for i := uint32(0); i < uint32(w.db.DatabaseCount()); i++ {
		if d := w.db.Database(i); d != nil {
			keysCount += d.DBSize()
		}
	}
	w.cfg.Metrics.Report(metrics.WorkerSample{
		WorkerID:        w.cfg.WorkerID,
		UptimeSeconds:   time.Since(w.internal.startedAt).Seconds(),
		DBKeysCount:     float64(keysCount),
		NetworkAccepted: float64(w.internal.connectionsAccepted),
		NetworkActive:   float64(w.internal.connectionsActive),
	})
}

// serveConn runs the RESP read-dispatch-write loop for one connection on
// its own fiber: each blocking Read suspends via WaitIO instead of parking
// the scheduler goroutine, so other fibers keep making progress while this
// connection is idle between commands.
func (w *Worker) serveConn(f *fiber.Fiber, conn net.Conn) {
	defer conn.Close()

	traceID := uuid.NewString()
	w.cfg.Logger.Debug("connection accepted", zap.String("trace_id", traceID), zap.String("remote_addr", conn.RemoteAddr().String()))

	fc := newFiberConn(f, conn)
	r := resp.NewReader(fc.bufioReader())
	wr := resp.NewWriter(fc.bufioWriter())
	session := &dispatcher.Session{}

	for {
		args, err := r.ReadCommand()
		if err != nil {
			return
		}
		if len(args) == 0 {
			continue
		}
		closeConn := w.disp.Dispatch(session, args, wr)
		w.internal.commandsProcessed++
		if err := wr.Flush(); err != nil {
			return
		}
		if closeConn {
			return
		}
	}
}
