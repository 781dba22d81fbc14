// Package arena provides a bump allocator with O(1) bulk release of every
// slice allocated since the arena was created. Each storage shard
// (pkg/storage/shardfile.Shard) creates one and frees it on Close.
//
// This package used to wrap Go's experimental `goexperiment.arenas`
// compiler feature behind a tiny, stable surface
// (New/Free/NewValue/MakeSlice/AllocBytes). That experimental flag is not
// appropriate for a deployable server binary — an embedder cannot opt a
// library into it at `go build` time without setting GOEXPERIMENT=arenas
// for the whole toolchain, and the experiment was later removed upstream.
// It keeps the same ownership discipline and disclaimer but implements it
// as a plain bump allocator over []byte backing blocks; see DESIGN.md.
//
// Concurrency
// -----------
// Arena is *not* thread-safe; in cachegrand-go the parent storage database
// already serializes access with its per-slot write locks. No locking is
// added here.
//
// ⚠️  DISCLAIMER  ----------------------------------------------
// Objects allocated inside an Arena remain valid only until Free is called.
// In cachegrand-go, chunk data lives in shard files rather than in an
// arena, and Shard.Close is the only caller of Free.
// -------------------------------------------------------------
//
// © 2025 cachegrand-go authors. MIT License.
package arena

const blockSize = 256 * 1024 // 256 KiB backing blocks

// Arena is a bump allocator: AllocBytes/MakeSlice hand out slices carved
// from growing backing blocks; Free drops every block at once, letting the
// Go GC reclaim them together instead of one allocation at a time.
type Arena struct {
	blocks    [][]byte
	cur       []byte
	allocated int64
}

// New constructs an empty arena ready for allocations.
func New() *Arena {
	return &Arena{}
}

// Free releases every block allocated by this arena. After the call, any
// slice previously returned by AllocBytes/MakeSlice must no longer be used.
func (a *Arena) Free() {
	a.blocks = nil
	a.cur = nil
	a.allocated = 0
}

// Allocated returns the number of bytes handed out by this arena so far.
func (a *Arena) Allocated() int64 { return a.allocated }

func (a *Arena) ensure(n int) {
	if len(a.cur) >= n {
		return
	}
	size := blockSize
	if n > size {
		size = n
	}
	block := make([]byte, size)
	a.blocks = append(a.blocks, block)
	a.cur = block
}

// MakeSlice allocates a []byte of length n inside the arena.
func (a *Arena) MakeSlice(n int) []byte {
	if n == 0 {
		return nil
	}
	a.ensure(n)
	out := a.cur[:n:n]
	a.cur = a.cur[n:]
	a.allocated += int64(n)
	return out
}

// AllocBytes copies buf into the arena and returns an arena-owned
// reference to the new memory.
func (a *Arena) AllocBytes(buf []byte) []byte {
	dst := a.MakeSlice(len(buf))
	copy(dst, buf)
	return dst
}
