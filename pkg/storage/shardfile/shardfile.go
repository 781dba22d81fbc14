// Package shardfile manages the append-only backing files a storage
// database writes chunk data into ("shards") plus the rotation policy that
// opens a new one once the active shard runs low on budget.
//
// A Shard owns:
//   - an arena (internal/arena), created with the shard and freed by Close;
//     chunk data does not pass through it, since Append writes straight to
//     the backing file;
//   - a monotonically increasing index, used as the file suffix
//     (shard-<index>.db);
//   - a byte budget accounting counter.
//
// Unlike a fixed-size ring of generations, shards here form an open-ended,
// explicitly-closed list: once written, a shard is never implicitly
// discarded — only the separate snapshot-file rotator (Rotator, below)
// prunes old files, and only because it has an explicit max_files cap.
//
// Concurrency model
// ------------------
// Manager serializes rotation decisions with its own mutex; Shard itself
// adds no locking.
//
// © 2025 cachegrand-go authors. MIT License.
package shardfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cachegrand/cachegrand-go/internal/arena"
)

// Shard is one append-only backing file plus an arena that is created with
// it and released by Close.
type Shard struct {
	Index   uint32
	path    string
	file    *os.File
	ar      *arena.Arena
	bytes   atomic.Int64
	created time.Time
}

func newShard(index uint32, baseDir string) (*Shard, error) {
	path := filepath.Join(baseDir, fmt.Sprintf("shard-%d.db", index))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shardfile: open %s: %w", path, err)
	}
	return &Shard{
		Index:   index,
		path:    path,
		file:    f,
		ar:      arena.New(),
		created: time.Now(),
	}, nil
}

// Path returns the backing file's path on disk.
func (s *Shard) Path() string { return s.path }

// Arena exposes the shard's arena. Chunk data is not allocated from it.
func (s *Shard) Arena() *arena.Arena { return s.ar }

// Append writes buf to the end of the shard file and returns the byte
// offset it was written at.
func (s *Shard) Append(buf []byte) (offset int64, err error) {
	off, err := s.file.Seek(0, os.SEEK_END)
	if err != nil {
		return 0, err
	}
	if _, err := s.file.Write(buf); err != nil {
		return 0, err
	}
	s.bytes.Add(int64(len(buf)))
	return off, nil
}

// ReadAt reads length bytes starting at offset from the shard file.
func (s *Shard) ReadAt(offset int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := s.file.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	return buf, nil
}

// Size returns the number of bytes written to this shard so far.
func (s *Shard) Size() int64 { return s.bytes.Load() }

// Close releases the shard's arena and closes its backing file. The file
// itself, and any chunk data already flushed to it, are left on disk.
func (s *Shard) Close() error {
	s.ar.Free()
	return s.file.Close()
}

// Manager owns the active shard and decides when to rotate to a new one.
type Manager struct {
	mu sync.Mutex

	baseDir       string
	shards        []*Shard
	activeIdx     int
	perShardBytes int64
	idCtr         atomic.Uint32
}

// NewManager opens (or creates) the first shard under baseDir. perShardBytes
// is the budget at which CheckRotationNeeded reports true.
func NewManager(baseDir string, perShardBytes int64) (*Manager, error) {
	if perShardBytes <= 0 {
		perShardBytes = 64 << 20 // 64MiB default
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("shardfile: mkdir %s: %w", baseDir, err)
	}
	m := &Manager{baseDir: baseDir, perShardBytes: perShardBytes}
	first, err := newShard(m.idCtr.Load(), baseDir)
	if err != nil {
		return nil, err
	}
	m.shards = append(m.shards, first)
	return m, nil
}

// Active returns the shard currently accepting new writes.
func (m *Manager) Active() *Shard {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shards[m.activeIdx]
}

// CheckRotationNeeded reports whether the active shard has reached its
// byte budget and a Rotate call is due.
func (m *Manager) CheckRotationNeeded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shards[m.activeIdx].Size() >= m.perShardBytes
}

// Rotate opens a new shard file and makes it active. The previous shard
// stays open and on disk until Manager.Close closes every tracked shard.
func (m *Manager) Rotate() (*Shard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.idCtr.Add(1)
	next, err := newShard(id, m.baseDir)
	if err != nil {
		return nil, err
	}
	m.shards = append(m.shards, next)
	m.activeIdx = len(m.shards) - 1
	return next, nil
}

// Shards returns every shard currently tracked by the manager, oldest
// first.
func (m *Manager) Shards() []*Shard {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Shard, len(m.shards))
	copy(out, m.shards)
	return out
}

// LiveBytes sums the accounted size of every tracked shard.
func (m *Manager) LiveBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, s := range m.shards {
		total += s.Size()
	}
	return total
}

// Close closes every tracked shard.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for _, s := range m.shards {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
