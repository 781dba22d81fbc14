package shardfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Rotator manages the small ring of on-disk snapshot files
// (snapshot-<seq>.cgdump): unlike a data Shard list, old snapshots ARE
// implicitly discarded once MaxFiles is exceeded — the oldest file is
// removed as soon as a new one completes.
type Rotator struct {
	mu       sync.Mutex
	baseDir  string
	prefix   string
	maxFiles int
	seq      uint64
}

// NewRotator constructs a Rotator writing files named prefix-<seq>.cgdump
// under baseDir, keeping at most maxFiles of them.
func NewRotator(baseDir, prefix string, maxFiles int) (*Rotator, error) {
	if maxFiles <= 0 {
		maxFiles = 1
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("shardfile: mkdir %s: %w", baseDir, err)
	}
	r := &Rotator{baseDir: baseDir, prefix: prefix, maxFiles: maxFiles}
	existing, err := r.listFiles()
	if err != nil {
		return nil, err
	}
	r.seq = uint64(len(existing))
	return r, nil
}

// NextPath reserves and returns the path the next snapshot should be
// written to; the caller creates the file.
func (r *Rotator) NextPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return filepath.Join(r.baseDir, fmt.Sprintf("%s-%d.cgdump", r.prefix, r.seq))
}

// Prune removes the oldest files beyond MaxFiles, called after a new
// snapshot file has been completely written.
func (r *Rotator) Prune() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	files, err := r.listFiles()
	if err != nil {
		return err
	}
	if len(files) <= r.maxFiles {
		return nil
	}
	for _, f := range files[:len(files)-r.maxFiles] {
		if err := os.Remove(f); err != nil {
			return err
		}
	}
	return nil
}

func (r *Rotator) listFiles() ([]string, error) {
	entries, err := os.ReadDir(r.baseDir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		out = append(out, filepath.Join(r.baseDir, e.Name()))
	}
	// Shorter names first, so prefix-9 sorts before prefix-10.
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) < len(out[j])
		}
		return out[i] < out[j]
	})
	return out, nil
}
