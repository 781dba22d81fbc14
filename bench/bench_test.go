// Package bench provides reproducible micro-benchmarks for pkg/storage.
// Run via:  go test ./bench -bench=. -benchmem -cpu 1,4,16
//
// The benchmarks intentionally use a *single* key/value shape so results are
// comparable across versions:
//   - Key   – 8-byte big-endian uint64 (cheap hashing, fits a cache line)
//   - Value – 64-byte payload (large enough to matter, small enough for cache)
//
// We measure:
//  1. Set           – write-only workload
//  2. Get           – read-only workload (after warm-up)
//  3. GetParallel   – highly concurrent reads (b.RunParallel)
//  4. SetGetMix     – 90% reads, 10% writes against a shared Database
//
// Results are printed in ns/op + alloc/op so CI can diff via benchstat.
//
// NOTE: Unit tests live alongside their packages; this file is *only* for
// performance.
//
// © 2025 cachegrand-go authors. MIT License.
package bench

import (
	"encoding/binary"
	"math/rand"
	"testing"
	"time"

	"github.com/cachegrand/cachegrand-go/pkg/storage"
)

const (
	keys = 1 << 20 // 1M keys for dataset
)

var value64 = make([]byte, 64)

func newTestDatabase(b *testing.B) *storage.Database {
	b.Helper()
	db, err := storage.New(storage.Config{
		DataDir:       b.TempDir(),
		DatabaseCount: 1,
	})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = db.Close() })
	return db.Database(0)
}

// dataset reused across benches to avoid reallocating large slices; each
// entry is the 8-byte big-endian encoding of a random uint64.
var dataset = func() [][]byte {
	rng := rand.New(rand.NewSource(42))
	arr := make([][]byte, keys)
	for i := range arr {
		k := make([]byte, 8)
		binary.BigEndian.PutUint64(k, rng.Uint64())
		arr[i] = k
	}
	return arr
}()

func BenchmarkSet(b *testing.B) {
	db := newTestDatabase(b)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := dataset[i&(keys-1)]
		_ = db.Set(key, value64, time.Time{})
	}
}

func BenchmarkGet(b *testing.B) {
	db := newTestDatabase(b)
	for _, k := range dataset {
		_ = db.Set(k, value64, time.Time{})
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := dataset[i&(keys-1)]
		_, _, _ = db.Get(k)
	}
}

func BenchmarkGetParallel(b *testing.B) {
	db := newTestDatabase(b)
	for _, k := range dataset {
		_ = db.Set(k, value64, time.Time{})
	}
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		idx := rand.Intn(keys)
		for pb.Next() {
			idx = (idx + 1) & (keys - 1)
			_, _, _ = db.Get(dataset[idx])
		}
	})
}

// BenchmarkSetGetMix simulates a 90%-read/10%-write workload against one
// shared Database under concurrent access, exercising the striped-lock
// contention path rather than a single goroutine's hot loop.
func BenchmarkSetGetMix(b *testing.B) {
	db := newTestDatabase(b)
	for _, k := range dataset {
		_ = db.Set(k, value64, time.Time{})
	}
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		rng := rand.New(rand.NewSource(1))
		for pb.Next() {
			idx := rng.Intn(keys)
			if idx%10 == 0 {
				_ = db.Set(dataset[idx], value64, time.Time{})
			} else {
				_, _, _ = db.Get(dataset[idx])
			}
		}
	})
}
