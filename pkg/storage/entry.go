package storage

import (
	"sync/atomic"
	"time"

	"github.com/cachegrand/cachegrand-go/pkg/storage/eviction"
)

// deletedBit is the top bit of the status word; the remaining 31 bits are
// the reader count. A value with deletedBit set is a tombstone: readers
// that observe it must treat the key as absent. The epoch GC destroys a
// staged entry once every registered thread has advanced past the epoch it
// was staged at; it does not consult the reader count.
const deletedBit uint32 = 0x8000_0000

const readerCountMask uint32 = 0x7FFF_FFFF

// chunkRef locates one chunk of a value inside a shard file.
type chunkRef struct {
	ShardIndex uint32
	Offset     int64
	Length     int
}

// EntryIndex is the value every key maps to inside a database's hash
// table: never the value bytes themselves, always a pointer to where they
// live (a shard-file-resident chunk chain), plus the
// bookkeeping eviction and concurrent readers need.
type EntryIndex struct {
	Key    []byte
	status atomic.Uint32 // readersCounter:31 | deleted:1

	meta   eviction.Metadata
	chunks []chunkRef

	createdAt time.Time
}

func newEntryIndex(key []byte, expiresAt time.Time, weight uint32) *EntryIndex {
	return &EntryIndex{
		Key: key,
		meta: eviction.Metadata{
			Key:        key,
			Weight:     weight,
			ExpiresAt:  expiresAt,
			LastAccess: time.Now(),
		},
		createdAt: time.Now(),
	}
}

// AcquireReader increments the reader count and returns false if the entry
// is already tombstoned (caller must treat the key as absent and retry a
// fresh lookup instead of using this entry).
func (e *EntryIndex) AcquireReader() bool {
	for {
		cur := e.status.Load()
		if cur&deletedBit != 0 {
			return false
		}
		if e.status.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// ReleaseReader decrements the reader count.
func (e *EntryIndex) ReleaseReader() {
	for {
		cur := e.status.Load()
		count := cur & readerCountMask
		if count == 0 {
			return
		}
		next := (cur &^ readerCountMask) | (count - 1)
		if e.status.CompareAndSwap(cur, next) {
			return
		}
	}
}

// MarkDeleted sets the tombstone bit, idempotently.
func (e *EntryIndex) MarkDeleted() {
	for {
		cur := e.status.Load()
		if cur&deletedBit != 0 {
			return
		}
		if e.status.CompareAndSwap(cur, cur|deletedBit) {
			return
		}
	}
}

// Deleted reports whether the tombstone bit is set.
func (e *EntryIndex) Deleted() bool { return e.status.Load()&deletedBit != 0 }

// ReaderCount returns the current reader count.
func (e *EntryIndex) ReaderCount() uint32 { return e.status.Load() & readerCountMask }

// Quiescent reports whether the entry has no readers and is safe to stage
// for epoch reclamation.
func (e *EntryIndex) Quiescent() bool { return e.ReaderCount() == 0 }

// ExpiresAt returns the entry's expiry time, or the zero Time if it has no
// TTL.
func (e *EntryIndex) ExpiresAt() time.Time { return e.meta.ExpiresAt }

// Expired reports whether now is at or past the entry's expiry.
func (e *EntryIndex) Expired(now time.Time) bool {
	return !e.meta.ExpiresAt.IsZero() && !now.Before(e.meta.ExpiresAt)
}

// SetExpiresAt updates the entry's TTL (zero Time clears it, i.e. PERSIST).
func (e *EntryIndex) SetExpiresAt(t time.Time) { e.meta.ExpiresAt = t }

// Size returns the total byte length of the value across all chunks.
func (e *EntryIndex) Size() int64 {
	var total int64
	for _, c := range e.chunks {
		total += int64(c.Length)
	}
	return total
}
