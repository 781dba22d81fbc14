package storage

import (
	"sort"
	"sync"

	"github.com/cachegrand/cachegrand-go/internal/hashtable"
)

// stripeCount is the number of mutexes a database's key-lock striping uses.
// Large enough that unrelated keys rarely collide, small enough to keep
// the array off the allocator's large-object path.
const stripeCount = 4096

// keyLocks stripes per-key command-level critical sections across a fixed
// array of mutexes, independent of the hash table's own internal
// structural locking (which only ever protects chain mutation).
type keyLocks struct {
	table *hashtable.Table
	mus   [stripeCount]sync.Mutex
}

func newKeyLocks(table *hashtable.Table) *keyLocks {
	return &keyLocks{table: table}
}

func (kl *keyLocks) stripeOf(key []byte, databaseIndex uint32) uint64 {
	return kl.table.Hash(databaseIndex, key) % stripeCount
}

// lockHandle represents a set of stripes held in ascending order; release
// unlocks them in the reverse order they were acquired.
type lockHandle struct {
	kl      *keyLocks
	stripes []uint64
}

// LockKeys locks the stripes for every key in keys (deduplicated, sorted
// hash-ascending) and returns a handle to release them. The multi-key
// storage operations (MSetNX, Rename, same-database Copy) acquire locks
// through this path, in the same global stripe order, so no two callers
// can deadlock against each other regardless of the order their command
// arguments name the keys.
func (kl *keyLocks) LockKeys(databaseIndex uint32, keys ...[]byte) *lockHandle {
	seen := make(map[uint64]bool, len(keys))
	var stripes []uint64
	for _, k := range keys {
		s := kl.stripeOf(k, databaseIndex)
		if !seen[s] {
			seen[s] = true
			stripes = append(stripes, s)
		}
	}
	sort.Slice(stripes, func(i, j int) bool { return stripes[i] < stripes[j] })
	for _, s := range stripes {
		kl.mus[s].Lock()
	}
	return &lockHandle{kl: kl, stripes: stripes}
}

// Unlock releases every stripe this handle holds, in reverse acquisition
// order.
func (h *lockHandle) Unlock() {
	for i := len(h.stripes) - 1; i >= 0; i-- {
		h.kl.mus[h.stripes[i]].Unlock()
	}
}

// crossDatabaseLock locks keys across potentially different databases
// (e.g. COPY's destination db), ordering first by database index ascending
// and then by stripe ascending within each database, so a concurrent
// cross-database operation touching the same two databases in either
// argument order still acquires locks in one consistent global order.
func crossDatabaseLock(dbs []*Database, keysPerDB [][][]byte) func() {
	type claim struct {
		dbIndex uint32
		kl      *keyLocks
		stripe  uint64
	}
	var claims []claim
	seen := make(map[[2]uint64]bool)
	for i, db := range dbs {
		for _, k := range keysPerDB[i] {
			s := db.locks.stripeOf(k, db.index)
			id := [2]uint64{uint64(db.index), s}
			if seen[id] {
				continue
			}
			seen[id] = true
			claims = append(claims, claim{dbIndex: db.index, kl: db.locks, stripe: s})
		}
	}
	sort.Slice(claims, func(i, j int) bool {
		if claims[i].dbIndex != claims[j].dbIndex {
			return claims[i].dbIndex < claims[j].dbIndex
		}
		return claims[i].stripe < claims[j].stripe
	})
	for _, c := range claims {
		c.kl.mus[c.stripe].Lock()
	}
	return func() {
		for i := len(claims) - 1; i >= 0; i-- {
			claims[i].kl.mus[claims[i].stripe].Unlock()
		}
	}
}
