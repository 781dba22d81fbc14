package storage

import (
	"math"
	"math/rand"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/cachegrand/cachegrand-go/internal/cgerr"
	"github.com/cachegrand/cachegrand-go/internal/epoch"
	"github.com/cachegrand/cachegrand-go/internal/hashtable"
	"github.com/cachegrand/cachegrand-go/pkg/storage/eviction"
	"github.com/cachegrand/cachegrand-go/pkg/storage/shardfile"
)

// DatabaseConfig tunes one numbered database.
type DatabaseConfig struct {
	Index           uint32
	MaxKeys         uint64
	MaxMemoryBytes  int64
	EvictionPolicy  eviction.Policy
	LFU             eviction.LFUConfig
	ShardDir        string
	ShardSizeBytes  int64
	SampleSize      int
}

func (c DatabaseConfig) withDefaults() DatabaseConfig {
	if c.SampleSize <= 0 {
		c.SampleSize = 5
	}
	return c
}

// DatabaseStats mirrors the worker's internal/shared stats split: plain
// fields updated only by the owning worker goroutine (never atomics —
// there is exactly one writer), published periodically as a snapshot.
type DatabaseStats struct {
	KeysCount  int64
	Hits       int64
	Misses     int64
	Evictions  int64
	Expired    int64
}

// Database is one numbered key space: a hash-table index keyed by
// (database_index, key), a TTL min-heap, an eviction sampler, and the
// shard-file manager chunk data is written to.
type Database struct {
	index uint32
	cfg   DatabaseConfig

	table   *hashtable.Table
	locks   *keyLocks
	ttl     *ttlIndex
	sampler eviction.Sampler
	shards  *shardfile.Manager
	epochReg *epoch.Registry
	epochT  *epoch.Thread

	stats  DatabaseStats
	logger *zap.Logger
}

func newDatabase(cfg DatabaseConfig, epochReg *epoch.Registry, logger *zap.Logger) (*Database, error) {
	cfg = cfg.withDefaults()
	table := hashtable.New(hashtable.Config{MaxKeys: cfg.MaxKeys})
	mgr, err := shardfile.NewManager(cfg.ShardDir, cfg.ShardSizeBytes)
	if err != nil {
		return nil, err
	}
	return &Database{
		index:    cfg.Index,
		cfg:      cfg,
		table:    table,
		locks:    newKeyLocks(table),
		ttl:      newTTLIndex(),
		sampler:  eviction.New(cfg.EvictionPolicy, cfg.LFU),
		shards:   mgr,
		epochReg: epochReg,
		epochT:   epochReg.RegisterThread(),
		logger:   logger,
	}, nil
}

// Index returns this database's numeric index.
func (d *Database) Index() uint32 { return d.index }

// Stats returns a copy of the current internal stats block.
func (d *Database) Stats() DatabaseStats { return d.stats }

// Set stores key -> value with an optional expiry (zero Time = no TTL),
// replacing any existing entry and its chunk chain.
func (d *Database) Set(key, value []byte, expiresAt time.Time) error {
	h := d.locks.LockKeys(d.index, key)
	defer h.Unlock()
	_, _, err := d.setLocked(key, value, expiresAt)
	return err
}

// setLocked performs the write; the caller must already hold key's stripe
// lock. Returns the previous value (if any existed) so callers implementing
// GETSET/SET..GET can hand it back without a second lookup.
func (d *Database) setLocked(key, value []byte, expiresAt time.Time) (oldValue []byte, existed bool, err error) {
	chunks, err := chunkValue(d.shards, value)
	if err != nil {
		return nil, false, err
	}
	entry := newEntryIndex(append([]byte(nil), key...), expiresAt, uint32(len(value)))
	entry.chunks = chunks

	hash := d.table.Hash(d.index, key)
	old, existed := d.table.Update(hash, key, entry)
	if !existed {
		if err := d.table.Insert(hash, key, entry); err != nil {
			return nil, false, err
		}
		d.stats.KeysCount++
	} else {
		oldEntry := old.(*EntryIndex)
		if !oldEntry.Expired(time.Now()) {
			oldValue, _ = readChunks(d.shards, oldEntry.chunks)
		}
		d.retireLocked(old)
	}
	d.ttl.Track(entry)
	d.maybeEvict()
	return oldValue, existed, nil
}

// SetOptions tunes a conditional SET.
type SetOptions struct {
	ExpiresAt    time.Time // zero = no TTL, only meaningful when KeepTTL is false
	KeepTTL      bool      // preserve the existing entry's TTL instead of ExpiresAt
	OnlyIfExists bool      // SET..XX / a plain overwrite guard
	OnlyIfAbsent bool      // SET..NX / SETNX
}

// SetWithOptions implements SET's NX/XX/KEEPTTL/GET family atomically under
// the key's stripe lock: the existence check and the write happen as one
// critical section, so two racing SET NX calls can't both believe they won.
func (d *Database) SetWithOptions(key, value []byte, opts SetOptions) (previous []byte, hadPrevious bool, applied bool, err error) {
	h := d.locks.LockKeys(d.index, key)
	defer h.Unlock()

	hash := d.table.Hash(d.index, key)
	v, exists := d.table.Lookup(hash, key)
	liveExists := false
	var existingExpiresAt time.Time
	if exists {
		entry := v.(*EntryIndex)
		if !entry.Expired(time.Now()) {
			liveExists = true
			existingExpiresAt = entry.ExpiresAt()
			previous, _ = readChunks(d.shards, entry.chunks)
		}
	}

	if opts.OnlyIfAbsent && liveExists {
		return previous, liveExists, false, nil
	}
	if opts.OnlyIfExists && !liveExists {
		return previous, liveExists, false, nil
	}

	expiresAt := opts.ExpiresAt
	if opts.KeepTTL {
		expiresAt = existingExpiresAt
	}
	if _, _, err := d.setLocked(key, value, expiresAt); err != nil {
		return previous, liveExists, false, err
	}
	return previous, liveExists, true, nil
}

// MSetNX sets every key in pairs only if none of them currently exist,
// locking every key's stripe up front (striped.go's multi-key ordering
// avoids deadlocking against another multi-key command) so the all-or-
// nothing check-then-set is atomic across the whole batch.
func (d *Database) MSetNX(pairs [][2][]byte) (applied bool, err error) {
	keys := make([][]byte, len(pairs))
	for i, p := range pairs {
		keys[i] = p[0]
	}
	h := d.locks.LockKeys(d.index, keys...)
	defer h.Unlock()

	for _, k := range keys {
		hash := d.table.Hash(d.index, k)
		if v, ok := d.table.Lookup(hash, k); ok && !v.(*EntryIndex).Expired(time.Now()) {
			return false, nil
		}
	}
	for _, p := range pairs {
		if _, _, err := d.setLocked(p[0], p[1], time.Time{}); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Get returns the current value for key. Passive expiration: an
// already-expired key is treated as absent and reaped on the way out.
func (d *Database) Get(key []byte) ([]byte, bool, error) {
	hash := d.table.Hash(d.index, key)
	v, ok := d.table.Lookup(hash, key)
	if !ok {
		d.stats.Misses++
		return nil, false, nil
	}
	entry := v.(*EntryIndex)
	if !entry.AcquireReader() {
		d.stats.Misses++
		return nil, false, nil
	}
	defer entry.ReleaseReader()

	if entry.Expired(time.Now()) {
		d.stats.Misses++
		d.expireNow(key)
		return nil, false, nil
	}

	entry.meta.Touch(time.Now())
	data, err := readChunks(d.shards, entry.chunks)
	if err != nil {
		return nil, false, err
	}
	d.stats.Hits++
	return data, true, nil
}

// Append implements APPEND: concatenates value onto the existing entry (or
// creates it if absent or expired), returning the new total length.
func (d *Database) Append(key, suffix []byte) (int64, error) {
	h := d.locks.LockKeys(d.index, key)
	defer h.Unlock()

	hash := d.table.Hash(d.index, key)
	v, ok := d.table.Lookup(hash, key)
	if !ok || v.(*EntryIndex).Expired(time.Now()) {
		if _, _, err := d.setLocked(key, suffix, time.Time{}); err != nil {
			return 0, err
		}
		return int64(len(suffix)), nil
	}
	entry := v.(*EntryIndex)
	grown, err := appendToValue(d.shards, entry.chunks, suffix)
	if err != nil {
		return 0, err
	}
	entry.chunks = grown
	entry.meta.Weight += uint32(len(suffix))
	return entry.Size(), nil
}

// IncrBy implements INCR/DECR/INCRBY/DECRBY atomically under the key's
// stripe lock: parsing the current value, overflow-checking delta against
// it, and writing the result back all happen as one critical section, so
// two racing INCRs on the same key can't both read the same base value.
// On any error the key is left unchanged.
func (d *Database) IncrBy(key []byte, delta int64) (int64, error) {
	h := d.locks.LockKeys(d.index, key)
	defer h.Unlock()

	hash := d.table.Hash(d.index, key)
	var cur int64
	if v, ok := d.table.Lookup(hash, key); ok {
		entry := v.(*EntryIndex)
		if !entry.Expired(time.Now()) {
			raw, err := readChunks(d.shards, entry.chunks)
			if err != nil {
				return 0, err
			}
			cur, err = strconv.ParseInt(string(raw), 10, 64)
			if err != nil {
				return 0, cgerr.Wrap(cgerr.KindArgument, "value is not an integer or out of range")
			}
		}
	}

	if (delta > 0 && cur > math.MaxInt64-delta) || (delta < 0 && cur < math.MinInt64-delta) {
		return 0, cgerr.Wrap(cgerr.KindArgument, "increment or decrement would overflow")
	}
	next := cur + delta

	if _, _, err := d.setLocked(key, []byte(strconv.FormatInt(next, 10)), time.Time{}); err != nil {
		return 0, err
	}
	return next, nil
}

// Rename moves src's value (and TTL) onto dst atomically under both keys'
// stripe locks. If overwrite is false and dst already exists, Rename leaves
// both keys untouched and returns ok=false (RENAMENX semantics); RENAME
// always passes overwrite=true.
func (d *Database) Rename(src, dst []byte, overwrite bool) (ok bool, err error) {
	h := d.locks.LockKeys(d.index, src, dst)
	defer h.Unlock()

	srcHash := d.table.Hash(d.index, src)
	v, exists := d.table.Lookup(srcHash, src)
	if !exists || v.(*EntryIndex).Expired(time.Now()) {
		return false, ErrKeyNotFound
	}
	entry := v.(*EntryIndex)

	if !overwrite {
		dstHash := d.table.Hash(d.index, dst)
		if dv, ok := d.table.Lookup(dstHash, dst); ok && !dv.(*EntryIndex).Expired(time.Now()) {
			return false, nil
		}
	}

	value, rerr := readChunks(d.shards, entry.chunks)
	if rerr != nil {
		return false, rerr
	}
	if _, _, err := d.setLocked(dst, value, entry.ExpiresAt()); err != nil {
		return false, err
	}
	d.deleteLocked(src)
	return true, nil
}

// Copy duplicates src's value (and TTL) onto dst within this same database,
// atomically under both keys' stripe locks. Cross-database COPY is composed
// at the dispatcher layer from a Get on the source database and a
// SetWithOptions on the destination, since the two databases don't share a
// lock domain.
func (d *Database) Copy(src, dst []byte, replace bool) (ok bool, err error) {
	h := d.locks.LockKeys(d.index, src, dst)
	defer h.Unlock()

	srcHash := d.table.Hash(d.index, src)
	v, exists := d.table.Lookup(srcHash, src)
	if !exists || v.(*EntryIndex).Expired(time.Now()) {
		return false, nil
	}
	entry := v.(*EntryIndex)

	if !replace {
		dstHash := d.table.Hash(d.index, dst)
		if dv, ok := d.table.Lookup(dstHash, dst); ok && !dv.(*EntryIndex).Expired(time.Now()) {
			return false, nil
		}
	}

	value, rerr := readChunks(d.shards, entry.chunks)
	if rerr != nil {
		return false, rerr
	}
	if _, _, err := d.setLocked(dst, value, entry.ExpiresAt()); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes key (DEL/UNLINK semantics are identical at this layer,
// and the dispatcher routes both commands to the same handler). Returns
// whether the key existed.
func (d *Database) Delete(key []byte) bool {
	h := d.locks.LockKeys(d.index, key)
	defer h.Unlock()
	return d.deleteLocked(key)
}

func (d *Database) deleteLocked(key []byte) bool {
	hash := d.table.Hash(d.index, key)
	old, ok := d.table.Delete(hash, key)
	if !ok {
		return false
	}
	d.ttl.Untrack(key)
	d.stats.KeysCount--
	d.retireLocked(old)
	return true
}

// retireLocked tombstones the outgoing entry and stages it for epoch
// reclamation; the caller must already hold the key's stripe lock.
func (d *Database) retireLocked(old any) {
	entry := old.(*EntryIndex)
	entry.MarkDeleted()
	d.epochT.Stage(entry)
}

func (d *Database) expireNow(key []byte) {
	h := d.locks.LockKeys(d.index, key)
	defer h.Unlock()
	hash := d.table.Hash(d.index, key)
	if v, ok := d.table.Lookup(hash, key); !ok || !v.(*EntryIndex).Expired(time.Now()) {
		return
	}
	if d.deleteLocked(key) {
		d.stats.Expired++
	}
}

// Exists reports whether key is present and unexpired.
func (d *Database) Exists(key []byte) bool {
	hash := d.table.Hash(d.index, key)
	v, ok := d.table.Lookup(hash, key)
	if !ok {
		return false
	}
	entry := v.(*EntryIndex)
	return !entry.Expired(time.Now())
}

// TTL returns the remaining time to live for key, matching Redis' TTL
// semantics: -2 (via ok=false) if the key is absent, a zero Duration and
// hasTTL=false if the key has no expiry.
func (d *Database) TTL(key []byte) (remaining time.Duration, hasTTL bool, ok bool) {
	hash := d.table.Hash(d.index, key)
	v, found := d.table.Lookup(hash, key)
	if !found {
		return 0, false, false
	}
	entry := v.(*EntryIndex)
	if entry.Expired(time.Now()) {
		return 0, false, false
	}
	if entry.ExpiresAt().IsZero() {
		return 0, false, true
	}
	return time.Until(entry.ExpiresAt()), true, true
}

// Expire sets key's TTL; a zero Time clears it (PERSIST uses this path with
// the zero Time).
func (d *Database) Expire(key []byte, at time.Time) bool {
	h := d.locks.LockKeys(d.index, key)
	defer h.Unlock()
	hash := d.table.Hash(d.index, key)
	v, ok := d.table.Lookup(hash, key)
	if !ok {
		return false
	}
	entry := v.(*EntryIndex)
	if entry.Expired(time.Now()) {
		return false
	}
	entry.SetExpiresAt(at)
	d.ttl.Track(entry)
	return true
}

// DBSize returns the approximate number of keys (unexpired or not — passive
// expiration reaps lazily).
func (d *Database) DBSize() int64 { return d.stats.KeysCount }

// FlushDB discards every key, reopening a fresh hash table and TTL index.
// Shard files, and the bytes already written to them, are left on disk;
// nothing in this package reclaims them.
func (d *Database) FlushDB() {
	d.table = hashtable.New(hashtable.Config{MaxKeys: d.cfg.MaxKeys})
	d.locks = newKeyLocks(d.table)
	d.ttl = newTTLIndex()
	d.stats = DatabaseStats{}
}

// RandomKey returns one key chosen uniformly at random via SCAN's iteration
// cursor over a single batch, ok=false if the database is empty.
func (d *Database) RandomKey() (key []byte, ok bool) {
	var candidates [][]byte
	d.table.Iterate(0, 32, func(k []byte, _ hashtable.Value) bool {
		candidates = append(candidates, append([]byte(nil), k...))
		return true
	})
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates[rand.Intn(len(candidates))], true
}

// Keys returns every key for which match returns true (nil match = every
// key).
func (d *Database) Keys(match func(key []byte) bool) [][]byte {
	var out [][]byte
	cursor := hashtable.Cursor(0)
	for {
		cursor = d.table.Iterate(cursor, 256, func(k []byte, _ hashtable.Value) bool {
			if match == nil || match(k) {
				out = append(out, append([]byte(nil), k...))
			}
			return true
		})
		if cursor == 0 {
			break
		}
	}
	return out
}

// Scan performs one SCAN batch starting at cursor, returning the keys
// yielded and the next cursor (0 when exhausted).
func (d *Database) Scan(cursor hashtable.Cursor, count int, match func(key []byte) bool) (keys [][]byte, next hashtable.Cursor) {
	next = d.table.Iterate(cursor, count, func(k []byte, _ hashtable.Value) bool {
		if match == nil || match(k) {
			keys = append(keys, append([]byte(nil), k...))
		}
		return true
	})
	return keys, next
}

// ActiveExpireCycle pops every entry past its expiry from the TTL heap and
// deletes it; called periodically by the worker's timer fiber.
func (d *Database) ActiveExpireCycle(now time.Time) int {
	expired := d.ttl.PopExpired(now)
	for _, e := range expired {
		h := d.locks.LockKeys(d.index, e.Key)
		d.deleteLocked(e.Key)
		h.Unlock()
	}
	d.stats.Expired += int64(len(expired))
	return len(expired)
}

// maybeEvict samples candidate entries and evicts one if the database is
// over its memory budget; called after every Set, with the writer's stripe
// lock held. A victim whose stripe is already locked (by the calling writer
// or anyone else) is not evicted in that round.
func (d *Database) maybeEvict() {
	if d.cfg.MaxMemoryBytes <= 0 {
		return
	}
	if d.shards.LiveBytes() <= d.cfg.MaxMemoryBytes {
		return
	}
	sample := d.sampleForEviction(d.cfg.SampleSize)
	if len(sample) == 0 {
		return
	}
	metas := make([]*eviction.Metadata, len(sample))
	for i, e := range sample {
		metas[i] = &e.meta
	}
	victimIdx, ok := d.sampler.Evict(metas)
	if !ok {
		return
	}
	victim := sample[victimIdx]
	if d.logger != nil {
		d.logger.Debug("evicting key", zap.Uint32("database", d.index), zap.Int("policy_sample", len(sample)))
	}
	stripe := d.locks.stripeOf(victim.Key, d.index)
	if !d.locks.mus[stripe].TryLock() {
		return
	}
	d.deleteLocked(victim.Key)
	d.locks.mus[stripe].Unlock()
	d.stats.Evictions++
}

func (d *Database) sampleForEviction(n int) []*EntryIndex {
	var out []*EntryIndex
	d.table.Iterate(0, n, func(_ []byte, v hashtable.Value) bool {
		out = append(out, v.(*EntryIndex))
		return len(out) < n
	})
	return out
}

// Close releases the database's shard manager and unregisters its epoch
// thread.
func (d *Database) Close() error {
	d.epochReg.UnregisterThread(d.epochT)
	return d.shards.Close()
}
