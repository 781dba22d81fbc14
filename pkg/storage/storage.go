// Package storage implements cachegrand-go's core key-value engine: one
// Database per numbered key space, each backed by an MCMP hash table
// (internal/hashtable), chunked values in append-only shard files
// (pkg/storage/shardfile), a per-database TTL min-heap, and a pluggable
// sampling eviction policy (pkg/storage/eviction). Reclamation of retired
// entries is deferred to epoch-based garbage collection
// (internal/epoch) so lock-free readers never observe a use-after-free.
//
// Durability is a point-in-time snapshot model (BGSave/LoadSnapshot), not a
// write-ahead log: shard files are append-only value storage, not a
// durable commit journal, so everything between two snapshots is lost on
// crash by design.
//
// © 2025 cachegrand-go authors. MIT License.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/cachegrand/cachegrand-go/internal/cgerr"
	"github.com/cachegrand/cachegrand-go/internal/epoch"
	"github.com/cachegrand/cachegrand-go/internal/snapshotfmt"
	"github.com/cachegrand/cachegrand-go/pkg/storage/eviction"
	"github.com/cachegrand/cachegrand-go/pkg/storage/shardfile"
)

// Config is the process-wide storage configuration; the embedder populates
// it (YAML/CLI parsing is out of scope here).
type Config struct {
	DataDir         string
	DatabaseCount   uint32
	MaxKeysPerDB    uint64
	MaxMemoryPerDB  int64
	EvictionPolicy  eviction.Policy
	LFU             eviction.LFUConfig
	ShardSizeBytes  int64
	SnapshotMaxFiles int
	ServerVersion   [16]byte
	Logger          *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.DatabaseCount == 0 {
		c.DatabaseCount = 16
	}
	if c.ShardSizeBytes <= 0 {
		c.ShardSizeBytes = 64 << 20
	}
	if c.SnapshotMaxFiles <= 0 {
		c.SnapshotMaxFiles = 3
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// DB is the top-level storage engine: the full set of numbered databases
// plus the shared snapshot machinery.
type DB struct {
	cfg       Config
	databases []*Database

	hashEntryEpoch *epoch.Registry

	snapshotGroup singleflight.Group
	rotator       *shardfile.Rotator
}

// New constructs a DB with cfg.DatabaseCount databases, each with its own
// shard directory under cfg.DataDir/db-<n>/.
func New(cfg Config) (*DB, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", cgerr.ErrStorage, cfg.DataDir, err)
	}

	reg := epoch.NewRegistry(epoch.ObjectTypeEntryIndex)
	reg.RegisterDestructor(func(objects []any) {
		// entries are pure Go values; nothing to free beyond letting the GC
		// reclaim them once every reference (including the stripe-lock
		// critical section that tombstoned it) has let go.
		_ = objects
	})
	reg.StartCollector(epoch.DefaultCollectInterval)

	rotator, err := shardfile.NewRotator(cfg.DataDir, "snapshot", cfg.SnapshotMaxFiles)
	if err != nil {
		return nil, err
	}

	db := &DB{cfg: cfg, hashEntryEpoch: reg, rotator: rotator}
	for i := uint32(0); i < cfg.DatabaseCount; i++ {
		dcfg := DatabaseConfig{
			Index:          i,
			MaxKeys:        cfg.MaxKeysPerDB,
			MaxMemoryBytes: cfg.MaxMemoryPerDB,
			EvictionPolicy: cfg.EvictionPolicy,
			LFU:            cfg.LFU,
			ShardDir:       filepath.Join(cfg.DataDir, fmt.Sprintf("db-%d", i)),
			ShardSizeBytes: cfg.ShardSizeBytes,
		}
		database, err := newDatabase(dcfg, reg, cfg.Logger)
		if err != nil {
			return nil, err
		}
		db.databases = append(db.databases, database)
	}
	return db, nil
}

// Database returns the database at index i, or nil if out of range.
func (db *DB) Database(i uint32) *Database {
	if i >= uint32(len(db.databases)) {
		return nil
	}
	return db.databases[i]
}

// DatabaseCount returns the number of configured databases.
func (db *DB) DatabaseCount() int { return len(db.databases) }

// ActiveExpireCycle runs one active-expiration sweep across every
// database; called periodically by the worker's timer fiber.
func (db *DB) ActiveExpireCycle(now time.Time) int {
	total := 0
	for _, d := range db.databases {
		total += d.ActiveExpireCycle(now)
	}
	return total
}

// Close tears down every database and stops the background epoch
// collector.
func (db *DB) Close() error {
	db.hashEntryEpoch.StopCollector()
	var firstErr error
	for _, d := range db.databases {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// BGSave triggers a point-in-time snapshot, de-duplicating concurrent
// callers (many fibers issuing BGSAVE at once only run the dump once) via
// singleflight.
func (db *DB) BGSave() (path string, err error) {
	v, err, _ := db.snapshotGroup.Do("bgsave", func() (any, error) {
		return db.dumpSnapshot()
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (db *DB) dumpSnapshot() (string, error) {
	path := db.rotator.NextPath()
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	// Gather every live record before writing anything: a key can expire or
	// be evicted between Keys and Get, so the header's RecordCount must
	// reflect what was actually read, not what was merely enumerated.
	var records []snapshotfmt.Record
	for _, d := range db.databases {
		for _, key := range d.Keys(nil) {
			value, ok, err := d.Get(key)
			if err != nil {
				return "", err
			}
			if !ok {
				continue
			}
			var expiresMs int64
			if remaining, hasTTL, _ := d.TTL(key); hasTTL {
				expiresMs = time.Now().Add(remaining).UnixMilli()
			}
			records = append(records, snapshotfmt.Record{
				DatabaseIndex:      d.index,
				Key:                key,
				Value:              value,
				ExpiresAtUnixMilli: expiresMs,
			})
		}
	}

	w := snapshotfmt.NewWriter(f)
	var hdr snapshotfmt.Header
	hdr.CreatedAt = time.Now()
	hdr.ServerVersion = db.cfg.ServerVersion
	for _, d := range db.databases {
		hdr.EnableDB(int(d.index))
	}
	hdr.RecordCount = uint64(len(records))
	if err := w.WriteHeader(hdr); err != nil {
		return "", err
	}

	for _, rec := range records {
		if err := w.WriteRecord(rec); err != nil {
			return "", err
		}
	}

	if err := w.Close(); err != nil {
		return "", err
	}
	if err := db.rotator.Prune(); err != nil {
		return path, err
	}
	return path, nil
}

// LoadSnapshot restores every record from a snapshot file written by
// BGSave, overwriting any existing keys in the databases it names.
func (db *DB) LoadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := snapshotfmt.NewReader(f)
	hdr, err := r.ReadHeader()
	if err != nil {
		return err
	}

	for i := uint64(0); i < hdr.RecordCount; i++ {
		rec, err := r.ReadRecord()
		if err != nil {
			return fmt.Errorf("%w: %v", cgerr.ErrStorage, err)
		}
		d := db.Database(rec.DatabaseIndex)
		if d == nil {
			continue
		}
		var expiresAt time.Time
		if rec.ExpiresAtUnixMilli > 0 {
			expiresAt = time.UnixMilli(rec.ExpiresAtUnixMilli)
		}
		if err := d.Set(rec.Key, rec.Value, expiresAt); err != nil {
			return err
		}
	}
	if _, err := r.ReadFooter(); err != nil {
		return fmt.Errorf("%w: %v", cgerr.ErrStorage, err)
	}
	return nil
}
