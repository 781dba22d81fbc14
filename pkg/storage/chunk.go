package storage

import (
	"github.com/cachegrand/cachegrand-go/pkg/storage/shardfile"
)

// ChunkMaxSize is the largest single chunk a value is split into before
// being linked into a chain of chunks (CHUNK_MAX in the original storage
// engine: 64 KiB).
const ChunkMaxSize = 64 * 1024

func chunkValue(mgr *shardfile.Manager, value []byte) ([]chunkRef, error) {
	if len(value) == 0 {
		return nil, nil
	}
	var refs []chunkRef
	for off := 0; off < len(value); off += ChunkMaxSize {
		end := off + ChunkMaxSize
		if end > len(value) {
			end = len(value)
		}
		ref, err := appendChunk(mgr, value[off:end])
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func appendChunk(mgr *shardfile.Manager, piece []byte) (chunkRef, error) {
	if mgr.CheckRotationNeeded() {
		if _, err := mgr.Rotate(); err != nil {
			return chunkRef{}, err
		}
	}
	active := mgr.Active()
	offset, err := active.Append(piece)
	if err != nil {
		return chunkRef{}, err
	}
	return chunkRef{ShardIndex: active.Index, Offset: offset, Length: len(piece)}, nil
}

func readChunks(mgr *shardfile.Manager, refs []chunkRef) ([]byte, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	byIndex := make(map[uint32]*shardfile.Shard, 2)
	for _, s := range mgr.Shards() {
		byIndex[s.Index] = s
	}

	total := 0
	for _, r := range refs {
		total += r.Length
	}
	out := make([]byte, 0, total)
	for _, r := range refs {
		shard, ok := byIndex[r.ShardIndex]
		if !ok {
			return nil, errShardNotFound(r.ShardIndex)
		}
		piece, err := shard.ReadAt(r.Offset, r.Length)
		if err != nil {
			return nil, err
		}
		out = append(out, piece...)
	}
	return out, nil
}

// appendToValue implements the documented APPEND growth rule: when the
// last chunk is shorter than ChunkMaxSize AND is still the tail of the
// active shard file (nothing else has been appended after it), the suffix
// lands immediately after it on disk and the two chunkRefs are merged into
// one contiguous logical chunk — a true in-place extension — up to
// ChunkMaxSize; any remainder goes into new chunks linked onto the chain.
// Whenever that physical-contiguity precondition doesn't hold (shard
// rotated since, or the last chunk is already full), the whole suffix goes
// into new linked chunks instead; the value is always the ordered
// concatenation of its chunks either way, so this is purely a space
// optimization, never a correctness requirement.
func appendToValue(mgr *shardfile.Manager, existing []chunkRef, suffix []byte) ([]chunkRef, error) {
	if len(suffix) == 0 {
		return existing, nil
	}
	if len(existing) == 0 {
		return chunkValue(mgr, suffix)
	}

	last := existing[len(existing)-1]
	active := mgr.Active()
	room := ChunkMaxSize - last.Length
	tailContiguous := last.ShardIndex == active.Index && active.Size() == last.Offset+int64(last.Length)

	if room > 0 && tailContiguous {
		fit := suffix
		var rest []byte
		if len(suffix) > room {
			fit, rest = suffix[:room], suffix[room:]
		}
		if _, err := active.Append(fit); err != nil {
			return nil, err
		}
		merged := last
		merged.Length += len(fit)
		out := append(append([]chunkRef{}, existing[:len(existing)-1]...), merged)
		if len(rest) > 0 {
			more, err := chunkValue(mgr, rest)
			if err != nil {
				return nil, err
			}
			out = append(out, more...)
		}
		return out, nil
	}

	more, err := chunkValue(mgr, suffix)
	if err != nil {
		return nil, err
	}
	return append(existing, more...), nil
}
