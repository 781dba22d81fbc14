package storage

import (
	"fmt"

	"github.com/cachegrand/cachegrand-go/internal/cgerr"
)

// ErrKeyNotFound is returned by Rename when the source key is absent or has
// passively expired.
var ErrKeyNotFound = fmt.Errorf("%w: key not found", cgerr.ErrSemantic)

// ErrWrongType is returned when a command targets a key whose stored kind
// doesn't support it (reserved for future non-string types).
var ErrWrongType = fmt.Errorf("%w: wrong kind of value", cgerr.ErrSemantic)

// ErrDatabaseIndexOutOfRange describes a database index beyond the
// configured database count. No function in this module returns it; SELECT
// reports an out-of-range index with its own "invalid DB index" error.
var ErrDatabaseIndexOutOfRange = fmt.Errorf("%w: database index out of range", cgerr.ErrArgument)

func errShardNotFound(idx uint32) error {
	return fmt.Errorf("%w: shard %d not resident", cgerr.ErrStorage, idx)
}
