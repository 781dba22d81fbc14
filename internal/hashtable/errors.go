package hashtable

import "errors"

// ErrCapacityExceeded is returned by Insert when max_keys would be
// exceeded.
var ErrCapacityExceeded = errors.New("hashtable: max_keys capacity exceeded")
