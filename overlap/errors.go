package overlap

import "errors"

// ErrInvalidTable is returned by Build when the global row table is
// inconsistent (duplicate globals, owners that hold no copy, out-of-range
// ranks). A table rejected on one rank is rejected on every rank.
var ErrInvalidTable = errors.New("invalid overlap table")
