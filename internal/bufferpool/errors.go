package bufferpool

import "github.com/tphakala/canpipe/internal/errors"

// Sentinel errors returned by the pool. Callers match them with errors.Is.
var (
	// ErrCapacityExceeded is returned when a single request can never fit the
	// budget, or when the hard limit is enabled and eviction cannot make room.
	ErrCapacityExceeded = errors.NewStd("buffer pool: capacity exceeded")

	// ErrInvalidRelease is returned when releasing a buffer that is not checked
	// out from this pool.
	ErrInvalidRelease = errors.NewStd("buffer pool: invalid release")

	// ErrInvalidSize is returned for non-positive sizes.
	ErrInvalidSize = errors.NewStd("buffer pool: invalid size")

	// ErrNoBucket is returned when a size is larger than the largest bucket.
	ErrNoBucket = errors.NewStd("buffer pool: no bucket large enough")

	// ErrIO is returned when a file cannot be opened or mapped.
	ErrIO = errors.NewStd("buffer pool: file map failed")

	// ErrPoolClosed is returned by operations on a closed pool.
	ErrPoolClosed = errors.NewStd("buffer pool: closed")
)

const componentName = "bufferpool"
