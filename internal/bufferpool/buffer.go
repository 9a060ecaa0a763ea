package bufferpool

import "github.com/tphakala/canpipe/internal/errors"

// Buffer is a pooled memory block owned by one caller between Acquire and Release.
type Buffer struct {
	data       []byte // full bucket capacity
	size       int    // requested length
	pool       *Pool
	checkedOut bool // guarded by pool.mu
}

// Bytes returns the requested length of the block.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.size]
}

// Full returns the whole bucket-sized block, for callers that can use the slack.
func (b *Buffer) Full() []byte {
	return b.data
}

// Len returns the requested size.
func (b *Buffer) Len() int {
	return b.size
}

// Cap returns the bucket size.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Release returns the buffer to its pool. See Pool.Release.
func (b *Buffer) Release() error {
	if b == nil || b.pool == nil {
		return errors.New(ErrInvalidRelease).
			Component(componentName).
			Category(errors.CategoryBuffer).
			Context("reason", "detached buffer").
			Build()
	}
	return b.pool.Release(b)
}
