package bufferpool

import (
	"github.com/tphakala/canpipe/internal/errors"
)

// DefaultFreeListCap is the number of free buffers kept per bucket.
const DefaultFreeListCap = 10

// evictionTargetRatio is the share of the budget eviction shrinks allocations to.
const evictionTargetRatio = 0.8

// Config holds construction-time settings for a Pool.
type Config struct {
	MaxMemoryBytes    int64 // budget for pooled buffers, checked out or free
	SizeBuckets       []int // ascending and distinct
	MMapCacheCapacity int   // mapped files kept in the LRU
	FreeListCap       int   // 0 selects DefaultFreeListCap
	HardLimit         bool  // fail with ErrCapacityExceeded instead of overshooting
}

func (c *Config) validate() error {
	if c.MaxMemoryBytes <= 0 {
		return errors.Newf("max memory must be positive, got %d", c.MaxMemoryBytes).
			Component(componentName).
			Category(errors.CategoryValidation).
			Build()
	}
	if len(c.SizeBuckets) == 0 {
		return errors.Newf("at least one size bucket is required").
			Component(componentName).
			Category(errors.CategoryValidation).
			Build()
	}
	for i, size := range c.SizeBuckets {
		if size <= 0 || (i > 0 && size <= c.SizeBuckets[i-1]) {
			return errors.Newf("size buckets must be positive and strictly increasing: %v", c.SizeBuckets).
				Component(componentName).
				Category(errors.CategoryValidation).
				Context("bucket_index", i).
				Build()
		}
	}
	if c.MMapCacheCapacity <= 0 {
		return errors.Newf("mmap cache capacity must be positive, got %d", c.MMapCacheCapacity).
			Component(componentName).
			Category(errors.CategoryValidation).
			Build()
	}
	if c.FreeListCap < 0 {
		return errors.Newf("free list cap must not be negative, got %d", c.FreeListCap).
			Component(componentName).
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}
