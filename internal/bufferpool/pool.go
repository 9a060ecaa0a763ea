// Package bufferpool provides size-bucketed reusable buffers under a global
// memory budget, plus an LRU cache of read-only memory-mapped files.
//
// A Buffer is owned by exactly one caller from Acquire until Release. Use With
// for scoped acquisition so the buffer is returned on every exit path.
package bufferpool

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/tphakala/canpipe/internal/errors"
	"github.com/tphakala/canpipe/internal/logger"
	"github.com/tphakala/canpipe/internal/observability/metrics"
)

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	FreeBuffers    map[int]int // bucket size -> buffers in its free list
	AllocatedBytes int64       // checked-out plus free-listed bytes
	InUseBytes     int64       // checked-out bytes only
	MaxMemoryBytes int64

	Allocations uint64 // fresh allocations
	Reuses      uint64 // acquisitions served from a free list
	Releases    uint64
	Discards    uint64 // releases dropped because the free list was full
	Evictions   uint64 // free buffers dropped to make room
	Overshoots  uint64 // allocations past the budget

	MMapCacheEntries int
	MMapHits         uint64
	MMapMisses       uint64
}

// ReuseRate returns the share of acquisitions served from free lists.
func (s Stats) ReuseRate() float64 {
	total := s.Reuses + s.Allocations
	if total == 0 {
		return 0
	}
	return float64(s.Reuses) / float64(total)
}

// MMapHitRate returns the mapped-file cache hit rate.
func (s Stats) MMapHitRate() float64 {
	total := s.MMapHits + s.MMapMisses
	if total == 0 {
		return 0
	}
	return float64(s.MMapHits) / float64(total)
}

// Pool hands out bucket-sized buffers and caches mapped files.
// All state is guarded by one mutex; methods must not be called from code
// that already holds it.
type Pool struct {
	mu sync.Mutex

	buckets     []int
	freeLists   map[int][]*Buffer // LIFO per bucket
	freeListCap int
	maxBytes    int64
	hardLimit   bool

	allocated int64
	inUse     int64
	stats     Stats

	mmapCache *simplelru.LRU[string, *mapping] // guarded by mu

	closed  bool
	metrics *metrics.BufferPoolMetrics
}

// New creates a pool. m may be nil.
func New(config Config, m *metrics.BufferPoolMetrics) (*Pool, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	freeListCap := config.FreeListCap
	if freeListCap == 0 {
		freeListCap = DefaultFreeListCap
	}

	p := &Pool{
		buckets:     slices.Clone(config.SizeBuckets),
		freeLists:   make(map[int][]*Buffer, len(config.SizeBuckets)),
		freeListCap: freeListCap,
		maxBytes:    config.MaxMemoryBytes,
		hardLimit:   config.HardLimit,
		metrics:     m,
	}
	mmapCache, err := simplelru.NewLRU(config.MMapCacheCapacity, p.onMappingEvicted)
	if err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryValidation).
			Build()
	}
	p.mmapCache = mmapCache

	getLogger().Info("buffer pool initialized",
		logger.Int64("max_memory_bytes", p.maxBytes),
		logger.Any("size_buckets", p.buckets),
		logger.Int("mmap_cache_capacity", config.MMapCacheCapacity),
		logger.Bool("hard_limit", p.hardLimit))

	return p, nil
}

// bucketFor returns the smallest bucket that fits size.
func (p *Pool) bucketFor(size int) (int, bool) {
	i := sort.SearchInts(p.buckets, size)
	if i == len(p.buckets) {
		return 0, false
	}
	return p.buckets[i], true
}

// Acquire checks out a buffer of at least size bytes. The returned buffer's
// Bytes has length size and is zeroed.
//
// A free buffer of the matching bucket is reused when available. Otherwise a
// new one is allocated; if that would exceed the budget, free buffers are
// evicted from the largest buckets first until allocation drops to 80% of the
// budget. When eviction cannot make room the pool overshoots the budget,
// unless HardLimit is set.
func (p *Pool) Acquire(size int) (*Buffer, error) {
	if size <= 0 {
		p.recordAcquireError("invalid_size")
		return nil, errors.New(ErrInvalidSize).
			Component(componentName).
			Category(errors.CategoryValidation).
			Context("requested_size", size).
			Build()
	}
	bucket, ok := p.bucketFor(size)
	if !ok {
		p.recordAcquireError("no_bucket")
		return nil, errors.New(ErrNoBucket).
			Component(componentName).
			Category(errors.CategoryValidation).
			Context("requested_size", size).
			Context("largest_bucket", p.buckets[len(p.buckets)-1]).
			Build()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.New(ErrPoolClosed).
			Component(componentName).
			Category(errors.CategoryState).
			Build()
	}

	if free := p.freeLists[bucket]; len(free) > 0 {
		buf := free[len(free)-1]
		free[len(free)-1] = nil
		p.freeLists[bucket] = free[:len(free)-1]

		buf.size = size
		buf.checkedOut = true
		p.inUse += int64(bucket)
		p.stats.Reuses++
		if p.metrics != nil {
			p.metrics.RecordAcquire(bucket, metrics.ResultReuse)
		}
		p.publishMemoryLocked()
		return buf, nil
	}

	need := int64(bucket)
	if need > p.maxBytes {
		p.recordAcquireError("capacity")
		return nil, errors.New(ErrCapacityExceeded).
			Component(componentName).
			Category(errors.CategoryLimit).
			Context("bucket", bucket).
			Context("max_memory_bytes", p.maxBytes).
			Build()
	}

	if p.allocated+need > p.maxBytes {
		p.evictLocked()
	}
	if p.allocated+need > p.maxBytes {
		if p.hardLimit {
			p.recordAcquireError("capacity")
			return nil, errors.New(ErrCapacityExceeded).
				Component(componentName).
				Category(errors.CategoryLimit).
				Context("bucket", bucket).
				Context("allocated_bytes", p.allocated).
				Context("max_memory_bytes", p.maxBytes).
				Build()
		}
		p.stats.Overshoots++
		if p.metrics != nil {
			p.metrics.RecordOvershoot()
		}
		getLogger().Warn("buffer pool over budget, allocating anyway",
			logger.Int("bucket", bucket),
			logger.Int64("allocated_bytes", p.allocated),
			logger.Int64("max_memory_bytes", p.maxBytes))
	}

	buf := &Buffer{
		data:       make([]byte, bucket),
		size:       size,
		pool:       p,
		checkedOut: true,
	}
	p.allocated += need
	p.inUse += need
	p.stats.Allocations++
	if p.metrics != nil {
		p.metrics.RecordAcquire(bucket, metrics.ResultAlloc)
	}
	p.publishMemoryLocked()
	return buf, nil
}

// evictLocked drops free buffers, largest bucket first, until allocation is
// at or below the eviction target or no free buffers remain.
func (p *Pool) evictLocked() {
	target := int64(float64(p.maxBytes) * evictionTargetRatio)
	evicted := 0

	for i := len(p.buckets) - 1; i >= 0 && p.allocated > target; i-- {
		bucket := p.buckets[i]
		free := p.freeLists[bucket]
		for len(free) > 0 && p.allocated > target {
			free[len(free)-1] = nil
			free = free[:len(free)-1]
			p.allocated -= int64(bucket)
			p.stats.Evictions++
			evicted++
			if p.metrics != nil {
				p.metrics.RecordEviction(bucket)
			}
		}
		p.freeLists[bucket] = free
	}

	if evicted > 0 {
		getLogger().Debug("evicted free buffers",
			logger.Int("count", evicted),
			logger.Int64("allocated_bytes", p.allocated),
			logger.Int64("target_bytes", target))
	}
}

// Release returns a checked-out buffer. The buffer is zeroed and pushed onto
// its bucket's free list, or dropped when the list is full. The caller must
// not touch the buffer afterwards.
func (p *Pool) Release(buf *Buffer) error {
	if buf == nil || buf.pool != p {
		return errors.New(ErrInvalidRelease).
			Component(componentName).
			Category(errors.CategoryBuffer).
			Context("reason", "foreign buffer").
			Build()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !buf.checkedOut {
		return errors.New(ErrInvalidRelease).
			Component(componentName).
			Category(errors.CategoryBuffer).
			Context("reason", "not checked out").
			Context("bucket", len(buf.data)).
			Build()
	}

	bucket := len(buf.data)
	buf.checkedOut = false
	p.inUse -= int64(bucket)
	p.stats.Releases++

	requeued := !p.closed && len(p.freeLists[bucket]) < p.freeListCap
	if requeued {
		clear(buf.data)
		p.freeLists[bucket] = append(p.freeLists[bucket], buf)
	} else {
		p.allocated -= int64(bucket)
		p.stats.Discards++
	}

	if p.metrics != nil {
		p.metrics.RecordRelease(bucket, requeued)
	}
	p.publishMemoryLocked()
	return nil
}

// With acquires a buffer, runs fn with it and releases it on every exit
// path, including a panic in fn. A release error is joined with fn's error.
func (p *Pool) With(size int, fn func(buf *Buffer) error) (err error) {
	buf, err := p.Acquire(size)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := p.Release(buf); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
	}()
	return fn(buf)
}

// AcquireBatch acquires one buffer per size. It stops at the first failure and
// returns the buffers acquired so far together with the error; the batch is
// not atomic and the caller owns whatever was returned.
func (p *Pool) AcquireBatch(sizes []int) ([]*Buffer, error) {
	bufs := make([]*Buffer, 0, len(sizes))
	for i, size := range sizes {
		buf, err := p.Acquire(size)
		if err != nil {
			return bufs, fmt.Errorf("acquire batch element %d: %w", i, err)
		}
		bufs = append(bufs, buf)
	}
	return bufs, nil
}

// ReleaseBatch releases every buffer and joins the individual errors.
func (p *Pool) ReleaseBatch(bufs []*Buffer) error {
	var errs []error
	for _, buf := range bufs {
		if err := p.Release(buf); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	s.FreeBuffers = make(map[int]int, len(p.buckets))
	for _, bucket := range p.buckets {
		s.FreeBuffers[bucket] = len(p.freeLists[bucket])
	}
	s.AllocatedBytes = p.allocated
	s.InUseBytes = p.inUse
	s.MaxMemoryBytes = p.maxBytes
	s.MMapCacheEntries = p.mmapCache.Len()
	return s
}

// Buckets returns the configured bucket sizes.
func (p *Pool) Buckets() []int {
	return slices.Clone(p.buckets)
}

// Clear drops all free buffers and cached mappings and resets the counters.
// Checked-out buffers and mapped files still held by callers stay valid.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLocked()
	getLogger().Info("buffer pool cleared")
}

func (p *Pool) clearLocked() {
	freed := p.allocated - p.inUse
	clear(p.freeLists)
	p.allocated = p.inUse

	entries := p.mmapCache.Len()
	p.mmapCache.Purge()
	if p.metrics != nil && entries > 0 {
		p.metrics.RecordMMapEviction(entries)
	}

	p.stats = Stats{}
	p.publishMemoryLocked()

	getLogger().Debug("free lists dropped",
		logger.Int64("freed_bytes", freed),
		logger.Int("mmap_entries", entries))
}

// Close clears the pool and rejects further acquisitions. It is idempotent.
// Buffers released after Close are discarded.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.clearLocked()
	p.closed = true
	getLogger().Info("buffer pool closed", logger.Int64("in_use_bytes", p.inUse))
	return nil
}

func (p *Pool) publishMemoryLocked() {
	if p.metrics != nil {
		p.metrics.SetMemory(p.allocated, p.inUse, p.maxBytes)
		p.metrics.SetMMapCacheEntries(p.mmapCache.Len())
	}
}

func (p *Pool) recordAcquireError(reason string) {
	if p.metrics != nil {
		p.metrics.RecordAcquireError(reason)
	}
}
