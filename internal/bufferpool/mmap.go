package bufferpool

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tphakala/canpipe/internal/errors"
	"github.com/tphakala/canpipe/internal/logger"
	"github.com/tphakala/canpipe/internal/observability/metrics"
)

// mapping is one read-only file mapping shared by the cache and its readers.
// refs counts the cache entry plus every open MappedFile; guarded by Pool.mu.
type mapping struct {
	path string
	data []byte
	refs int
}

// MappedFile is a caller's handle on a cached, read-only file mapping.
// Several handles may share one mapping; the bytes stay valid until Close.
type MappedFile struct {
	m    *mapping
	pool *Pool
	once sync.Once
}

// Bytes returns the mapped contents. The slice must not be written to.
func (f *MappedFile) Bytes() []byte {
	return f.m.data
}

// Len returns the file size
func (f *MappedFile) Len() int {
	return len(f.m.data)
}

// Path returns the absolute path of the mapped file
func (f *MappedFile) Path() string {
	return f.m.path
}

// Close drops this handle's reference. The mapping is removed once it has
// been evicted from the cache and no handles remain. Close is idempotent.
func (f *MappedFile) Close() error {
	var err error
	f.once.Do(func() {
		f.pool.mu.Lock()
		defer f.pool.mu.Unlock()
		err = f.pool.unrefLocked(f.m)
	})
	return err
}

// MapFile returns a read-only view of path. Views are cached by absolute path
// in an LRU bounded by MMapCacheCapacity; a hit refreshes recency. Mapped
// files do not count against the buffer budget. The caller must Close the
// returned handle.
func (p *Pool) MapFile(path string) (*MappedFile, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.New(fmt.Errorf("%w: %w", ErrIO, err)).
			Component(componentName).
			Category(errors.CategoryFileIO).
			Context("path", path).
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

	if m, ok := p.mmapCache.Get(absPath); ok {
		m.refs++
		p.stats.MMapHits++
		if p.metrics != nil {
			p.metrics.RecordMMapLookup(metrics.ResultHit)
		}
		return &MappedFile{m: m, pool: p}, nil
	}

	p.stats.MMapMisses++
	m, err := openMapping(absPath)
	if err != nil {
		if p.metrics != nil {
			p.metrics.RecordMMapLookup(metrics.ResultError)
		}
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.RecordMMapLookup(metrics.ResultMiss)
	}

	// One reference for the cache, one for the caller
	m.refs = 2
	if evicted := p.mmapCache.Add(absPath, m); evicted && p.metrics != nil {
		p.metrics.RecordMMapEviction(1)
	}
	p.publishMemoryLocked()

	getLogger().Debug("mapped file",
		logger.String("path", absPath),
		logger.Int("size", len(m.data)))

	return &MappedFile{m: m, pool: p}, nil
}

// onMappingEvicted drops the cache's reference; called by the LRU under Pool.mu.
func (p *Pool) onMappingEvicted(path string, m *mapping) {
	if err := p.unrefLocked(m); err != nil {
		getLogger().Warn("failed to unmap evicted file",
			logger.String("path", path),
			logger.Error(err))
	}
}

func (p *Pool) unrefLocked(m *mapping) error {
	m.refs--
	if m.refs > 0 {
		return nil
	}
	data := m.data
	m.data = nil
	if len(data) == 0 {
		return nil
	}
	if err := munmap(data); err != nil {
		return errors.New(err).
			Component(componentName).
			Category(errors.CategoryMMap).
			Context("path", m.path).
			Build()
	}
	return nil
}

func openMapping(path string) (*mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.New(fmt.Errorf("%w: %w", ErrIO, err)).
			Component(componentName).
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	defer f.Close() //nolint:errcheck // the mapping outlives the descriptor

	info, err := f.Stat()
	if err != nil {
		return nil, errors.New(fmt.Errorf("%w: %w", ErrIO, err)).
			Component(componentName).
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	if info.IsDir() {
		return nil, errors.New(ErrIO).
			Component(componentName).
			Category(errors.CategoryFileIO).
			Context("path", path).
			Context("reason", "is a directory").
			Build()
	}

	size := info.Size()
	if size == 0 {
		return &mapping{path: path, data: []byte{}}, nil
	}

	data, err := mmapFile(f, int(size))
	if err != nil {
		return nil, errors.New(fmt.Errorf("%w: %w", ErrIO, err)).
			Component(componentName).
			Category(errors.CategoryMMap).
			FileContext(path, size).
			Build()
	}
	return &mapping{path: path, data: data}, nil
}
