package bufferpool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mappingCacheTestPool maps each named file once and closes the caller's
// handle, leaving only the cache reference.
func mappingCacheTestPool(t *testing.T, capacity int, names ...string) (*Pool, map[string]string) {
	t.Helper()

	p := newTestPool(t, Config{MaxMemoryBytes: 1 << 20, SizeBuckets: []int{1024}, MMapCacheCapacity: capacity})
	dir := t.TempDir()
	paths := make(map[string]string, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("mapped "+name), 0o600))
		paths[name] = path
	}
	return p, paths
}

func TestMappingCacheEvictionOrder(t *testing.T) {
	t.Parallel()

	p, paths := mappingCacheTestPool(t, 2, "A", "B", "C", "D")
	touch := func(name string) {
		f, err := p.MapFile(paths[name])
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	touch("A")
	touch("B")
	touch("C")
	assert.False(t, p.mmapCache.Contains(paths["A"]), "least recently used entry goes first")

	touch("B")
	touch("D")
	assert.False(t, p.mmapCache.Contains(paths["C"]), "B was refreshed so C is evicted")
	assert.Equal(t, []string{paths["B"], paths["D"]}, p.mmapCache.Keys())

	st := p.Stats()
	assert.Equal(t, 2, st.MMapCacheEntries)
	assert.Equal(t, uint64(1), st.MMapHits)
}

func TestMappingCacheNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	names := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	p, paths := mappingCacheTestPool(t, 3, names...)
	for _, name := range names {
		f, err := p.MapFile(paths[name])
		require.NoError(t, err)
		assert.LessOrEqual(t, p.mmapCache.Len(), 3)
		assert.Equal(t, "mapped "+name, string(f.Bytes()))
		require.NoError(t, f.Close())
	}
	assert.Equal(t, []string{paths["f"], paths["g"], paths["h"]}, p.mmapCache.Keys())
}

func TestClearPurgesMappingCache(t *testing.T) {
	t.Parallel()

	p, paths := mappingCacheTestPool(t, 2, "A", "B")
	held, err := p.MapFile(paths["A"])
	require.NoError(t, err)
	f, err := p.MapFile(paths["B"])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	p.Clear()
	assert.Zero(t, p.mmapCache.Len())
	assert.Equal(t, "mapped A", string(held.Bytes()), "caller reference outlives the purge")
	require.NoError(t, held.Close())
}
