package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cacheThree allocates three separate 2048 byte segments and frees them in
// address order, leaving them cached oldest first.
func cacheThree(t *testing.T, a *Allocator) [3]DevicePtr {
	t.Helper()
	var ptrs [3]DevicePtr
	for i := range ptrs {
		ptr, err := a.Allocate(2048, DefaultAllocOptions())
		require.NoError(t, err)
		ptrs[i] = ptr
	}
	for _, ptr := range ptrs {
		require.NoError(t, a.Deallocate(ptr))
	}
	return ptrs
}

func TestEvict(t *testing.T) {
	t.Run("releases the least recently used entry first", func(t *testing.T) {
		a, store := newTestAllocator(t, DefaultConfig())
		ptrs := cacheThree(t, a)

		freed, err := a.Evict(2048)
		require.NoError(t, err)
		assert.Equal(t, uint64(2048), freed)
		assert.Equal(t, []DevicePtr{ptrs[0]}, store.freedPtrs())

		freed, err = a.Evict(2048)
		require.NoError(t, err)
		assert.Equal(t, uint64(2048), freed)
		assert.Equal(t, []DevicePtr{ptrs[0], ptrs[1]}, store.freedPtrs())

		stats := a.Stats()
		assert.Equal(t, uint64(2), stats.Evictions)
		assert.Equal(t, uint64(2048), stats.CachedBytes)
		requireConserved(t, stats)
	})

	t.Run("reuse refreshes recency", func(t *testing.T) {
		a, store := newTestAllocator(t, DefaultConfig())
		ptrs := cacheThree(t, a)

		ptr, err := a.Allocate(2048, DefaultAllocOptions())
		require.NoError(t, err)
		require.Equal(t, ptrs[0], ptr)
		require.NoError(t, a.Deallocate(ptr))

		_, err = a.Evict(2048)
		require.NoError(t, err)
		assert.Equal(t, []DevicePtr{ptrs[1]}, store.freedPtrs())
	})

	t.Run("stops once enough bytes are released", func(t *testing.T) {
		a, store := newTestAllocator(t, DefaultConfig())
		ptrs := cacheThree(t, a)

		freed, err := a.Evict(3000)
		require.NoError(t, err)
		assert.Equal(t, uint64(4096), freed)
		assert.Equal(t, []DevicePtr{ptrs[0], ptrs[1]}, store.freedPtrs())
	})

	t.Run("skips fragments of live segments", func(t *testing.T) {
		a, store := newTestAllocator(t, DefaultConfig())

		seg, err := a.Allocate(8192, DefaultAllocOptions())
		require.NoError(t, err)
		require.NoError(t, a.Deallocate(seg))
		_, err = a.Allocate(1024, DefaultAllocOptions())
		require.NoError(t, err)

		freed, err := a.Evict(1 << 20)
		require.NoError(t, err)
		assert.Zero(t, freed)
		assert.Empty(t, store.freedPtrs())
		assert.Equal(t, uint64(7168), a.Stats().CachedBytes)
	})
}

func TestSetCacheSizeLimit(t *testing.T) {
	t.Run("zero limit empties the cache", func(t *testing.T) {
		a, store := newTestAllocator(t, DefaultConfig())

		var ptrs []DevicePtr
		for _, size := range []uint64{1200, 1800, 2000} {
			ptr, err := a.Allocate(size, alignedOpts(8))
			require.NoError(t, err)
			ptrs = append(ptrs, ptr)
		}
		for _, ptr := range ptrs {
			require.NoError(t, a.Deallocate(ptr))
		}
		stats := a.Stats()
		require.Equal(t, uint64(5000), stats.CachedBytes)
		require.Equal(t, uint64(3), stats.CachedBlocks)

		require.NoError(t, a.SetCacheSizeLimit(0))
		assert.Zero(t, a.CacheSizeLimit())

		stats = a.Stats()
		assert.Zero(t, stats.CachedBytes)
		assert.Zero(t, stats.CachedBlocks)
		assert.Zero(t, stats.ReservedBytes)
		_, frees := store.calls()
		assert.Equal(t, 3, frees)
		requireConserved(t, stats)
	})

	t.Run("evicts only the excess", func(t *testing.T) {
		a, store := newTestAllocator(t, DefaultConfig())
		ptrs := cacheThree(t, a)

		require.NoError(t, a.SetCacheSizeLimit(4096))
		assert.Equal(t, uint64(4096), a.Stats().CachedBytes)
		assert.Equal(t, []DevicePtr{ptrs[0]}, store.freedPtrs())
	})

	t.Run("raising the limit evicts nothing", func(t *testing.T) {
		a, store := newTestAllocator(t, DefaultConfig())
		cacheThree(t, a)

		require.NoError(t, a.SetCacheSizeLimit(1<<31))
		assert.Equal(t, uint64(1<<31), a.CacheSizeLimit())
		assert.Empty(t, store.freedPtrs())
	})
}

func TestCacheLimit_EnforcedOnDeallocate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheSizeLimit = 4096
	a, store := newTestAllocator(t, cfg)

	ptrs := cacheThree(t, a)

	stats := a.Stats()
	assert.Equal(t, uint64(4096), stats.CachedBytes)
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.Equal(t, []DevicePtr{ptrs[0]}, store.freedPtrs())
	requireConserved(t, stats)
}

func TestEmptyCache(t *testing.T) {
	a, store := newTestAllocator(t, DefaultConfig())

	seg, err := a.Allocate(8192, DefaultAllocOptions())
	require.NoError(t, err)
	require.NoError(t, a.Deallocate(seg))
	live, err := a.Allocate(1024, DefaultAllocOptions())
	require.NoError(t, err)
	other, err := a.Allocate(16384, DefaultAllocOptions())
	require.NoError(t, err)
	require.NoError(t, a.Deallocate(other))

	require.NoError(t, a.EmptyCache())
	stats := a.Stats()
	// The tail of the first segment is held by the live block.
	assert.Equal(t, uint64(7168), stats.CachedBytes)
	assert.Equal(t, []DevicePtr{other}, store.freedPtrs())
	assert.True(t, a.Owns(live))

	require.NoError(t, a.Deallocate(live))
	require.NoError(t, a.EmptyCache())
	stats = a.Stats()
	assert.Zero(t, stats.CachedBytes)
	assert.Zero(t, stats.ReservedBytes)
	assert.Equal(t, []DevicePtr{other, seg}, store.freedPtrs())
	requireConserved(t, stats)
}
