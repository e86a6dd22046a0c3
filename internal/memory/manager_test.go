package memory

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type fixedSelector struct {
	device int
	err    error
}

func (s fixedSelector) CurrentDevice() (int, error) {
	return s.device, s.err
}

// fakeDevices opens one fakeStore per device, each in its own address range.
type fakeDevices struct {
	mu     sync.Mutex
	stores map[int]*fakeStore
	opened map[int]int
	err    error
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{
		stores: make(map[int]*fakeStore),
		opened: make(map[int]int),
	}
}

func (d *fakeDevices) open(device int) (BackingStore, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.opened[device]++
	store := newFakeStore(uint64(device+1)<<32, 1<<30)
	d.stores[device] = store
	return store, nil
}

func TestManager_Allocator(t *testing.T) {
	t.Run("created lazily and reused", func(t *testing.T) {
		devices := newFakeDevices()
		m := NewManager(devices.open, nil, DefaultConfig(), nil)
		assert.Empty(t, m.Devices())

		a, err := m.Allocator(1)
		require.NoError(t, err)
		b, err := m.Allocator(1)
		require.NoError(t, err)
		assert.Same(t, a, b)
		assert.Equal(t, 1, a.Device())
		assert.Equal(t, 1, devices.opened[1])
		assert.Equal(t, []int{1}, m.Devices())
	})

	t.Run("negative device selects the current device", func(t *testing.T) {
		devices := newFakeDevices()
		m := NewManager(devices.open, fixedSelector{device: 2}, DefaultConfig(), nil)

		a, err := m.Allocator(-1)
		require.NoError(t, err)
		b, err := m.Allocator(2)
		require.NoError(t, err)
		assert.Same(t, a, b)
	})

	t.Run("negative device without selector is device zero", func(t *testing.T) {
		m := NewManager(newFakeDevices().open, nil, DefaultConfig(), nil)
		a, err := m.Allocator(-1)
		require.NoError(t, err)
		assert.Equal(t, 0, a.Device())
	})

	t.Run("selector error", func(t *testing.T) {
		m := NewManager(newFakeDevices().open, fixedSelector{err: errors.New("no device")}, DefaultConfig(), nil)
		_, err := m.Allocator(-1)
		assert.ErrorContains(t, err, "no device")
	})

	t.Run("factory error", func(t *testing.T) {
		devices := newFakeDevices()
		devices.err = errors.New("driver not loaded")
		m := NewManager(devices.open, nil, DefaultConfig(), nil)

		_, err := m.Allocate(1024, 0, DefaultAllocOptions())
		assert.ErrorContains(t, err, "driver not loaded")
		assert.Empty(t, m.Devices())
	})

	t.Run("concurrent first use creates one allocator", func(t *testing.T) {
		devices := newFakeDevices()
		m := NewManager(devices.open, nil, DefaultConfig(), nil)

		var g errgroup.Group
		got := make([]*Allocator, 16)
		for i := range got {
			i := i
			g.Go(func() error {
				a, err := m.Allocator(0)
				got[i] = a
				return err
			})
		}
		require.NoError(t, g.Wait())
		for _, a := range got {
			assert.Same(t, got[0], a)
		}
		assert.Equal(t, 1, devices.opened[0])
	})
}

func TestManager_Deallocate(t *testing.T) {
	devices := newFakeDevices()
	m := NewManager(devices.open, nil, DefaultConfig(), nil)

	p0, err := m.Allocate(4096, 0, DefaultAllocOptions())
	require.NoError(t, err)
	p1, err := m.Allocate(4096, 1, DefaultAllocOptions())
	require.NoError(t, err)
	assert.NotEqual(t, p0, p1)

	require.NoError(t, m.Deallocate(p1))
	s1, err := m.Stats(1)
	require.NoError(t, err)
	assert.Zero(t, s1.AllocatedBytes)
	assert.Equal(t, uint64(4096), s1.CachedBytes)

	s0, err := m.Stats(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), s0.AllocatedBytes)

	t.Run("device of pointer", func(t *testing.T) {
		device, ok := m.DeviceOf(p0)
		assert.True(t, ok)
		assert.Zero(t, device)
		_, ok = m.DeviceOf(p1)
		assert.False(t, ok, "freed pointers belong to no device")
	})

	t.Run("null pointer", func(t *testing.T) {
		assert.NoError(t, m.Deallocate(0))
	})

	t.Run("double free is ignored", func(t *testing.T) {
		assert.NoError(t, m.Deallocate(p1))
		s1, err := m.Stats(1)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), s1.ProtocolViolations)
	})

	t.Run("unknown pointer is ignored", func(t *testing.T) {
		assert.NoError(t, m.Deallocate(0xbad000))
	})

	t.Run("unknown pointer in strict mode", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Strict = true
		strict := NewManager(newFakeDevices().open, nil, cfg, nil)
		_, err := strict.Allocate(4096, 0, DefaultAllocOptions())
		require.NoError(t, err)
		assert.ErrorIs(t, strict.Deallocate(0xbad000), ErrProtocolViolation)
	})
}

func TestManager_MemoryQueries(t *testing.T) {
	devices := newFakeDevices()
	m := NewManager(devices.open, nil, DefaultConfig(), nil)

	_, err := m.Allocate(1<<20, 0, DefaultAllocOptions())
	require.NoError(t, err)

	total, err := m.TotalMemory(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<30), total)

	free, err := m.FreeMemory(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<30-1<<20), free)

	used, err := m.UsedMemory(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), used)
}

func TestManager_EmptyCache(t *testing.T) {
	devices := newFakeDevices()
	m := NewManager(devices.open, nil, DefaultConfig(), nil)

	ptr, err := m.Allocate(4096, 0, DefaultAllocOptions())
	require.NoError(t, err)
	require.NoError(t, m.Deallocate(ptr))
	require.NoError(t, m.EmptyCache(0))

	stats, err := m.Stats(0)
	require.NoError(t, err)
	assert.Zero(t, stats.CachedBytes)
	assert.Equal(t, []DevicePtr{ptr}, devices.stores[0].freedPtrs())
}

func TestManager_Reset(t *testing.T) {
	devices := newFakeDevices()
	m := NewManager(devices.open, nil, DefaultConfig(), nil)

	before, err := m.Allocator(0)
	require.NoError(t, err)
	ptr, err := before.Allocate(4096, DefaultAllocOptions())
	require.NoError(t, err)
	store := devices.stores[0]

	require.NoError(t, m.Reset(0))
	assert.Equal(t, []DevicePtr{ptr}, store.freedPtrs())
	assert.Empty(t, m.Devices())

	after, err := m.Allocator(0)
	require.NoError(t, err)
	assert.NotSame(t, before, after)
	assert.Equal(t, 2, devices.opened[0])

	assert.NoError(t, m.Reset(5), "resetting an unused device is a no-op")
}

func TestManager_Close(t *testing.T) {
	devices := newFakeDevices()
	m := NewManager(devices.open, nil, DefaultConfig(), nil)

	for device := 0; device < 3; device++ {
		_, err := m.Allocate(4096, device, DefaultAllocOptions())
		require.NoError(t, err)
	}
	devices.stores[2].freeErr = errors.New("device hung")

	err := m.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackingStore)
	assert.Contains(t, err.Error(), "device 2")
	assert.Empty(t, m.Devices())

	for device := 0; device < 2; device++ {
		assert.Empty(t, devices.stores[device].live)
	}
}
