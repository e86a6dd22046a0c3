package gpu

import (
	"testing"

	"github.com/fxnlabs/rdna/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHostBackend(t *testing.T) {
	backend := NewHostBackend(1<<20, zap.NewNop())
	require.NoError(t, backend.Initialize())
	defer backend.Cleanup()

	assert.True(t, backend.IsAvailable())
	assert.Equal(t, "host", backend.Name())

	info := backend.GetDeviceInfo()
	assert.Contains(t, info.Name, "Host")
	assert.Equal(t, uint64(1<<20), info.TotalMemory)
	assert.Equal(t, uint64(1<<20), info.AvailableMemory)
}

func TestHostBackend_RawAllocate(t *testing.T) {
	testCases := []struct {
		name string
		kind memory.MemoryKind
	}{
		{name: "device", kind: memory.KindDevice},
		{name: "pinned", kind: memory.KindPinnedHost},
		{name: "unified", kind: memory.KindUnified},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			backend := NewHostBackend(0, zap.NewNop())
			defer backend.Cleanup()

			ptr, err := backend.RawAllocate(10000, tc.kind)
			require.NoError(t, err)
			assert.NotZero(t, ptr)
			assert.Zero(t, uint64(ptr)%memory.SegmentAlignment)

			require.NoError(t, backend.RawFree(ptr))
			assert.ErrorIs(t, backend.RawFree(ptr), ErrInvalidAddress)
		})
	}
}

func TestHostBackend_Capacity(t *testing.T) {
	backend := NewHostBackend(64<<10, zap.NewNop())
	defer backend.Cleanup()

	first, err := backend.RawAllocate(48<<10, memory.KindDevice)
	require.NoError(t, err)

	_, err = backend.RawAllocate(32<<10, memory.KindDevice)
	assert.ErrorIs(t, err, memory.ErrOutOfMemory)

	free, total, err := backend.MemoryInfo()
	require.NoError(t, err)
	assert.Equal(t, uint64(64<<10), total)
	assert.Equal(t, uint64(16<<10), free)

	require.NoError(t, backend.RawFree(first))
	_, err = backend.RawAllocate(32<<10, memory.KindDevice)
	assert.NoError(t, err)
}

func TestHostBackend_Copies(t *testing.T) {
	backend := NewHostBackend(0, zap.NewNop())
	defer backend.Cleanup()

	a, err := backend.RawAllocate(4096, memory.KindDevice)
	require.NoError(t, err)
	b, err := backend.RawAllocate(4096, memory.KindDevice)
	require.NoError(t, err)

	require.NoError(t, backend.Memset(a, 0xab, 4096))
	require.NoError(t, backend.CopyFromHost(a+100, []byte("hello")))
	require.NoError(t, backend.Memcpy(b, a, 4096))

	out := make([]byte, 7)
	require.NoError(t, backend.CopyToHost(out, b+99))
	assert.Equal(t, []byte{0xab, 'h', 'e', 'l', 'l', 'o', 0xab}, out)

	t.Run("out of bounds", func(t *testing.T) {
		assert.ErrorIs(t, backend.Memset(a+4000, 0, 200), ErrInvalidAddress)
		assert.ErrorIs(t, backend.Memcpy(b, a, 8192), ErrInvalidAddress)
		assert.ErrorIs(t, backend.CopyToHost(out, 0x10), ErrInvalidAddress)
	})
}

func TestHostBackend_Cleanup(t *testing.T) {
	backend := NewHostBackend(1<<20, zap.NewNop())
	_, err := backend.RawAllocate(4096, memory.KindDevice)
	require.NoError(t, err)

	require.NoError(t, backend.Cleanup())
	free, _, err := backend.MemoryInfo()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), free)
}

func TestHostBackend_WithAllocator(t *testing.T) {
	backend := NewHostBackend(1<<24, zap.NewNop())
	defer backend.Cleanup()

	a := memory.NewAllocator(backend, memory.DefaultConfig())
	defer a.Close()

	ptr, err := a.Allocate(1000, memory.DefaultAllocOptions())
	require.NoError(t, err)
	require.NoError(t, backend.CopyFromHost(ptr, []byte("payload")))

	other, err := a.Allocate(3000, memory.DefaultAllocOptions())
	require.NoError(t, err)
	require.NoError(t, backend.Memcpy(other, ptr, 7))

	got := make([]byte, 7)
	require.NoError(t, backend.CopyToHost(got, other))
	assert.Equal(t, "payload", string(got))

	used, err := a.UsedMemory()
	require.NoError(t, err)
	assert.Equal(t, uint64(1024+3072), used)
}
