package memory

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeStore hands out page-aligned addresses from a counter and records every call.
type fakeStore struct {
	mu sync.Mutex

	next     uint64
	capacity uint64
	used     uint64
	live     map[DevicePtr]uint64

	allocs   int
	frees    int
	freed    []DevicePtr
	kinds    []MemoryKind
	granted  uint64
	released uint64

	allocErr error
	freeErr  error
}

func newFakeStore(base, capacity uint64) *fakeStore {
	return &fakeStore{
		next:     base,
		capacity: capacity,
		live:     make(map[DevicePtr]uint64),
	}
}

func (f *fakeStore) RawAllocate(size uint64, kind MemoryKind) (DevicePtr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.allocErr != nil {
		return 0, f.allocErr
	}
	if f.capacity > 0 && f.used+size > f.capacity {
		return 0, fmt.Errorf("fake: %d bytes requested, %d free: %w", size, f.capacity-f.used, ErrOutOfMemory)
	}
	ptr := DevicePtr(f.next)
	span, _ := alignUp(size, SegmentAlignment)
	f.next += span
	f.live[ptr] = size
	f.used += size
	f.allocs++
	f.granted += size
	f.kinds = append(f.kinds, kind)
	return ptr, nil
}

func (f *fakeStore) RawFree(ptr DevicePtr) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.frees++
	f.freed = append(f.freed, ptr)
	if f.freeErr != nil {
		return f.freeErr
	}
	size, ok := f.live[ptr]
	if !ok {
		return errors.New("fake: free of unknown region")
	}
	delete(f.live, ptr)
	f.used -= size
	f.released += size
	return nil
}

func (f *fakeStore) MemoryInfo() (uint64, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := f.capacity
	if total == 0 {
		total = 1 << 34
	}
	return total - f.used, total, nil
}

func (f *fakeStore) calls() (allocs, frees int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allocs, f.frees
}

func (f *fakeStore) freedPtrs() []DevicePtr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DevicePtr(nil), f.freed...)
}

const fakeBase = 0x100000

func newTestAllocator(t *testing.T, cfg Config, opts ...Option) (*Allocator, *fakeStore) {
	t.Helper()
	store := newFakeStore(fakeBase, 0)
	return NewAllocator(store, cfg, opts...), store
}

// requireConserved checks that every granted byte is live, cached, pending or released.
func requireConserved(t *testing.T, s Stats) {
	t.Helper()
	require.Equal(t, s.GrantedBytes, s.AllocatedBytes+s.CachedBytes+s.PendingBytes+s.ReleasedBytes,
		"granted bytes must equal allocated + cached + pending + released: %+v", s)
	require.Equal(t, s.GrantedBytes-s.ReleasedBytes, s.ReservedBytes)
}

func alignedOpts(align uint64) AllocOptions {
	return AllocOptions{Alignment: align}
}
