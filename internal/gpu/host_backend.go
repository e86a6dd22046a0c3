package gpu

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/fxnlabs/rdna/internal/memory"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type hostRegion struct {
	mem    []byte
	kind   memory.MemoryKind
	locked bool
}

// HostBackend serves device memory from anonymous host mappings. It stands in
// for a GPU on machines without one; a non-zero capacity bounds it like a
// device of that size.
type HostBackend struct {
	logger   *zap.Logger
	capacity uint64

	mu          sync.Mutex
	regions     map[memory.DevicePtr]*hostRegion
	used        uint64
	initialized bool
}

// NewHostBackend creates a new host backend. A zero capacity leaves it
// bounded only by the system.
func NewHostBackend(capacity uint64, logger *zap.Logger) *HostBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HostBackend{
		logger:   logger.Named("host"),
		capacity: capacity,
		regions:  make(map[memory.DevicePtr]*hostRegion),
	}
}

func (h *HostBackend) Name() string {
	return "host"
}

// IsAvailable checks if the backend is available (always true for host)
func (h *HostBackend) IsAvailable() bool {
	return true
}

// Initialize prepares the host backend for use
func (h *HostBackend) Initialize() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.initialized {
		return nil
	}
	h.initialized = true
	h.logger.Info("host backend initialized", zap.Uint64("capacity", h.capacity))
	return nil
}

// Cleanup unmaps every region still held.
func (h *HostBackend) Cleanup() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n := len(h.regions); n > 0 {
		h.logger.Warn("unmapping regions still held", zap.Int("regions", n))
	}
	var firstErr error
	for ptr, r := range h.regions {
		if err := h.unmapLocked(r); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "unmap region %s", ptr)
		}
		delete(h.regions, ptr)
	}
	h.used = 0
	h.initialized = false
	return firstErr
}

// GetDeviceInfo returns device information for the host
func (h *HostBackend) GetDeviceInfo() DeviceInfo {
	info := DeviceInfo{
		Name:          fmt.Sprintf("Host (%s)", runtime.GOARCH),
		Architecture:  runtime.GOARCH,
		DriverVersion: runtime.Version(),
	}
	free, total, err := h.MemoryInfo()
	if err != nil {
		h.logger.Warn("failed to query host memory", zap.Error(err))
		return info
	}
	info.TotalMemory = total
	info.AvailableMemory = free
	return info
}

// RawAllocate maps size bytes of anonymous memory. Pinned requests are
// locked into RAM when the process limits allow it.
func (h *HostBackend) RawAllocate(size uint64, kind memory.MemoryKind) (memory.DevicePtr, error) {
	if size == 0 {
		return 0, errors.New("host backend: zero-sized allocation")
	}
	if size > uint64(maxInt) {
		return 0, errors.Wrapf(memory.ErrOutOfMemory, "host backend: %d bytes exceeds address space", size)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.capacity > 0 && h.used+size > h.capacity {
		return 0, errors.Wrapf(memory.ErrOutOfMemory, "host backend: %d bytes requested, %d of %d in use",
			size, h.used, h.capacity)
	}

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		if errors.Is(err, unix.ENOMEM) {
			return 0, errors.Wrapf(memory.ErrOutOfMemory, "host backend: mmap %d bytes", size)
		}
		return 0, errors.Wrapf(err, "host backend: mmap %d bytes", size)
	}

	r := &hostRegion{mem: mem, kind: kind}
	if kind == memory.KindPinnedHost {
		if err := unix.Mlock(mem); err != nil {
			h.logger.Warn("pinned region not locked", zap.Uint64("size", size), zap.Error(err))
		} else {
			r.locked = true
		}
	}

	ptr := memory.DevicePtr(uintptr(unsafe.Pointer(&mem[0])))
	h.regions[ptr] = r
	h.used += size
	return ptr, nil
}

// RawFree unmaps a region returned by RawAllocate.
func (h *HostBackend) RawFree(ptr memory.DevicePtr) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.regions[ptr]
	if !ok {
		return errors.Wrapf(ErrInvalidAddress, "host backend: free of %s", ptr)
	}
	delete(h.regions, ptr)
	h.used -= uint64(len(r.mem))
	return errors.Wrapf(h.unmapLocked(r), "host backend: unmap %s", ptr)
}

func (h *HostBackend) unmapLocked(r *hostRegion) error {
	if r.locked {
		if err := unix.Munlock(r.mem); err != nil {
			h.logger.Warn("munlock failed", zap.Error(err))
		}
	}
	return unix.Munmap(r.mem)
}

// MemoryInfo reports the capacity and what is left of it, or the system's
// RAM when the backend is unbounded.
func (h *HostBackend) MemoryInfo() (uint64, uint64, error) {
	h.mu.Lock()
	capacity, used := h.capacity, h.used
	h.mu.Unlock()

	if capacity > 0 {
		return capacity - used, capacity, nil
	}
	return systemMemory()
}

// spanLocked returns the n bytes starting at ptr, which must lie within a single
// region.
func (h *HostBackend) spanLocked(ptr memory.DevicePtr, n uint64) ([]byte, error) {
	for base, r := range h.regions {
		if ptr < base {
			continue
		}
		off := uint64(ptr - base)
		if off < uint64(len(r.mem)) && n <= uint64(len(r.mem))-off {
			return r.mem[off : off+n], nil
		}
	}
	return nil, errors.Wrapf(ErrInvalidAddress, "%d bytes at %s", n, ptr)
}

// Memset fills n bytes starting at ptr with value
func (h *HostBackend) Memset(ptr memory.DevicePtr, value byte, n uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	dst, err := h.spanLocked(ptr, n)
	if err != nil {
		return errors.Wrap(err, "memset")
	}
	for i := range dst {
		dst[i] = value
	}
	return nil
}

// Memcpy copies n bytes from src to dst
func (h *HostBackend) Memcpy(dst, src memory.DevicePtr, n uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	to, err := h.spanLocked(dst, n)
	if err != nil {
		return errors.Wrap(err, "memcpy destination")
	}
	from, err := h.spanLocked(src, n)
	if err != nil {
		return errors.Wrap(err, "memcpy source")
	}
	copy(to, from)
	return nil
}

func (h *HostBackend) CopyToHost(dst []byte, src memory.DevicePtr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	from, err := h.spanLocked(src, uint64(len(dst)))
	if err != nil {
		return errors.Wrap(err, "copy to host")
	}
	copy(dst, from)
	return nil
}

func (h *HostBackend) CopyFromHost(dst memory.DevicePtr, src []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	to, err := h.spanLocked(dst, uint64(len(src)))
	if err != nil {
		return errors.Wrap(err, "copy from host")
	}
	copy(to, src)
	return nil
}

const maxInt = int(^uint(0) >> 1)
