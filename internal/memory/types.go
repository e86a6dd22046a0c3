package memory

import (
	"fmt"
	"math/bits"
)

// DevicePtr is an opaque device address. The zero value is the null pointer.
type DevicePtr uint64

func (p DevicePtr) String() string {
	return fmt.Sprintf("0x%x", uint64(p))
}

// Stream identifies an asynchronous execution queue. Stream 0 is the default
// stream and is never tracked for reuse ordering.
type Stream uint64

// MemoryKind selects which flavour of memory the backing store grants.
type MemoryKind uint8

const (
	KindDevice MemoryKind = iota
	KindPinnedHost
	KindUnified
)

func (k MemoryKind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindPinnedHost:
		return "pinned_host"
	case KindUnified:
		return "unified"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

const (
	// DefaultAlignment is the alignment used by DefaultAllocOptions.
	DefaultAlignment = 256

	// SegmentAlignment is the alignment every backing store guarantees for the
	// regions it grants.
	SegmentAlignment = 4096
)

// BackingStore is the driver layer the allocator draws memory from.
// Implementations must be safe for concurrent use.
type BackingStore interface {
	// RawAllocate grants a region of at least size bytes aligned to
	// SegmentAlignment. Exhaustion must be reported with an error wrapping
	// ErrOutOfMemory.
	RawAllocate(size uint64, kind MemoryKind) (DevicePtr, error)

	// RawFree releases a region previously returned by RawAllocate.
	RawFree(ptr DevicePtr) error

	// MemoryInfo reports the device's free and total memory as seen by the driver.
	MemoryInfo() (free, total uint64, err error)
}

// AllocOptions controls a single allocation.
type AllocOptions struct {
	// Alignment of the returned address. Must be a power of two.
	Alignment uint64
	// PinnedHost requests page-locked host memory.
	PinnedHost bool
	// Unified requests memory addressable from both host and device.
	Unified bool
	// Stream tags the allocation with the queue that will use it.
	Stream Stream
}

// DefaultAllocOptions returns device memory options with DefaultAlignment.
func DefaultAllocOptions() AllocOptions {
	return AllocOptions{Alignment: DefaultAlignment}
}

func (o AllocOptions) kind() MemoryKind {
	switch {
	case o.PinnedHost:
		return KindPinnedHost
	case o.Unified:
		return KindUnified
	default:
		return KindDevice
	}
}

func (o AllocOptions) validate() error {
	if o.Alignment == 0 || o.Alignment&(o.Alignment-1) != 0 {
		return fmt.Errorf("alignment %d is not a power of two: %w", o.Alignment, ErrInvalidArgument)
	}
	if o.PinnedHost && o.Unified {
		return fmt.Errorf("pinned host and unified memory are mutually exclusive: %w", ErrInvalidArgument)
	}
	return nil
}

// alignUp rounds n up to a multiple of align, which must be a power of two.
// ok is false when the result does not fit in a uint64.
func alignUp(n, align uint64) (uint64, bool) {
	sum, carry := bits.Add64(n, align-1, 0)
	if carry != 0 {
		return 0, false
	}
	return sum &^ (align - 1), true
}

// Stats is a snapshot of allocator counters.
type Stats struct {
	AllocatedBytes    uint64 `json:"allocatedBytes"`
	AllocatedBlocks   uint64 `json:"allocatedBlocks"`
	CachedBytes       uint64 `json:"cachedBytes"`
	CachedBlocks      uint64 `json:"cachedBlocks"`
	MaxAllocatedBytes uint64 `json:"maxAllocatedBytes"`
	TotalAllocations  uint64 `json:"totalAllocations"`
	TotalFrees        uint64 `json:"totalFrees"`

	// PendingBytes and PendingBlocks count freed blocks waiting on their stream.
	PendingBytes  uint64 `json:"pendingBytes"`
	PendingBlocks uint64 `json:"pendingBlocks"`

	// ReservedBytes is the memory currently held from the backing store.
	ReservedBytes uint64 `json:"reservedBytes"`
	// GrantedBytes and ReleasedBytes are lifetime backing-store totals.
	GrantedBytes  uint64 `json:"grantedBytes"`
	ReleasedBytes uint64 `json:"releasedBytes"`

	BackingAllocations uint64 `json:"backingAllocations"`
	BackingFrees       uint64 `json:"backingFrees"`
	CacheHits          uint64 `json:"cacheHits"`
	Evictions          uint64 `json:"evictions"`
	ProtocolViolations uint64 `json:"protocolViolations"`
}

// AllocationInfo describes a block known to the allocator.
type AllocationInfo struct {
	Ptr           DevicePtr  `json:"ptr"`
	Size          uint64     `json:"size"`
	AllocatedSize uint64     `json:"allocatedSize"`
	Kind          MemoryKind `json:"kind"`
	Device        int        `json:"device"`
	Stream        Stream     `json:"stream"`
	AllocationID  uint64     `json:"allocationId"`
	InUse         bool       `json:"inUse"`
}

// BlockInfo is a copy of one block record, used for reports.
type BlockInfo struct {
	Ptr     DevicePtr  `json:"ptr"`
	Size    uint64     `json:"size"`
	Kind    MemoryKind `json:"kind"`
	State   string     `json:"state"`
	Segment DevicePtr  `json:"segment"`
	Stream  Stream     `json:"stream"`
}

// Snapshot is a consistent copy of the allocator's statistics and blocks.
type Snapshot struct {
	Device int         `json:"device"`
	Stats  Stats       `json:"stats"`
	Blocks []BlockInfo `json:"blocks"`
}

// Config holds the allocator tunables.
type Config struct {
	// CacheSizeLimit caps the bytes held in the cache.
	CacheSizeLimit uint64
	// CacheableThreshold is the smallest whole-segment block kept on free;
	// smaller ones go straight back to the backing store.
	CacheableThreshold uint64
	// MinSplitRemainder is the smallest tail worth splitting off a block.
	MinSplitRemainder uint64
	// Strict makes protocol violations return ErrProtocolViolation.
	Strict bool
	// StreamOrderedReuse defers reuse of freed blocks until their stream completes.
	StreamOrderedReuse bool
}

// DefaultConfig returns the allocator defaults: a 1 GiB cache, a 1 KiB
// cacheable threshold and a 512 byte split remainder.
func DefaultConfig() Config {
	return Config{
		CacheSizeLimit:     1 << 30,
		CacheableThreshold: 1 << 10,
		MinSplitRemainder:  512,
		StreamOrderedReuse: true,
	}
}
