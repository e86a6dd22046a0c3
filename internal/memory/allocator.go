package memory

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

const btreeDegree = 16

// Option configures an Allocator.
type Option func(*Allocator)

// WithLogger sets the logger. The default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Allocator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithDevice records the device id the allocator serves.
func WithDevice(device int) Option {
	return func(a *Allocator) {
		a.device = device
	}
}

// WithStreamTracker installs the tracker consulted for stream-ordered reuse.
func WithStreamTracker(tracker StreamTracker) Option {
	return func(a *Allocator) {
		a.tracker = tracker
	}
}

// Allocator is a caching allocator for the memory of one device.
type Allocator struct {
	mu sync.Mutex

	device  int
	store   BackingStore
	cfg     Config
	logger  *zap.Logger
	tracker StreamTracker

	// blocks indexes every block by start address.
	blocks map[DevicePtr]*Block
	// avail holds cached blocks ordered by kind and address.
	avail *btree.BTreeG[*Block]
	// lru holds the same blocks ordered by recency.
	lru     *btree.BTreeG[*Block]
	pending []*Block

	stats  Stats
	nextID uint64
	clock  uint64
	closed bool
}

// NewAllocator creates an allocator drawing memory from store.
func NewAllocator(store BackingStore, cfg Config, opts ...Option) *Allocator {
	a := &Allocator{
		store:  store,
		cfg:    cfg,
		logger: zap.NewNop(),
		blocks: make(map[DevicePtr]*Block),
		avail:  btree.NewG[*Block](btreeDegree, byKindAddr),
		lru:    btree.NewG[*Block](btreeDegree, byRecency),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(zap.Int("device", a.device))
	return a
}

// Device returns the device id the allocator serves.
func (a *Allocator) Device() int {
	return a.device
}

// Allocate returns the address of a block of at least size bytes.
// A zero size yields a null pointer and no error.
func (a *Allocator) Allocate(size uint64, opts AllocOptions) (DevicePtr, error) {
	if size == 0 {
		return 0, nil
	}
	if err := opts.validate(); err != nil {
		return 0, err
	}
	needed, ok := alignUp(size, opts.Alignment)
	if !ok {
		return 0, fmt.Errorf("size %d overflows at alignment %d: %w", size, opts.Alignment, ErrInvalidArgument)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0, ErrClosed
	}

	a.promotePendingLocked()

	kind := opts.kind()
	b := a.findFitLocked(kind, needed, opts.Alignment)
	if b != nil {
		a.uncacheLocked(b)
		a.stats.CacheHits++
	} else {
		var err error
		b, err = a.growLocked(kind, needed, opts.Alignment)
		if err != nil {
			return 0, err
		}
	}
	b = a.carveLocked(b, needed, opts.Alignment)

	a.nextID++
	b.state = stateInUse
	b.requested = size
	b.stream = opts.Stream
	b.id = a.nextID

	a.stats.AllocatedBytes += b.size
	a.stats.AllocatedBlocks++
	a.stats.TotalAllocations++
	if a.stats.AllocatedBytes > a.stats.MaxAllocatedBytes {
		a.stats.MaxAllocatedBytes = a.stats.AllocatedBytes
	}
	return b.addr, nil
}

// Deallocate returns a block to the allocator. A null pointer is ignored.
// Freeing an unknown pointer or freeing twice is logged and otherwise ignored;
// in strict mode it also returns ErrProtocolViolation.
func (a *Allocator) Deallocate(ptr DevicePtr) error {
	_, err := a.free(ptr, true)
	return err
}

// free releases ptr and reports whether it belonged to a. Unknown pointers
// are only treated as violations when reportUnknown is set.
func (a *Allocator) free(ptr DevicePtr, reportUnknown bool) (bool, error) {
	if ptr == 0 {
		return true, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.blocks[ptr]
	if !ok || a.closed {
		if !reportUnknown {
			return false, nil
		}
		return false, a.violationLocked("free of unknown pointer", ptr)
	}
	if b.state != stateInUse {
		return true, a.violationLocked("double free", ptr)
	}

	a.stats.AllocatedBytes -= b.size
	a.stats.AllocatedBlocks--
	a.stats.TotalFrees++

	if a.deferLocked(b) {
		return true, nil
	}
	return true, a.recycleLocked(b)
}

func (a *Allocator) violationLocked(msg string, ptr DevicePtr) error {
	a.stats.ProtocolViolations++
	a.logger.Warn(msg, zap.Stringer("ptr", ptr))
	if a.cfg.Strict {
		return fmt.Errorf("%s %s: %w", msg, ptr, ErrProtocolViolation)
	}
	return nil
}

// findFitLocked returns the lowest-addressed cached block of kind that can
// hold needed bytes at the given alignment.
func (a *Allocator) findFitLocked(kind MemoryKind, needed, align uint64) *Block {
	var found *Block
	a.avail.AscendGreaterOrEqual(&Block{kind: kind}, func(b *Block) bool {
		if b.kind != kind {
			return false
		}
		if b.fits(needed, align) {
			found = b
			return false
		}
		return true
	})
	return found
}

// growLocked obtains a new segment large enough for needed bytes at align.
func (a *Allocator) growLocked(kind MemoryKind, needed, align uint64) (*Block, error) {
	request := needed
	if align > SegmentAlignment {
		// Room to slide the block up to an aligned start.
		request = needed + align
		if request < needed {
			return nil, fmt.Errorf("size %d overflows at alignment %d: %w", needed, align, ErrInvalidArgument)
		}
	}

	ptr, err := a.store.RawAllocate(request, kind)
	if err != nil {
		if errors.Is(err, ErrOutOfMemory) {
			return nil, fmt.Errorf("allocate %d bytes of %s memory: %w", request, kind, err)
		}
		return nil, fmt.Errorf("allocate %d bytes of %s memory: %w: %w", request, kind, ErrBackingStore, err)
	}
	if ptr == 0 {
		return nil, fmt.Errorf("allocate %d bytes of %s memory: %w", request, kind, ErrOutOfMemory)
	}

	seg := &segment{base: ptr, size: request, kind: kind}
	b := &Block{addr: ptr, size: request, kind: kind, seg: seg}
	if !b.fits(needed, align) {
		if ferr := a.store.RawFree(ptr); ferr != nil {
			a.logger.Warn("failed to return misaligned segment", zap.Stringer("ptr", ptr), zap.Error(ferr))
		}
		return nil, fmt.Errorf("backing store returned misaligned segment %s: %w", ptr, ErrBackingStore)
	}

	a.blocks[ptr] = b
	a.stats.ReservedBytes += request
	a.stats.GrantedBytes += request
	a.stats.BackingAllocations++
	a.logger.Debug("segment allocated",
		zap.Stringer("ptr", ptr),
		zap.Uint64("size", request),
		zap.Stringer("kind", kind))
	return b, nil
}

// carveLocked trims b to needed bytes at align, caching the leading pad and
// the tail when they are split off. It returns the block to hand out.
func (a *Allocator) carveLocked(b *Block, needed, align uint64) *Block {
	start, _ := alignUp(uint64(b.addr), align)
	if pad := start - uint64(b.addr); pad > 0 {
		nb := b.splitAt(pad)
		a.blocks[nb.addr] = nb
		a.cacheLocked(b)
		b = nb
	}
	if b.size > needed && b.size-needed >= a.cfg.MinSplitRemainder {
		rest := b.splitAt(needed)
		a.blocks[rest.addr] = rest
		a.cacheLocked(rest)
	}
	return b
}

// recycleLocked merges a no longer used block with its cached neighbours and
// either caches the result or hands it back to the backing store.
func (a *Allocator) recycleLocked(b *Block) error {
	b = a.coalesceLocked(b)
	if b.wholeSegment() && b.size < a.cfg.CacheableThreshold {
		return a.releaseLocked(b)
	}
	a.cacheLocked(b)
	if a.stats.CachedBytes > a.cfg.CacheSizeLimit {
		_, err := a.evictLocked(a.stats.CachedBytes - a.cfg.CacheSizeLimit)
		return err
	}
	return nil
}

// coalesceLocked merges b with every cached block adjacent to it in its
// segment and returns the merged block, which is in no index but blocks.
func (a *Allocator) coalesceLocked(b *Block) *Block {
	for b.prev != nil && b.prev.state == stateCached {
		p := b.prev
		a.uncacheLocked(p)
		delete(a.blocks, b.addr)
		p.absorbNext()
		p.stream = b.stream
		b = p
	}
	for b.next != nil && b.next.state == stateCached {
		n := b.next
		a.uncacheLocked(n)
		delete(a.blocks, n.addr)
		b.absorbNext()
	}
	return b
}

// releaseLocked returns the segment covered by b to the backing store.
// The bookkeeping is dropped even when the backing store fails.
func (a *Allocator) releaseLocked(b *Block) error {
	seg := b.seg
	delete(a.blocks, b.addr)
	a.stats.ReservedBytes -= seg.size
	a.stats.ReleasedBytes += seg.size
	a.stats.BackingFrees++

	if err := a.store.RawFree(seg.base); err != nil {
		a.logger.Warn("backing store failed to free segment",
			zap.Stringer("ptr", seg.base),
			zap.Uint64("size", seg.size),
			zap.Error(err))
		return fmt.Errorf("free segment %s: %w: %w", seg.base, ErrBackingStore, err)
	}
	a.logger.Debug("segment released", zap.Stringer("ptr", seg.base), zap.Uint64("size", seg.size))
	return nil
}

// Stats returns a snapshot of the allocator counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Snapshot returns the counters together with a copy of every block,
// ordered by address.
func (a *Allocator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	blocks := make([]BlockInfo, 0, len(a.blocks))
	for _, b := range a.blocks {
		blocks = append(blocks, b.info())
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Ptr < blocks[j].Ptr })
	return Snapshot{Device: a.device, Stats: a.stats, Blocks: blocks}
}

// AllocationInfo describes the block starting at ptr.
func (a *Allocator) AllocationInfo(ptr DevicePtr) (AllocationInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.blocks[ptr]
	if !ok {
		return AllocationInfo{}, false
	}
	return AllocationInfo{
		Ptr:           b.addr,
		Size:          b.requested,
		AllocatedSize: b.size,
		Kind:          b.kind,
		Device:        a.device,
		Stream:        b.stream,
		AllocationID:  b.id,
		InUse:         b.state == stateInUse,
	}, true
}

// Owns reports whether ptr is a live allocation of a.
func (a *Allocator) Owns(ptr DevicePtr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.blocks[ptr]
	return ok && b.state == stateInUse
}

// TotalMemory returns the device's total memory as reported by the driver.
func (a *Allocator) TotalMemory() (uint64, error) {
	_, total, err := a.memoryInfo()
	return total, err
}

// FreeMemory returns the device's free memory as reported by the driver.
func (a *Allocator) FreeMemory() (uint64, error) {
	free, _, err := a.memoryInfo()
	return free, err
}

// UsedMemory returns total minus free memory as reported by the driver. It
// includes memory held by other users of the device.
func (a *Allocator) UsedMemory() (uint64, error) {
	free, total, err := a.memoryInfo()
	if err != nil {
		return 0, err
	}
	if free > total {
		return 0, nil
	}
	return total - free, nil
}

func (a *Allocator) memoryInfo() (uint64, uint64, error) {
	free, total, err := a.store.MemoryInfo()
	if err != nil {
		return 0, 0, fmt.Errorf("query memory info: %w: %w", ErrBackingStore, err)
	}
	return free, total, nil
}

// Close releases every segment back to the backing store, including those
// still holding live allocations. The allocator is unusable afterwards.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	segs := make(map[*segment]struct{})
	for _, b := range a.blocks {
		segs[b.seg] = struct{}{}
	}
	if a.stats.AllocatedBlocks > 0 {
		a.logger.Warn("closing allocator with live allocations",
			zap.Uint64("blocks", a.stats.AllocatedBlocks),
			zap.Uint64("bytes", a.stats.AllocatedBytes))
	}

	var result *multierror.Error
	for seg := range segs {
		a.stats.BackingFrees++
		if err := a.store.RawFree(seg.base); err != nil {
			result = multierror.Append(result, fmt.Errorf("free segment %s: %w: %w", seg.base, ErrBackingStore, err))
		}
	}

	a.stats.ReleasedBytes += a.stats.ReservedBytes
	a.stats.ReservedBytes = 0
	a.stats.AllocatedBytes, a.stats.AllocatedBlocks = 0, 0
	a.stats.CachedBytes, a.stats.CachedBlocks = 0, 0
	a.stats.PendingBytes, a.stats.PendingBlocks = 0, 0
	a.blocks = make(map[DevicePtr]*Block)
	a.avail.Clear(false)
	a.lru.Clear(false)
	a.pending = nil

	return result.ErrorOrNil()
}
