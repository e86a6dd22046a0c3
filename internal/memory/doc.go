// Package memory implements a caching device-memory allocator.
//
// # Overview
//
// An Allocator owns the memory of one device. Device memory is obtained from
// a BackingStore in segments; each segment is carved into blocks. Freed
// blocks are kept in a cache instead of being handed back to the driver, so
// that later requests are served without a backing-store call.
//
//	store := gpu.NewHostBackend(1<<30, logger)
//	a := memory.NewAllocator(store, memory.DefaultConfig(), memory.WithLogger(logger))
//	ptr, err := a.Allocate(1000, memory.DefaultAllocOptions())
//	if err != nil {
//	    return err
//	}
//	defer a.Deallocate(ptr)
//
// # Blocks and segments
//
// Allocation is first-fit in ascending address order over cached blocks of
// the requested memory kind. A chosen block is split when the tail left over
// is at least Config.MinSplitRemainder bytes, and a leading pad is split off
// when the block start is not aligned. On free, a block is merged with
// address-adjacent cached neighbours. Merging never crosses a segment
// boundary, since the backing store can only release whole segments.
//
// # Cache
//
// Every non-live byte of a segment is either cached or pending. Cached
// entries are ordered by a logical timestamp and evicted least recently used
// first. Only entries covering a whole segment can be released; fragments of
// a segment that still holds live blocks stay cached until their neighbours
// are freed.
//
// # Streams
//
// Allocations may carry a Stream tag. When a StreamTracker is installed and
// Config.StreamOrderedReuse is set, a freed block whose stream still has
// outstanding work is parked as pending and only becomes reusable once the
// tracker reports that the stream has completed past the fence recorded at
// free time.
//
// # Thread Safety
//
// All Allocator methods are safe for concurrent use. A single mutex guards
// the block index, the cache and the statistics, and backing-store calls are
// made while holding it. Manager uses its own mutex only to look up or
// create allocators and never holds it while calling into an allocator.
package memory
