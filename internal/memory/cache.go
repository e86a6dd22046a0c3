package memory

import (
	"math"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

func (a *Allocator) cacheLocked(b *Block) {
	a.clock++
	b.state = stateCached
	b.lastUsed = a.clock
	b.requested = 0
	a.avail.ReplaceOrInsert(b)
	a.lru.ReplaceOrInsert(b)
	a.stats.CachedBytes += b.size
	a.stats.CachedBlocks++
}

// uncacheLocked drops b from the cache indexes. The caller sets the new state.
func (a *Allocator) uncacheLocked(b *Block) {
	a.avail.Delete(b)
	a.lru.Delete(b)
	a.stats.CachedBytes -= b.size
	a.stats.CachedBlocks--
}

// Evict releases least recently used cache entries until at least needed
// bytes have been returned to the backing store or no releasable entry is
// left. It returns the number of bytes released.
func (a *Allocator) Evict(needed uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.evictLocked(needed)
}

func (a *Allocator) evictLocked(needed uint64) (uint64, error) {
	var victims []*Block
	var planned uint64
	a.lru.Ascend(func(b *Block) bool {
		if planned >= needed {
			return false
		}
		// Fragments of a segment with live blocks cannot be freed on their own.
		if b.wholeSegment() {
			victims = append(victims, b)
			planned += b.size
		}
		return true
	})

	var result *multierror.Error
	var freed uint64
	for _, b := range victims {
		a.uncacheLocked(b)
		a.stats.Evictions++
		freed += b.size
		if err := a.releaseLocked(b); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if len(victims) > 0 {
		a.logger.Debug("evicted cache entries",
			zap.Int("entries", len(victims)),
			zap.Uint64("bytes", freed),
			zap.Uint64("requested", needed))
	}
	return freed, result.ErrorOrNil()
}

// EmptyCache releases every cache entry that covers a whole segment.
func (a *Allocator) EmptyCache() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.promotePendingLocked()
	_, err := a.evictLocked(math.MaxUint64)
	if a.stats.CachedBlocks > 0 {
		a.logger.Debug("cache entries pinned by live neighbours",
			zap.Uint64("entries", a.stats.CachedBlocks),
			zap.Uint64("bytes", a.stats.CachedBytes))
	}
	return err
}

// SetCacheSizeLimit changes the cache limit, evicting immediately when the
// cache holds more than limit bytes.
func (a *Allocator) SetCacheSizeLimit(limit uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cfg.CacheSizeLimit = limit
	if a.stats.CachedBytes > limit {
		_, err := a.evictLocked(a.stats.CachedBytes - limit)
		return err
	}
	return nil
}

// CacheSizeLimit returns the current cache limit.
func (a *Allocator) CacheSizeLimit() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.CacheSizeLimit
}
