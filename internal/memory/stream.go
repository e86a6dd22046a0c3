package memory

import (
	"sync"

	"go.uber.org/zap"
)

// StreamTracker reports the progress of asynchronous streams. Positions are
// monotonically increasing per stream.
type StreamTracker interface {
	// Submitted returns the position of the latest work enqueued on s.
	Submitted(s Stream) uint64
	// Completed returns the position up to which work on s has finished.
	Completed(s Stream) uint64
}

// EventCounter is a StreamTracker driven by explicit record and completion
// calls, typically from the code that launches and synchronizes streams.
type EventCounter struct {
	mu        sync.Mutex
	submitted map[Stream]uint64
	completed map[Stream]uint64
}

// NewEventCounter creates an empty EventCounter.
func NewEventCounter() *EventCounter {
	return &EventCounter{
		submitted: make(map[Stream]uint64),
		completed: make(map[Stream]uint64),
	}
}

// Record notes that work was enqueued on s and returns its position.
func (c *EventCounter) Record(s Stream) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted[s]++
	return c.submitted[s]
}

// Complete marks work on s up to and including position upto as finished.
func (c *EventCounter) Complete(s Stream, upto uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if upto > c.submitted[s] {
		upto = c.submitted[s]
	}
	if upto > c.completed[s] {
		c.completed[s] = upto
	}
}

// Synchronize marks all work recorded on s as finished.
func (c *EventCounter) Synchronize(s Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed[s] = c.submitted[s]
}

func (c *EventCounter) Submitted(s Stream) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitted[s]
}

func (c *EventCounter) Completed(s Stream) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed[s]
}

// deferLocked parks b as pending when its stream still has work in flight.
func (a *Allocator) deferLocked(b *Block) bool {
	if !a.cfg.StreamOrderedReuse || a.tracker == nil || b.stream == 0 {
		return false
	}
	fence := a.tracker.Submitted(b.stream)
	if a.tracker.Completed(b.stream) >= fence {
		return false
	}
	b.state = statePending
	b.fence = fence
	a.pending = append(a.pending, b)
	a.stats.PendingBytes += b.size
	a.stats.PendingBlocks++
	return true
}

// promotePendingLocked recycles pending blocks whose stream has passed their fence.
func (a *Allocator) promotePendingLocked() {
	if len(a.pending) == 0 || a.tracker == nil {
		return
	}

	var ready []*Block
	kept := a.pending[:0]
	for _, b := range a.pending {
		if a.tracker.Completed(b.stream) >= b.fence {
			ready = append(ready, b)
		} else {
			kept = append(kept, b)
		}
	}
	for i := len(kept); i < len(a.pending); i++ {
		a.pending[i] = nil
	}
	a.pending = kept

	for _, b := range ready {
		a.stats.PendingBytes -= b.size
		a.stats.PendingBlocks--
		if err := a.recycleLocked(b); err != nil {
			a.logger.Warn("failed to recycle pending block", zap.Stringer("ptr", b.addr), zap.Error(err))
		}
	}
}

// ProcessPending makes blocks whose streams have completed available for reuse.
func (a *Allocator) ProcessPending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.promotePendingLocked()
}
