package memory

type blockState uint8

const (
	stateInUse blockState = iota
	stateCached
	statePending
)

func (s blockState) String() string {
	switch s {
	case stateInUse:
		return "in_use"
	case stateCached:
		return "cached"
	case statePending:
		return "pending"
	default:
		return "unknown"
	}
}

// segment is one region granted by the backing store.
type segment struct {
	base DevicePtr
	size uint64
	kind MemoryKind
}

// Block is a contiguous piece of a segment.
//
// prev and next link blocks of the same segment in address order; they are
// nil at the segment edges.
type Block struct {
	addr      DevicePtr
	size      uint64 // extent, always a multiple of the requesting alignment
	requested uint64 // bytes asked for by the caller while in use
	kind      MemoryKind
	state     blockState
	stream    Stream
	id        uint64

	lastUsed uint64 // logical timestamp while cached
	fence    uint64 // stream position that must complete while pending

	seg        *segment
	prev, next *Block
}

func (b *Block) end() DevicePtr {
	return b.addr + DevicePtr(b.size)
}

// wholeSegment reports whether b is the only block of its segment.
func (b *Block) wholeSegment() bool {
	return b.prev == nil && b.next == nil
}

// fits reports whether needed bytes aligned to align can be placed in b.
func (b *Block) fits(needed, align uint64) bool {
	start, ok := alignUp(uint64(b.addr), align)
	if !ok {
		return false
	}
	pad := start - uint64(b.addr)
	return pad <= b.size && b.size-pad >= needed
}

// splitAt cuts b at offset and returns the new block that starts there.
func (b *Block) splitAt(offset uint64) *Block {
	nb := &Block{
		addr:   b.addr + DevicePtr(offset),
		size:   b.size - offset,
		kind:   b.kind,
		stream: b.stream,
		seg:    b.seg,
		prev:   b,
		next:   b.next,
	}
	if b.next != nil {
		b.next.prev = nb
	}
	b.next = nb
	b.size = offset
	return nb
}

// absorbNext merges b.next into b. The caller removes the absorbed block
// from every index beforehand.
func (b *Block) absorbNext() *Block {
	n := b.next
	b.size += n.size
	b.next = n.next
	if n.next != nil {
		n.next.prev = b
	}
	n.prev, n.next = nil, nil
	return n
}

func (b *Block) info() BlockInfo {
	return BlockInfo{
		Ptr:     b.addr,
		Size:    b.size,
		Kind:    b.kind,
		State:   b.state.String(),
		Segment: b.seg.base,
		Stream:  b.stream,
	}
}

// byKindAddr orders cached blocks for first-fit search.
func byKindAddr(a, b *Block) bool {
	if a.kind != b.kind {
		return a.kind < b.kind
	}
	return a.addr < b.addr
}

// byRecency orders cached blocks for LRU eviction.
func byRecency(a, b *Block) bool {
	if a.lastUsed != b.lastUsed {
		return a.lastUsed < b.lastUsed
	}
	return a.addr < b.addr
}
