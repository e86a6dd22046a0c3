package memory

import "errors"

var (
	// ErrInvalidArgument indicates malformed allocation options, such as an
	// alignment that is not a power of two or a size that overflows when rounded.
	ErrInvalidArgument = errors.New("memory: invalid argument")

	// ErrOutOfMemory indicates that neither the cache nor the backing store
	// could satisfy a request.
	ErrOutOfMemory = errors.New("memory: out of memory")

	// ErrProtocolViolation indicates a free of an unknown pointer or a double free.
	// It is only returned when the allocator runs in strict mode.
	ErrProtocolViolation = errors.New("memory: protocol violation")

	// ErrBackingStore indicates that the backing store failed a call for a
	// reason other than exhaustion.
	ErrBackingStore = errors.New("memory: backing store failure")

	// ErrClosed is returned by operations on an allocator after Close.
	ErrClosed = errors.New("memory: allocator closed")
)
