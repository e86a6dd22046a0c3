package gpu

import (
	"github.com/fxnlabs/rdna/internal/memory"
)

// DeviceInfo contains information about a device
type DeviceInfo struct {
	Index           int    `json:"index"`
	Name            string `json:"name"`
	Architecture    string `json:"architecture,omitempty"`
	TotalMemory     uint64 `json:"totalMemory"`     // in bytes
	AvailableMemory uint64 `json:"availableMemory"` // in bytes
	DriverVersion   string `json:"driverVersion"`
	RuntimeVersion  string `json:"runtimeVersion,omitempty"`
}

// Backend is a device driver the allocator draws memory from.
//
// Implementation notes:
//   - RawAllocate must return regions aligned to memory.SegmentAlignment and
//     report exhaustion with an error wrapping memory.ErrOutOfMemory
//   - Backends must be safe for concurrent use
//   - Cleanup releases every region still held, so it must only be called
//     once no allocator uses the backend
type Backend interface {
	memory.BackingStore

	// Name identifies the backend type, e.g. "hip" or "host".
	Name() string

	// IsAvailable checks if the backend is usable without heavy initialization.
	IsAvailable() bool

	// Initialize prepares the backend for use. Calling it twice is a no-op.
	Initialize() error

	// Cleanup releases any resources held by the backend.
	Cleanup() error

	// GetDeviceInfo returns information about the device.
	GetDeviceInfo() DeviceInfo

	// Memset fills n bytes starting at ptr with value.
	Memset(ptr memory.DevicePtr, value byte, n uint64) error

	// Memcpy copies n bytes between two regions of the device.
	Memcpy(dst, src memory.DevicePtr, n uint64) error

	// CopyToHost copies len(dst) bytes starting at src into dst.
	CopyToHost(dst []byte, src memory.DevicePtr) error

	// CopyFromHost copies src into the device starting at dst.
	CopyFromHost(dst memory.DevicePtr, src []byte) error
}
