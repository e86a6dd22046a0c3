//go:build !rocm

package gpu

import (
	"github.com/fxnlabs/rdna/internal/memory"
	"go.uber.org/zap"
)

// HIPBackend is a stub type when the binary is built without the rocm tag
type HIPBackend struct {
	device int
}

func NewHIPBackend(device int, _ *zap.Logger) *HIPBackend {
	return &HIPBackend{device: device}
}

// HIPDeviceCount always reports no devices.
func HIPDeviceCount() (int, error) {
	return 0, nil
}

func (h *HIPBackend) Name() string { return "hip" }

func (h *HIPBackend) IsAvailable() bool { return false }

func (h *HIPBackend) Initialize() error { return ErrNotAvailable }

func (h *HIPBackend) Cleanup() error { return nil }

func (h *HIPBackend) GetDeviceInfo() DeviceInfo {
	return DeviceInfo{Index: h.device, Name: "HIP not available"}
}

func (h *HIPBackend) RawAllocate(uint64, memory.MemoryKind) (memory.DevicePtr, error) {
	return 0, ErrNotAvailable
}

func (h *HIPBackend) RawFree(memory.DevicePtr) error { return ErrNotAvailable }

func (h *HIPBackend) MemoryInfo() (uint64, uint64, error) { return 0, 0, ErrNotAvailable }

func (h *HIPBackend) Memset(memory.DevicePtr, byte, uint64) error { return ErrNotAvailable }

func (h *HIPBackend) Memcpy(memory.DevicePtr, memory.DevicePtr, uint64) error { return ErrNotAvailable }

func (h *HIPBackend) CopyToHost([]byte, memory.DevicePtr) error { return ErrNotAvailable }

func (h *HIPBackend) CopyFromHost(memory.DevicePtr, []byte) error { return ErrNotAvailable }
