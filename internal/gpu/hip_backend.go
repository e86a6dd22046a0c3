//go:build rocm

package gpu

/*
#cgo CFLAGS: -I/opt/rocm/include -D__HIP_PLATFORM_AMD__
#cgo LDFLAGS: -L/opt/rocm/lib -lamdhip64
#include <hip/hip_runtime_api.h>
#include <stdlib.h>
*/
import "C"
import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/fxnlabs/rdna/internal/memory"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// HIPBackend implements Backend on one AMD GPU through the HIP runtime
type HIPBackend struct {
	device int
	logger *zap.Logger

	mu          sync.Mutex
	kinds       map[memory.DevicePtr]memory.MemoryKind
	initialized bool
	available   bool
	info        DeviceInfo
}

// NewHIPBackend creates a backend for the given device index.
func NewHIPBackend(device int, logger *zap.Logger) *HIPBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &HIPBackend{
		device: device,
		logger: logger.Named("hip").With(zap.Int("device", device)),
		kinds:  make(map[memory.DevicePtr]memory.MemoryKind),
	}

	count, err := HIPDeviceCount()
	if err != nil {
		h.logger.Warn("HIP device not available", zap.Error(err))
	} else {
		h.available = device >= 0 && device < count
	}
	return h
}

// HIPDeviceCount returns the number of devices visible to the HIP runtime.
func HIPDeviceCount() (int, error) {
	var count C.int
	if rc := C.hipGetDeviceCount(&count); rc != C.hipSuccess {
		return 0, hipError("hipGetDeviceCount", rc)
	}
	return int(count), nil
}

func hipError(op string, rc C.hipError_t) error {
	return errors.Errorf("%s: %s", op, C.GoString(C.hipGetErrorString(rc)))
}

// onDevice runs fn on an OS thread whose current HIP device is h.device.
func (h *HIPBackend) onDevice(op string, fn func() C.hipError_t) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if rc := C.hipSetDevice(C.int(h.device)); rc != C.hipSuccess {
		return hipError("hipSetDevice", rc)
	}
	if rc := fn(); rc != C.hipSuccess {
		if rc == C.hipErrorOutOfMemory {
			return errors.Wrap(memory.ErrOutOfMemory, hipError(op, rc).Error())
		}
		return hipError(op, rc)
	}
	return nil
}

func (h *HIPBackend) Name() string {
	return "hip"
}

func (h *HIPBackend) IsAvailable() bool {
	return h.available
}

// Initialize selects the device and caches its description
func (h *HIPBackend) Initialize() error {
	if !h.available {
		return errors.Wrapf(ErrNotAvailable, "HIP device %d", h.device)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.initialized {
		return nil
	}

	var (
		name     [256]C.char
		total    C.size_t
		driver   C.int
		runtimeV C.int
	)
	err := h.onDevice("hipDeviceGetName", func() C.hipError_t {
		if rc := C.hipDeviceGetName(&name[0], C.int(len(name)), C.hipDevice_t(h.device)); rc != C.hipSuccess {
			return rc
		}
		if rc := C.hipDeviceTotalMem(&total, C.hipDevice_t(h.device)); rc != C.hipSuccess {
			return rc
		}
		if rc := C.hipDriverGetVersion(&driver); rc != C.hipSuccess {
			return rc
		}
		return C.hipRuntimeGetVersion(&runtimeV)
	})
	if err != nil {
		return errors.Wrap(err, "query device")
	}

	h.info = DeviceInfo{
		Index:          h.device,
		Name:           C.GoString(&name[0]),
		TotalMemory:    uint64(total),
		DriverVersion:  fmt.Sprintf("%d", int(driver)),
		RuntimeVersion: fmt.Sprintf("%d", int(runtimeV)),
	}
	h.initialized = true
	h.logger.Info("HIP backend initialized",
		zap.String("name", h.info.Name),
		zap.Float64("total_memory_gb", float64(h.info.TotalMemory)/(1<<30)))
	return nil
}

// Cleanup frees every region still held
func (h *HIPBackend) Cleanup() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for ptr, kind := range h.kinds {
		if err := h.freeLocked(ptr, kind); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(h.kinds, ptr)
	}
	h.initialized = false
	return firstErr
}

// GetDeviceInfo returns information about the device, with free memory
// queried at call time.
func (h *HIPBackend) GetDeviceInfo() DeviceInfo {
	h.mu.Lock()
	info := h.info
	h.mu.Unlock()

	if free, _, err := h.MemoryInfo(); err == nil {
		info.AvailableMemory = free
	}
	return info
}

func (h *HIPBackend) RawAllocate(size uint64, kind memory.MemoryKind) (memory.DevicePtr, error) {
	var p unsafe.Pointer
	var err error
	switch kind {
	case memory.KindPinnedHost:
		err = h.onDevice("hipHostMalloc", func() C.hipError_t {
			return C.hipHostMalloc(&p, C.size_t(size), C.hipHostMallocDefault)
		})
	case memory.KindUnified:
		err = h.onDevice("hipMallocManaged", func() C.hipError_t {
			return C.hipMallocManaged(&p, C.size_t(size), C.hipMemAttachGlobal)
		})
	default:
		err = h.onDevice("hipMalloc", func() C.hipError_t {
			return C.hipMalloc(&p, C.size_t(size))
		})
	}
	if err != nil {
		return 0, err
	}

	ptr := memory.DevicePtr(uintptr(p))
	h.mu.Lock()
	h.kinds[ptr] = kind
	h.mu.Unlock()
	return ptr, nil
}

func (h *HIPBackend) RawFree(ptr memory.DevicePtr) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	kind, ok := h.kinds[ptr]
	if !ok {
		return errors.Wrapf(ErrInvalidAddress, "hip: free of %s", ptr)
	}
	delete(h.kinds, ptr)
	return h.freeLocked(ptr, kind)
}

func (h *HIPBackend) freeLocked(ptr memory.DevicePtr, kind memory.MemoryKind) error {
	p := unsafe.Pointer(uintptr(ptr))
	if kind == memory.KindPinnedHost {
		return h.onDevice("hipHostFree", func() C.hipError_t { return C.hipHostFree(p) })
	}
	return h.onDevice("hipFree", func() C.hipError_t { return C.hipFree(p) })
}

func (h *HIPBackend) MemoryInfo() (uint64, uint64, error) {
	var free, total C.size_t
	err := h.onDevice("hipMemGetInfo", func() C.hipError_t {
		return C.hipMemGetInfo(&free, &total)
	})
	if err != nil {
		return 0, 0, err
	}
	return uint64(free), uint64(total), nil
}

func (h *HIPBackend) Memset(ptr memory.DevicePtr, value byte, n uint64) error {
	return h.onDevice("hipMemset", func() C.hipError_t {
		return C.hipMemset(unsafe.Pointer(uintptr(ptr)), C.int(value), C.size_t(n))
	})
}

func (h *HIPBackend) Memcpy(dst, src memory.DevicePtr, n uint64) error {
	return h.onDevice("hipMemcpy", func() C.hipError_t {
		return C.hipMemcpy(unsafe.Pointer(uintptr(dst)), unsafe.Pointer(uintptr(src)), C.size_t(n), C.hipMemcpyDeviceToDevice)
	})
}

func (h *HIPBackend) CopyToHost(dst []byte, src memory.DevicePtr) error {
	if len(dst) == 0 {
		return nil
	}
	return h.onDevice("hipMemcpy", func() C.hipError_t {
		return C.hipMemcpy(unsafe.Pointer(&dst[0]), unsafe.Pointer(uintptr(src)), C.size_t(len(dst)), C.hipMemcpyDeviceToHost)
	})
}

func (h *HIPBackend) CopyFromHost(dst memory.DevicePtr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	return h.onDevice("hipMemcpy", func() C.hipError_t {
		return C.hipMemcpy(unsafe.Pointer(uintptr(dst)), unsafe.Pointer(&src[0]), C.size_t(len(src)), C.hipMemcpyHostToDevice)
	})
}
