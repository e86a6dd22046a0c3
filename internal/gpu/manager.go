package gpu

import (
	"sync"

	"github.com/fxnlabs/rdna/internal/memory"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Backend selection values for Options.Backend.
const (
	BackendAuto = "auto"
	BackendHIP  = "hip"
	BackendHost = "host"
)

// Options controls backend selection.
type Options struct {
	// Backend is one of BackendAuto, BackendHIP or BackendHost.
	Backend string
	// HostCapacity bounds each host device; zero means unbounded.
	HostCapacity uint64
	// HostDevices is the number of host devices to expose.
	HostDevices int
}

// Manager handles backend selection and lifecycle, one backend per device
type Manager struct {
	mu       sync.RWMutex
	backends []Backend
	current  int
	logger   *zap.Logger
}

// NewManager creates a new manager and initializes the selected backends
func NewManager(opts Options, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		logger: logger.Named("gpu"),
	}

	if err := m.detectAndInitialize(opts); err != nil {
		return nil, err
	}

	return m, nil
}

// detectAndInitialize opens HIP devices when requested and available, and
// falls back to host devices otherwise.
func (m *Manager) detectAndInitialize(opts Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch opts.Backend {
	case "", BackendAuto, BackendHIP:
		m.backends = m.tryCreateHIPBackends()
		if len(m.backends) > 0 {
			return nil
		}
		if opts.Backend == BackendHIP {
			return errors.Wrap(ErrNotAvailable, "no usable HIP device")
		}
		m.logger.Info("no HIP device found, falling back to host memory")
	case BackendHost:
	default:
		return errors.Errorf("unknown backend %q", opts.Backend)
	}

	n := opts.HostDevices
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		host := NewHostBackend(opts.HostCapacity, m.logger.With(zap.Int("device", i)))
		if err := host.Initialize(); err != nil {
			return errors.Wrap(err, "failed to initialize host backend")
		}
		m.backends = append(m.backends, host)
	}
	return nil
}

func (m *Manager) tryCreateHIPBackends() []Backend {
	count, err := HIPDeviceCount()
	if err != nil {
		m.logger.Warn("failed to count HIP devices", zap.Error(err))
		return nil
	}

	var backends []Backend
	for i := 0; i < count; i++ {
		hip := NewHIPBackend(i, m.logger)
		if !hip.IsAvailable() {
			continue
		}
		if err := hip.Initialize(); err != nil {
			m.logger.Warn("failed to initialize HIP device", zap.Int("device", i), zap.Error(err))
			_ = hip.Cleanup()
			continue
		}
		backends = append(backends, hip)
	}
	return backends
}

// DeviceCount returns the number of devices
func (m *Manager) DeviceCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.backends)
}

// Backend returns the backend of device. A negative device selects the
// current device.
func (m *Manager) Backend(device int) (Backend, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if device < 0 {
		device = m.current
	}
	if device >= len(m.backends) {
		return nil, errors.Wrapf(ErrNoDevice, "device %d of %d", device, len(m.backends))
	}
	return m.backends[device], nil
}

// Store returns the backend of device as a backing store. It has the
// signature of memory.StoreFactory.
func (m *Manager) Store(device int) (memory.BackingStore, error) {
	return m.Backend(device)
}

// CurrentDevice returns the device used when callers pass a negative index
func (m *Manager) CurrentDevice() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.backends) == 0 {
		return 0, ErrNoDevice
	}
	return m.current, nil
}

// SetCurrentDevice changes the current device
func (m *Manager) SetCurrentDevice(device int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if device < 0 || device >= len(m.backends) {
		return errors.Wrapf(ErrNoDevice, "device %d of %d", device, len(m.backends))
	}
	m.current = device
	return nil
}

// DeviceInfos returns the description of every device
func (m *Manager) DeviceInfos() []DeviceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]DeviceInfo, 0, len(m.backends))
	for i, b := range m.backends {
		info := b.GetDeviceInfo()
		info.Index = i
		infos = append(infos, info)
	}
	return infos
}

// IsGPUAvailable returns true if the devices are real GPUs
func (m *Manager) IsGPUAvailable() bool {
	return m.GetBackendType() == BackendHIP
}

// GetBackendType returns a string describing the current backend type
func (m *Manager) GetBackendType() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.backends) == 0 {
		return "none"
	}
	return m.backends[0].Name()
}

// Cleanup releases resources held by every backend
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result *multierror.Error
	for i, b := range m.backends {
		if err := b.Cleanup(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "device %d", i))
		}
	}
	m.backends = nil
	m.current = 0
	return result.ErrorOrNil()
}
