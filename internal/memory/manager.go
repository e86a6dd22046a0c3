package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// StoreFactory opens the backing store of a device.
type StoreFactory func(device int) (BackingStore, error)

// DeviceSelector reports the device used when a caller passes a negative id.
type DeviceSelector interface {
	CurrentDevice() (int, error)
}

// Manager maps device ids to allocators, creating each on first use.
type Manager struct {
	mu         sync.Mutex
	allocators map[int]*Allocator
	factory    StoreFactory
	selector   DeviceSelector
	cfg        Config
	logger     *zap.Logger
	opts       []Option
}

// NewManager creates a manager. opts are applied to every allocator it creates.
func NewManager(factory StoreFactory, selector DeviceSelector, cfg Config, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		allocators: make(map[int]*Allocator),
		factory:    factory,
		selector:   selector,
		cfg:        cfg,
		logger:     logger.Named("memory"),
		opts:       opts,
	}
}

func (m *Manager) resolve(device int) (int, error) {
	if device >= 0 {
		return device, nil
	}
	if m.selector == nil {
		return 0, nil
	}
	current, err := m.selector.CurrentDevice()
	if err != nil {
		return 0, fmt.Errorf("get current device: %w", err)
	}
	return current, nil
}

// Allocator returns the allocator of device, creating it if needed.
// A negative device selects the current device.
func (m *Manager) Allocator(device int) (*Allocator, error) {
	device, err := m.resolve(device)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.allocators[device]; ok {
		return a, nil
	}
	store, err := m.factory(device)
	if err != nil {
		return nil, fmt.Errorf("open backing store for device %d: %w", device, err)
	}
	opts := append([]Option{WithDevice(device), WithLogger(m.logger)}, m.opts...)
	a := NewAllocator(store, m.cfg, opts...)
	m.allocators[device] = a
	m.logger.Info("allocator created", zap.Int("device", device))
	return a, nil
}

// Devices returns the ids of devices that have an allocator, in ascending order.
func (m *Manager) Devices() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	devices := make([]int, 0, len(m.allocators))
	for d := range m.allocators {
		devices = append(devices, d)
	}
	sort.Ints(devices)
	return devices
}

func (m *Manager) snapshot() []*Allocator {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*Allocator, 0, len(m.allocators))
	for _, a := range m.allocators {
		all = append(all, a)
	}
	return all
}

// Allocate allocates on device. A negative device selects the current device.
func (m *Manager) Allocate(size uint64, device int, opts AllocOptions) (DevicePtr, error) {
	a, err := m.Allocator(device)
	if err != nil {
		return 0, err
	}
	return a.Allocate(size, opts)
}

// Deallocate frees ptr on whichever device owns it.
func (m *Manager) Deallocate(ptr DevicePtr) error {
	if ptr == 0 {
		return nil
	}
	for _, a := range m.snapshot() {
		found, err := a.free(ptr, false)
		if found {
			return err
		}
	}
	m.logger.Warn("free of unknown pointer", zap.Stringer("ptr", ptr))
	if m.cfg.Strict {
		return fmt.Errorf("free of unknown pointer %s: %w", ptr, ErrProtocolViolation)
	}
	return nil
}

// DeviceOf reports which device holds the live allocation ptr.
func (m *Manager) DeviceOf(ptr DevicePtr) (int, bool) {
	for _, a := range m.snapshot() {
		if a.Owns(ptr) {
			return a.Device(), true
		}
	}
	return 0, false
}

// EmptyCache empties the cache of device.
func (m *Manager) EmptyCache(device int) error {
	a, err := m.Allocator(device)
	if err != nil {
		return err
	}
	return a.EmptyCache()
}

// Stats returns the counters of device.
func (m *Manager) Stats(device int) (Stats, error) {
	a, err := m.Allocator(device)
	if err != nil {
		return Stats{}, err
	}
	return a.Stats(), nil
}

// TotalMemory returns the total memory of device.
func (m *Manager) TotalMemory(device int) (uint64, error) {
	a, err := m.Allocator(device)
	if err != nil {
		return 0, err
	}
	return a.TotalMemory()
}

// FreeMemory returns the free memory of device.
func (m *Manager) FreeMemory(device int) (uint64, error) {
	a, err := m.Allocator(device)
	if err != nil {
		return 0, err
	}
	return a.FreeMemory()
}

// UsedMemory returns the used memory of device.
func (m *Manager) UsedMemory(device int) (uint64, error) {
	a, err := m.Allocator(device)
	if err != nil {
		return 0, err
	}
	return a.UsedMemory()
}

// Reset closes the allocator of device and forgets it. The next access
// creates a fresh one.
func (m *Manager) Reset(device int) error {
	device, err := m.resolve(device)
	if err != nil {
		return err
	}

	m.mu.Lock()
	a, ok := m.allocators[device]
	delete(m.allocators, device)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return a.Close()
}

// Close closes every allocator.
func (m *Manager) Close() error {
	m.mu.Lock()
	all := m.allocators
	m.allocators = make(map[int]*Allocator)
	m.mu.Unlock()

	var result *multierror.Error
	for device, a := range all {
		if err := a.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("device %d: %w", device, err))
		}
	}
	return result.ErrorOrNil()
}
