package gpu

import "github.com/pkg/errors"

var (
	// ErrNotAvailable is returned by backends compiled without driver support
	// or whose driver found no device.
	ErrNotAvailable = errors.New("gpu: backend not available")

	// ErrNoDevice is returned for a device index out of range.
	ErrNoDevice = errors.New("gpu: no such device")

	// ErrInvalidAddress is returned when a copy or fill touches memory the
	// backend did not grant.
	ErrInvalidAddress = errors.New("gpu: invalid address")
)
