//go:build !linux

package gpu

import "github.com/pkg/errors"

func systemMemory() (uint64, uint64, error) {
	return 0, 0, errors.New("system memory query not supported on this platform; set a host capacity")
}
