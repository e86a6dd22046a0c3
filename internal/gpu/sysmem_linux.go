//go:build linux

package gpu

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// systemMemory returns free and total RAM as reported by sysinfo(2).
func systemMemory() (uint64, uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, 0, errors.Wrap(err, "sysinfo")
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return uint64(info.Freeram) * unit, uint64(info.Totalram) * unit, nil
}
