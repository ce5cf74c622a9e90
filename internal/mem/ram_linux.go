//go:build linux

package mem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocRegion backs physical memory with an anonymous private mapping so the
// pages are committed lazily and returned to the host wholesale on Close.
func allocRegion(size uint64) ([]byte, func() error, error) {
	maxInt := uint64(^uint(0) >> 1)
	if size > maxInt {
		return nil, nil, fmt.Errorf("allocate region: size %d exceeds host address limit", size)
	}

	buf, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("allocate region: %w", err)
	}

	return buf, func() error { return unix.Munmap(buf) }, nil
}
