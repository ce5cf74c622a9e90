//go:build !linux

package mem

import "fmt"

func allocRegion(size uint64) ([]byte, func() error, error) {
	maxInt := uint64(^uint(0) >> 1)
	if size > maxInt {
		return nil, nil, fmt.Errorf("allocate region: size %d exceeds host address limit", size)
	}
	return make([]byte, size), nil, nil
}
