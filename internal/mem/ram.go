package mem

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/rvmm/internal/config"
)

// RAM is the machine's physical memory: a single contiguous region starting
// at the platform RAM base. Page-table nodes and data frames all live inside
// it; the accessors below are the only way the rest of the subsystem touches
// physical bytes.
type RAM struct {
	base    uint64
	buf     []byte
	release func() error
}

// NewRAM maps an anonymous region covering [base, base+size).
func NewRAM(base, size uint64) (*RAM, error) {
	if base%config.PageSize != 0 || size%config.PageSize != 0 {
		return nil, fmt.Errorf("ram: region [%#x, %#x) is not page aligned", base, base+size)
	}
	buf, release, err := allocRegion(size)
	if err != nil {
		return nil, fmt.Errorf("ram: %w", err)
	}
	return &RAM{base: base, buf: buf, release: release}, nil
}

func (r *RAM) Base() uint64 { return r.base }
func (r *RAM) Size() uint64 { return uint64(len(r.buf)) }
func (r *RAM) End() uint64  { return r.base + uint64(len(r.buf)) }

func (r *RAM) Contains(pa PhysAddr) bool {
	return uint64(pa) >= r.base && uint64(pa) < r.End()
}

// ContainsPage reports whether the whole page numbered ppn is backed by RAM.
func (r *RAM) ContainsPage(ppn PhysPageNum) bool {
	start := uint64(ppn.Addr())
	return start >= r.base && start+config.PageSize <= r.End()
}

// Read64 reads a little-endian 64-bit value at a physical address.
func (r *RAM) Read64(pa PhysAddr) (uint64, error) {
	off := uint64(pa) - r.base
	if !r.Contains(pa) || off+8 > uint64(len(r.buf)) {
		return 0, fmt.Errorf("ram: read64 outside memory at %#x", uint64(pa))
	}
	return binary.LittleEndian.Uint64(r.buf[off:]), nil
}

// Write64 writes a little-endian 64-bit value at a physical address.
func (r *RAM) Write64(pa PhysAddr, v uint64) error {
	off := uint64(pa) - r.base
	if !r.Contains(pa) || off+8 > uint64(len(r.buf)) {
		return fmt.Errorf("ram: write64 outside memory at %#x", uint64(pa))
	}
	binary.LittleEndian.PutUint64(r.buf[off:], v)
	return nil
}

// PageBytes returns the 4KiB of backing storage for a physical page. The
// slice aliases RAM, so writes through it are real stores.
func (r *RAM) PageBytes(ppn PhysPageNum) []byte {
	if !r.ContainsPage(ppn) {
		panic(fmt.Sprintf("ram: page %#x outside memory", uint64(ppn)))
	}
	off := uint64(ppn.Addr()) - r.base
	return r.buf[off : off+config.PageSize : off+config.PageSize]
}

// ZeroPage clears one physical page.
func (r *RAM) ZeroPage(ppn PhysPageNum) {
	clear(r.PageBytes(ppn))
}

// Close releases the backing region. Only used by tools; the kernel never
// tears its RAM down.
func (r *RAM) Close() error {
	if r.release == nil {
		return nil
	}
	release := r.release
	r.release = nil
	r.buf = nil
	return release()
}
