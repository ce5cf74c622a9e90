// Package vm implements the virtual side of the memory subsystem: SV39 page
// tables, logical map areas, and the memory set that composes them into an
// address space. Page-table nodes and data frames are owned through
// mem.FrameTracker handles; entries themselves carry bare page numbers only,
// so the teardown order is unambiguous.
package vm

import (
	"fmt"

	"github.com/tinyrange/rvmm/internal/mem"
)

// PTEFlags are the low eight bits of an SV39 page-table entry.
type PTEFlags uint8

const (
	PteV PTEFlags = 1 << 0 // Valid
	PteR PTEFlags = 1 << 1 // Readable
	PteW PTEFlags = 1 << 2 // Writable
	PteX PTEFlags = 1 << 3 // Executable
	PteU PTEFlags = 1 << 4 // User accessible
	PteG PTEFlags = 1 << 5 // Global
	PteA PTEFlags = 1 << 6 // Accessed
	PteD PTEFlags = 1 << 7 // Dirty
)

// PTE is one 64-bit SV39 page-table entry: PPN in bits 53:10, flags in the
// low byte.
type PTE uint64

func NewPTE(ppn mem.PhysPageNum, flags PTEFlags) PTE {
	return PTE(uint64(ppn)<<10 | uint64(flags))
}

func (p PTE) PPN() mem.PhysPageNum {
	return mem.PhysPageNum(uint64(p) >> 10 & (1<<mem.PPNWidth - 1))
}

func (p PTE) Flags() PTEFlags  { return PTEFlags(p) }
func (p PTE) IsValid() bool    { return p.Flags()&PteV != 0 }
func (p PTE) Readable() bool   { return p.Flags()&PteR != 0 }
func (p PTE) Writable() bool   { return p.Flags()&PteW != 0 }
func (p PTE) Executable() bool { return p.Flags()&PteX != 0 }
func (p PTE) UserAccess() bool { return p.Flags()&PteU != 0 }

// Leaf reports whether a valid entry maps a page rather than pointing at the
// next table level.
func (p PTE) Leaf() bool {
	return p.IsValid() && p.Flags()&(PteR|PteW|PteX) != 0
}

// PageTable is a three-level SV39 translation table. It owns the frames
// holding every node ever allocated for it, the root included; they are
// returned only when the whole table is released.
type PageTable struct {
	rootPPN mem.PhysPageNum
	frames  []*mem.FrameTracker
}

// NewPageTable allocates an empty table (one zeroed root frame).
func NewPageTable() (*PageTable, error) {
	frame, err := mem.Alloc()
	if err != nil {
		return nil, fmt.Errorf("vm: new page table: %w", err)
	}
	return &PageTable{
		rootPPN: frame.PPN(),
		frames:  []*mem.FrameTracker{frame},
	}, nil
}

// FromToken builds a read-only walker over an existing table identified by a
// satp token. The walker owns no frames and never allocates; it must not
// outlive the table it views, and callers use it only for translation.
func FromToken(token uint64) *PageTable {
	return &PageTable{rootPPN: mem.PhysPageNum(token & (1<<mem.PPNWidth - 1))}
}

func (pt *PageTable) RootPPN() mem.PhysPageNum { return pt.rootPPN }

// Token encodes the table for the satp register: mode 8 (SV39) in the top
// nibble, root PPN in the low 44 bits.
func (pt *PageTable) Token() uint64 {
	return 8<<60 | uint64(pt.rootPPN)
}

func pteAddr(node mem.PhysPageNum, idx uint64) mem.PhysAddr {
	return node.Addr() + mem.PhysAddr(idx*8)
}

func readPTE(addr mem.PhysAddr) PTE {
	v, err := mem.Phys().Read64(addr)
	if err != nil {
		panic(fmt.Sprintf("vm: page table node outside memory: %v", err))
	}
	return PTE(v)
}

func writePTE(addr mem.PhysAddr, pte PTE) {
	if err := mem.Phys().Write64(addr, uint64(pte)); err != nil {
		panic(fmt.Sprintf("vm: page table node outside memory: %v", err))
	}
}

// mustAlloc hands out a frame or panics. Running out of frames while a
// mapping is being installed leaves no recoverable state; §7-style rollback
// is replaced by aborting the kernel.
func mustAlloc() *mem.FrameTracker {
	frame, err := mem.Alloc()
	if err != nil {
		panic(fmt.Sprintf("vm: %v", err))
	}
	return frame
}

// findPTECreate walks to the leaf entry for vpn, allocating intermediate
// nodes as needed, and returns the physical address of the leaf slot.
func (pt *PageTable) findPTECreate(vpn mem.VirtPageNum) mem.PhysAddr {
	idxs := vpn.Indexes()
	node := pt.rootPPN
	for i := 0; ; i++ {
		addr := pteAddr(node, idxs[i])
		if i == 2 {
			return addr
		}
		pte := readPTE(addr)
		if !pte.IsValid() {
			frame := mustAlloc()
			pte = NewPTE(frame.PPN(), PteV)
			writePTE(addr, pte)
			pt.frames = append(pt.frames, frame)
		}
		node = pte.PPN()
	}
}

// findPTE walks to the leaf entry for vpn without allocating. The second
// result is false if an intermediate node is missing.
func (pt *PageTable) findPTE(vpn mem.VirtPageNum) (mem.PhysAddr, bool) {
	idxs := vpn.Indexes()
	node := pt.rootPPN
	for i := 0; ; i++ {
		addr := pteAddr(node, idxs[i])
		if i == 2 {
			return addr, true
		}
		pte := readPTE(addr)
		if !pte.IsValid() {
			return 0, false
		}
		node = pte.PPN()
	}
}

// Map installs a leaf mapping vpn -> ppn. Mapping an already-valid entry is
// a programming bug and panics.
func (pt *PageTable) Map(vpn mem.VirtPageNum, ppn mem.PhysPageNum, flags PTEFlags) {
	addr := pt.findPTECreate(vpn)
	if readPTE(addr).IsValid() {
		panic(fmt.Sprintf("vm: vpn %#x is mapped before mapping", uint64(vpn)))
	}
	writePTE(addr, NewPTE(ppn, flags|PteV))
}

// Unmap clears the leaf mapping for vpn. Unmapping an invalid entry panics.
// Intermediate nodes are left in place; they are reclaimed when the whole
// table is released.
func (pt *PageTable) Unmap(vpn mem.VirtPageNum) {
	addr, ok := pt.findPTE(vpn)
	if !ok || !readPTE(addr).IsValid() {
		panic(fmt.Sprintf("vm: vpn %#x is invalid before unmapping", uint64(vpn)))
	}
	writePTE(addr, 0)
}

// Translate returns a copy of the leaf entry for vpn if it is valid.
func (pt *PageTable) Translate(vpn mem.VirtPageNum) (PTE, bool) {
	addr, ok := pt.findPTE(vpn)
	if !ok {
		return 0, false
	}
	pte := readPTE(addr)
	if !pte.IsValid() {
		return 0, false
	}
	return pte, true
}

// NodeFrames returns how many frames the table holds for its nodes.
func (pt *PageTable) NodeFrames() int { return len(pt.frames) }

// nodePPNs reports the page numbers of every node frame, for consistency
// checks.
func (pt *PageTable) nodePPNs() []mem.PhysPageNum {
	ppns := make([]mem.PhysPageNum, len(pt.frames))
	for i, f := range pt.frames {
		ppns[i] = f.PPN()
	}
	return ppns
}

// Release returns every node frame to the allocator.
func (pt *PageTable) Release() {
	for _, f := range pt.frames {
		f.Release()
	}
	pt.frames = nil
}
