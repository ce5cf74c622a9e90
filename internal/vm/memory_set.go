package vm

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/tinyrange/rvmm/internal/config"
	"github.com/tinyrange/rvmm/internal/mem"
	"github.com/tinyrange/rvmm/internal/rv64"
	"github.com/tinyrange/rvmm/internal/upcell"
)

// MemorySet is one address space: a page table plus the ordered list of
// logical segments installed in it. The trampoline mapping is the only leaf
// not accounted for by an area.
type MemorySet struct {
	pageTable *PageTable
	areas     []*MapArea
}

// NewBare creates an empty address space.
func NewBare() (*MemorySet, error) {
	pt, err := NewPageTable()
	if err != nil {
		return nil, err
	}
	return &MemorySet{pageTable: pt}, nil
}

func (ms *MemorySet) Token() uint64 { return ms.pageTable.Token() }

func (ms *MemorySet) Translate(vpn mem.VirtPageNum) (PTE, bool) {
	return ms.pageTable.Translate(vpn)
}

// Areas returns the installed segments. Callers must not mutate the slice.
func (ms *MemorySet) Areas() []*MapArea { return ms.areas }

// push maps an area, optionally copies data into it, and appends it to the
// area list. An allocation failure mid-map panics before the append, so no
// partially-pushed area is ever observable.
func (ms *MemorySet) push(area *MapArea, data []byte) {
	area.mapAll(ms.pageTable)
	if data != nil {
		area.copyData(ms.pageTable, data)
	}
	ms.areas = append(ms.areas, area)
}

// pop unmaps and removes the first area equal to template (range and map
// type). Reports whether one was found.
func (ms *MemorySet) pop(template *MapArea) bool {
	idx := slices.IndexFunc(ms.areas, func(a *MapArea) bool { return a.equal(template) })
	if idx < 0 {
		return false
	}
	area := ms.areas[idx]
	area.unmapAll(ms.pageTable)
	ms.areas = slices.Delete(ms.areas, idx, idx+1)
	return true
}

// mapTrampoline installs the shared trap-entry page at the top of the
// virtual address space. Not collected by the area list.
func (ms *MemorySet) mapTrampoline(l *config.Layout) {
	ms.pageTable.Map(
		mem.NewVirtAddr(config.Trampoline).Floor(),
		mem.NewPhysAddr(l.TrampolinePhys).Floor(),
		PteR|PteX,
	)
}

// InsertFramedArea pushes a fresh framed segment over [start, end). The
// caller is responsible for it not overlapping existing areas.
func (ms *MemorySet) InsertFramedArea(start, end mem.VirtAddr, perm MapPermission) {
	ms.push(NewMapArea(start, end, MapFramed, perm), nil)
}

// DeleteFramedArea removes the framed segment whose page range equals
// [start.Floor(), end.Ceil()). Reports whether one was found.
func (ms *MemorySet) DeleteFramedArea(start, end mem.VirtAddr) bool {
	return ms.pop(NewMapArea(start, end, MapFramed, 0))
}

// ShrinkTo shrinks the area starting at start.Floor() down to newEnd.Ceil().
// Reports whether such an area exists.
func (ms *MemorySet) ShrinkTo(start, newEnd mem.VirtAddr) bool {
	for _, area := range ms.areas {
		if area.vpnRange.Start == start.Floor() {
			area.shrinkTo(ms.pageTable, newEnd.Ceil())
			return true
		}
	}
	return false
}

// AppendTo grows the area starting at start.Floor() up to newEnd.Ceil().
// Reports whether such an area exists.
func (ms *MemorySet) AppendTo(start, newEnd mem.VirtAddr) bool {
	for _, area := range ms.areas {
		if area.vpnRange.Start == start.Floor() {
			area.appendTo(ms.pageTable, newEnd.Ceil())
			return true
		}
	}
	return false
}

// Activate writes the token to the boot hart's satp and fences the whole
// TLB. From that point loads and stores translate through this set.
func (ms *MemorySet) Activate() {
	hart := rv64.Boot()
	hart.WriteSatp(ms.Token())
	hart.SFenceVMA()
}

// Release tears the address space down bottom-up: every area drops its data
// frames, then the page table drops its node frames.
func (ms *MemorySet) Release() {
	for _, area := range ms.areas {
		area.releaseFrames()
	}
	ms.areas = nil
	ms.pageTable.Release()
}

// NewKernel builds the kernel address space: the trampoline page plus
// identity mappings for the kernel image sections and the rest of physical
// memory. Runs once at boot; any failure here is fatal.
func NewKernel(l *config.Layout) *MemorySet {
	ms, err := NewBare()
	if err != nil {
		panic(fmt.Sprintf("vm: kernel space: %v", err))
	}
	ms.mapTrampoline(l)

	sections := []struct {
		name string
		span config.Span
		perm MapPermission
	}{
		{".text", l.Text, PermR | PermX},
		{".rodata", l.Rodata, PermR},
		{".data", l.Data, PermR | PermW},
		{".bss", l.Bss, PermR | PermW},
		{"physical memory", config.Span{Start: l.KernelEnd(), End: l.MemoryEnd}, PermR | PermW},
	}
	for _, s := range sections {
		slog.Debug("mapping kernel section",
			"section", s.name,
			"start", fmt.Sprintf("%#x", s.span.Start),
			"end", fmt.Sprintf("%#x", s.span.End))
		area := NewMapArea(mem.NewVirtAddr(s.span.Start), mem.NewVirtAddr(s.span.End), MapIdentical, s.perm)
		ms.push(area, nil)
	}
	return ms
}

// The kernel's address space, built on first access and never rebuilt.
var (
	kernelOnce  sync.Once
	kernelSpace *upcell.Cell[*MemorySet]
)

// KernelSpace returns the process-wide kernel address space cell. The first
// call constructs the space from the boot layout.
func KernelSpace() *upcell.Cell[*MemorySet] {
	kernelOnce.Do(func() {
		kernelSpace = upcell.New(NewKernel(mem.BootLayout()))
	})
	return kernelSpace
}

// KernelToken returns the satp token of the kernel space.
func KernelToken() uint64 {
	var tok uint64
	KernelSpace().With(func(ms **MemorySet) {
		tok = (*ms).Token()
	})
	return tok
}
