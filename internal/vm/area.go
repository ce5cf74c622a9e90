package vm

import (
	"fmt"

	"github.com/tinyrange/rvmm/internal/config"
	"github.com/tinyrange/rvmm/internal/mem"
)

// MapType says how a logical segment finds its physical pages.
type MapType int

const (
	// MapIdentical maps each virtual page to the equal-numbered physical
	// page. Used for the kernel image and the linear view of RAM.
	MapIdentical MapType = iota
	// MapFramed backs each virtual page with a freshly allocated frame.
	MapFramed
)

func (t MapType) String() string {
	switch t {
	case MapIdentical:
		return "identical"
	case MapFramed:
		return "framed"
	}
	return fmt.Sprintf("MapType(%d)", int(t))
}

// MapPermission is the R/W/X/U subset of the PTE flag byte, in the same bit
// positions.
type MapPermission uint8

const (
	PermR MapPermission = 1 << 1
	PermW MapPermission = 1 << 2
	PermX MapPermission = 1 << 3
	PermU MapPermission = 1 << 4
)

func (p MapPermission) String() string {
	buf := []byte("----")
	if p&PermR != 0 {
		buf[0] = 'r'
	}
	if p&PermW != 0 {
		buf[1] = 'w'
	}
	if p&PermX != 0 {
		buf[2] = 'x'
	}
	if p&PermU != 0 {
		buf[3] = 'u'
	}
	return string(buf)
}

// MapArea is a contiguous range of virtual pages mapped the same way. For
// framed areas it owns the backing frame of every page in the range.
type MapArea struct {
	vpnRange   mem.VPNRange
	dataFrames map[mem.VirtPageNum]*mem.FrameTracker
	mapType    MapType
	perm       MapPermission
}

// NewMapArea spans [start.Floor(), end.Ceil()). Empty ranges are fine; the
// user heap starts out as one.
func NewMapArea(start, end mem.VirtAddr, mapType MapType, perm MapPermission) *MapArea {
	return &MapArea{
		vpnRange:   mem.VPNRange{Start: start.Floor(), End: end.Ceil()},
		dataFrames: make(map[mem.VirtPageNum]*mem.FrameTracker),
		mapType:    mapType,
		perm:       perm,
	}
}

func (a *MapArea) Range() mem.VPNRange { return a.vpnRange }
func (a *MapArea) Type() MapType       { return a.mapType }
func (a *MapArea) Perm() MapPermission { return a.perm }

// equal is the predicate used to locate an area for removal: range and map
// type only, never permissions or backing frames.
func (a *MapArea) equal(o *MapArea) bool {
	return a.vpnRange == o.vpnRange && a.mapType == o.mapType
}

func (a *MapArea) mapOne(pt *PageTable, vpn mem.VirtPageNum) {
	var ppn mem.PhysPageNum
	switch a.mapType {
	case MapIdentical:
		ppn = mem.PhysPageNum(vpn)
	case MapFramed:
		frame := mustAlloc()
		ppn = frame.PPN()
		a.dataFrames[vpn] = frame
	}
	pt.Map(vpn, ppn, PTEFlags(a.perm))
}

func (a *MapArea) unmapOne(pt *PageTable, vpn mem.VirtPageNum) {
	if a.mapType == MapFramed {
		if frame, ok := a.dataFrames[vpn]; ok {
			delete(a.dataFrames, vpn)
			frame.Release()
		}
	}
	pt.Unmap(vpn)
}

func (a *MapArea) mapAll(pt *PageTable) {
	for vpn := a.vpnRange.Start; vpn < a.vpnRange.End; vpn++ {
		a.mapOne(pt, vpn)
	}
}

func (a *MapArea) unmapAll(pt *PageTable) {
	for vpn := a.vpnRange.Start; vpn < a.vpnRange.End; vpn++ {
		a.unmapOne(pt, vpn)
	}
}

// shrinkTo unmaps [newEnd, end) and moves the end down. newEnd must not be
// above the current end.
func (a *MapArea) shrinkTo(pt *PageTable, newEnd mem.VirtPageNum) {
	for vpn := newEnd; vpn < a.vpnRange.End; vpn++ {
		a.unmapOne(pt, vpn)
	}
	a.vpnRange.End = newEnd
}

// appendTo maps [end, newEnd) and moves the end up. newEnd must not be below
// the current end.
func (a *MapArea) appendTo(pt *PageTable, newEnd mem.VirtPageNum) {
	for vpn := a.vpnRange.End; vpn < newEnd; vpn++ {
		a.mapOne(pt, vpn)
	}
	a.vpnRange.End = newEnd
}

// copyData copies data into the frames backing the area, starting at byte 0
// of the first page. Bytes past len(data) keep their allocator-provided
// zeroes. The area must be framed and data must fit.
func (a *MapArea) copyData(pt *PageTable, data []byte) {
	if a.mapType != MapFramed {
		panic("vm: copy into non-framed area")
	}
	if uint64(len(data)) > a.vpnRange.Len()*config.PageSize {
		panic(fmt.Sprintf("vm: copy of %d bytes overflows area of %d pages", len(data), a.vpnRange.Len()))
	}
	vpn := a.vpnRange.Start
	for start := 0; start < len(data); start += config.PageSize {
		src := data[start:min(len(data), start+config.PageSize)]
		pte, ok := pt.Translate(vpn)
		if !ok {
			panic(fmt.Sprintf("vm: copy into unmapped vpn %#x", uint64(vpn)))
		}
		copy(mem.Phys().PageBytes(pte.PPN()), src)
		vpn++
	}
}

// releaseFrames returns every owned data frame to the allocator.
func (a *MapArea) releaseFrames() {
	for vpn, frame := range a.dataFrames {
		delete(a.dataFrames, vpn)
		frame.Release()
	}
}
