package mem

import (
	"errors"
	"fmt"
	"slices"
)

// ErrOutOfFrames is returned when both the linear region and the recycle
// list are exhausted.
var ErrOutOfFrames = errors.New("mem: out of physical frames")

// FrameTracker owns exactly one physical page frame. The frame's bytes are
// zero right after allocation. Release returns the frame to the allocator;
// releasing twice panics.
type FrameTracker struct {
	ppn      PhysPageNum
	released bool
}

func (f *FrameTracker) PPN() PhysPageNum { return f.ppn }

func (f *FrameTracker) Release() {
	if f.released {
		panic(fmt.Sprintf("mem: frame %#x released twice", uint64(f.ppn)))
	}
	f.released = true
	frameState.With(func(s **frameAllocator) {
		(*s).dealloc(f.ppn)
	})
}

// frameAllocator hands out page numbers from [first, last), preferring
// recycled frames over fresh ones.
type frameAllocator struct {
	first    PhysPageNum
	current  PhysPageNum
	last     PhysPageNum
	recycled []PhysPageNum
}

func newFrameAllocator(first, last PhysPageNum) *frameAllocator {
	return &frameAllocator{first: first, current: first, last: last}
}

func (a *frameAllocator) alloc() (PhysPageNum, bool) {
	if n := len(a.recycled); n > 0 {
		ppn := a.recycled[n-1]
		a.recycled = a.recycled[:n-1]
		return ppn, true
	}
	if a.current == a.last {
		return 0, false
	}
	ppn := a.current
	a.current++
	return ppn, true
}

func (a *frameAllocator) dealloc(ppn PhysPageNum) {
	if ppn >= a.current || slices.Contains(a.recycled, ppn) {
		panic(fmt.Sprintf("mem: frame %#x has not been allocated", uint64(ppn)))
	}
	a.recycled = append(a.recycled, ppn)
}

func (a *frameAllocator) free() int {
	return int(a.last-a.current) + len(a.recycled)
}

func (a *frameAllocator) inUse() int {
	return int(a.current-a.first) - len(a.recycled)
}
