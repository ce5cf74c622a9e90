package mem

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/rvmm/internal/config"
	"github.com/tinyrange/rvmm/internal/upcell"
)

// Process-wide physical memory state. RAM is written through plain methods
// (the kernel is uniprocessor, non-preemptive); allocator bookkeeping goes
// through an exclusive cell so a reentrant path is caught instead of
// corrupting the free list.
var (
	setupOnce  sync.Once
	setupErr   error
	phys       *RAM
	bootLayout *config.Layout
	frameState *upcell.Cell[*frameAllocator]
)

// Setup initializes RAM and the frame allocator for the given layout. Only
// the first call has any effect; later calls return the first call's result.
func Setup(l *config.Layout) error {
	setupOnce.Do(func() {
		if err := l.Validate(); err != nil {
			setupErr = err
			return
		}
		ram, err := NewRAM(l.RAMBase, l.MemoryEnd-l.RAMBase)
		if err != nil {
			setupErr = err
			return
		}
		first := NewPhysAddr(l.KernelEnd()).Ceil()
		last := NewPhysAddr(l.MemoryEnd).Floor()
		phys = ram
		bootLayout = l
		frameState = upcell.New(newFrameAllocator(first, last))
		slog.Debug("frame allocator ready",
			"first", fmt.Sprintf("%#x", uint64(first)),
			"last", fmt.Sprintf("%#x", uint64(last)))
	})
	return setupErr
}

// Phys returns the machine's RAM. Panics before Setup.
func Phys() *RAM {
	if phys == nil {
		panic("mem: Setup has not run")
	}
	return phys
}

// BootLayout returns the layout Setup ran with.
func BootLayout() *config.Layout {
	if bootLayout == nil {
		panic("mem: Setup has not run")
	}
	return bootLayout
}

// Alloc hands out one zeroed frame.
func Alloc() (*FrameTracker, error) {
	if frameState == nil {
		panic("mem: Setup has not run")
	}
	var (
		ppn PhysPageNum
		ok  bool
	)
	frameState.With(func(s **frameAllocator) {
		ppn, ok = (*s).alloc()
	})
	if !ok {
		return nil, ErrOutOfFrames
	}
	Phys().ZeroPage(ppn)
	return &FrameTracker{ppn: ppn}, nil
}

// FramesFree reports how many frames the allocator can still hand out.
func FramesFree() int {
	var n int
	frameState.With(func(s **frameAllocator) {
		n = (*s).free()
	})
	return n
}

// FramesInUse reports how many frames are currently allocated.
func FramesInUse() int {
	var n int
	frameState.With(func(s **frameAllocator) {
		n = (*s).inUse()
	})
	return n
}
