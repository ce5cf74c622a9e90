package mem

import (
	"testing"

	"github.com/tinyrange/rvmm/internal/config"
)

func setup(t *testing.T) {
	t.Helper()
	if err := Setup(config.Default()); err != nil {
		t.Fatalf("setup: %v", err)
	}
}

func TestFrameAllocatorLinearThenRecycled(t *testing.T) {
	a := newFrameAllocator(0x100, 0x104)

	var got []PhysPageNum
	for {
		ppn, ok := a.alloc()
		if !ok {
			break
		}
		got = append(got, ppn)
	}
	if len(got) != 4 {
		t.Fatalf("allocated %d frames, want 4", len(got))
	}
	for i, ppn := range got {
		if ppn != PhysPageNum(0x100+i) {
			t.Errorf("frame %d = %#x, want %#x", i, uint64(ppn), 0x100+i)
		}
	}

	a.dealloc(0x102)
	a.dealloc(0x101)
	if ppn, ok := a.alloc(); !ok || ppn != 0x101 {
		t.Fatalf("recycled alloc = %#x, %v; want 0x101", uint64(ppn), ok)
	}
	if ppn, ok := a.alloc(); !ok || ppn != 0x102 {
		t.Fatalf("recycled alloc = %#x, %v; want 0x102", uint64(ppn), ok)
	}
	if _, ok := a.alloc(); ok {
		t.Fatal("alloc succeeded on exhausted allocator")
	}
}

func TestFrameAllocatorDoubleFreePanics(t *testing.T) {
	a := newFrameAllocator(0x100, 0x104)
	ppn, _ := a.alloc()
	a.dealloc(ppn)

	defer func() {
		if recover() == nil {
			t.Fatal("double free did not panic")
		}
	}()
	a.dealloc(ppn)
}

func TestFrameAllocatorFreeingUnallocatedPanics(t *testing.T) {
	a := newFrameAllocator(0x100, 0x104)
	defer func() {
		if recover() == nil {
			t.Fatal("freeing an unallocated frame did not panic")
		}
	}()
	a.dealloc(0x103)
}

func TestAllocReturnsZeroedFrame(t *testing.T) {
	setup(t)

	frame, err := Alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}

	// Dirty the page, release it, and check the next owner sees zeroes.
	page := Phys().PageBytes(frame.PPN())
	for i := range page {
		page[i] = 0xaa
	}
	dirty := frame.PPN()
	frame.Release()

	again, err := Alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if again.PPN() != dirty {
		t.Fatalf("expected recycled frame %#x, got %#x", uint64(dirty), uint64(again.PPN()))
	}
	for i, b := range Phys().PageBytes(again.PPN()) {
		if b != 0 {
			t.Fatalf("byte %d = %#x after alloc, want 0", i, b)
		}
	}
	again.Release()
}

func TestFrameConservation(t *testing.T) {
	setup(t)

	before := FramesFree()
	frames := make([]*FrameTracker, 0, 16)
	for range 16 {
		f, err := Alloc()
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}
		frames = append(frames, f)
	}
	if got := FramesFree(); got != before-16 {
		t.Fatalf("free = %d after 16 allocs, want %d", got, before-16)
	}
	for _, f := range frames {
		f.Release()
	}
	if got := FramesFree(); got != before {
		t.Fatalf("free = %d after release, want %d", got, before)
	}
}

func TestTrackerDoubleReleasePanics(t *testing.T) {
	setup(t)

	f, err := Alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	f.Release()

	defer func() {
		if recover() == nil {
			t.Fatal("double release did not panic")
		}
	}()
	f.Release()
}
