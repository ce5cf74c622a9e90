package vm

import (
	"testing"

	"github.com/tinyrange/rvmm/internal/config"
	"github.com/tinyrange/rvmm/internal/mem"
)

func setup(t *testing.T) {
	t.Helper()
	if err := mem.Setup(config.Default()); err != nil {
		t.Fatalf("setup: %v", err)
	}
}

func TestPTEEncoding(t *testing.T) {
	pte := NewPTE(0x12345, PteR|PteX|PteV)
	if uint64(pte) != 0x12345<<10|0b1011 {
		t.Fatalf("pte bits = %#x", uint64(pte))
	}
	if pte.PPN() != 0x12345 {
		t.Errorf("ppn = %#x", uint64(pte.PPN()))
	}
	if !pte.IsValid() || !pte.Readable() || !pte.Executable() {
		t.Errorf("flags = %#x", pte.Flags())
	}
	if pte.Writable() || pte.UserAccess() {
		t.Errorf("unexpected flags set: %#x", pte.Flags())
	}
	if !pte.Leaf() {
		t.Error("R|X entry is not a leaf")
	}
	if NewPTE(0x100, PteV).Leaf() {
		t.Error("pointer entry is a leaf")
	}
}

func TestTokenFormat(t *testing.T) {
	setup(t)

	pt, err := NewPageTable()
	if err != nil {
		t.Fatalf("new page table: %v", err)
	}
	defer pt.Release()

	tok := pt.Token()
	if tok>>60 != 8 {
		t.Errorf("token mode = %d, want 8", tok>>60)
	}
	if mem.PhysPageNum(tok&(1<<44-1)) != pt.RootPPN() {
		t.Errorf("token ppn = %#x, root = %#x", tok&(1<<44-1), uint64(pt.RootPPN()))
	}
}

func TestWalkCreateAllocatesIntermediates(t *testing.T) {
	setup(t)

	free0 := mem.FramesFree()
	pt, err := NewPageTable()
	if err != nil {
		t.Fatalf("new page table: %v", err)
	}
	if mem.FramesFree() != free0-1 {
		t.Fatalf("root allocation consumed %d frames", free0-mem.FramesFree())
	}

	// First mapping in a fresh table allocates the level-1 and level-0
	// nodes on the way down.
	pt.Map(0x00201, 0x55555, PteR|PteW|PteU)
	if mem.FramesFree() != free0-3 {
		t.Fatalf("map consumed %d frames, want 3 total", free0-mem.FramesFree())
	}
	if pt.NodeFrames() != 3 {
		t.Fatalf("node frames = %d, want 3", pt.NodeFrames())
	}

	pte, ok := pt.Translate(0x00201)
	if !ok {
		t.Fatal("translate missed a mapped vpn")
	}
	if pte.PPN() != 0x55555 {
		t.Errorf("ppn = %#x", uint64(pte.PPN()))
	}
	if pte.Flags() != PteV|PteR|PteW|PteU {
		t.Errorf("flags = %#x", pte.Flags())
	}

	// A neighbour in the same 2MiB region reuses both nodes.
	pt.Map(0x00202, 0x55556, PteR)
	if pt.NodeFrames() != 3 {
		t.Fatalf("node frames = %d after neighbour map", pt.NodeFrames())
	}

	// Unmap does not reclaim intermediate nodes.
	pt.Unmap(0x00201)
	pt.Unmap(0x00202)
	if _, ok := pt.Translate(0x00201); ok {
		t.Fatal("translate hit an unmapped vpn")
	}
	if pt.NodeFrames() != 3 {
		t.Fatalf("node frames = %d after unmap", pt.NodeFrames())
	}

	pt.Release()
	if mem.FramesFree() != free0 {
		t.Fatalf("release leaked %d frames", free0-mem.FramesFree())
	}
}

func TestTranslateMissesOnEmptyTable(t *testing.T) {
	setup(t)

	pt, err := NewPageTable()
	if err != nil {
		t.Fatalf("new page table: %v", err)
	}
	defer pt.Release()

	if _, ok := pt.Translate(0x00201); ok {
		t.Fatal("translate hit on an empty table")
	}
}

func TestDoubleMapPanics(t *testing.T) {
	setup(t)

	pt, err := NewPageTable()
	if err != nil {
		t.Fatalf("new page table: %v", err)
	}
	defer pt.Release()
	pt.Map(0x300, 0x400, PteR)

	defer func() {
		if recover() == nil {
			t.Fatal("double map did not panic")
		}
	}()
	pt.Map(0x300, 0x401, PteR)
}

func TestUnmapInvalidPanics(t *testing.T) {
	setup(t)

	pt, err := NewPageTable()
	if err != nil {
		t.Fatalf("new page table: %v", err)
	}
	defer pt.Release()
	pt.Map(0x300, 0x400, PteR)
	pt.Unmap(0x300)

	defer func() {
		if recover() == nil {
			t.Fatal("double unmap did not panic")
		}
	}()
	pt.Unmap(0x300)
}

func TestFromTokenWalksWithoutOwning(t *testing.T) {
	setup(t)

	pt, err := NewPageTable()
	if err != nil {
		t.Fatalf("new page table: %v", err)
	}
	defer pt.Release()
	pt.Map(0x1234, 0x777, PteR|PteU)

	walker := FromToken(pt.Token())
	if walker.NodeFrames() != 0 {
		t.Fatalf("walker owns %d frames", walker.NodeFrames())
	}
	pte, ok := walker.Translate(0x1234)
	if !ok || pte.PPN() != 0x777 {
		t.Fatalf("walker translate = %#x, %v", uint64(pte.PPN()), ok)
	}
	if _, ok := walker.Translate(0x9999); ok {
		t.Fatal("walker hit an unmapped vpn")
	}
}

func TestIntermediateFramesNeverLeaves(t *testing.T) {
	setup(t)

	ms, err := NewBare()
	if err != nil {
		t.Fatalf("new bare: %v", err)
	}
	defer ms.Release()

	// Spread areas across distinct 1GiB and 2MiB regions to force several
	// intermediate nodes.
	for _, base := range []uint64{0x0020_0000, 0x4000_0000, 0x4020_0000, 0x10_0000_0000} {
		ms.InsertFramedArea(mem.NewVirtAddr(base), mem.NewVirtAddr(base+3*config.PageSize), PermR|PermW)
	}

	nodes := make(map[mem.PhysPageNum]bool)
	for _, ppn := range ms.pageTable.nodePPNs() {
		nodes[ppn] = true
	}
	for _, area := range ms.areas {
		r := area.Range()
		for vpn := r.Start; vpn < r.End; vpn++ {
			pte, ok := ms.Translate(vpn)
			if !ok {
				t.Fatalf("vpn %#x unmapped", uint64(vpn))
			}
			if nodes[pte.PPN()] {
				t.Fatalf("node frame %#x reused as leaf for vpn %#x", uint64(pte.PPN()), uint64(vpn))
			}
		}
	}
}
