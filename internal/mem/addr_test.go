package mem

import "testing"

func TestVirtAddrFloorCeilOffset(t *testing.T) {
	tests := []struct {
		va     uint64
		floor  VirtPageNum
		ceil   VirtPageNum
		offset uint64
	}{
		{0, 0, 0, 0},
		{0x1000, 0x1, 0x1, 0},
		{0x1001, 0x1, 0x2, 1},
		{0x10001234, 0x10001, 0x10002, 0x234},
		{0x1ffff, 0x1f, 0x20, 0xfff},
	}
	for _, tt := range tests {
		va := NewVirtAddr(tt.va)
		if got := va.Floor(); got != tt.floor {
			t.Errorf("floor(%#x) = %#x, want %#x", tt.va, uint64(got), uint64(tt.floor))
		}
		if got := va.Ceil(); got != tt.ceil {
			t.Errorf("ceil(%#x) = %#x, want %#x", tt.va, uint64(got), uint64(tt.ceil))
		}
		if got := va.PageOffset(); got != tt.offset {
			t.Errorf("offset(%#x) = %#x, want %#x", tt.va, got, tt.offset)
		}
	}
}

func TestVirtAddrMasks39Bits(t *testing.T) {
	va := NewVirtAddr(^uint64(0) - 0x1000 + 1)
	if uint64(va) != 1<<VAWidth-0x1000 {
		t.Fatalf("masked va = %#x", uint64(va))
	}
	if va.Floor() != 1<<VPNWidth-1 {
		t.Fatalf("trampoline vpn = %#x", uint64(va.Floor()))
	}
}

func TestPhysAddrMasks56Bits(t *testing.T) {
	pa := NewPhysAddr(^uint64(0))
	if uint64(pa) != 1<<PAWidth-1 {
		t.Fatalf("masked pa = %#x", uint64(pa))
	}
}

func TestVPNIndexes(t *testing.T) {
	tests := []struct {
		vpn  VirtPageNum
		want [3]uint64
	}{
		{0x00201, [3]uint64{0, 1, 1}},
		{0, [3]uint64{0, 0, 0}},
		{1<<VPNWidth - 1, [3]uint64{511, 511, 511}},
		{0x80200, [3]uint64{2, 1, 0}},
	}
	for _, tt := range tests {
		if got := tt.vpn.Indexes(); got != tt.want {
			t.Errorf("indexes(%#x) = %v, want %v", uint64(tt.vpn), got, tt.want)
		}
	}
}

func TestVPNRangeOverlaps(t *testing.T) {
	a := VPNRange{Start: 0x10, End: 0x20}
	tests := []struct {
		b    VPNRange
		want bool
	}{
		{VPNRange{Start: 0x20, End: 0x30}, false},
		{VPNRange{Start: 0x00, End: 0x10}, false},
		{VPNRange{Start: 0x1f, End: 0x21}, true},
		{VPNRange{Start: 0x10, End: 0x20}, true},
		{VPNRange{Start: 0x15, End: 0x15}, false},
	}
	for _, tt := range tests {
		if got := a.Overlaps(tt.b); got != tt.want {
			t.Errorf("overlap(%v, %v) = %v, want %v", a, tt.b, got, tt.want)
		}
	}
}
