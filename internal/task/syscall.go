package task

import (
	"log/slog"

	"github.com/tinyrange/rvmm/internal/config"
	"github.com/tinyrange/rvmm/internal/mem"
	"github.com/tinyrange/rvmm/internal/rv64"
	"github.com/tinyrange/rvmm/internal/vm"
)

// Syscall-style results: -1 on any rejected argument or missing mapping,
// matching the user-visible ABI. On success Mmap and Munmap return 0 and
// Sbrk returns the old break.

// fenceIfActive flushes the TLB when the task's page table is the one
// installed in satp; a mutation of the active table is not visible until
// the next sfence.vma.
func (t *ControlBlock) fenceIfActive() {
	hart := rv64.Boot()
	if hart.Satp == t.Token() {
		hart.SFenceVMA()
	}
}

// Mmap installs an anonymous framed mapping over [start, start+length).
// start must be page aligned; port carries R/W/X in bits 0..2 and no other
// bits; at least one of them must be set. Fails without side effect if any
// page in the range is already mapped.
func (t *ControlBlock) Mmap(start, length, port uint64) int64 {
	if start%config.PageSize != 0 {
		return -1
	}
	if port&^uint64(0b111) != 0 || port&0b111 == 0 {
		return -1
	}

	startVA := mem.NewVirtAddr(start)
	endVA := mem.NewVirtAddr(start + length)
	for vpn := startVA.Floor(); vpn < endVA.Ceil(); vpn++ {
		if _, ok := t.Space.Translate(vpn); ok {
			return -1
		}
	}

	perm := vm.MapPermission(port<<1) | vm.PermU
	t.Space.InsertFramedArea(startVA, endVA, perm)
	t.fenceIfActive()
	slog.Debug("mmap",
		"task", t.appID,
		"start", uint64(startVA),
		"len", length,
		"perm", perm.String())
	return 0
}

// Munmap removes the framed area exactly covering [start, start+length).
// Both arguments must be page aligned. Fails if no area matches the range
// (including any partial overlap).
func (t *ControlBlock) Munmap(start, length uint64) int64 {
	if start%config.PageSize != 0 || length%config.PageSize != 0 {
		return -1
	}
	if !t.Space.DeleteFramedArea(mem.NewVirtAddr(start), mem.NewVirtAddr(start+length)) {
		return -1
	}
	t.fenceIfActive()
	slog.Debug("munmap", "task", t.appID, "start", start, "len", length)
	return 0
}

// Sbrk moves the program break by delta bytes and returns the old break, or
// -1 if the break would drop below the heap bottom.
func (t *ControlBlock) Sbrk(delta int64) int64 {
	oldBrk, ok := t.ChangeProgramBrk(delta)
	if !ok {
		return -1
	}
	t.fenceIfActive()
	return int64(oldBrk)
}
