// Package task holds the minimal task-side state the memory subsystem needs:
// a control block owning one address space, the kernel-stack placement
// scheme, and the program-break bookkeeping behind sbrk. Scheduling and trap
// handling live elsewhere; they only consume the token and the trap-context
// mapping this package sets up.
package task

import (
	"fmt"

	"github.com/tinyrange/rvmm/internal/config"
	"github.com/tinyrange/rvmm/internal/mem"
	"github.com/tinyrange/rvmm/internal/vm"
)

// Status of a task in its lifecycle.
type Status int

const (
	StatusUnInit Status = iota
	StatusReady
	StatusRunning
	StatusExited
)

// ControlBlock is the per-task record. Each task owns its memory set
// exclusively; cross-task access happens only through token translation.
type ControlBlock struct {
	Status Status
	Space  *vm.MemorySet

	Entry  uint64
	UserSP uint64

	KernelStackTop uint64

	// Heap bookkeeping for sbrk. The heap area starts empty at HeapBottom
	// (the user stack top) and grows to ProgramBrk.
	HeapBottom uint64
	ProgramBrk uint64

	appID int
}

// KernelStackPosition returns (bottom, top) of task i's kernel stack in the
// kernel address space. Stacks grow down from just under the trampoline,
// with one unmapped guard page between neighbours.
func KernelStackPosition(appID int) (uint64, uint64) {
	top := config.Trampoline - uint64(appID)*(mem.BootLayout().KernelStackSize+config.PageSize)
	bottom := top - mem.BootLayout().KernelStackSize
	return bottom, top
}

// New builds a task from an ELF image: its address space, and its kernel
// stack mapped into the kernel space. A malformed image is fatal at task
// creation.
func New(elfData []byte, appID int) *ControlBlock {
	space, userSP, entry, err := vm.FromELF(elfData)
	if err != nil {
		panic(fmt.Sprintf("task %d: %v", appID, err))
	}

	kstackBottom, kstackTop := KernelStackPosition(appID)
	vm.KernelSpace().With(func(ks **vm.MemorySet) {
		(*ks).InsertFramedArea(
			mem.NewVirtAddr(kstackBottom),
			mem.NewVirtAddr(kstackTop),
			vm.PermR|vm.PermW,
		)
	})

	return &ControlBlock{
		Status:         StatusReady,
		Space:          space,
		Entry:          entry,
		UserSP:         userSP,
		KernelStackTop: kstackTop,
		HeapBottom:     userSP,
		ProgramBrk:     userSP,
		appID:          appID,
	}
}

// Token returns the satp token of the task's address space.
func (t *ControlBlock) Token() uint64 { return t.Space.Token() }

// Exit releases the task's address space and unmaps its kernel stack.
func (t *ControlBlock) Exit() {
	if t.Status == StatusExited {
		return
	}
	t.Status = StatusExited

	kstackBottom, kstackTop := KernelStackPosition(t.appID)
	vm.KernelSpace().With(func(ks **vm.MemorySet) {
		(*ks).DeleteFramedArea(mem.NewVirtAddr(kstackBottom), mem.NewVirtAddr(kstackTop))
	})

	t.Space.Release()
}

// ChangeProgramBrk moves the program break by delta bytes, growing or
// shrinking the heap area in place. Returns the old break, or false if the
// break would drop below the heap bottom or the heap area is missing.
func (t *ControlBlock) ChangeProgramBrk(delta int64) (uint64, bool) {
	oldBrk := t.ProgramBrk
	newBrk := int64(t.ProgramBrk) + delta
	if newBrk < int64(t.HeapBottom) {
		return 0, false
	}

	var ok bool
	if delta < 0 {
		ok = t.Space.ShrinkTo(mem.NewVirtAddr(t.HeapBottom), mem.NewVirtAddr(uint64(newBrk)))
	} else {
		ok = t.Space.AppendTo(mem.NewVirtAddr(t.HeapBottom), mem.NewVirtAddr(uint64(newBrk)))
	}
	if !ok {
		return 0, false
	}
	t.ProgramBrk = uint64(newBrk)
	return oldBrk, true
}
