// Package rvmm implements the virtual memory subsystem of a small RISC-V
// kernel on the SV39 paging scheme: typed address arithmetic, a physical
// frame allocator, three-level page tables, and memory sets composing
// logical segments into per-task address spaces. The packages under
// internal/ carry the implementation; this package is the boot-time entry
// point and the surface other kernel layers consume.
package rvmm

import (
	"github.com/tinyrange/rvmm/internal/config"
	"github.com/tinyrange/rvmm/internal/mem"
	"github.com/tinyrange/rvmm/internal/vm"
)

// Boot brings the memory subsystem up: physical RAM and the frame
// allocator, then the kernel address space, which is activated on the boot
// hart. Safe to call once; the kernel space is never rebuilt.
func Boot(l *config.Layout) error {
	if err := mem.Setup(l); err != nil {
		return err
	}
	vm.KernelSpace().With(func(ms **vm.MemorySet) {
		(*ms).Activate()
	})
	return nil
}

// KernelToken returns the satp token of the kernel address space.
func KernelToken() uint64 {
	return vm.KernelToken()
}

// TranslatedVAToPA resolves a user virtual address through the address
// space identified by token. Used by syscalls that write results through
// user pointers.
func TranslatedVAToPA(token uint64, va uint64) (uint64, bool) {
	pa, ok := vm.TranslatedVAToPA(token, mem.NewVirtAddr(va))
	return uint64(pa), ok
}

// TranslatedByteBuffer returns the physical byte slices covering
// [ptr, ptr+length) in the address space identified by token, one slice per
// touched page.
func TranslatedByteBuffer(token uint64, ptr uint64, length int) ([][]byte, error) {
	return vm.TranslatedByteBuffer(token, ptr, length)
}
