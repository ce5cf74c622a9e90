// Package rv64 models the translation-relevant state of an RV64 hart: the
// satp control register, the mstatus bits that gate permission checks, the
// privilege level, and a TLB with sfence.vma semantics. The MMU walker reads
// page-table entries straight out of RAM, so it observes exactly the tables
// the vm package builds.
package rv64

import (
	"sync"

	"github.com/tinyrange/rvmm/internal/mem"
)

// Privilege levels.
const (
	PrivUser       uint8 = 0
	PrivSupervisor uint8 = 1
	PrivMachine    uint8 = 3
)

// mstatus bits consulted during translation.
const (
	MstatusSUM uint64 = 1 << 18 // permit S-mode access to U pages
	MstatusMXR uint64 = 1 << 19 // make executable pages readable
)

// Hart is one processor's view of address translation.
type Hart struct {
	Satp    uint64
	Priv    uint8
	Mstatus uint64

	mmu *MMU
}

// NewHart creates a hart in supervisor mode with translation off.
func NewHart(ram *mem.RAM) *Hart {
	h := &Hart{Priv: PrivSupervisor}
	h.mmu = NewMMU(h, ram)
	return h
}

// WriteSatp installs a new translation token. The TLB is not touched;
// callers follow the write with SFenceVMA, as the hardware requires.
func (h *Hart) WriteSatp(v uint64) { h.Satp = v }

// SFenceVMA invalidates the whole TLB.
func (h *Hart) SFenceVMA() { h.mmu.FlushTLB() }

func (h *Hart) MMU() *MMU { return h.mmu }

var (
	bootOnce sync.Once
	bootHart *Hart
)

// Boot returns the boot hart, bound to the machine's RAM on first use.
func Boot() *Hart {
	bootOnce.Do(func() {
		bootHart = NewHart(mem.Phys())
	})
	return bootHart
}
