package rv64

import (
	"fmt"

	"github.com/tinyrange/rvmm/internal/config"
	"github.com/tinyrange/rvmm/internal/mem"
)

// satp modes.
const (
	SatpModeOff  = 0
	SatpModeSv39 = 8
)

// Page table entry flags, as the walker sees them.
const (
	PteV = 1 << 0 // Valid
	PteR = 1 << 1 // Readable
	PteW = 1 << 2 // Writable
	PteX = 1 << 3 // Executable
	PteU = 1 << 4 // User accessible
	PteG = 1 << 5 // Global
	PteA = 1 << 6 // Accessed
	PteD = 1 << 7 // Dirty
)

const (
	pteLevels = 3
	vpnBits   = 9
	ppnBits   = 44
)

// Access types for Translate.
const (
	AccessRead = iota
	AccessWrite
	AccessFetch
)

// PageFault is the exception raised when translation fails.
type PageFault struct {
	Access int
	Addr   uint64
}

func (e *PageFault) Error() string {
	kind := "load"
	switch e.Access {
	case AccessWrite:
		kind = "store"
	case AccessFetch:
		kind = "instruction"
	}
	return fmt.Sprintf("%s page fault at %#x", kind, e.Addr)
}

// TLBEntry caches one translation.
type TLBEntry struct {
	Valid bool
	VPN   uint64
	PPN   uint64
	Flags uint64
}

// MMU handles virtual to physical address translation for one hart.
type MMU struct {
	hart *Hart
	ram  *mem.RAM

	tlb [512]TLBEntry
}

func NewMMU(hart *Hart, ram *mem.RAM) *MMU {
	return &MMU{hart: hart, ram: ram}
}

// FlushTLB invalidates all TLB entries.
func (mmu *MMU) FlushTLB() {
	for i := range mmu.tlb {
		mmu.tlb[i].Valid = false
	}
}

// Translate translates a virtual address to a physical address, enforcing
// permissions for the hart's current privilege level and maintaining the
// A/D bits the way hardware with hardware-managed bits would.
func (mmu *MMU) Translate(vaddr uint64, access int) (uint64, error) {
	mode := (mmu.hart.Satp >> 60) & 0xf

	// Bare mode and M-mode skip translation.
	if mode == SatpModeOff || mmu.hart.Priv == PrivMachine {
		return vaddr, nil
	}

	vpn := vaddr >> config.PageShift
	idx := vpn & uint64(len(mmu.tlb)-1)
	entry := &mmu.tlb[idx]

	if entry.Valid && entry.VPN == vpn {
		if err := mmu.checkPermissions(entry.Flags, access, vaddr); err != nil {
			return 0, err
		}
		// Force a walk when the cached entry is missing an A or D bit
		// the access would set.
		if entry.Flags&PteA == 0 || (access == AccessWrite && entry.Flags&PteD == 0) {
			entry.Valid = false
		} else {
			return entry.PPN<<config.PageShift | vaddr&(config.PageSize-1), nil
		}
	}

	paddr, flags, err := mmu.walkPageTable(vaddr, access, mode)
	if err != nil {
		return 0, err
	}

	entry.Valid = true
	entry.VPN = vpn
	entry.PPN = paddr >> config.PageShift
	entry.Flags = flags

	return paddr, nil
}

// walkPageTable performs the SV39 three-level walk, reading entries from RAM.
func (mmu *MMU) walkPageTable(vaddr uint64, access int, mode uint64) (uint64, uint64, error) {
	if mode != SatpModeSv39 {
		return 0, 0, &PageFault{Access: access, Addr: vaddr}
	}

	// SV39 addresses are sign-extended from bit 38.
	if vaddr >= 1<<38 && vaddr <= ^uint64(0)-(1<<38) {
		return 0, 0, &PageFault{Access: access, Addr: vaddr}
	}

	root := mmu.hart.Satp & (1<<ppnBits - 1)
	nodeAddr := root << config.PageShift

	for level := pteLevels - 1; level >= 0; level-- {
		vpnShift := config.PageShift + level*vpnBits
		idx := (vaddr >> vpnShift) & 0x1ff

		pteAddr := nodeAddr + idx*8
		pte, err := mmu.ram.Read64(mem.PhysAddr(pteAddr))
		if err != nil {
			return 0, 0, &PageFault{Access: access, Addr: vaddr}
		}

		if pte&PteV == 0 {
			return 0, 0, &PageFault{Access: access, Addr: vaddr}
		}
		// Writable-but-not-readable is reserved.
		if pte&PteR == 0 && pte&PteW != 0 {
			return 0, 0, &PageFault{Access: access, Addr: vaddr}
		}

		if pte&PteR != 0 || pte&PteX != 0 {
			// Leaf. A misaligned superpage is a fault.
			if level > 0 {
				mask := uint64(1<<(level*vpnBits)) - 1
				if (pte>>10)&mask != 0 {
					return 0, 0, &PageFault{Access: access, Addr: vaddr}
				}
			}

			if err := mmu.checkPermissions(pte, access, vaddr); err != nil {
				return 0, 0, err
			}

			if pte&PteA == 0 || (access == AccessWrite && pte&PteD == 0) {
				newPte := pte | PteA
				if access == AccessWrite {
					newPte |= PteD
				}
				if err := mmu.ram.Write64(mem.PhysAddr(pteAddr), newPte); err != nil {
					return 0, 0, &PageFault{Access: access, Addr: vaddr}
				}
				pte = newPte
			}

			ppn := (pte >> 10) & (1<<ppnBits - 1)
			if level > 0 {
				mask := uint64(1<<(level*vpnBits)) - 1
				ppn |= (vaddr >> config.PageShift) & mask
			}
			pageSize := uint64(1) << (config.PageShift + level*vpnBits)
			return ppn<<config.PageShift | vaddr&(pageSize-1), pte, nil
		}

		nodeAddr = ((pte >> 10) & (1<<ppnBits - 1)) << config.PageShift
	}

	return 0, 0, &PageFault{Access: access, Addr: vaddr}
}

// checkPermissions checks whether the access is allowed by a leaf PTE.
func (mmu *MMU) checkPermissions(pte uint64, access int, vaddr uint64) error {
	if mmu.hart.Priv == PrivUser {
		if pte&PteU == 0 {
			return &PageFault{Access: access, Addr: vaddr}
		}
	} else if pte&PteU != 0 && mmu.hart.Mstatus&MstatusSUM == 0 {
		return &PageFault{Access: access, Addr: vaddr}
	}

	switch access {
	case AccessRead:
		if pte&PteR == 0 {
			if mmu.hart.Mstatus&MstatusMXR != 0 && pte&PteX != 0 {
				return nil
			}
			return &PageFault{Access: access, Addr: vaddr}
		}
	case AccessWrite:
		if pte&PteW == 0 {
			return &PageFault{Access: access, Addr: vaddr}
		}
	case AccessFetch:
		if pte&PteX == 0 {
			return &PageFault{Access: access, Addr: vaddr}
		}
	}

	return nil
}
