package vm

import (
	"fmt"

	"github.com/tinyrange/rvmm/internal/config"
	"github.com/tinyrange/rvmm/internal/mem"
)

// TranslatedVAToPA resolves a user virtual address through the address space
// identified by token. The second result is false on a translation miss.
func TranslatedVAToPA(token uint64, va mem.VirtAddr) (mem.PhysAddr, bool) {
	pt := FromToken(token)
	pte, ok := pt.Translate(va.Floor())
	if !ok {
		return 0, false
	}
	return pte.PPN().Addr() + mem.PhysAddr(va.PageOffset()), true
}

// TranslatedByteBuffer walks [ptr, ptr+length) in the address space
// identified by token and returns one byte slice per touched page, in
// order. The slices alias physical frames, so the caller can gather or
// scatter across pages that are not contiguous in its own address space.
func TranslatedByteBuffer(token uint64, ptr uint64, length int) ([][]byte, error) {
	pt := FromToken(token)
	ram := mem.Phys()

	var bufs [][]byte
	start := uint64(mem.NewVirtAddr(ptr))
	end := start + uint64(length)
	for start < end {
		startVA := mem.NewVirtAddr(start)
		pte, ok := pt.Translate(startVA.Floor())
		if !ok {
			return nil, fmt.Errorf("vm: no mapping for user address %#x", start)
		}
		pageEnd := uint64(startVA.Floor().Addr()) + config.PageSize
		stop := min(pageEnd, end)

		page := ram.PageBytes(pte.PPN())
		bufs = append(bufs, page[startVA.PageOffset():startVA.PageOffset()+stop-start])
		start = stop
	}
	return bufs, nil
}
