package vm

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/tinyrange/rvmm/internal/config"
	"github.com/tinyrange/rvmm/internal/mem"
)

// FromELF builds a user address space from an ELF image: the loadable
// segments (with the U bit), a guard page, the user stack, the empty heap
// seed, and the trap context page under the trampoline. Returns the space,
// the initial user stack pointer, and the entry point.
func FromELF(data []byte) (*MemorySet, uint64, uint64, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("vm: open elf: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, 0, 0, fmt.Errorf("vm: unsupported ELF class %v", f.Class)
	}
	if f.Machine != elf.EM_RISCV {
		return nil, 0, 0, fmt.Errorf("vm: unsupported ELF machine %v (want RISC-V)", f.Machine)
	}

	ms, err := NewBare()
	if err != nil {
		return nil, 0, 0, err
	}

	l := mem.BootLayout()
	ms.mapTrampoline(l)

	var maxEndVPN mem.VirtPageNum
	loaded := 0
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Filesz > prog.Memsz {
			ms.Release()
			return nil, 0, 0, fmt.Errorf("vm: ELF segment file size %#x exceeds mem size %#x", prog.Filesz, prog.Memsz)
		}
		if prog.Memsz > uint64(math.MaxInt) {
			ms.Release()
			return nil, 0, 0, fmt.Errorf("vm: ELF segment mem size %#x exceeds host limits", prog.Memsz)
		}

		start := mem.NewVirtAddr(prog.Vaddr)
		end := mem.NewVirtAddr(prog.Vaddr + prog.Memsz)
		perm := PermU
		if prog.Flags&elf.PF_R != 0 {
			perm |= PermR
		}
		if prog.Flags&elf.PF_W != 0 {
			perm |= PermW
		}
		if prog.Flags&elf.PF_X != 0 {
			perm |= PermX
		}

		segData := make([]byte, prog.Filesz)
		if prog.Filesz > 0 {
			if _, err := prog.ReadAt(segData, 0); err != nil {
				ms.Release()
				return nil, 0, 0, fmt.Errorf("vm: read ELF segment @%#x: %w", prog.Off, err)
			}
		}

		area := NewMapArea(start, end, MapFramed, perm)
		maxEndVPN = max(maxEndVPN, area.Range().End)
		ms.push(area, segData)
		loaded++

		slog.Debug("loaded ELF segment",
			"vaddr", fmt.Sprintf("%#x", uint64(start)),
			"memsz", fmt.Sprintf("%#x", prog.Memsz),
			"perm", perm.String())
	}
	if loaded == 0 {
		ms.Release()
		return nil, 0, 0, errors.New("vm: ELF has no loadable segments")
	}

	// User stack above the highest segment, behind one unmapped guard page.
	userStackBottom := uint64(maxEndVPN.Addr()) + config.PageSize
	userStackTop := userStackBottom + l.UserStackSize
	ms.InsertFramedArea(
		mem.NewVirtAddr(userStackBottom),
		mem.NewVirtAddr(userStackTop),
		PermR|PermW|PermU,
	)

	// Empty seed for the program break; sbrk grows it in place.
	ms.InsertFramedArea(
		mem.NewVirtAddr(userStackTop),
		mem.NewVirtAddr(userStackTop),
		PermR|PermW|PermU,
	)

	// Trap context, kernel-only, directly below the trampoline.
	ms.InsertFramedArea(
		mem.NewVirtAddr(config.TrapContextBase),
		mem.NewVirtAddr(config.Trampoline),
		PermR|PermW,
	)

	return ms, userStackTop, f.Entry, nil
}
