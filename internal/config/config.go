// Package config holds the physical and virtual memory layout of the
// kernel. Compile-time facts of the SV39 scheme (page size, the trampoline
// window at the top of the virtual address space) are constants; everything
// that depends on how the kernel image was linked or how much RAM the
// platform has lives in Layout and can be overridden from a YAML file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	PageSize  = 0x1000
	PageShift = 12

	// Trampoline occupies the highest page of the virtual address space.
	// The trap context sits in the page directly below it.
	Trampoline      = ^uint64(0) - PageSize + 1
	TrapContextBase = Trampoline - PageSize
)

// Span is a half-open physical address range [Start, End).
type Span struct {
	Start uint64 `yaml:"start"`
	End   uint64 `yaml:"end"`
}

func (s Span) Size() uint64 { return s.End - s.Start }

// Layout describes where the kernel image sits in physical memory and how
// large the fixed stacks are. The section spans play the role of the linker
// symbols (stext/etext and friends) in a linked kernel binary.
type Layout struct {
	RAMBase   uint64 `yaml:"ramBase"`
	MemoryEnd uint64 `yaml:"memoryEnd"`

	Text   Span `yaml:"text"`
	Rodata Span `yaml:"rodata"`
	Data   Span `yaml:"data"`
	// Bss includes the boot stack, like the linked image does.
	Bss Span `yaml:"bss"`

	// TrampolinePhys is the physical page holding the trap-entry code,
	// inside the text section.
	TrampolinePhys uint64 `yaml:"trampolinePhys"`

	UserStackSize   uint64 `yaml:"userStackSize"`
	KernelStackSize uint64 `yaml:"kernelStackSize"`
}

// Default returns the layout of the stock QEMU virt machine build: RAM at
// 0x8000_0000, kernel image linked at 0x8020_0000, 128MiB of memory.
func Default() *Layout {
	return &Layout{
		RAMBase:   0x8000_0000,
		MemoryEnd: 0x8800_0000,

		Text:   Span{Start: 0x8020_0000, End: 0x8022_0000},
		Rodata: Span{Start: 0x8022_0000, End: 0x8022_8000},
		Data:   Span{Start: 0x8022_8000, End: 0x8023_0000},
		Bss:    Span{Start: 0x8023_0000, End: 0x8026_0000},

		TrampolinePhys: 0x8020_1000,

		UserStackSize:   PageSize * 2,
		KernelStackSize: PageSize * 2,
	}
}

// Load reads a layout from a YAML file, applied on top of Default.
func Load(path string) (*Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read layout: %w", err)
	}
	l := Default()
	if err := yaml.Unmarshal(data, l); err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// KernelEnd is the first physical address past the kernel image. Frames for
// the allocator are carved from [KernelEnd, MemoryEnd).
func (l *Layout) KernelEnd() uint64 { return l.Bss.End }

func (l *Layout) Validate() error {
	if l.RAMBase%PageSize != 0 || l.MemoryEnd%PageSize != 0 {
		return fmt.Errorf("layout: RAM bounds [%#x, %#x) are not page aligned", l.RAMBase, l.MemoryEnd)
	}
	if l.MemoryEnd <= l.RAMBase {
		return fmt.Errorf("layout: empty RAM range [%#x, %#x)", l.RAMBase, l.MemoryEnd)
	}
	spans := []struct {
		name string
		span Span
	}{
		{".text", l.Text},
		{".rodata", l.Rodata},
		{".data", l.Data},
		{".bss", l.Bss},
	}
	prev := l.RAMBase
	for _, s := range spans {
		if s.span.Start%PageSize != 0 || s.span.End%PageSize != 0 {
			return fmt.Errorf("layout: %s [%#x, %#x) is not page aligned", s.name, s.span.Start, s.span.End)
		}
		if s.span.Start < prev || s.span.End < s.span.Start {
			return fmt.Errorf("layout: %s [%#x, %#x) out of order", s.name, s.span.Start, s.span.End)
		}
		prev = s.span.End
	}
	if l.KernelEnd() >= l.MemoryEnd {
		return fmt.Errorf("layout: no memory left past kernel end %#x", l.KernelEnd())
	}
	if l.TrampolinePhys%PageSize != 0 || l.TrampolinePhys < l.Text.Start || l.TrampolinePhys >= l.Text.End {
		return fmt.Errorf("layout: trampoline page %#x outside .text", l.TrampolinePhys)
	}
	if l.UserStackSize%PageSize != 0 || l.KernelStackSize%PageSize != 0 {
		return fmt.Errorf("layout: stack sizes must be page multiples")
	}
	return nil
}
