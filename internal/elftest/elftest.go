// Package elftest builds minimal RISC-V ELF64 images in memory for loader
// tests. Only what debug/elf needs to parse program headers is emitted; no
// section table.
package elftest

import (
	"debug/elf"
	"encoding/binary"
)

// Segment is one PT_LOAD program header plus its file bytes. MemSize of
// zero means len(Data).
type Segment struct {
	Vaddr   uint64
	Flags   elf.ProgFlag
	Data    []byte
	MemSize uint64
}

const (
	ehSize = 64
	phSize = 56
)

// Build assembles an ELF64 executable image with the given entry point and
// loadable segments.
func Build(entry uint64, segs ...Segment) []byte {
	le := binary.LittleEndian

	dataOff := uint64(ehSize + phSize*len(segs))
	var fileData []byte
	offsets := make([]uint64, len(segs))
	for i, s := range segs {
		offsets[i] = dataOff + uint64(len(fileData))
		fileData = append(fileData, s.Data...)
	}

	buf := make([]byte, dataOff+uint64(len(fileData)))

	// ELF header.
	copy(buf, []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = byte(elf.ELFCLASS64)
	buf[5] = byte(elf.ELFDATA2LSB)
	buf[6] = byte(elf.EV_CURRENT)
	le.PutUint16(buf[16:], uint16(elf.ET_EXEC))
	le.PutUint16(buf[18:], uint16(elf.EM_RISCV))
	le.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(buf[24:], entry)
	le.PutUint64(buf[32:], ehSize) // phoff
	le.PutUint16(buf[52:], ehSize)
	le.PutUint16(buf[54:], phSize)
	le.PutUint16(buf[56:], uint16(len(segs)))
	le.PutUint16(buf[58:], 64) // shentsize

	// Program headers.
	for i, s := range segs {
		memSize := s.MemSize
		if memSize == 0 {
			memSize = uint64(len(s.Data))
		}
		ph := buf[ehSize+i*phSize:]
		le.PutUint32(ph[0:], uint32(elf.PT_LOAD))
		le.PutUint32(ph[4:], uint32(s.Flags))
		le.PutUint64(ph[8:], offsets[i])
		le.PutUint64(ph[16:], s.Vaddr)
		le.PutUint64(ph[24:], s.Vaddr)
		le.PutUint64(ph[32:], uint64(len(s.Data)))
		le.PutUint64(ph[40:], memSize)
		le.PutUint64(ph[48:], 0x1000)
	}

	copy(buf[dataOff:], fileData)
	return buf
}
