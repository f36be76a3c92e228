// Package elftest writes small ARM64 shared objects for tests that read
// symbol tables.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
)

// TextAddr is the virtual address of the first function.
const TextAddr = 0x1000

// FuncSize is the size of every function: a ret and three nops.
const FuncSize = 16

var funcBody = []uint32{0xd65f03c0, 0xd503201f, 0xd503201f, 0xd503201f}

// Addr is the address of function i of a written object.
func Addr(i int) uint64 { return TextAddr + uint64(i)*FuncSize }

type section struct {
	name  string
	hdr   elf.Section64
	data  []byte
	align uint64
}

func strtab(names []string) ([]byte, []uint32) {
	buf := []byte{0}
	offs := make([]uint32, len(names))
	for i, n := range names {
		offs[i] = uint32(len(buf))
		buf = append(buf, n...)
		buf = append(buf, 0)
	}
	return buf, offs
}

func symtab(offs []uint32) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, elf.Sym64{})
	for i, off := range offs {
		_ = binary.Write(&buf, binary.LittleEndian, elf.Sym64{
			Name:  off,
			Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
			Shndx: 1,
			Value: Addr(i),
			Size:  FuncSize,
		})
	}
	return buf.Bytes()
}

// Build returns an ELF64 shared object defining the functions names, in
// order, in both the static and the dynamic symbol table.
func Build(names ...string) []byte {
	var text bytes.Buffer
	for range names {
		_ = binary.Write(&text, binary.LittleEndian, funcBody)
	}
	str, offs := strtab(names)
	syms := symtab(offs)

	secs := []*section{
		{name: ".text", hdr: elf.Section64{Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR), Addr: TextAddr}, data: text.Bytes(), align: 16},
		{name: ".strtab", hdr: elf.Section64{Type: uint32(elf.SHT_STRTAB)}, data: str, align: 1},
		{name: ".symtab", hdr: elf.Section64{Type: uint32(elf.SHT_SYMTAB), Link: 2, Info: 1, Entsize: elf.Sym64Size}, data: syms, align: 8},
		{name: ".dynstr", hdr: elf.Section64{Type: uint32(elf.SHT_STRTAB), Flags: uint64(elf.SHF_ALLOC)}, data: str, align: 1},
		{name: ".dynsym", hdr: elf.Section64{Type: uint32(elf.SHT_DYNSYM), Flags: uint64(elf.SHF_ALLOC), Link: 4, Info: 1, Entsize: elf.Sym64Size}, data: syms, align: 8},
	}
	shnames := make([]string, 0, len(secs)+1)
	for _, s := range secs {
		shnames = append(shnames, s.name)
	}
	shnames = append(shnames, ".shstrtab")
	shstr, shoffs := strtab(shnames)
	secs = append(secs, &section{name: ".shstrtab", hdr: elf.Section64{Type: uint32(elf.SHT_STRTAB)}, data: shstr, align: 1})

	const ehsize = 64
	body := make([]byte, 0, 4096)
	off := uint64(ehsize)
	for i, s := range secs {
		for off%s.align != 0 {
			body = append(body, 0)
			off++
		}
		s.hdr.Name = shoffs[i]
		s.hdr.Off = off
		s.hdr.Size = uint64(len(s.data))
		s.hdr.Addralign = s.align
		body = append(body, s.data...)
		off += uint64(len(s.data))
	}
	for off%8 != 0 {
		body = append(body, 0)
		off++
	}

	hdr := elf.Header64{
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(elf.EM_AARCH64),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     off,
		Ehsize:    ehsize,
		Shentsize: 64,
		Shnum:     uint16(len(secs) + 1),
		Shstrndx:  uint16(len(secs)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var out bytes.Buffer
	_ = binary.Write(&out, binary.LittleEndian, hdr)
	out.Write(body)
	_ = binary.Write(&out, binary.LittleEndian, elf.Section64{})
	for _, s := range secs {
		_ = binary.Write(&out, binary.LittleEndian, s.hdr)
	}
	return out.Bytes()
}

// Write stores Build(names...) at path.
func Write(path string, names ...string) error {
	return errors.Wrap(os.WriteFile(path, Build(names...), 0o644), "writing ELF fixture")
}
