// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// elfObj assembles small x86-64 relocatable ELF objects in memory, so tests
// can feed the parser and the load pipeline real input without shipping
// binary fixtures.
type elfObj struct {
	sections []*elfSectionSpec
	syms     []*elfSymSpec
}

type elfSectionSpec struct {
	name  string
	typ   elf.SectionType
	flags elf.SectionFlag
	align uint64
	size  uint64
	data  []byte
	info  uint32
	relas []elfRelaSpec
}

type elfSymSpec struct {
	name  string
	info  uint8
	shndx uint16
	value uint64
	size  uint64
}

type elfRelaSpec struct {
	off    uint64
	typ    elf.R_X86_64
	sym    int // handle into elfObj.syms, or -1 for the reserved null entry
	addend int64
}

func newELFObj() *elfObj { return &elfObj{} }

// section adds a section with the given raw bytes and returns its section
// header table index.
func (b *elfObj) section(name string, typ elf.SectionType, flags elf.SectionFlag, align uint64, data []byte) int {
	b.sections = append(b.sections, &elfSectionSpec{
		name: name, typ: typ, flags: flags, align: align,
		size: uint64(len(data)), data: data,
	})
	return len(b.sections)
}

// nobits adds a section that occupies memory but no file bytes.
func (b *elfObj) nobits(name string, flags elf.SectionFlag, align, size uint64) int {
	b.sections = append(b.sections, &elfSectionSpec{
		name: name, typ: elf.SHT_NOBITS, flags: flags, align: align, size: size,
	})
	return len(b.sections)
}

// sectionInfo sets the sh_info field, which relocation sections use to name
// their target.
func (b *elfObj) sectionInfo(shndx, info int) {
	b.sections[shndx-1].info = uint32(info)
}

func (b *elfObj) text(code []byte) int {
	return b.section(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 16, code)
}

func (b *elfObj) rodata(data []byte) int {
	return b.section(".rodata", elf.SHT_PROGBITS, elf.SHF_ALLOC, 8, data)
}

func (b *elfObj) data(data []byte) int {
	return b.section(".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, 8, data)
}

func (b *elfObj) bss(size uint64) int {
	return b.nobits(".bss", elf.SHF_ALLOC|elf.SHF_WRITE, 8, size)
}

func (b *elfObj) tdata(data []byte) int {
	return b.section(".tdata", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE|elf.SHF_TLS, 8, data)
}

func (b *elfObj) tbss(size uint64) int {
	return b.nobits(".tbss", elf.SHF_ALLOC|elf.SHF_WRITE|elf.SHF_TLS, 8, size)
}

// addSym adds a symbol table entry and returns its handle for rela entries.
func (b *elfObj) addSym(name string, bind elf.SymBind, typ elf.SymType, shndx uint16, value, size uint64) int {
	b.syms = append(b.syms, &elfSymSpec{
		name: name, info: elf.ST_INFO(bind, typ), shndx: shndx, value: value, size: size,
	})
	return len(b.syms) - 1
}

func (b *elfObj) symType(shndx int) elf.SymType {
	if b.sections[shndx-1].flags&elf.SHF_EXECINSTR != 0 {
		return elf.STT_FUNC
	}
	return elf.STT_OBJECT
}

func (b *elfObj) global(name string, shndx int, value, size uint64) int {
	return b.addSym(name, elf.STB_GLOBAL, b.symType(shndx), uint16(shndx), value, size)
}

func (b *elfObj) local(name string, shndx int, value, size uint64) int {
	return b.addSym(name, elf.STB_LOCAL, b.symType(shndx), uint16(shndx), value, size)
}

func (b *elfObj) weak(name string, shndx int, value, size uint64) int {
	return b.addSym(name, elf.STB_WEAK, b.symType(shndx), uint16(shndx), value, size)
}

func (b *elfObj) undef(name string) int {
	return b.addSym(name, elf.STB_GLOBAL, elf.STT_NOTYPE, uint16(elf.SHN_UNDEF), 0, 0)
}

func (b *elfObj) weakUndef(name string) int {
	return b.addSym(name, elf.STB_WEAK, elf.STT_NOTYPE, uint16(elf.SHN_UNDEF), 0, 0)
}

func (b *elfObj) sectionSym(shndx int) int {
	return b.addSym("", elf.STB_LOCAL, elf.STT_SECTION, uint16(shndx), 0, 0)
}

func (b *elfObj) fileSym(name string) int {
	return b.addSym(name, elf.STB_LOCAL, elf.STT_FILE, uint16(elf.SHN_ABS), 0, 0)
}

func (b *elfObj) absSym(name string, value uint64) int {
	return b.addSym(name, elf.STB_GLOBAL, elf.STT_NOTYPE, uint16(elf.SHN_ABS), value, 0)
}

func (b *elfObj) commonSym(name string, size uint64) int {
	return b.addSym(name, elf.STB_GLOBAL, elf.STT_OBJECT, uint16(elf.SHN_COMMON), 8, size)
}

// rela attaches a relocation entry to the section at shndx.
func (b *elfObj) rela(shndx int, off uint64, typ elf.R_X86_64, sym int, addend int64) {
	spec := b.sections[shndx-1]
	spec.relas = append(spec.relas, elfRelaSpec{off: off, typ: typ, sym: sym, addend: addend})
}

// elfStrtab accumulates a string table, deduplicating repeated names.
type elfStrtab struct {
	buf  bytes.Buffer
	offs map[string]uint32
}

func newELFStrtab() *elfStrtab {
	s := &elfStrtab{offs: map[string]uint32{"": 0}}
	s.buf.WriteByte(0)
	return s
}

func (s *elfStrtab) add(name string) uint32 {
	if off, ok := s.offs[name]; ok {
		return off
	}
	off := uint32(s.buf.Len())
	s.offs[name] = off
	s.buf.WriteString(name)
	s.buf.WriteByte(0)
	return off
}

// bytes serializes the object: ELF header, section contents, then the
// section header table.
func (b *elfObj) bytes(t *testing.T) []byte {
	t.Helper()

	shstr := newELFStrtab()
	str := newELFStrtab()

	numRela := 0
	for _, spec := range b.sections {
		if len(spec.relas) > 0 {
			numRela++
		}
	}
	symtabIdx := 1 + len(b.sections) + numRela
	strtabIdx := symtabIdx + 1
	shstrtabIdx := symtabIdx + 2

	type rawSection struct {
		hdr  elf.Section64
		data []byte
	}
	raws := make([]rawSection, 1, shstrtabIdx+1) // [0] is the null section

	for _, spec := range b.sections {
		raws = append(raws, rawSection{
			hdr: elf.Section64{
				Name:      shstr.add(spec.name),
				Type:      uint32(spec.typ),
				Flags:     uint64(spec.flags),
				Size:      spec.size,
				Info:      spec.info,
				Addralign: spec.align,
			},
			data: spec.data,
		})
	}

	// Emit locals first, the order the format requires, and remember where
	// each handle lands.
	order := make([]int, 0, len(b.syms))
	for h, s := range b.syms {
		if elf.ST_BIND(s.info) == elf.STB_LOCAL {
			order = append(order, h)
		}
	}
	numLocals := len(order)
	for h, s := range b.syms {
		if elf.ST_BIND(s.info) != elf.STB_LOCAL {
			order = append(order, h)
		}
	}
	elfIdx := make([]uint32, len(b.syms))
	symBlob := make([]byte, 24*(len(order)+1))
	for pos, h := range order {
		s := b.syms[h]
		elfIdx[h] = uint32(pos + 1)
		e := symBlob[24*(pos+1):]
		binary.LittleEndian.PutUint32(e, str.add(s.name))
		e[4] = s.info
		binary.LittleEndian.PutUint16(e[6:], s.shndx)
		binary.LittleEndian.PutUint64(e[8:], s.value)
		binary.LittleEndian.PutUint64(e[16:], s.size)
	}

	for si, spec := range b.sections {
		if len(spec.relas) == 0 {
			continue
		}
		blob := make([]byte, relaEntrySize*len(spec.relas))
		for i, r := range spec.relas {
			symIdx := uint32(0)
			if r.sym >= 0 {
				symIdx = elfIdx[r.sym]
			}
			binary.LittleEndian.PutUint64(blob[relaEntrySize*i:], r.off)
			binary.LittleEndian.PutUint64(blob[relaEntrySize*i+8:], elf.R_INFO(symIdx, uint32(r.typ)))
			binary.LittleEndian.PutUint64(blob[relaEntrySize*i+16:], uint64(r.addend))
		}
		raws = append(raws, rawSection{
			hdr: elf.Section64{
				Name:      shstr.add(".rela" + spec.name),
				Type:      uint32(elf.SHT_RELA),
				Size:      uint64(len(blob)),
				Link:      uint32(symtabIdx),
				Info:      uint32(si + 1),
				Addralign: 8,
				Entsize:   relaEntrySize,
			},
			data: blob,
		})
	}

	raws = append(raws, rawSection{
		hdr: elf.Section64{
			Name:      shstr.add(".symtab"),
			Type:      uint32(elf.SHT_SYMTAB),
			Size:      uint64(len(symBlob)),
			Link:      uint32(strtabIdx),
			Info:      uint32(numLocals + 1),
			Addralign: 8,
			Entsize:   24,
		},
		data: symBlob,
	})
	strBlob := str.buf.Bytes()
	raws = append(raws, rawSection{
		hdr: elf.Section64{
			Name:      shstr.add(".strtab"),
			Type:      uint32(elf.SHT_STRTAB),
			Size:      uint64(len(strBlob)),
			Addralign: 1,
		},
		data: strBlob,
	})
	shstrNameOff := shstr.add(".shstrtab")
	shstrBlob := shstr.buf.Bytes()
	raws = append(raws, rawSection{
		hdr: elf.Section64{
			Name:      shstrNameOff,
			Type:      uint32(elf.SHT_STRTAB),
			Size:      uint64(len(shstrBlob)),
			Addralign: 1,
		},
		data: shstrBlob,
	})
	require.Len(t, raws, shstrtabIdx+1, "section header index bookkeeping is off")

	var out bytes.Buffer
	out.Write(make([]byte, 64)) // ELF header placeholder
	for i := range raws {
		if raws[i].data == nil {
			continue
		}
		for out.Len()%8 != 0 {
			out.WriteByte(0)
		}
		raws[i].hdr.Off = uint64(out.Len())
		out.Write(raws[i].data)
	}
	for out.Len()%8 != 0 {
		out.WriteByte(0)
	}
	shoff := out.Len()
	for i := range raws {
		require.NoError(t, binary.Write(&out, binary.LittleEndian, raws[i].hdr))
	}

	le := binary.LittleEndian
	file := out.Bytes()
	copy(file, []byte{0x7f, 'E', 'L', 'F'})
	file[4] = byte(elf.ELFCLASS64)
	file[5] = byte(elf.ELFDATA2LSB)
	file[6] = byte(elf.EV_CURRENT)
	le.PutUint16(file[16:], uint16(elf.ET_REL))
	le.PutUint16(file[18:], uint16(elf.EM_X86_64))
	le.PutUint32(file[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(file[40:], uint64(shoff))
	le.PutUint16(file[52:], 64) // ehsize
	le.PutUint16(file[58:], 64) // shentsize
	le.PutUint16(file[60:], uint16(len(raws)))
	le.PutUint16(file[62:], uint16(shstrtabIdx))
	return file
}

// object serializes and parses the built object under the given module name.
func (b *elfObj) object(t *testing.T, name string) *Object {
	t.Helper()
	obj, err := ParseObject(name, b.bytes(t))
	require.NoError(t, err, "built object should parse")
	return obj
}

// leafCode is a self-contained function body: mov eax, 42; ret; nop padding.
func leafCode() []byte {
	code := []byte{0xb8, 0x2a, 0x00, 0x00, 0x00, 0xc3}
	for len(code) < 16 {
		code = append(code, 0x90)
	}
	return code
}

// callCode is a function body whose call displacement at offset 1 gets
// patched: call rel32; ret; nop padding.
func callCode() []byte {
	code := []byte{0xe8, 0x00, 0x00, 0x00, 0x00, 0xc3}
	for len(code) < 16 {
		code = append(code, 0x90)
	}
	return code
}

// leafObject builds a module defining one global function and nothing else.
func leafObject(t *testing.T, module, symbol string) *Object {
	t.Helper()
	b := newELFObj()
	text := b.text(leafCode())
	b.global(symbol, text, 0, 16)
	return b.object(t, module)
}

// callerObject builds a module whose function calls callee through a
// PC-relative patch site at .text+1.
func callerObject(t *testing.T, module, symbol, callee string) *Object {
	t.Helper()
	b := newELFObj()
	text := b.text(callCode())
	b.global(symbol, text, 0, 16)
	c := b.undef(callee)
	b.rela(text, 1, elf.R_X86_64_PLT32, c, -4)
	return b.object(t, module)
}

// pointerObject builds a module whose .data holds one 8-byte pointer to
// target, patched through an absolute relocation.
func pointerObject(t *testing.T, module, symbol, target string) *Object {
	t.Helper()
	b := newELFObj()
	data := b.data(make([]byte, 8))
	b.global(symbol, data, 0, 8)
	tgt := b.undef(target)
	b.rela(data, 0, elf.R_X86_64_64, tgt, 0)
	return b.object(t, module)
}

func loadObject(t *testing.T, ns *Namespace, obj *Object) *Module {
	t.Helper()
	m, err := ns.Load(context.Background(), obj)
	require.NoError(t, err, "loading %s should succeed", obj.Name)
	return m
}
