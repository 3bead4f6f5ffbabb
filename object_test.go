// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import (
	"crypto/sha256"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findObjSym(t *testing.T, obj *Object, name string) *ObjectSymbol {
	t.Helper()
	for _, s := range obj.Symbols {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("symbol %s not found in object", name)
	return nil
}

func TestParseObjectELF(t *testing.T) {
	assert := assert.New(t)

	id := []byte{0xde, 0xad, 0xbe, 0xef, 0x10, 0x32, 0x54, 0x76}
	initial := []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}

	b := newELFObj()
	text := b.text(leafCode())
	rodata := b.rodata([]byte("greeting"))
	data := b.data(initial)
	b.bss(16)
	b.tdata(make([]byte, 8))
	b.tbss(8)
	b.section(markerSectionName, elf.SHT_PROGBITS, 0, 1, nil)
	b.section(commentSectionName, elf.SHT_PROGBITS, elf.SHF_MERGE|elf.SHF_STRINGS, 1,
		[]byte("\x00clang version 17.0.6\x00"))
	b.section(buildIDSectionName, elf.SHT_NOTE, 0, 4, gnuBuildIDNote(t, id))

	b.global("counter::increment::h1a2b3c4d5e6f7788", text, 0, 6)
	b.local("counter_park", text, 6, 4)
	b.weak("counter::fallback::h1111111111111111", data, 0, 8)
	b.undef("alloc::boxed::h99aabbccddeeff00")
	b.weakUndef("optional_hook")
	b.sectionSym(rodata)
	b.fileSym("counter.rs")
	b.absSym("abs_marker", 0x1000)

	raw := b.bytes(t)
	obj, err := ParseObject("counter-1a2b3c4d", raw)
	require.NoError(t, err, "Parsing the crafted object should not fail.")

	assert.Equal("counter-1a2b3c4d", obj.Name, "Wrong module name.")
	assert.True(obj.Merged, "Marker section was not recognized.")
	assert.Equal(hex.EncodeToString(id), obj.BuildID, "Wrong build ID.")
	assert.Equal("clang version 17.0.6", obj.Toolchain, "Wrong toolchain string.")
	assert.Equal(sha256.Sum256(raw), obj.Hash, "Wrong content hash.")
	assert.Equal(fmt.Sprintf("%x", sha256.Sum256(raw)), obj.HashString(), "Wrong hash string.")

	expectedSections := []struct {
		name  string
		kind  SectionKind
		size  uint64
		align uint64
	}{
		{".text", KindText, 16, 16},
		{".rodata", KindRodata, 8, 8},
		{".data", KindData, 8, 8},
		{".bss", KindBss, 16, 8},
		{".tdata", KindTLSData, 8, 8},
		{".tbss", KindTLSBss, 8, 8},
	}
	require.Len(t, obj.Sections, len(expectedSections), "Wrong number of loadable sections.")
	for i, want := range expectedSections {
		sec := obj.Sections[i]
		assert.Equal(want.name, sec.Name, "Wrong section name at index %d.", i)
		assert.Equal(want.kind, sec.Kind, "Wrong kind for %s.", want.name)
		assert.Equal(want.size, sec.Size, "Wrong size for %s.", want.name)
		assert.Equal(want.align, sec.Align, "Wrong alignment for %s.", want.name)
		if sec.Kind.zeroFill() {
			assert.Empty(sec.Data, "Zero-fill section %s should carry no bytes.", want.name)
		}
	}

	sec, err := obj.Section(".data")
	assert.NoError(err, "Section lookup by name should succeed.")
	assert.Equal(initial, sec.Data, "Wrong .data contents.")
	_, err = obj.Section(".missing")
	assert.ErrorIs(err, ErrSectionDoesNotExist, "Lookup of an absent section should fail.")

	fn := findObjSym(t, obj, "counter::increment::h1a2b3c4d5e6f7788")
	assert.Equal(0, fn.Section, "Function symbol should live in .text.")
	assert.Equal(uint64(0), fn.Value, "Wrong function symbol value.")
	assert.Equal(uint64(6), fn.Size, "Wrong function symbol size.")
	assert.Equal(VisGlobal, fn.Visibility, "Function symbol should be global.")
	assert.True(fn.Defined(), "Function symbol should be defined.")

	helper := findObjSym(t, obj, "counter_park")
	assert.Equal(VisLocal, helper.Visibility, "Helper symbol should be local.")
	assert.Equal(uint64(6), helper.Value, "Wrong helper symbol value.")

	fallback := findObjSym(t, obj, "counter::fallback::h1111111111111111")
	assert.Equal(VisWeak, fallback.Visibility, "Fallback symbol should be weak.")
	assert.Equal(2, fallback.Section, "Fallback symbol should live in .data.")

	undef := findObjSym(t, obj, "alloc::boxed::h99aabbccddeeff00")
	assert.Equal(-1, undef.Section, "Undefined symbol should carry no section.")
	assert.False(undef.Defined(), "Undefined symbol reported as defined.")
	assert.Equal(VisGlobal, undef.Visibility, "Undefined symbol should be global.")
	assert.Equal(VisWeak, findObjSym(t, obj, "optional_hook").Visibility,
		"Weak undefined symbol should keep weak visibility.")

	secSym := findObjSym(t, obj, ".rodata")
	assert.Equal(VisLocal, secSym.Visibility, "Section symbol should be local.")
	assert.Equal(1, secSym.Section, "Section symbol should name its section.")

	for _, s := range obj.Symbols {
		assert.NotEqual("counter.rs", s.Name, "File symbols must not survive parsing.")
		assert.NotEqual("abs_marker", s.Name, "Absolute symbols must not survive parsing.")
	}

	assert.Equal([]string{"alloc::boxed::h99aabbccddeeff00", "optional_hook"},
		obj.UndefinedSymbols(), "Wrong undefined symbol list.")
}

func TestParseObjectRelocations(t *testing.T) {
	assert := assert.New(t)

	b := newELFObj()
	text := b.text(callCode())
	data := b.data(make([]byte, 16))
	b.global("wrapper", text, 0, 16)
	b.global("table", data, 0, 16)
	next := b.undef("counter::next")
	b.rela(data, 8, elf.R_X86_64_GOTPCREL, next, -4)
	b.rela(data, 0, elf.R_X86_64_64, next, 16)
	b.rela(text, 1, elf.R_X86_64_PLT32, next, -4)

	obj := b.object(t, "wrapper-0000")

	textSec, err := obj.Section(".text")
	require.NoError(t, err)
	require.Len(t, textSec.Relocs, 1, "Wrong relocation count for .text.")
	assert.Equal(RelocPC32, textSec.Relocs[0].Kind, "PLT32 should normalize to a PC32 patch.")
	assert.Equal(uint64(1), textSec.Relocs[0].Offset, "Wrong patch site.")
	assert.Equal("counter::next", textSec.Relocs[0].Symbol, "Wrong patch target.")
	assert.Equal(int64(-4), textSec.Relocs[0].Addend, "Wrong addend.")

	dataSec, err := obj.Section(".data")
	require.NoError(t, err)
	require.Len(t, dataSec.Relocs, 2, "Wrong relocation count for .data.")
	assert.Equal(uint64(0), dataSec.Relocs[0].Offset, "Entries should sort by offset.")
	assert.Equal(RelocAbs64, dataSec.Relocs[0].Kind, "Wrong kind for the pointer patch.")
	assert.Equal(int64(16), dataSec.Relocs[0].Addend, "Wrong pointer addend.")
	assert.Equal(uint64(8), dataSec.Relocs[1].Offset, "Entries should sort by offset.")
	assert.Equal(RelocGOTPCRel, dataSec.Relocs[1].Kind,
		"Unapplied kinds should survive parsing for diagnostics.")
}

func TestParseObjectRejects(t *testing.T) {
	base := func(t *testing.T) []byte {
		b := newELFObj()
		text := b.text(leafCode())
		b.global("f", text, 0, 16)
		return b.bytes(t)
	}

	tests := []struct {
		name     string
		data     func(t *testing.T) []byte
		sentinel error
		wantErr  string
	}{
		{
			"short_buffer",
			func(t *testing.T) []byte { return []byte{0x7f, 'E'} },
			ErrNotEnoughBytesRead,
			"object shorter than magic",
		},
		{
			"unknown_magic",
			func(t *testing.T) []byte { return []byte{0x01, 0x02, 0x03, 0x04} },
			ErrUnsupportedObject,
			"unknown magic bytes",
		},
		{
			"executable_not_relocatable",
			func(t *testing.T) []byte {
				raw := base(t)
				binary.LittleEndian.PutUint16(raw[16:], uint16(elf.ET_EXEC))
				return raw
			},
			nil,
			"not a relocatable object",
		},
		{
			"foreign_machine",
			func(t *testing.T) []byte {
				raw := base(t)
				binary.LittleEndian.PutUint16(raw[18:], uint16(elf.EM_AARCH64))
				return raw
			},
			nil,
			"unsupported machine",
		},
		{
			"common_symbol",
			func(t *testing.T) []byte {
				b := newELFObj()
				text := b.text(leafCode())
				b.global("f", text, 0, 16)
				b.commonSym("pool", 64)
				return b.bytes(t)
			},
			nil,
			"COMMON symbol pool",
		},
		{
			"symbol_defined_twice",
			func(t *testing.T) []byte {
				b := newELFObj()
				text := b.text(leafCode())
				b.global("dup", text, 0, 4)
				b.global("dup", text, 8, 4)
				return b.bytes(t)
			},
			nil,
			"symbol dup defined twice",
		},
		{
			"rel_not_rela",
			func(t *testing.T) []byte {
				b := newELFObj()
				text := b.text(leafCode())
				b.global("f", text, 0, 16)
				rel := b.section(".rel.text", elf.SHT_REL, 0, 8, make([]byte, 16))
				b.sectionInfo(rel, text)
				return b.bytes(t)
			},
			nil,
			"only RELA is supported",
		},
		{
			"null_symbol_reloc",
			func(t *testing.T) []byte {
				b := newELFObj()
				text := b.text(callCode())
				b.global("f", text, 0, 16)
				b.rela(text, 1, elf.R_X86_64_PLT32, -1, -4)
				return b.bytes(t)
			},
			nil,
			"references the null symbol",
		},
		{
			"file_symbol_reloc",
			func(t *testing.T) []byte {
				b := newELFObj()
				text := b.text(callCode())
				b.global("f", text, 0, 16)
				file := b.fileSym("f.rs")
				b.rela(text, 1, elf.R_X86_64_PLT32, file, -4)
				return b.bytes(t)
			},
			nil,
			"references unusable symbol",
		},
		{
			"symbol_outside_section",
			func(t *testing.T) []byte {
				b := newELFObj()
				text := b.text(leafCode())
				b.global("f", text, 12, 8)
				return b.bytes(t)
			},
			nil,
			"symbol f exceeds section .text",
		},
		{
			"reloc_outside_section",
			func(t *testing.T) []byte {
				b := newELFObj()
				text := b.text(leafCode())
				b.global("f", text, 0, 16)
				g := b.undef("g")
				b.rela(text, 14, elf.R_X86_64_PC32, g, -4)
				return b.bytes(t)
			},
			nil,
			"exceeds section size",
		},
		{
			"macho_garbage",
			func(t *testing.T) []byte {
				raw := append([]byte{}, machoMagic64...)
				return append(raw, make([]byte, 16)...)
			},
			nil,
			"cannot parse Mach-O header",
		},
	}
	for _, test := range tests {
		t.Run("reject_"+test.name, func(t *testing.T) {
			assert := assert.New(t)
			_, err := ParseObject("bad-0000", test.data(t))
			assert.Error(err, "A malformed object should not parse.")
			assert.ErrorContains(err, test.wantErr, "Wrong failure reason.")
			if test.sentinel != nil {
				assert.ErrorIs(err, test.sentinel, "Wrong sentinel error.")
			}
		})
	}
}

func TestValidateObjectDirect(t *testing.T) {
	section := func(kind SectionKind, size uint64, data []byte, relocs ...Reloc) *ObjectSection {
		return &ObjectSection{Name: ".s", Kind: kind, Size: size, Align: 8, Data: data, Relocs: relocs}
	}

	tests := []struct {
		name    string
		obj     *Object
		wantErr string
	}{
		{
			"data_size_mismatch",
			&Object{Sections: []*ObjectSection{section(KindData, 8, make([]byte, 4))}},
			"has 4 data bytes for size 8",
		},
		{
			"reloc_without_symbol",
			&Object{Sections: []*ObjectSection{
				section(KindData, 8, make([]byte, 8), Reloc{Kind: RelocAbs64}),
			}},
			"references no symbol",
		},
		{
			"reloc_unknown_symbol",
			&Object{Sections: []*ObjectSection{
				section(KindData, 8, make([]byte, 8), Reloc{Kind: RelocAbs64, Symbol: "ghost"}),
			}},
			"references unknown symbol ghost",
		},
		{
			"symbol_section_out_of_range",
			&Object{
				Sections: []*ObjectSection{section(KindData, 8, make([]byte, 8))},
				Symbols:  []*ObjectSymbol{{Name: "s", Section: 3}},
			},
			"references section 3 of 1",
		},
	}
	for _, test := range tests {
		t.Run("validate_"+test.name, func(t *testing.T) {
			assert := assert.New(t)
			err := validateObject(test.obj)
			assert.Error(err, "Validation should fail.")
			assert.ErrorContains(err, test.wantErr, "Wrong failure reason.")
		})
	}

	t.Run("validate_align_normalized", func(t *testing.T) {
		assert := assert.New(t)
		obj := &Object{Sections: []*ObjectSection{
			{Name: ".d", Kind: KindData, Size: 4, Align: 0, Data: make([]byte, 4)},
		}}
		assert.NoError(validateObject(obj), "A well-formed object should validate.")
		assert.Equal(uint64(1), obj.Sections[0].Align, "Zero alignment should normalize to one.")
	})
}

func TestUndefinedSymbolsDedup(t *testing.T) {
	assert := assert.New(t)

	obj := &Object{Symbols: []*ObjectSymbol{
		{Name: "x", Section: -1},
		{Name: "x", Section: -1},
		{Name: "y", Section: -1},
	}}
	assert.Equal([]string{"x", "y"}, obj.UndefinedSymbols(),
		"Repeated references should report once.")
}

func TestOpenObject(t *testing.T) {
	assert := assert.New(t)
	dir := t.TempDir()

	b := newELFObj()
	text := b.text(leafCode())
	b.global("counter::get::haabbccddeeff0011", text, 0, 16)
	raw := b.bytes(t)

	kernelPath := filepath.Join(dir, "k#counter-1a2b.o")
	require.NoError(t, os.WriteFile(kernelPath, raw, 0o644))
	appPath := filepath.Join(dir, "a#shell.o")
	require.NoError(t, os.WriteFile(appPath, raw, 0o644))
	plainPath := filepath.Join(dir, "misc.o")
	require.NoError(t, os.WriteFile(plainPath, raw, 0o644))

	obj, err := OpenObject(kernelPath)
	assert.NoError(err, "Opening a kernel object should succeed.")
	assert.Equal("counter-1a2b", obj.Name, "Type prefix and extension should strip.")
	assert.Equal(TypeKernel, obj.Type, "Wrong module type.")

	obj, err = OpenObject(appPath)
	assert.NoError(err, "Opening an application object should succeed.")
	assert.Equal("shell", obj.Name, "Wrong module name.")
	assert.Equal(TypeApplication, obj.Type, "Wrong module type.")

	obj, err = OpenObject(plainPath)
	assert.NoError(err, "Opening an unprefixed object should succeed.")
	assert.Equal("misc", obj.Name, "Wrong module name.")
	assert.Equal(TypeKernel, obj.Type, "Unprefixed files should default to kernel.")

	_, err = OpenObject(filepath.Join(dir, "absent.o"))
	assert.Error(err, "Opening a missing file should fail.")
}
