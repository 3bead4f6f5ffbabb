// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
)

// parseELFObject parses a relocatable x86-64 ELF object. Only allocatable
// sections are kept; .eh_frame and exception table sections place as rodata.
func parseELFObject(data []byte) (*Object, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, &MalformedObjectError{Reason: "cannot parse ELF header", Err: err}
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB {
		return nil, &MalformedObjectError{Reason: "not a little-endian 64-bit ELF"}
	}
	if f.Type != elf.ET_REL {
		return nil, &MalformedObjectError{Reason: fmt.Sprintf("not a relocatable object: type %v", f.Type)}
	}
	if f.Machine != elf.EM_X86_64 {
		return nil, &MalformedObjectError{Reason: fmt.Sprintf("unsupported machine %v", f.Machine)}
	}

	obj := &Object{}

	// Map ELF section header indices to positions in obj.Sections. Only
	// allocatable progbits/nobits sections load.
	loadable := make(map[elf.SectionIndex]int)
	for i, sec := range f.Sections {
		switch sec.Name {
		case markerSectionName:
			obj.Merged = true
			continue
		case commentSectionName:
			if raw, err := sec.Data(); err == nil {
				obj.Toolchain = detectToolchain(raw)
			}
			continue
		case buildIDSectionName:
			if raw, err := sec.Data(); err == nil {
				obj.BuildID, _ = parseGNUBuildID(raw)
			}
			continue
		}
		if sec.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		switch sec.Type {
		case elf.SHT_PROGBITS, elf.SHT_NOBITS, elf.SHT_INIT_ARRAY, elf.SHT_FINI_ARRAY:
		default:
			continue
		}

		hasBits := sec.Type != elf.SHT_NOBITS
		kind := sectionKindFor(
			sec.Flags&elf.SHF_EXECINSTR != 0,
			sec.Flags&elf.SHF_WRITE != 0,
			sec.Flags&elf.SHF_TLS != 0,
			hasBits,
		)

		var raw []byte
		if hasBits {
			raw, err = sec.Data()
			if err != nil {
				return nil, &MalformedObjectError{Reason: fmt.Sprintf("cannot read section %s", sec.Name), Err: err}
			}
			if uint64(len(raw)) != sec.Size {
				return nil, &MalformedObjectError{Reason: fmt.Sprintf("section %s truncated", sec.Name), Err: ErrNotEnoughBytesRead}
			}
		}

		align := sec.Addralign
		if align == 0 {
			align = 1
		}
		loadable[elf.SectionIndex(i)] = len(obj.Sections)
		obj.Sections = append(obj.Sections, &ObjectSection{
			Name:  sec.Name,
			Kind:  kind,
			Size:  sec.Size,
			Align: align,
			Data:  raw,
		})
	}

	syms, err := f.Symbols()
	if err != nil {
		return nil, &MalformedObjectError{Reason: "cannot read symbol table", Err: err}
	}

	// names[i] is the name relocation entries use for symtab index i+1.
	// Section symbols are unnamed in ELF; they borrow their section's name.
	names := make([]string, len(syms))
	defined := make(map[string]bool)
	for i, sym := range syms {
		name := sym.Name
		typ := elf.ST_TYPE(sym.Info)
		if typ == elf.STT_FILE {
			continue
		}
		if typ == elf.STT_SECTION {
			idx, ok := loadable[elf.SectionIndex(sym.Section)]
			if !ok {
				continue
			}
			name = obj.Sections[idx].Name
			names[i] = name
			if !defined[name] {
				defined[name] = true
				obj.Symbols = append(obj.Symbols, &ObjectSymbol{
					Name:       name,
					Section:    idx,
					Visibility: VisLocal,
				})
			}
			continue
		}
		if name == "" {
			continue
		}
		names[i] = name

		if sym.Section == elf.SHN_UNDEF {
			obj.Symbols = append(obj.Symbols, &ObjectSymbol{
				Name:       name,
				Section:    -1,
				Visibility: elfVisibility(sym.Info),
			})
			continue
		}
		if sym.Section == elf.SHN_COMMON {
			return nil, &MalformedObjectError{Reason: fmt.Sprintf("COMMON symbol %s: objects must be fully allocated", name)}
		}
		if sym.Section == elf.SHN_ABS {
			continue
		}
		idx, ok := loadable[elf.SectionIndex(sym.Section)]
		if !ok {
			// Defined in a section we do not load, e.g. a note. Harmless
			// unless a relocation references it, which fails below.
			continue
		}
		if defined[name] {
			return nil, &MalformedObjectError{Reason: fmt.Sprintf("symbol %s defined twice in one object", name)}
		}
		defined[name] = true
		obj.Symbols = append(obj.Symbols, &ObjectSymbol{
			Name:       name,
			Section:    idx,
			Value:      sym.Value,
			Size:       sym.Size,
			Visibility: elfVisibility(sym.Info),
		})
	}

	for _, sec := range f.Sections {
		switch sec.Type {
		case elf.SHT_RELA:
		case elf.SHT_REL:
			if _, ok := loadable[elf.SectionIndex(sec.Info)]; ok {
				return nil, &MalformedObjectError{Reason: fmt.Sprintf("section %s uses REL entries: only RELA is supported", sec.Name)}
			}
			continue
		default:
			continue
		}
		target, ok := loadable[elf.SectionIndex(sec.Info)]
		if !ok {
			// Relocations for debug or unwind data we do not load.
			continue
		}
		raw, err := sec.Data()
		if err != nil {
			return nil, &MalformedObjectError{Reason: fmt.Sprintf("cannot read %s", sec.Name), Err: err}
		}
		relocs, err := parseRelaEntries(raw, names)
		if err != nil {
			return nil, &MalformedObjectError{Reason: fmt.Sprintf("bad entry in %s", sec.Name), Err: err}
		}
		obj.Sections[target].Relocs = append(obj.Sections[target].Relocs, relocs...)
	}

	return obj, nil
}

const relaEntrySize = 24

// parseRelaEntries decodes raw RELA records. Symbol indices resolve against
// names, which excludes the reserved null entry at table index 0.
func parseRelaEntries(raw []byte, names []string) ([]Reloc, error) {
	if len(raw)%relaEntrySize != 0 {
		return nil, io.ErrUnexpectedEOF
	}
	relocs := make([]Reloc, 0, len(raw)/relaEntrySize)
	for off := 0; off < len(raw); off += relaEntrySize {
		var rela elf.Rela64
		rela.Off = binary.LittleEndian.Uint64(raw[off:])
		rela.Info = binary.LittleEndian.Uint64(raw[off+8:])
		rela.Addend = int64(binary.LittleEndian.Uint64(raw[off+16:]))

		symIdx := rela.Info >> 32
		if symIdx == 0 {
			return nil, fmt.Errorf("relocation at %#x references the null symbol", rela.Off)
		}
		if symIdx > uint64(len(names)) || names[symIdx-1] == "" {
			return nil, fmt.Errorf("relocation at %#x references unusable symbol %d", rela.Off, symIdx)
		}

		kind := RelocKind(uint32(rela.Info))
		if kind == relocPLT32 {
			kind = RelocPC32
		}
		relocs = append(relocs, Reloc{
			Kind:   kind,
			Offset: rela.Off,
			Symbol: names[symIdx-1],
			Addend: rela.Addend,
		})
	}
	return relocs, nil
}

func elfVisibility(info uint8) Visibility {
	switch elf.ST_BIND(info) {
	case elf.STB_LOCAL:
		return VisLocal
	case elf.STB_WEAK:
		return VisWeak
	default:
		return VisGlobal
	}
}
