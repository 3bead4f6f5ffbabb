// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import (
	"bytes"
	"debug/pe"
	"fmt"
	"sort"
	"strings"
)

// COFF machine number and section characteristics bits.
const (
	coffMachineAMD64 = 0x8664

	coffSecCode        = 0x00000020
	coffSecInitData    = 0x00000040
	coffSecUninitData  = 0x00000080
	coffSecLnkInfo     = 0x00000200
	coffSecLnkRemove   = 0x00000800
	coffSecDiscardable = 0x02000000
	coffSecExecute     = 0x20000000
	coffSecWrite       = 0x80000000
	coffSecAlignMask   = 0x00f00000
	coffSecAlignShift  = 20
)

// COFF symbol storage classes.
const (
	coffClassExternal     = 2
	coffClassStatic       = 3
	coffClassFile         = 103
	coffClassWeakExternal = 105
)

// x86-64 COFF relocation types.
const (
	coffRelocAbsolute = 0x0000
	coffRelocAddr64   = 0x0001
	coffRelocAddr32   = 0x0002
	coffRelocRel32    = 0x0004
	coffRelocRel32_5  = 0x0009
	coffRelocSecRel   = 0x000b
)

// parseCOFFObject parses an x86-64 COFF relocatable object. Like Mach-O,
// COFF stores addends inline at the patch site and measures PC-relative
// values from the end of the 4-byte field, so addends are rewritten to the
// explicit site-relative form the relocator expects.
func parseCOFFObject(data []byte) (obj *Object, err error) {
	// debug/pe can panic on malformed input; surface that as a parse error.
	defer func() {
		if r := recover(); r != nil {
			obj, err = nil, &MalformedObjectError{Reason: fmt.Sprintf("corrupt COFF object: %v", r)}
		}
	}()

	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, &MalformedObjectError{Reason: "cannot parse COFF header", Err: err}
	}
	defer f.Close()

	if f.Machine != coffMachineAMD64 {
		return nil, &MalformedObjectError{Reason: fmt.Sprintf("unsupported machine %#x", f.Machine)}
	}
	if f.OptionalHeader != nil {
		return nil, &MalformedObjectError{Reason: "not a relocatable object: has an optional header"}
	}

	obj = &Object{}

	// Map 1-based COFF section numbers to positions in obj.Sections.
	loadable := make(map[int]int)
	var kept []*pe.Section
	for i, sec := range f.Sections {
		if sec.Name == markerSectionName {
			obj.Merged = true
			continue
		}
		if !coffLoadable(sec) {
			continue
		}
		ch := sec.Characteristics
		hasBits := ch&coffSecUninitData == 0
		kind := sectionKindFor(
			ch&coffSecExecute != 0 || ch&coffSecCode != 0,
			ch&coffSecWrite != 0,
			strings.HasPrefix(sec.Name, ".tls"),
			hasBits,
		)

		var raw []byte
		if hasBits {
			raw, err = sec.Data()
			if err != nil {
				return nil, &MalformedObjectError{Reason: fmt.Sprintf("cannot read section %s", sec.Name), Err: err}
			}
			if uint64(len(raw)) != uint64(sec.Size) {
				return nil, &MalformedObjectError{Reason: fmt.Sprintf("section %s truncated", sec.Name), Err: ErrNotEnoughBytesRead}
			}
		}

		loadable[i+1] = len(obj.Sections)
		kept = append(kept, sec)
		obj.Sections = append(obj.Sections, &ObjectSection{
			Name:  sec.Name,
			Kind:  kind,
			Size:  uint64(sec.Size),
			Align: coffAlign(ch),
			Data:  raw,
		})
	}

	// names[i] is the name relocation entries use for raw symbol table
	// index i. Aux records and skipped classes stay empty.
	names := make([]string, len(f.COFFSymbols))
	defined := make(map[string]bool)
	type placed struct {
		sym *ObjectSymbol
		sec int
	}
	var sized []placed
	for i := 0; i < len(f.COFFSymbols); i += 1 + int(f.COFFSymbols[i].NumberOfAuxSymbols) {
		sym := &f.COFFSymbols[i]
		name, err := sym.FullName(f.StringTable)
		if err != nil {
			return nil, &MalformedObjectError{Reason: fmt.Sprintf("cannot read name of symbol %d", i), Err: err}
		}
		if name == "" || sym.StorageClass == coffClassFile {
			continue
		}

		var vis Visibility
		switch sym.StorageClass {
		case coffClassExternal:
			vis = VisGlobal
		case coffClassStatic:
			vis = VisLocal
		case coffClassWeakExternal:
			vis = VisWeak
		default:
			// Labels and other tool bookkeeping.
			continue
		}

		secNum := int(sym.SectionNumber)
		if secNum < 0 {
			// Absolute or debug symbol.
			continue
		}
		if secNum == 0 {
			if vis == VisLocal {
				continue
			}
			if vis == VisGlobal && sym.Value != 0 {
				return nil, &MalformedObjectError{Reason: fmt.Sprintf("COMMON symbol %s: objects must be fully allocated", name)}
			}
			names[i] = name
			obj.Symbols = append(obj.Symbols, &ObjectSymbol{
				Name:       name,
				Section:    -1,
				Visibility: vis,
			})
			continue
		}

		idx, ok := loadable[secNum]
		if !ok {
			// Defined in a section we do not load. Harmless unless a
			// relocation references it, which fails below.
			continue
		}
		if uint64(sym.Value) > obj.Sections[idx].Size {
			return nil, &MalformedObjectError{Reason: fmt.Sprintf("symbol %s outside its section", name)}
		}
		if defined[name] {
			return nil, &MalformedObjectError{Reason: fmt.Sprintf("symbol %s defined twice in one object", name)}
		}
		defined[name] = true
		names[i] = name
		os := &ObjectSymbol{
			Name:       name,
			Section:    idx,
			Value:      uint64(sym.Value),
			Visibility: vis,
		}
		obj.Symbols = append(obj.Symbols, os)
		sized = append(sized, placed{sym: os, sec: idx})
	}

	// COFF symbols carry no size; infer it from the next symbol in the same
	// section, bounded by the section end.
	sort.Slice(sized, func(i, j int) bool {
		if sized[i].sec != sized[j].sec {
			return sized[i].sec < sized[j].sec
		}
		return sized[i].sym.Value < sized[j].sym.Value
	})
	for i, p := range sized {
		end := obj.Sections[p.sec].Size
		if i+1 < len(sized) && sized[i+1].sec == p.sec {
			end = sized[i+1].sym.Value
		}
		p.sym.Size = end - p.sym.Value
	}

	for i, sec := range kept {
		relocs, err := coffRelocs(sec, obj.Sections[i], names)
		if err != nil {
			return nil, err
		}
		obj.Sections[i].Relocs = relocs
	}

	return obj, nil
}

func coffLoadable(sec *pe.Section) bool {
	ch := sec.Characteristics
	if ch&(coffSecLnkInfo|coffSecLnkRemove|coffSecDiscardable) != 0 {
		return false
	}
	if strings.HasPrefix(sec.Name, ".debug") {
		return false
	}
	return ch&(coffSecCode|coffSecInitData|coffSecUninitData) != 0
}

// coffAlign decodes the IMAGE_SCN_ALIGN field. Sections without one get
// the linker default of 16.
func coffAlign(ch uint32) uint64 {
	bits := (ch & coffSecAlignMask) >> coffSecAlignShift
	if bits == 0 {
		return 16
	}
	return uint64(1) << (bits - 1)
}

func coffRelocs(sec *pe.Section, parsed *ObjectSection, names []string) ([]Reloc, error) {
	if len(sec.Relocs) == 0 {
		return nil, nil
	}
	relocs := make([]Reloc, 0, len(sec.Relocs))
	for _, r := range sec.Relocs {
		if r.Type == coffRelocAbsolute {
			// Alignment padding entry, never applied.
			continue
		}
		site := uint64(r.VirtualAddress) - uint64(sec.VirtualAddress)
		if int(r.SymbolTableIndex) >= len(names) || names[r.SymbolTableIndex] == "" {
			return nil, &MalformedObjectError{Reason: fmt.Sprintf("relocation at %s+%#x references unusable symbol %d", parsed.Name, site, r.SymbolTableIndex)}
		}
		symName := names[r.SymbolTableIndex]

		var kind RelocKind
		var addend int64
		switch {
		case r.Type == coffRelocAddr64:
			kind = RelocAbs64
			inline, err := coffInline(parsed, site, 8)
			if err != nil {
				return nil, err
			}
			addend = inline
		case r.Type >= coffRelocRel32 && r.Type <= coffRelocRel32_5:
			kind = RelocPC32
			inline, err := coffInline(parsed, site, 4)
			if err != nil {
				return nil, err
			}
			// REL32_N measures from N bytes past the end of the field.
			addend = inline - 4 - int64(r.Type-coffRelocRel32)
		case r.Type == coffRelocAddr32:
			kind = RelocAbs32
			inline, err := coffInline(parsed, site, 4)
			if err != nil {
				return nil, err
			}
			addend = inline
		case r.Type == coffRelocSecRel:
			kind = RelocTPOff32
			inline, err := coffInline(parsed, site, 4)
			if err != nil {
				return nil, err
			}
			addend = inline
		default:
			kind = RelocKind(2000 + uint32(r.Type))
		}

		relocs = append(relocs, Reloc{
			Kind:   kind,
			Offset: site,
			Symbol: symName,
			Addend: addend,
		})
	}
	sort.SliceStable(relocs, func(i, j int) bool { return relocs[i].Offset < relocs[j].Offset })
	return relocs, nil
}

// coffInline reads the addend stored at the patch site.
func coffInline(parsed *ObjectSection, off, width uint64) (int64, error) {
	if parsed.Kind.zeroFill() {
		return 0, nil
	}
	if off+width > uint64(len(parsed.Data)) {
		return 0, &MalformedObjectError{Reason: fmt.Sprintf("relocation at %s+%#x exceeds section", parsed.Name, off)}
	}
	switch width {
	case 4:
		return int64(int32(leUint32(parsed.Data[off:]))), nil
	default:
		return int64(leUint64(parsed.Data[off:])), nil
	}
}
