// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
)

// Mach-O section type and attribute bits, from the section Flags field.
const (
	machoSecTypeMask    = 0x000000ff
	machoSecZerofill    = 0x1
	machoSecTLSRegular  = 0x11
	machoSecTLSZerofill = 0x12
	machoSecTLSVars     = 0x13
	machoAttrAnyInstrs  = 0x80000400 // PURE_INSTRUCTIONS | SOME_INSTRUCTIONS
)

// x86-64 Mach-O relocation types.
const (
	machoRelocUnsigned   = 0
	machoRelocSigned     = 1
	machoRelocBranch     = 2
	machoRelocGOTLoad    = 3
	machoRelocGOT        = 4
	machoRelocSubtractor = 5
	machoRelocTLV        = 9
)

// parseMachOObject parses a 64-bit x86-64 Mach-O object file. Entries are
// normalized onto the ELF relocation model: Mach-O stores addends inline at
// the patch site, and PC-relative values are relative to the end of the
// 4-byte field, so addends are rewritten to the explicit site-relative form
// the relocator expects.
func parseMachOObject(data []byte) (*Object, error) {
	f, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, &MalformedObjectError{Reason: "cannot parse Mach-O header", Err: err}
	}
	defer f.Close()

	if f.CPU != types.CPUAmd64 {
		return nil, &MalformedObjectError{Reason: fmt.Sprintf("unsupported machine %v", f.CPU)}
	}
	if f.Type != types.MH_OBJECT {
		return nil, &MalformedObjectError{Reason: fmt.Sprintf("not a relocatable object: type %v", f.Type)}
	}

	obj := &Object{}

	// ordinals maps 1-based Mach-O section ordinals to positions in
	// obj.Sections; kept[i] is the source section for obj.Sections[i].
	ordinals := make(map[int]int)
	var kept []*types.Section
	for i, sec := range f.Sections {
		if sec.Name == "__relink_merged" {
			obj.Merged = true
			continue
		}
		if !machoLoadable(sec) {
			continue
		}
		secType := uint32(sec.Flags) & machoSecTypeMask
		hasBits := secType != machoSecZerofill && secType != machoSecTLSZerofill
		kind := sectionKindFor(
			uint32(sec.Flags)&machoAttrAnyInstrs != 0,
			machoWritable(sec),
			secType == machoSecTLSRegular || secType == machoSecTLSZerofill,
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

		ordinals[i+1] = len(obj.Sections)
		kept = append(kept, sec)
		obj.Sections = append(obj.Sections, &ObjectSection{
			Name:  sec.Seg + "," + sec.Name,
			Kind:  kind,
			Size:  sec.Size,
			Align: uint64(1) << sec.Align,
			Data:  raw,
		})
	}

	var symtab []macho.Symbol
	if f.Symtab != nil {
		symtab = f.Symtab.Syms
	}
	if err := machoSymbols(obj, symtab, ordinals, f.Sections); err != nil {
		return nil, err
	}

	// Section symbols back local references; make sure each kept section
	// has one.
	names := make(map[string]bool, len(obj.Symbols))
	for _, s := range obj.Symbols {
		names[s.Name] = true
	}
	for i, sec := range obj.Sections {
		if !names[sec.Name] {
			obj.Symbols = append(obj.Symbols, &ObjectSymbol{
				Name:       sec.Name,
				Section:    i,
				Visibility: VisLocal,
			})
		}
	}

	for i, sec := range kept {
		relocs, err := machoRelocs(sec, obj.Sections[i], obj, ordinals, symtab, f.Sections)
		if err != nil {
			return nil, err
		}
		obj.Sections[i].Relocs = relocs
	}

	return obj, nil
}

func machoLoadable(sec *types.Section) bool {
	switch sec.Seg {
	case "__DWARF", "__LD":
		return false
	}
	switch sec.Name {
	case "__compact_unwind", "__thread_vars":
		return false
	}
	if uint32(sec.Flags)&machoSecTypeMask == machoSecTLSVars {
		return false
	}
	return true
}

func machoWritable(sec *types.Section) bool {
	if sec.Seg != "__DATA" {
		return false
	}
	// __DATA,__const is read-only after linking.
	return sec.Name != "__const"
}

const machoStabMask = 0xe0

func machoSymbols(obj *Object, symtab []macho.Symbol, ordinals map[int]int, all []*types.Section) error {
	type placed struct {
		sym *ObjectSymbol
		ord int
	}
	var defined []placed

	for _, s := range symtab {
		nt := uint8(s.Type)
		if nt&machoStabMask != 0 {
			// Stab debug entry.
			continue
		}
		if s.Name == "" {
			continue
		}
		vis := VisLocal
		if nt&0x01 != 0 { // N_EXT
			vis = VisGlobal
		}
		if s.Desc&0x00c0 != 0 { // N_WEAK_REF | N_WEAK_DEF
			vis = VisWeak
		}

		switch nt & 0x0e {
		case 0x2: // N_ABS
			continue
		case 0x0: // N_UNDF
			if vis == VisLocal {
				continue
			}
			obj.Symbols = append(obj.Symbols, &ObjectSymbol{
				Name:       s.Name,
				Section:    -1,
				Visibility: vis,
			})
		case 0xe: // N_SECT
			ord := int(s.Sect)
			idx, ok := ordinals[ord]
			if !ok {
				continue
			}
			base := all[ord-1].Addr
			if s.Value < base || s.Value-base > obj.Sections[idx].Size {
				return &MalformedObjectError{Reason: fmt.Sprintf("symbol %s outside its section", s.Name)}
			}
			sym := &ObjectSymbol{
				Name:       s.Name,
				Section:    idx,
				Value:      s.Value - base,
				Visibility: vis,
			}
			obj.Symbols = append(obj.Symbols, sym)
			defined = append(defined, placed{sym: sym, ord: ord})
		default:
			return &MalformedObjectError{Reason: fmt.Sprintf("symbol %s has unsupported type %#x", s.Name, nt)}
		}
	}

	// Mach-O symbols carry no size; infer it from the next symbol in the
	// same section, bounded by the section end.
	sort.Slice(defined, func(i, j int) bool {
		if defined[i].ord != defined[j].ord {
			return defined[i].ord < defined[j].ord
		}
		return defined[i].sym.Value < defined[j].sym.Value
	})
	for i, p := range defined {
		end := obj.Sections[p.sym.Section].Size
		if i+1 < len(defined) && defined[i+1].ord == p.ord {
			end = defined[i+1].sym.Value
		}
		p.sym.Size = end - p.sym.Value
	}
	return nil
}

func machoRelocs(sec *types.Section, parsed *ObjectSection, obj *Object, ordinals map[int]int, symtab []macho.Symbol, all []*types.Section) ([]Reloc, error) {
	if len(sec.Relocs) == 0 {
		return nil, nil
	}
	relocs := make([]Reloc, 0, len(sec.Relocs))
	for _, r := range sec.Relocs {
		if r.Scattered {
			return nil, &MalformedObjectError{Reason: fmt.Sprintf("scattered relocation in %s", parsed.Name)}
		}
		if r.Type == machoRelocSubtractor {
			return nil, &MalformedObjectError{Reason: fmt.Sprintf("subtractor relocation pair in %s", parsed.Name)}
		}

		site := uint64(r.Addr)
		var width uint64
		switch r.Len {
		case 2:
			width = 4
		case 3:
			width = 8
		default:
			return nil, &MalformedObjectError{Reason: fmt.Sprintf("relocation width %d in %s", r.Len, parsed.Name)}
		}
		raw, err := machoInline(parsed, site, width)
		if err != nil {
			return nil, err
		}

		// Normalize the inline addend onto the explicit ELF-style form
		// (site value = S + A, or S + A - P for PC-relative).
		var symName string
		var addend int64
		if r.Extern {
			if int(r.Value) >= len(symtab) {
				return nil, &MalformedObjectError{Reason: fmt.Sprintf("relocation at %s+%#x references symbol %d", parsed.Name, site, r.Value)}
			}
			symName = symtab[r.Value].Name
			addend = raw
			if r.Pcrel {
				// Mach-O measures from the end of the 4-byte field.
				addend -= 4
			}
		} else {
			idx, ok := ordinals[int(r.Value)]
			if !ok {
				return nil, &MalformedObjectError{Reason: fmt.Sprintf("relocation at %s+%#x references unloadable section %d", parsed.Name, site, r.Value)}
			}
			symName = obj.Sections[idx].Name
			targetBase := int64(all[int(r.Value)-1].Addr)
			if r.Pcrel {
				// The inline value is a displacement under the object's own
				// layout; rebasing it absorbs the end-of-field bias.
				addend = raw + int64(sec.Addr) + int64(site) - targetBase
			} else {
				addend = raw - targetBase
			}
		}

		var kind RelocKind
		switch r.Type {
		case machoRelocUnsigned:
			if width != 8 {
				return nil, &MalformedObjectError{Reason: fmt.Sprintf("4-byte absolute relocation at %s+%#x", parsed.Name, site)}
			}
			kind = RelocAbs64
		case machoRelocSigned, machoRelocBranch:
			kind = RelocPC32
		case machoRelocGOTLoad, machoRelocGOT:
			kind = RelocGOTPCRel
		case machoRelocTLV:
			kind = RelocTPOff32
		default:
			kind = RelocKind(1000 + uint32(r.Type))
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

// machoInline reads the addend stored at the patch site.
func machoInline(parsed *ObjectSection, off, width uint64) (int64, error) {
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
