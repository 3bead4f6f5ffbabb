// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

// Package relink implements a runtime module loader, linker, and live-swap
// subsystem for systems that run all code in one shared address space.
//
// Relocatable object modules are parsed, placed into permissioned memory
// regions, resolved against a namespace of already loaded modules, patched,
// and registered. Registered modules can be unloaded once nothing depends on
// them, or atomically replaced by a newer version while their dependents
// keep running.
package relink

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

var (
	elfMagic       = []byte{0x7f, 0x45, 0x4c, 0x46}
	machoMagic64   = []byte{0xcf, 0xfa, 0xed, 0xfe}
	machoMagic64BE = []byte{0xfe, 0xed, 0xfa, 0xcf}
	coffMagicAMD64 = []byte{0x64, 0x86}
	maxMagicBufLen = 4
)

// markerSectionName is emitted by build steps that pre-combine all sections
// of one kind. Its presence lets the parser trust the symbol table without
// re-deriving section contents.
const markerSectionName = ".relink.merged"

// Object is the parsed, structural description of one relocatable object
// module. It holds everything the load pipeline needs; the raw file is not
// consulted again after parsing.
type Object struct {
	// Name is the module name, without type prefix or file extension.
	Name string
	// Type is the module type from the file name prefix. Defaults to
	// TypeKernel when the source carried no prefix.
	Type ModuleType
	// Hash is the SHA-256 of the raw object bytes, used as the module's
	// content version.
	Hash [sha256.Size]byte
	// Sections lists the loadable sections. ObjectSymbol.Section and
	// Dependency.Section index into this slice.
	Sections []*ObjectSection
	// Symbols lists the object's symbol table entries, defined and
	// undefined.
	Symbols []*ObjectSymbol
	// Merged is true when the object carries the pre-combined marker
	// section.
	Merged bool
	// BuildID is the GNU build ID note as lowercase hex, when the object
	// carries one.
	BuildID string
	// Toolchain is the producer string from the object's comment section,
	// when one is recognized.
	Toolchain string
}

// HashString returns the object's content hash as lowercase hex.
func (o *Object) HashString() string { return hex.EncodeToString(o.Hash[:]) }

// Section returns the named section or ErrSectionDoesNotExist.
func (o *Object) Section(name string) (*ObjectSection, error) {
	for _, s := range o.Sections {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSectionDoesNotExist, name)
}

// UndefinedSymbols returns the names the object references but does not
// define, deduplicated, in first-appearance order.
func (o *Object) UndefinedSymbols() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, s := range o.Symbols {
		if s.Defined() {
			continue
		}
		if _, ok := seen[s.Name]; ok {
			continue
		}
		seen[s.Name] = struct{}{}
		names = append(names, s.Name)
	}
	return names
}

// OpenObject reads and parses the object module at filePath. The module
// name is derived from the file name: a type prefix like "k#" and the ".o"
// extension are stripped.
func OpenObject(filePath string) (*Object, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	typ, name := moduleFileParts(filepath.Base(filePath))
	obj, err := ParseObject(name, data)
	if err != nil {
		return nil, err
	}
	obj.Type = typ
	return obj, nil
}

// ParseObject parses one relocatable object module from data. The format is
// detected from magic bytes; ELF, 64-bit Mach-O and COFF objects are
// supported.
func ParseObject(name string, data []byte) (*Object, error) {
	if len(data) < maxMagicBufLen {
		return nil, &MalformedObjectError{Reason: "object shorter than magic", Err: ErrNotEnoughBytesRead}
	}
	magic := data[:maxMagicBufLen]

	var (
		obj *Object
		err error
	)
	switch {
	case bytes.Equal(magic, elfMagic):
		obj, err = parseELFObject(data)
	case bytes.Equal(magic, machoMagic64) || bytes.Equal(magic, machoMagic64BE):
		obj, err = parseMachOObject(data)
	case bytes.Equal(magic[:2], coffMagicAMD64):
		obj, err = parseCOFFObject(data)
	default:
		return nil, &MalformedObjectError{Reason: "unknown magic bytes", Err: ErrUnsupportedObject}
	}
	if err != nil {
		return nil, err
	}

	obj.Name = name
	obj.Hash = sha256.Sum256(data)
	if err := validateObject(obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// validateObject enforces the structural rules backends must not be trusted
// with individually: symbol section references in range, symbols inside
// their sections, patch windows inside their sections, relocations naming
// only symbol table entries. It also fixes the relocation application order
// by sorting each section's entries by offset.
func validateObject(obj *Object) error {
	names := make(map[string]struct{}, len(obj.Symbols))
	for _, sym := range obj.Symbols {
		if sym.Section >= len(obj.Sections) {
			return &MalformedObjectError{Reason: fmt.Sprintf("symbol %s references section %d of %d", sym.Name, sym.Section, len(obj.Sections))}
		}
		if sym.Defined() {
			sec := obj.Sections[sym.Section]
			if sym.Value+sym.Size < sym.Value || sym.Value+sym.Size > sec.Size {
				return &MalformedObjectError{Reason: fmt.Sprintf("symbol %s exceeds section %s", sym.Name, sec.Name)}
			}
		}
		names[sym.Name] = struct{}{}
	}
	for _, sec := range obj.Sections {
		if sec.Align == 0 {
			sec.Align = 1
		}
		if !sec.Kind.zeroFill() && uint64(len(sec.Data)) != sec.Size {
			return &MalformedObjectError{Reason: fmt.Sprintf("section %s has %d data bytes for size %d", sec.Name, len(sec.Data), sec.Size)}
		}
		for _, rel := range sec.Relocs {
			if rel.Symbol == "" {
				return &MalformedObjectError{Reason: fmt.Sprintf("relocation at %s+%#x references no symbol", sec.Name, rel.Offset)}
			}
			if _, ok := names[rel.Symbol]; !ok {
				return &MalformedObjectError{Reason: fmt.Sprintf("relocation at %s+%#x references unknown symbol %s", sec.Name, rel.Offset, rel.Symbol)}
			}
			// Unsupported kinds pass through here; the relocator owns the
			// supported-set check. Width 8 covers every kind we would apply.
			w := rel.Kind.width()
			if w == 0 {
				w = 8
			}
			if rel.Offset+w < rel.Offset || rel.Offset+w > sec.Size {
				return &MalformedObjectError{Reason: fmt.Sprintf("relocation at %s+%#x exceeds section size %#x", sec.Name, rel.Offset, sec.Size)}
			}
		}
		sort.SliceStable(sec.Relocs, func(i, j int) bool {
			return sec.Relocs[i].Offset < sec.Relocs[j].Offset
		})
	}
	return nil
}

// sectionKindFor maps an allocatable section's traits onto a SectionKind.
// Read-only non-executable sections all place like rodata.
func sectionKindFor(executable, writable, tls, hasBits bool) SectionKind {
	switch {
	case tls && hasBits:
		return KindTLSData
	case tls:
		return KindTLSBss
	case executable:
		return KindText
	case writable && hasBits:
		return KindData
	case writable:
		return KindBss
	}
	return KindRodata
}
