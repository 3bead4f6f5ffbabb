// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import "fmt"

// SectionKind classifies a section by the memory permissions and placement
// it needs.
type SectionKind uint8

const (
	// KindText holds executable code.
	KindText SectionKind = iota
	// KindRodata holds read-only data.
	KindRodata
	// KindData holds initialized mutable data.
	KindData
	// KindBss holds zero-initialized mutable data. It occupies no bytes in
	// the object file.
	KindBss
	// KindTLSData holds the initialization image for thread-local data.
	KindTLSData
	// KindTLSBss holds zero-initialized thread-local data. Like KindBss it
	// occupies no bytes in the object file.
	KindTLSBss
)

func (k SectionKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindRodata:
		return "rodata"
	case KindData:
		return "data"
	case KindBss:
		return "bss"
	case KindTLSData:
		return "tls-data"
	case KindTLSBss:
		return "tls-bss"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Executable reports whether sections of this kind are placed in executable
// memory.
func (k SectionKind) Executable() bool { return k == KindText }

// Writable reports whether sections of this kind are placed in writable
// memory.
func (k SectionKind) Writable() bool {
	return k == KindData || k == KindBss || k == KindTLSData || k == KindTLSBss
}

// ThreadLocal reports whether sections of this kind live in the per-core
// thread-local area rather than at a shared address.
func (k SectionKind) ThreadLocal() bool { return k == KindTLSData || k == KindTLSBss }

// zeroFill reports whether the section has no file bytes and is filled with
// zeroes at placement time.
func (k SectionKind) zeroFill() bool { return k == KindBss || k == KindTLSBss }

// ObjectSection is one loadable section of a parsed object.
type ObjectSection struct {
	// Name of the section, e.g. ".text" or ".data.rel.local".
	Name string
	// Kind determines placement and permissions.
	Kind SectionKind
	// Size in memory. For zero-fill kinds this exceeds len(Data), which is
	// zero.
	Size uint64
	// Align is the required start alignment, at least 1.
	Align uint64
	// Data holds the section's file bytes. Nil for zero-fill kinds.
	Data []byte
	// Relocs are the relocation entries targeting this section, sorted by
	// offset once the object passes validation.
	Relocs []Reloc
}

// Section is a placed and linked section owned by a loaded module.
type Section struct {
	Name string
	Kind SectionKind
	// Base is the section's virtual address. For thread-local sections it is
	// the offset within the per-core thread-local area instead.
	Base uint64
	Size uint64

	// bytes is the section's window into its module's region. Nil for
	// thread-local kinds, whose storage lives in the template image and the
	// instantiated per-core areas.
	bytes []byte
	// applied records every relocation written into this section, kept for
	// verification and for swap-time re-resolution.
	applied []patchRecord
}

// patchRecord is one applied relocation: the original entry plus the symbol
// it was bound to.
type patchRecord struct {
	rel Reloc
	sym *Symbol
}

// Bytes returns the section's current memory contents. The returned slice
// aliases live module memory; callers must not retain it across an unload.
func (s *Section) Bytes() []byte { return s.bytes }
