// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import "fmt"

// RelocKind identifies how a patch site is computed and encoded. The values
// follow the x86-64 ELF relocation numbering; the Mach-O backend normalizes
// its entries onto the same constants.
type RelocKind uint32

const (
	// RelocAbs64 writes symbol address + addend as 8 little-endian bytes.
	RelocAbs64 RelocKind = 1
	// RelocPC32 writes symbol address + addend - patch site address as 4
	// little-endian bytes, failing if the displacement leaves the signed
	// 32-bit range.
	RelocPC32 RelocKind = 2
	// RelocGOTPCRel is parsed but not in the supported set: the loader links
	// without GOT indirection.
	RelocGOTPCRel RelocKind = 9
	// RelocAbs32 is parsed but not in the supported set.
	RelocAbs32 RelocKind = 10
	// RelocTPOff32 writes the symbol's offset within the per-core
	// thread-local area + addend as 4 little-endian bytes (local-exec
	// model).
	RelocTPOff32 RelocKind = 23
	// RelocPC64 is parsed but not in the supported set.
	RelocPC64 RelocKind = 24

	// relocPLT32 is normalized to RelocPC32 at parse time: without lazy
	// binding a PLT call is a direct PC-relative call.
	relocPLT32 RelocKind = 4
)

func (k RelocKind) String() string {
	switch k {
	case RelocAbs64:
		return "abs64"
	case RelocPC32:
		return "pc32"
	case RelocGOTPCRel:
		return "gotpcrel"
	case RelocAbs32:
		return "abs32"
	case RelocTPOff32:
		return "tpoff32"
	case RelocPC64:
		return "pc64"
	}
	return fmt.Sprintf("reloc(%d)", uint32(k))
}

// width returns the patch site width in bytes, or 0 for kinds the relocator
// does not support.
func (k RelocKind) width() uint64 {
	switch k {
	case RelocAbs64:
		return 8
	case RelocPC32, RelocTPOff32:
		return 4
	}
	return 0
}

// Reloc is one relocation entry: a patch site inside a section that must be
// rewritten once the referenced symbol's address is known.
type Reloc struct {
	// Kind selects the computation and encoding.
	Kind RelocKind
	// Offset of the patch site from the start of its section.
	Offset uint64
	// Symbol is the referenced symbol name.
	Symbol string
	// Addend is added to the resolved address before encoding.
	Addend int64
}

func (r Reloc) String() string {
	return fmt.Sprintf("%v+%#x -> %s%+d", r.Kind, r.Offset, r.Symbol, r.Addend)
}
