// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import (
	"fmt"
	"math"
)

// relocate applies every relocation of the object to the module's placed
// sections, in section order and ascending offset order within a section, so
// a failing load always fails at the same entry. Each applied patch is
// recorded on its section; cross-module bindings additionally become
// dependency edges, in application order. The first failure aborts; callers
// discard the placement, so partially patched memory is never published.
func relocate(m *Module, obj *Object, res *resolution) error {
	for si, osec := range obj.Sections {
		sec := m.Sections[si]
		for _, rel := range osec.Relocs {
			sym, ok := res.syms[rel.Symbol]
			if !ok {
				if _, weak := res.weak[rel.Symbol]; !weak {
					return &MalformedObjectError{Reason: fmt.Sprintf("relocation at %s+%#x references unlinked symbol %s", sec.Name, rel.Offset, rel.Symbol)}
				}
				// Dangling weak reference, links as zero.
			}
			if err := applyReloc(sec, rel, sym); err != nil {
				return err
			}
			sec.applied = append(sec.applied, patchRecord{rel: rel, sym: sym})
			if sym != nil && sym.owner != nil && sym.owner != m {
				_, weakRef := res.weak[rel.Symbol]
				m.Dependencies = append(m.Dependencies, Dependency{
					Symbol:  sym.Name,
					Module:  sym.Module,
					Section: si,
					Reloc:   rel,
					Weak:    weakRef,
				})
			}
		}
	}
	return nil
}

// relocCompute validates one patch and returns the raw value its site must
// hold. sym is nil only for a dangling weak reference, which links as
// address zero. Callers that need to know whether a rebind would fit call
// this without writing anything.
func relocCompute(sec *Section, rel Reloc, sym *Symbol) (uint64, error) {
	var s uint64
	var tls bool
	if sym != nil {
		s = sym.Addr
		tls = sym.TLS
	}

	switch rel.Kind {
	case RelocAbs64:
		if tls {
			return 0, &MalformedObjectError{Reason: fmt.Sprintf("address relocation against thread-local symbol %s at %s+%#x", sym.Name, sec.Name, rel.Offset)}
		}
		return s + uint64(rel.Addend), nil
	case RelocPC32:
		if tls {
			return 0, &MalformedObjectError{Reason: fmt.Sprintf("address relocation against thread-local symbol %s at %s+%#x", sym.Name, sec.Name, rel.Offset)}
		}
		site := sec.Base + rel.Offset
		d := int64(s) + rel.Addend - int64(site)
		if d < math.MinInt32 || d > math.MaxInt32 {
			return 0, &RelocationOverflowError{Section: sec.Name, Offset: rel.Offset, Value: d}
		}
		return uint64(uint32(int32(d))), nil
	case RelocTPOff32:
		if sym != nil && !tls {
			return 0, &MalformedObjectError{Reason: fmt.Sprintf("thread-local relocation against %s at %s+%#x", sym.Name, sec.Name, rel.Offset)}
		}
		v := int64(s) + rel.Addend
		if v < 0 || v > math.MaxUint32 {
			return 0, &RelocationOverflowError{Section: sec.Name, Offset: rel.Offset, Value: v}
		}
		return uint64(v), nil
	default:
		return 0, &UnsupportedRelocationKindError{Kind: rel.Kind, Section: sec.Name}
	}
}

// applyReloc computes and writes one patch site.
func applyReloc(sec *Section, rel Reloc, sym *Symbol) error {
	v, err := relocCompute(sec, rel, sym)
	if err != nil {
		return err
	}
	window := sec.bytes[rel.Offset : rel.Offset+rel.Kind.width()]
	switch rel.Kind.width() {
	case 8:
		lePutUint64(window, v)
	case 4:
		lePutUint32(window, uint32(v))
	}
	return nil
}

// patchAt returns the applied patch record at the given offset, or nil.
// Records are in ascending offset order.
func (s *Section) patchAt(off uint64) *patchRecord {
	for i := range s.applied {
		if s.applied[i].rel.Offset == off {
			return &s.applied[i]
		}
		if s.applied[i].rel.Offset > off {
			break
		}
	}
	return nil
}
