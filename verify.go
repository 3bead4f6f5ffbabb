// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import (
	"fmt"
	"sort"

	"golang.org/x/arch/x86/x86asm"
)

// VerifyModule rereads every patched site of a loaded module and checks it
// against the recorded relocation. A mismatch means the module's memory
// changed after linking through something other than a rebind.
func VerifyModule(m *Module) error {
	if m.ns != nil {
		m.ns.mu.RLock()
		defer m.ns.mu.RUnlock()
	}
	return verifyModuleLocked(m)
}

// Verify checks every module registered in this namespace. Modules are
// checked in name order and the first mismatch aborts.
func (ns *Namespace) Verify() error {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	names := make([]string, 0, len(ns.modules))
	for name := range ns.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := verifyModuleLocked(ns.modules[name]); err != nil {
			return err
		}
	}
	return nil
}

func verifyModuleLocked(m *Module) error {
	for _, sec := range m.Sections {
		for i := range sec.applied {
			rec := &sec.applied[i]
			want, err := relocCompute(sec, rec.rel, rec.sym)
			if err != nil {
				return fmt.Errorf("module %s: %w", m.Name, err)
			}
			var got uint64
			switch rec.rel.Kind.width() {
			case 8:
				got = leUint64(sec.bytes[rec.rel.Offset:])
			case 4:
				got = uint64(leUint32(sec.bytes[rec.rel.Offset:]))
			default:
				continue
			}
			if got != want {
				return fmt.Errorf("module %s: site %s+%#x holds %#x, recorded relocation wants %#x: %w",
					m.Name, sec.Name, rec.rel.Offset, got, want, ErrVerifyMismatch)
			}
		}
	}
	return nil
}

// AuditText decodes the module's executable sections from start to end and
// reports the first byte position where decoding fails. Every patch in a
// text section lands inside an instruction's immediate or displacement, so
// a stream that no longer decodes points at a patch written to the wrong
// offset.
func AuditText(m *Module) error {
	if m.ns != nil {
		m.ns.mu.RLock()
		defer m.ns.mu.RUnlock()
	}
	for _, sec := range m.Sections {
		if !sec.Kind.Executable() {
			continue
		}
		code := sec.Bytes()
		for off := 0; off < len(code); {
			inst, err := x86asm.Decode(code[off:], 64)
			if err != nil {
				return fmt.Errorf("module %s: undecodable instruction at %s+%#x: %w", m.Name, sec.Name, off, err)
			}
			off += inst.Len
		}
	}
	return nil
}
