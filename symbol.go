// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import "fmt"

// Visibility is the linkage visibility of a symbol.
type Visibility uint8

const (
	// VisGlobal symbols are published into the namespace symbol table and
	// can be referenced by other modules. At most one global definition per
	// name may exist in a namespace.
	VisGlobal Visibility = iota
	// VisLocal symbols are only resolvable from within their own module.
	VisLocal
	// VisWeak symbols behave like globals but lose against an existing
	// global of the same name instead of colliding with it.
	VisWeak
)

func (v Visibility) String() string {
	switch v {
	case VisGlobal:
		return "global"
	case VisLocal:
		return "local"
	case VisWeak:
		return "weak"
	}
	return fmt.Sprintf("visibility(%d)", uint8(v))
}

// ObjectSymbol is one entry of a parsed object's symbol table.
type ObjectSymbol struct {
	// Name is the fully qualified symbol name.
	Name string
	// Section indexes the object's section list, or -1 if the symbol is
	// undefined and must be resolved against the namespace.
	Section int
	// Value is the symbol's offset within its section.
	Value uint64
	// Size in bytes. May be zero for markers and some local symbols.
	Size uint64
	// Visibility of the symbol.
	Visibility Visibility
}

// Defined reports whether the symbol is defined by the object itself.
func (s *ObjectSymbol) Defined() bool { return s.Section >= 0 }

// Symbol is a linked symbol owned by a loaded module. For thread-local
// symbols Addr is the offset within the per-core thread-local area, not an
// absolute address.
type Symbol struct {
	Name       string
	Module     string // defining module name, "" for host-defined symbols
	Addr       uint64
	Size       uint64
	Visibility Visibility
	TLS        bool

	owner   *Module
	section *Section
}

// Owner returns the module that defines the symbol, or nil for symbols
// installed with DefineSymbol.
func (s *Symbol) Owner() *Module { return s.owner }
