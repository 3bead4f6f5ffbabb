// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import (
	"crypto/sha256"
	"fmt"
)

// Dependency is one relocation edge from a module into a symbol owned by
// another module (or, for internal edges, the module itself). The edges are
// what keep a target module resident and what a swap rewrites.
type Dependency struct {
	// Symbol is the resolved name of the target symbol.
	Symbol string
	// Module is the name of the module that owns the target symbol.
	Module string
	// Section is the index into the dependent's section list where the
	// patched site lives.
	Section int
	// Reloc is the relocation entry that produced the edge.
	Reloc Reloc
	// Weak reports that the edge came from a weak reference and may be
	// left dangling when the target is unloaded.
	Weak bool
}

// Module is a loaded, linked and registered object. All fields are fixed at
// registration time except the bookkeeping guarded by the owning namespace's
// lock.
type Module struct {
	// Name is the module name, unique within its namespace.
	Name string
	// Hash is the content hash of the object file the module came from.
	Hash [sha256.Size]byte
	// Type classifies the module by its file name prefix.
	Type ModuleType
	// Sections are the placed sections, in object order.
	Sections []*Section
	// Symbols are the module's defined symbols, globals and locals both.
	Symbols []*Symbol
	// Dependencies are the module's outgoing edges, one per cross-module
	// relocation, in application order.
	Dependencies []Dependency

	ns         *Namespace
	object     *Object
	regions    [numClasses]*Region
	depTargets []*Module
	aliases    []string // extra symbol table names resolving to this module
	refs       int
	destroyed  bool
}

// HashString returns the module's content hash in hex.
func (m *Module) HashString() string {
	return fmt.Sprintf("%x", m.Hash)
}

// Section returns the placed section with the given name.
func (m *Module) Section(name string) (*Section, error) {
	for _, s := range m.Sections {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("section %s in module %s: %w", name, m.Name, ErrSectionDoesNotExist)
}

// Symbol returns the module's defined symbol with the given name. Locals are
// visible here even though they are not registered with the namespace.
func (m *Module) Symbol(name string) (*Symbol, error) {
	for _, s := range m.Symbols {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("symbol %s in module %s: %w", name, m.Name, ErrSymbolNotFound)
}

// SymbolAt returns the module symbol whose range covers addr, preferring the
// smallest covering range so nested locals win over their containers.
func (m *Module) SymbolAt(addr uint64) (*Symbol, error) {
	var best *Symbol
	for _, s := range m.Symbols {
		if s.TLS || addr < s.Addr || addr >= s.Addr+s.Size {
			continue
		}
		if best == nil || s.Size < best.Size {
			best = s
		}
	}
	if best == nil {
		return nil, fmt.Errorf("address %#x in module %s: %w", addr, m.Name, ErrSymbolNotFound)
	}
	return best, nil
}

// RefCount returns the number of distinct modules currently depending on
// this one.
func (m *Module) RefCount() int {
	m.ns.mu.RLock()
	defer m.ns.mu.RUnlock()
	return m.refs
}

// Destroyed reports whether the module has been unloaded. A destroyed
// module's sections and symbols must not be used.
func (m *Module) Destroyed() bool {
	m.ns.mu.RLock()
	defer m.ns.mu.RUnlock()
	return m.destroyed
}

// dependsOn reports whether the module holds at least one strong edge into
// target.
func (m *Module) dependsOn(target string) bool {
	for _, d := range m.Dependencies {
		if !d.Weak && d.Module == target {
			return true
		}
	}
	return false
}

// strongTargets returns the distinct names of modules this module holds
// strong edges into, excluding itself.
func (m *Module) strongTargets() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, d := range m.Dependencies {
		if d.Weak || d.Module == m.Name {
			continue
		}
		if _, ok := seen[d.Module]; ok {
			continue
		}
		seen[d.Module] = struct{}{}
		out = append(out, d.Module)
	}
	return out
}
