// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import "sort"

// resolution is the outcome of symbol resolution for one object: every name
// the object's relocations can reference mapped to a linked symbol, plus the
// distinct modules the object ends up depending on.
type resolution struct {
	// syms maps symbol names to their linked symbols. A weak reference
	// without a definition anywhere in the chain has no entry.
	syms map[string]*Symbol
	// weak holds the names the object references weakly. A name in weak
	// but not in syms is a dangling weak reference and links as zero.
	weak map[string]struct{}
	// targets are the distinct modules referenced by strong edges,
	// excluding the module being loaded, sorted by name.
	targets []*Module
}

// defineSymbols materializes the object's defined symbols at their placed
// addresses onto m and returns them by name.
func defineSymbols(obj *Object, m *Module) map[string]*Symbol {
	own := make(map[string]*Symbol, len(obj.Symbols))
	for _, os := range obj.Symbols {
		if !os.Defined() {
			continue
		}
		sec := m.Sections[os.Section]
		sym := &Symbol{
			Name:       os.Name,
			Module:     m.Name,
			Addr:       sec.Base + os.Value,
			Size:       os.Size,
			Visibility: os.Visibility,
			TLS:        sec.Kind.ThreadLocal(),
			owner:      m,
			section:    sec,
		}
		m.Symbols = append(m.Symbols, sym)
		own[os.Name] = sym
	}
	return own
}

// resolveSymbols binds the object's undefined names: within the module
// first, so intra-module references never resolve to an older same-named
// symbol elsewhere, then through lookup. Every missing strong reference is
// collected so one failed load reports the complete set in a single
// UnresolvedSymbolError. Only strong references record a target module; a
// weak holder accepts dangling instead of pinning anything.
func resolveSymbols(lookup func(string) (*Symbol, error), obj *Object, m *Module, own map[string]*Symbol) (*resolution, error) {
	res := &resolution{
		syms: make(map[string]*Symbol, len(obj.Symbols)),
		weak: make(map[string]struct{}),
	}
	for name, sym := range own {
		res.syms[name] = sym
	}

	missing := make(map[string]struct{})
	seen := make(map[*Module]struct{})
	for _, os := range obj.Symbols {
		if os.Defined() {
			continue
		}
		if os.Visibility == VisWeak {
			res.weak[os.Name] = struct{}{}
		}
		if _, ok := res.syms[os.Name]; ok {
			continue
		}
		sym, err := lookup(os.Name)
		if err != nil {
			if os.Visibility == VisWeak {
				continue
			}
			missing[os.Name] = struct{}{}
			continue
		}
		res.syms[os.Name] = sym
		if os.Visibility == VisWeak {
			continue
		}
		if t := sym.owner; t != nil && t != m {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				res.targets = append(res.targets, t)
			}
		}
	}
	if len(missing) > 0 {
		return nil, newUnresolvedSymbolError(missing)
	}

	sort.Slice(res.targets, func(i, j int) bool {
		return res.targets[i].Name < res.targets[j].Name
	})
	return res, nil
}

// linkSymbols is the single-module path: define, then resolve through
// lookup.
func linkSymbols(lookup func(string) (*Symbol, error), obj *Object, m *Module) (*resolution, error) {
	return resolveSymbols(lookup, obj, m, defineSymbols(obj, m))
}
