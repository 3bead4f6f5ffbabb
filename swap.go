// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultSwapTimeout bounds the post-commit quiescence wait when the request
// does not set its own.
const DefaultSwapTimeout = 10 * time.Second

// SwapState tracks how far a swap has progressed.
type SwapState uint8

const (
	// SwapFetched: the replacement objects are parsed and validated.
	SwapFetched SwapState = iota
	// SwapShadowLoaded: replacements are placed in memory, invisible to
	// lookups.
	SwapShadowLoaded
	// SwapReresolved: replacements are fully linked, against the namespace
	// and against each other.
	SwapReresolved
	// SwapStateTransferred: carried-over data and state-transfer functions
	// have run.
	SwapStateTransferred
	// SwapCommitted: the namespace atomically dropped the old modules,
	// registered the new ones and rebound every dependent. The point of no
	// return.
	SwapCommitted
	// SwapOldQuiescent: no core executes replaced code anymore.
	SwapOldQuiescent
	// SwapOldFreed: replaced module memory is released and the old objects
	// are parked in the swap cache.
	SwapOldFreed
)

func (s SwapState) String() string {
	switch s {
	case SwapFetched:
		return "fetched"
	case SwapShadowLoaded:
		return "shadow-loaded"
	case SwapReresolved:
		return "re-resolved"
	case SwapStateTransferred:
		return "state-transferred"
	case SwapCommitted:
		return "committed"
	case SwapOldQuiescent:
		return "old-quiescent"
	case SwapOldFreed:
		return "old-freed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// SwapEntry is one module replacement of a swap request.
type SwapEntry struct {
	// Old is the name, or unique prefix, of the loaded module to replace.
	// Empty for a pure addition: the object loads as part of the swap's
	// atomic commit without replacing anything.
	Old string
	// New is the parsed replacement object.
	New *Object
	// ReexportOld additionally publishes the replacement's symbols under
	// the old module's symbol names, so objects compiled against the old
	// version keep resolving.
	ReexportOld bool
}

// SwapRequest describes an atomic exchange of loaded modules against new
// versions.
type SwapRequest struct {
	Entries []SwapEntry
	// Transfers names registered state-transfer functions to run, in
	// order, after linking and before commit.
	Transfers []string
	// Quiesce gates old-memory reclamation after commit. Defaults to
	// NopQuiescence.
	Quiesce Quiescence
	// Timeout bounds the quiescence wait. Defaults to DefaultSwapTimeout.
	Timeout time.Duration
}

// SwapReport describes how far a swap came and what it touched.
type SwapReport struct {
	ID       uuid.UUID
	State    SwapState
	Replaced []string
	Loaded   []string
	Duration time.Duration
}

// Swap replaces loaded modules with new versions while their dependents stay
// loaded: every dependent patch site that pointed into a replaced module is
// rebound to the replacement's counterpart symbol, matched by exact name
// first and with content hashes ignored second.
//
// Any failure before SwapCommitted is fully recoverable: the namespace is
// untouched and all shadow memory is released. After commit the new modules
// stay live no matter what; if the replaced modules do not quiesce within
// the timeout, their memory is intentionally retained and a
// SwapTimeoutError is returned alongside the report.
func (ns *Namespace) Swap(ctx context.Context, req SwapRequest) (*SwapReport, error) {
	start := time.Now()
	report := &SwapReport{ID: uuid.New(), State: SwapFetched}
	finish := func(err error) (*SwapReport, error) {
		report.Duration = time.Since(start)
		return report, err
	}

	if len(req.Entries) == 0 {
		return finish(errors.New("swap request has no entries"))
	}
	quiesce := req.Quiesce
	if quiesce == nil {
		quiesce = NopQuiescence{}
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultSwapTimeout
	}
	log := ns.log.With(
		zap.String("swap", report.ID.String()),
		zap.String("namespace", ns.Name))

	// Pin down the old modules. Prefix matching never reaches the parent
	// chain: a swap only ever rewrites its own namespace.
	olds := make([]*Module, len(req.Entries))
	seen := make(map[*Module]struct{})
	for i, e := range req.Entries {
		if e.New == nil {
			return finish(fmt.Errorf("swap entry %d (%q) has no replacement object", i, e.Old))
		}
		if e.Old == "" {
			if e.ReexportOld {
				return finish(fmt.Errorf("swap entry %d: re-export without an old module", i))
			}
			report.Loaded = append(report.Loaded, e.New.Name)
			continue
		}
		m, err := ns.localModuleByPrefix(e.Old)
		if err != nil {
			return finish(err)
		}
		if _, dup := seen[m]; dup {
			return finish(fmt.Errorf("module %s appears twice in swap request", m.Name))
		}
		seen[m] = struct{}{}
		olds[i] = m
		report.Replaced = append(report.Replaced, m.Name)
		report.Loaded = append(report.Loaded, e.New.Name)
	}
	log.Info("swap started",
		zap.Strings("replacing", report.Replaced),
		zap.Strings("loading", report.Loaded))

	// Shadow load: placed and defined, visible to nothing.
	news := make([]*Module, len(req.Entries))
	places := make([]*placement, len(req.Entries))
	owns := make([]map[string]*Symbol, len(req.Entries))
	releaseAll := func() {
		for _, p := range places {
			if p != nil {
				p.release(ns.alloc)
			}
		}
	}
	for i, e := range req.Entries {
		p, err := place(e.New, ns.alloc, ns.tls)
		if err != nil {
			releaseAll()
			return finish(err)
		}
		places[i] = p
		news[i] = &Module{
			Name:     e.New.Name,
			Hash:     e.New.Hash,
			Type:     e.New.Type,
			Sections: p.sections,
			ns:       ns,
			object:   e.New,
			regions:  p.regions,
		}
		owns[i] = defineSymbols(e.New, news[i])
	}
	report.State = SwapShadowLoaded

	oldToNew := make(map[*Module]*Module)
	for i, old := range olds {
		if old != nil {
			oldToNew[old] = news[i]
		}
	}

	// Batch staging view for re-resolution. References that would land in
	// a replaced module are redirected into the batch, hash-insensitively
	// when the exact name moved.
	staging := make(map[string]*Symbol)
	for i := range owns {
		for name, s := range owns[i] {
			if s.Visibility == VisLocal {
				continue
			}
			prev, ok := staging[name]
			if !ok {
				staging[name] = s
				continue
			}
			if s.Visibility == VisGlobal && prev.Visibility == VisGlobal {
				releaseAll()
				return finish(&DuplicateSymbolError{Name: name, Module: prev.Module})
			}
			if prev.Visibility == VisWeak && s.Visibility == VisGlobal {
				staging[name] = s
			}
		}
	}
	fuzzyStaging := func(name string) *Symbol {
		want := SymbolNameWithoutHash(name)
		var match *Symbol
		for n, s := range staging {
			if SymbolNameWithoutHash(n) != want {
				continue
			}
			if match != nil && match != s {
				return nil
			}
			match = s
		}
		return match
	}
	lookup := func(name string) (*Symbol, error) {
		if s, ok := staging[name]; ok {
			return s, nil
		}
		s, err := ns.Symbol(name)
		if err == nil {
			if owner := s.owner; owner != nil && oldToNew[owner] != nil {
				if alt := fuzzyStaging(name); alt != nil {
					return alt, nil
				}
				return nil, fmt.Errorf("symbol %s leaves with module %s", name, owner.Name)
			}
			return s, nil
		}
		if alt := fuzzyStaging(name); alt != nil {
			return alt, nil
		}
		return nil, err
	}

	resolutions := make([]*resolution, len(req.Entries))
	missing := make(map[string]struct{})
	for i, e := range req.Entries {
		res, err := resolveSymbols(lookup, e.New, news[i], owns[i])
		if err != nil {
			var unres *UnresolvedSymbolError
			if !errors.As(err, &unres) {
				releaseAll()
				return finish(err)
			}
			for _, n := range unres.Names {
				missing[n] = struct{}{}
			}
			continue
		}
		resolutions[i] = res
	}
	if len(missing) > 0 {
		releaseAll()
		return finish(newUnresolvedSymbolError(missing))
	}
	for i, e := range req.Entries {
		if err := relocate(news[i], e.New, resolutions[i]); err != nil {
			releaseAll()
			return finish(err)
		}
	}
	report.State = SwapReresolved

	// Mutable data travels to the replacement before the transfer
	// functions run, so they only need to touch what changed shape.
	for i, old := range olds {
		if old != nil {
			carryOverData(old, news[i])
		}
	}
	for _, name := range req.Transfers {
		fn, ok := ns.stateTransfer(name)
		if !ok {
			releaseAll()
			return finish(&StateTransferError{Name: name, Err: ErrStateTransferNotRegistered})
		}
		if err := fn(ns, olds, news); err != nil {
			releaseAll()
			return finish(&StateTransferError{Name: name, Err: err})
		}
	}
	report.State = SwapStateTransferred

	if err := ctx.Err(); err != nil {
		releaseAll()
		return finish(err)
	}
	if err := ns.commitSwap(req, olds, news, resolutions); err != nil {
		releaseAll()
		return finish(err)
	}
	report.State = SwapCommitted
	log.Info("swap committed", zap.Strings("replaced", report.Replaced))

	// The replaced code may still be on some core's stack. Reclamation
	// waits, bounded; on timeout the memory is retained on purpose.
	waitStart := time.Now()
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := quiesce.Wait(wctx); err != nil {
		terr := &SwapTimeoutError{Modules: report.Replaced, Waited: time.Since(waitStart)}
		log.Error("replaced modules did not quiesce, memory retained",
			zap.Stringer("state", report.State), zap.Error(terr))
		return finish(terr)
	}
	report.State = SwapOldQuiescent

	for _, old := range olds {
		if old == nil {
			continue
		}
		ns.cachePut(old.object)
		for c, r := range old.regions {
			if r == nil {
				continue
			}
			old.regions[c] = nil
			if err := ns.alloc.Free(r); err != nil {
				log.Warn("old region not released", zap.String("module", old.Name), zap.Error(err))
			}
		}
	}
	report.State = SwapOldFreed
	log.Info("swap complete", zap.Duration("took", time.Since(start)))
	return finish(nil)
}

// carryOverData copies each mutable section's current contents from the
// replaced module into the same-named, same-sized section of its
// replacement, then re-applies the replacement's patches so rebound sites
// keep their new values.
func carryOverData(from, to *Module) {
	for _, dst := range to.Sections {
		if dst.Kind != KindData && dst.Kind != KindBss {
			continue
		}
		src, err := from.Section(dst.Name)
		if err != nil || src.Kind != dst.Kind || src.Size != dst.Size {
			continue
		}
		if dst.bytes == nil || src.bytes == nil {
			continue
		}
		copy(dst.bytes, src.bytes)
		for _, p := range dst.applied {
			_ = applyReloc(dst, p.rel, p.sym)
		}
	}
}

// edgeEdit schedules one dependent edge for rebinding. A nil sym drops a
// weak edge whose counterpart vanished; its site keeps the stale address,
// the same dangling a weak holder accepts across an unload.
type edgeEdit struct {
	idx int
	sym *Symbol
}

// commitSwap is the atomic exchange. It validates everything first and
// mutates nothing until no step can fail anymore; an error return means the
// namespace is exactly as before. The caller releases shadow placements on
// error and owns old-memory reclamation on success.
func (ns *Namespace) commitSwap(req SwapRequest, olds, news []*Module, resolutions []*resolution) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	oldToNew := make(map[*Module]*Module)
	for i, old := range olds {
		if old != nil {
			oldToNew[old] = news[i]
		}
	}

	// Plan: the old modules must still be exactly the ones pinned down,
	// with no dependents this namespace cannot see.
	for _, old := range olds {
		if old == nil {
			continue
		}
		if ns.modules[old.Name] != old || old.destroyed {
			return fmt.Errorf("module %s: %w", old.Name, ErrModuleDestroyed)
		}
		if local := len(ns.dependentsLocked(old.Name)); old.refs > local {
			return &ModuleInUseError{
				Name:       old.Name,
				Dependents: []string{fmt.Sprintf("%d module(s) in descendant namespaces", old.refs-local)},
			}
		}
	}

	// Plan: new names and globals must be free once the old ones leave.
	newNames := make(map[string]struct{}, len(news))
	for _, nm := range news {
		if _, dup := newNames[nm.Name]; dup {
			return fmt.Errorf("module %s appears twice in swap request: %w", nm.Name, ErrModuleExists)
		}
		newNames[nm.Name] = struct{}{}
		if cur, ok := ns.modules[nm.Name]; ok && oldToNew[cur] == nil {
			return fmt.Errorf("module %s: %w", nm.Name, ErrModuleExists)
		}
	}
	newGlobals := make(map[string]string)
	for _, nm := range news {
		for _, s := range nm.Symbols {
			if s.Visibility != VisGlobal {
				continue
			}
			if prevMod, ok := newGlobals[s.Name]; ok {
				return &DuplicateSymbolError{Name: s.Name, Module: prevMod}
			}
			newGlobals[s.Name] = nm.Name
			cur, ok := ns.symbols[s.Name]
			if !ok || cur.Visibility == VisWeak {
				continue
			}
			if owner := cur.owner; owner == nil || oldToNew[owner] == nil {
				return &DuplicateSymbolError{Name: s.Name, Module: cur.Module}
			}
		}
	}

	// Plan: take the new modules' own references. Reversible until apply.
	var taken []*Module
	rollback := func() {
		for _, t := range taken {
			t.releaseRef(ns)
		}
	}
	for i, nm := range news {
		for _, t := range resolutions[i].targets {
			if err := t.retain(ns); err != nil {
				rollback()
				return fmt.Errorf("dependency of %s: %w", nm.Name, err)
			}
			taken = append(taken, t)
		}
	}

	// Plan: every dependent site that points into a replaced module needs
	// a counterpart in the replacement, and the rebound value must fit the
	// site. Missing strong counterparts are reported all at once.
	exported := make(map[*Module]map[string]*Symbol, len(news))
	for _, nm := range news {
		em := make(map[string]*Symbol)
		for _, s := range nm.Symbols {
			if s.Visibility != VisLocal {
				em[s.Name] = s
			}
		}
		exported[nm] = em
	}
	counterpart := func(nm *Module, name string) *Symbol {
		em := exported[nm]
		if s, ok := em[name]; ok {
			return s
		}
		want := SymbolNameWithoutHash(name)
		var match *Symbol
		for n, s := range em {
			if SymbolNameWithoutHash(n) != want {
				continue
			}
			if match != nil && match != s {
				return nil
			}
			match = s
		}
		return match
	}

	type depPlan struct {
		mod   *Module
		edits []edgeEdit
	}
	var plans []depPlan
	unresolved := make(map[string]struct{})
	for _, m := range ns.modules {
		if oldToNew[m] != nil {
			continue
		}
		var edits []edgeEdit
		for ei := range m.Dependencies {
			d := &m.Dependencies[ei]
			tm, ok := ns.modules[d.Module]
			if !ok {
				continue
			}
			nm := oldToNew[tm]
			if nm == nil {
				continue
			}
			cs := counterpart(nm, d.Symbol)
			if cs == nil {
				if d.Weak {
					edits = append(edits, edgeEdit{idx: ei, sym: nil})
					continue
				}
				unresolved[d.Symbol] = struct{}{}
				continue
			}
			if _, err := relocCompute(m.Sections[d.Section], d.Reloc, cs); err != nil {
				rollback()
				return err
			}
			edits = append(edits, edgeEdit{idx: ei, sym: cs})
		}
		if len(edits) > 0 {
			plans = append(plans, depPlan{mod: m, edits: edits})
		}
	}
	if len(unresolved) > 0 {
		rollback()
		return newUnresolvedSymbolError(unresolved)
	}

	// Apply: the point of no return. Nothing below can fail.
	for _, old := range olds {
		if old == nil {
			continue
		}
		delete(ns.modules, old.Name)
		for _, s := range old.Symbols {
			if s.Visibility == VisLocal {
				continue
			}
			if cur, ok := ns.symbols[s.Name]; ok && cur == s {
				delete(ns.symbols, s.Name)
			}
		}
		for _, alias := range old.aliases {
			if cur, ok := ns.symbols[alias]; ok && cur.owner == old {
				delete(ns.symbols, alias)
			}
		}
		old.destroyed = true
	}

	for i, nm := range news {
		ns.modules[nm.Name] = nm
		for _, s := range nm.Symbols {
			switch s.Visibility {
			case VisGlobal:
				ns.symbols[s.Name] = s
			case VisWeak:
				if _, ok := ns.symbols[s.Name]; !ok {
					ns.symbols[s.Name] = s
				}
			}
		}
		nm.depTargets = resolutions[i].targets
	}

	// Re-exports: the old version's names stay resolvable, aliased onto
	// the replacement.
	for i, e := range req.Entries {
		if !e.ReexportOld || olds[i] == nil {
			continue
		}
		nm := news[i]
		for _, s := range olds[i].Symbols {
			if s.Visibility != VisGlobal {
				continue
			}
			cs := counterpart(nm, s.Name)
			if cs == nil {
				ns.log.Warn("old symbol has no counterpart to re-export",
					zap.String("symbol", s.Name), zap.String("module", nm.Name))
				continue
			}
			if cs.Name == s.Name {
				continue
			}
			if _, exists := ns.symbols[s.Name]; exists {
				continue
			}
			ns.symbols[s.Name] = cs
			nm.aliases = append(nm.aliases, s.Name)
		}
	}

	// Rebind dependents: patch sites and edge records.
	for _, p := range plans {
		var dropped map[int]struct{}
		for _, e := range p.edits {
			d := &p.mod.Dependencies[e.idx]
			if e.sym == nil {
				if dropped == nil {
					dropped = make(map[int]struct{})
				}
				dropped[e.idx] = struct{}{}
				continue
			}
			sec := p.mod.Sections[d.Section]
			_ = applyReloc(sec, d.Reloc, e.sym)
			if rec := sec.patchAt(d.Reloc.Offset); rec != nil {
				rec.sym = e.sym
			}
			d.Symbol = e.sym.Name
			d.Module = e.sym.Module
		}
		if dropped != nil {
			kept := p.mod.Dependencies[:0]
			for i := range p.mod.Dependencies {
				if _, gone := dropped[i]; !gone {
					kept = append(kept, p.mod.Dependencies[i])
				}
			}
			p.mod.Dependencies = kept
		}
	}

	// Reference counts follow the surviving edges: a holder re-pins a
	// replacement only while at least one of its edges still lands there.
	for _, m := range ns.modules {
		if len(m.depTargets) == 0 {
			continue
		}
		var edged map[string]struct{}
		kept := m.depTargets[:0]
		for _, t := range m.depTargets {
			nm := oldToNew[t]
			if nm == nil {
				kept = append(kept, t)
				continue
			}
			if edged == nil {
				edged = make(map[string]struct{}, len(m.Dependencies))
				for i := range m.Dependencies {
					edged[m.Dependencies[i].Module] = struct{}{}
				}
			}
			if _, ok := edged[nm.Name]; ok {
				nm.refs++
				kept = append(kept, nm)
			}
		}
		m.depTargets = kept
	}

	// The replaced modules no longer hold anything.
	for _, old := range olds {
		if old == nil {
			continue
		}
		for _, t := range old.depTargets {
			if oldToNew[t] != nil {
				continue
			}
			t.releaseRef(ns)
		}
		old.depTargets = nil
		old.refs = 0
	}
	return nil
}
