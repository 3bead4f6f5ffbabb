// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// defaultArenaBase keeps every default-arena address within the signed
// 32-bit displacement range of every other, so PC-relative relocations
// between modules cannot overflow.
const defaultArenaBase = 0x40000000

// StateTransferFunc moves live state from the modules being replaced to
// their replacements during a swap. olds and news are parallel. When it
// runs, the replacements are fully linked but not yet reachable by name, and
// the replaced modules are still registered; implementations must treat olds
// as read-only, since the swap can still be abandoned after the transfer.
type StateTransferFunc func(ns *Namespace, olds, news []*Module) error

// Namespace holds loaded modules and their exported symbols. Lookups that
// miss locally continue in the parent chain, so a child namespace shadows
// its parent without mutating it.
//
// All methods are safe for concurrent use. Lookups run under a shared lock;
// only registration, unloading and swapping take the exclusive lock.
type Namespace struct {
	// Name identifies the namespace, e.g. "_kernel" or "_applications".
	Name string

	parent *Namespace
	alloc  Allocator
	tls    *TLSTemplate
	log    *zap.Logger

	mu        sync.RWMutex
	modules   map[string]*Module
	symbols   map[string]*Symbol
	transfers map[string]StateTransferFunc
	cache     map[string]*Object
}

// NamespaceOption configures a namespace at construction time.
type NamespaceOption func(*Namespace)

// WithParent chains the new namespace under parent. The parent's allocator,
// thread-local template and logger are inherited unless overridden by other
// options.
func WithParent(parent *Namespace) NamespaceOption {
	return func(ns *Namespace) { ns.parent = parent }
}

// WithAllocator sets the allocator backing module memory.
func WithAllocator(alloc Allocator) NamespaceOption {
	return func(ns *Namespace) { ns.alloc = alloc }
}

// WithTLSTemplate sets the thread-local template new modules reserve slots
// in. Namespaces that share code across a parent chain must share one
// template, which WithParent arranges by default.
func WithTLSTemplate(tls *TLSTemplate) NamespaceOption {
	return func(ns *Namespace) { ns.tls = tls }
}

// WithLogger sets the logger. Defaults to a nop logger.
func WithLogger(log *zap.Logger) NamespaceOption {
	return func(ns *Namespace) { ns.log = log }
}

// NewNamespace returns an empty namespace.
func NewNamespace(name string, opts ...NamespaceOption) *Namespace {
	ns := &Namespace{
		Name:      name,
		modules:   make(map[string]*Module),
		symbols:   make(map[string]*Symbol),
		transfers: make(map[string]StateTransferFunc),
		cache:     make(map[string]*Object),
	}
	for _, opt := range opts {
		opt(ns)
	}
	if ns.parent != nil {
		if ns.alloc == nil {
			ns.alloc = ns.parent.alloc
		}
		if ns.tls == nil {
			ns.tls = ns.parent.tls
		}
		if ns.log == nil {
			ns.log = ns.parent.log
		}
	}
	if ns.alloc == nil {
		ns.alloc = NewArena(defaultArenaBase)
	}
	if ns.tls == nil {
		ns.tls = NewTLSTemplate()
	}
	if ns.log == nil {
		ns.log = zap.NewNop()
	}
	return ns
}

// Parent returns the parent namespace, or nil for a root namespace.
func (ns *Namespace) Parent() *Namespace { return ns.parent }

// Module returns the module with the exact name, searching this namespace
// and then the parent chain.
func (ns *Namespace) Module(name string) (*Module, error) {
	for cur := ns; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		m := cur.modules[name]
		cur.mu.RUnlock()
		if m != nil {
			return m, nil
		}
	}
	return nil, fmt.Errorf("module %s: %w", name, ErrModuleNotFound)
}

// ModuleByPrefix returns the single module whose name starts with prefix.
// The local namespace is searched before the parent chain; within one
// namespace more than one match is an error.
func (ns *Namespace) ModuleByPrefix(prefix string) (*Module, error) {
	for cur := ns; cur != nil; cur = cur.parent {
		m, err := cur.localModuleByPrefix(prefix)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, ErrModuleNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("module prefix %q: %w", prefix, ErrModuleNotFound)
}

// localModuleByPrefix is ModuleByPrefix restricted to this namespace.
func (ns *Namespace) localModuleByPrefix(prefix string) (*Module, error) {
	ns.mu.RLock()
	var match *Module
	var extra string
	for name, m := range ns.modules {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if match != nil {
			extra = name
			break
		}
		match = m
	}
	ns.mu.RUnlock()
	if extra != "" {
		return nil, fmt.Errorf("module prefix %q matches both %s and %s", prefix, match.Name, extra)
	}
	if match == nil {
		return nil, fmt.Errorf("module prefix %q: %w", prefix, ErrModuleNotFound)
	}
	return match, nil
}

// Symbol returns the symbol with the exact name, searching this namespace
// and then the parent chain.
func (ns *Namespace) Symbol(name string) (*Symbol, error) {
	for cur := ns; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		s := cur.symbols[name]
		cur.mu.RUnlock()
		if s != nil {
			return s, nil
		}
	}
	return nil, fmt.Errorf("symbol %s: %w", name, ErrSymbolNotFound)
}

// FuzzySymbol resolves name tolerating content-hash suffixes on either side:
// an exact match wins, otherwise the hash-stripped forms are compared. A
// prefix that matches several distinct hash variants in one namespace is
// ambiguous and rejected.
func (ns *Namespace) FuzzySymbol(name string) (*Symbol, error) {
	want := SymbolNameWithoutHash(name)
	for cur := ns; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		if s, ok := cur.symbols[name]; ok {
			cur.mu.RUnlock()
			return s, nil
		}
		var match *Symbol
		ambiguous := false
		for candidate, s := range cur.symbols {
			if SymbolNameWithoutHash(candidate) != want {
				continue
			}
			if match != nil && match != s {
				ambiguous = true
				break
			}
			match = s
		}
		cur.mu.RUnlock()
		if ambiguous {
			return nil, fmt.Errorf("symbol %s matches multiple hash variants", name)
		}
		if match != nil {
			return match, nil
		}
	}
	return nil, fmt.Errorf("symbol %s: %w", name, ErrSymbolNotFound)
}

// Modules returns the names of the modules loaded in this namespace, sorted.
// The parent chain is not included.
func (ns *Namespace) Modules() []string {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	out := make([]string, 0, len(ns.modules))
	for name := range ns.modules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Symbols returns the names of the symbols exported in this namespace,
// sorted. The parent chain is not included.
func (ns *Namespace) Symbols() []string {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	out := make([]string, 0, len(ns.symbols))
	for name := range ns.symbols {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DefineSymbol registers a symbol that is not backed by a loaded module,
// such as an entry point exported by the host environment. Modules that link
// against it do not hold a reference on anything.
func (ns *Namespace) DefineSymbol(name string, addr, size uint64) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if prev, ok := ns.symbols[name]; ok {
		return &DuplicateSymbolError{Name: name, Module: prev.Module}
	}
	ns.symbols[name] = &Symbol{Name: name, Addr: addr, Size: size, Visibility: VisGlobal}
	return nil
}

// RegisterStateTransfer makes fn available to swaps under the given name.
// Registering again replaces the previous function.
func (ns *Namespace) RegisterStateTransfer(name string, fn StateTransferFunc) {
	ns.mu.Lock()
	ns.transfers[name] = fn
	ns.mu.Unlock()
}

// stateTransfer finds a registered transfer function in this namespace or
// its parent chain.
func (ns *Namespace) stateTransfer(name string) (StateTransferFunc, bool) {
	for cur := ns; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		fn, ok := cur.transfers[name]
		cur.mu.RUnlock()
		if ok {
			return fn, true
		}
	}
	return nil, false
}

// register inserts one fully linked module. Its reference counts on targets
// are committed under the same lock, so that once register returns none of
// the targets can be unloaded out from under the new module. Any target
// unloaded since resolution fails the registration and the namespace is left
// unchanged.
func (ns *Namespace) register(m *Module, targets []*Module) error {
	return ns.registerAll([]*Module{m}, [][]*Module{targets})
}

// registerAll inserts a batch of fully linked modules under one exclusive
// lock: either the whole batch becomes visible together or none of it does.
// targets parallels mods and holds the distinct modules each one strongly
// depends on, batch members included.
func (ns *Namespace) registerAll(mods []*Module, targets [][]*Module) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	stagedNames := make(map[string]struct{}, len(mods))
	staged := make(map[string]string, len(mods)) // global symbol -> staged module
	for _, m := range mods {
		if _, ok := ns.modules[m.Name]; ok {
			return fmt.Errorf("module %s: %w", m.Name, ErrModuleExists)
		}
		if _, ok := stagedNames[m.Name]; ok {
			return fmt.Errorf("module %s appears twice in one batch: %w", m.Name, ErrModuleExists)
		}
		stagedNames[m.Name] = struct{}{}
		for _, s := range m.Symbols {
			if s.Visibility != VisGlobal {
				continue
			}
			// A global collides with a registered global; it displaces a
			// registered weak.
			if prev, ok := ns.symbols[s.Name]; ok && prev.Visibility != VisWeak {
				return &DuplicateSymbolError{Name: s.Name, Module: prev.Module}
			}
			if prevMod, ok := staged[s.Name]; ok {
				return &DuplicateSymbolError{Name: s.Name, Module: prevMod}
			}
			staged[s.Name] = m.Name
		}
	}

	// Take the references before publishing anything. Targets in ancestor
	// namespaces are locked after this one; locks are only ever acquired
	// upward along the parent chain.
	var taken []*Module
	for i, m := range mods {
		for _, t := range targets[i] {
			if err := t.retain(ns); err != nil {
				for _, u := range taken {
					u.releaseRef(ns)
				}
				return fmt.Errorf("dependency of %s: %w", m.Name, err)
			}
			taken = append(taken, t)
		}
	}

	for i, m := range mods {
		ns.modules[m.Name] = m
		for _, s := range m.Symbols {
			switch s.Visibility {
			case VisGlobal:
				ns.symbols[s.Name] = s
			case VisWeak:
				// A weak definition never displaces an existing one.
				if _, ok := ns.symbols[s.Name]; !ok {
					ns.symbols[s.Name] = s
				}
			}
		}
		m.ns = ns
		m.depTargets = targets[i]

		ns.log.Debug("module registered",
			zap.String("namespace", ns.Name),
			zap.String("module", m.Name),
			zap.String("hash", m.HashString()[:12]),
			zap.Int("symbols", len(m.Symbols)),
			zap.Int("dependencies", len(targets[i])))
	}
	return nil
}

// retain bumps the module's reference count, refusing if it was unloaded in
// the meantime. from is the namespace whose lock the caller already holds.
func (m *Module) retain(from *Namespace) error {
	if m.ns != from {
		m.ns.mu.Lock()
		defer m.ns.mu.Unlock()
	}
	if m.destroyed {
		return fmt.Errorf("module %s: %w", m.Name, ErrModuleDestroyed)
	}
	m.refs++
	return nil
}

// releaseRef drops one reference. from is the namespace whose lock the
// caller already holds, or nil.
func (m *Module) releaseRef(from *Namespace) {
	if m.ns != from {
		m.ns.mu.Lock()
		defer m.ns.mu.Unlock()
	}
	if m.refs > 0 {
		m.refs--
	}
}

// Unload removes a module from the namespace, unregisters its global
// symbols, drops its references on its dependencies and releases its memory.
// A module that other modules still strongly depend on is refused with
// ModuleInUseError and nothing changes.
//
// Thread-local slots the module reserved stay allocated; the template only
// grows. Weak edges into the module are left dangling, as their holders
// accepted by making them weak.
func (ns *Namespace) Unload(name string) error {
	ns.mu.Lock()
	m, ok := ns.modules[name]
	if !ok {
		ns.mu.Unlock()
		return fmt.Errorf("module %s: %w", name, ErrModuleNotFound)
	}
	if m.refs > 0 {
		deps := ns.dependentsLocked(name)
		if extra := m.refs - len(deps); extra > 0 {
			deps = append(deps, fmt.Sprintf("%d module(s) in descendant namespaces", extra))
		}
		ns.mu.Unlock()
		return &ModuleInUseError{Name: name, Dependents: deps}
	}

	delete(ns.modules, name)
	for _, s := range m.Symbols {
		if s.Visibility == VisLocal {
			continue
		}
		if cur, ok := ns.symbols[s.Name]; ok && cur == s {
			delete(ns.symbols, s.Name)
		}
	}
	for _, alias := range m.aliases {
		if cur, ok := ns.symbols[alias]; ok && cur.owner == m {
			delete(ns.symbols, alias)
		}
	}
	m.destroyed = true
	targets := m.depTargets
	m.depTargets = nil
	ns.mu.Unlock()

	for _, t := range targets {
		t.releaseRef(nil)
	}
	for c, r := range m.regions {
		if r == nil {
			continue
		}
		m.regions[c] = nil
		if err := ns.alloc.Free(r); err != nil {
			ns.log.Warn("region not released", zap.String("module", name), zap.Error(err))
		}
	}

	ns.log.Debug("module unloaded", zap.String("namespace", ns.Name), zap.String("module", name))
	return nil
}

// dependentsLocked returns the sorted names of modules in this namespace
// holding strong edges into name. Caller holds mu.
func (ns *Namespace) dependentsLocked(name string) []string {
	var out []string
	for _, m := range ns.modules {
		if m.dependsOn(name) {
			out = append(out, m.Name)
		}
	}
	sort.Strings(out)
	return out
}

// dependentModulesLocked is dependentsLocked returning the modules
// themselves, sorted by name. Caller holds mu.
func (ns *Namespace) dependentModulesLocked(name string) []*Module {
	var out []*Module
	for _, m := range ns.modules {
		if m.dependsOn(name) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cachePut stores an unloaded module's object so a later swap back to it can
// skip the fetch. Keyed by object name; a newer object replaces an older one.
func (ns *Namespace) cachePut(obj *Object) {
	ns.mu.Lock()
	ns.cache[obj.Name] = obj
	ns.mu.Unlock()
}

// cacheTake removes and returns the cached object with the given name.
func (ns *Namespace) cacheTake(name string) (*Object, bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	obj, ok := ns.cache[name]
	if ok {
		delete(ns.cache, name)
	}
	return obj, ok
}

// CachedObjects returns the names of objects parked in the swap cache,
// sorted.
func (ns *Namespace) CachedObjects() []string {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	out := make([]string, 0, len(ns.cache))
	for name := range ns.cache {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
