// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Load runs the load pipeline for one parsed object: place its sections,
// resolve its symbols, apply its relocations, register the result. The
// context is checked between stages up to registration; a load canceled
// there releases everything it allocated and leaves no trace. Registration
// itself is not interruptible.
func (ns *Namespace) Load(ctx context.Context, obj *Object) (*Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := place(obj, ns.alloc, ns.tls)
	if err != nil {
		return nil, err
	}
	m := &Module{
		Name:     obj.Name,
		Hash:     obj.Hash,
		Type:     obj.Type,
		Sections: p.sections,
		ns:       ns,
		object:   obj,
		regions:  p.regions,
	}
	fail := func(err error) (*Module, error) {
		p.release(ns.alloc)
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	res, err := linkSymbols(ns.Symbol, obj, m)
	if err != nil {
		return fail(err)
	}
	if err := relocate(m, obj, res); err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if err := ns.register(m, res.targets); err != nil {
		return fail(err)
	}
	return m, nil
}

// LoadFile parses the object module at filePath and loads it.
func (ns *Namespace) LoadFile(ctx context.Context, filePath string) (*Module, error) {
	obj, err := OpenObject(filePath)
	if err != nil {
		return nil, err
	}
	return ns.Load(ctx, obj)
}

// LoadAll loads a batch of objects that may reference each other in any
// direction, cycles included. All placements happen before any resolution,
// so the batch resolves against a staging view of itself plus the namespace
// chain, and registration is one atomic step. On failure nothing is
// registered, every placement is released, and unresolved names are reported
// as the union across the whole batch.
func (ns *Namespace) LoadAll(ctx context.Context, objs []*Object) ([]*Module, error) {
	if len(objs) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mods := make([]*Module, len(objs))
	places := make([]*placement, len(objs))
	releaseAll := func() {
		for _, p := range places {
			if p != nil {
				p.release(ns.alloc)
			}
		}
	}
	for i, obj := range objs {
		p, err := place(obj, ns.alloc, ns.tls)
		if err != nil {
			releaseAll()
			return nil, err
		}
		places[i] = p
		mods[i] = &Module{
			Name:     obj.Name,
			Hash:     obj.Hash,
			Type:     obj.Type,
			Sections: p.sections,
			ns:       ns,
			object:   obj,
			regions:  p.regions,
		}
	}

	// Staging view: every non-local symbol of the batch, with the same
	// precedence rules registration will apply.
	owns := make([]map[string]*Symbol, len(objs))
	staging := make(map[string]*Symbol)
	for i := range objs {
		owns[i] = defineSymbols(objs[i], mods[i])
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
				return nil, &DuplicateSymbolError{Name: name, Module: prev.Module}
			}
			if prev.Visibility == VisWeak && s.Visibility == VisGlobal {
				staging[name] = s
			}
		}
	}
	lookup := func(name string) (*Symbol, error) {
		if s, err := ns.Symbol(name); err == nil {
			return s, nil
		}
		if s, ok := staging[name]; ok {
			return s, nil
		}
		return nil, errors.New("not in batch")
	}

	if err := ctx.Err(); err != nil {
		releaseAll()
		return nil, err
	}
	resolutions := make([]*resolution, len(objs))
	missing := make(map[string]struct{})
	for i := range objs {
		res, err := resolveSymbols(lookup, objs[i], mods[i], owns[i])
		if err != nil {
			var unres *UnresolvedSymbolError
			if !errors.As(err, &unres) {
				releaseAll()
				return nil, err
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
		return nil, newUnresolvedSymbolError(missing)
	}

	// Patching is per-module memory; modules of the batch do not overlap.
	var g errgroup.Group
	for i := range objs {
		i := i
		g.Go(func() error { return relocate(mods[i], objs[i], resolutions[i]) })
	}
	if err := g.Wait(); err != nil {
		releaseAll()
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		releaseAll()
		return nil, err
	}
	targets := make([][]*Module, len(objs))
	for i, res := range resolutions {
		targets[i] = res.targets
	}
	if err := ns.registerAll(mods, targets); err != nil {
		releaseAll()
		return nil, err
	}

	ns.log.Info("batch loaded",
		zap.String("namespace", ns.Name),
		zap.Int("modules", len(mods)))
	return mods, nil
}
