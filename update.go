// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// UpdateOptions tunes how ApplyUpdate turns a manifest into a swap.
type UpdateOptions struct {
	// ReexportOld keeps the replaced versions' symbol names resolvable,
	// aliased onto their replacements.
	ReexportOld bool
	// Quiesce and Timeout pass through to the swap request.
	Quiesce Quiescence
	Timeout time.Duration
}

// ApplyUpdate fetches one build from src, verifies every file against its
// manifest checksum, and applies it: modified files replace their loaded
// versions and added files load alongside them in a single atomic commit,
// then removed files unload. The swap cache serves files whose checksum
// matches a version unloaded earlier, skipping the fetch.
func (ns *Namespace) ApplyUpdate(ctx context.Context, src UpdateSource, build string, opts UpdateOptions) (*SwapReport, error) {
	mf, err := src.Manifest(ctx, build)
	if err != nil {
		return nil, err
	}
	ns.log.Info("applying update",
		zap.String("namespace", ns.Name),
		zap.String("build", build),
		zap.Int("added", len(mf.Added)),
		zap.Int("modified", len(mf.Modified)),
		zap.Int("removed", len(mf.Removed)))

	files := mf.Files()
	objs := make([]*Object, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range files {
		i, e := i, e
		g.Go(func() error {
			obj, err := ns.fetchObject(gctx, src, build, e)
			if err != nil {
				return err
			}
			objs[i] = obj
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	req := SwapRequest{Transfers: mf.Transfers, Quiesce: opts.Quiesce, Timeout: opts.Timeout}
	for i, obj := range objs {
		entry := SwapEntry{New: obj}
		if i >= len(mf.Added) {
			old, err := ns.oldModuleFor(obj.Name)
			if err != nil {
				return nil, err
			}
			entry.Old = old
			entry.ReexportOld = opts.ReexportOld
		}
		req.Entries = append(req.Entries, entry)
	}
	// A removal-only manifest has nothing to swap.
	report := &SwapReport{ID: uuid.New(), State: SwapCommitted}
	if len(req.Entries) > 0 {
		report, err = ns.Swap(ctx, req)
		if err != nil {
			return report, err
		}
	}

	// Removals come last: by now nothing in the update depends on them.
	for _, f := range mf.Removed {
		_, name := moduleFileParts(f)
		old, err := ns.oldModuleFor(name)
		if errors.Is(err, ErrModuleNotFound) {
			ns.log.Debug("removed file was not loaded", zap.String("file", f))
			continue
		}
		if err != nil {
			return report, err
		}
		if err := ns.Unload(old); err != nil {
			return report, fmt.Errorf("removing %s: %w", old, err)
		}
	}
	ns.log.Info("update applied", zap.String("build", build), zap.String("swap", report.ID.String()))
	return report, nil
}

// fetchObject returns the parsed object for one manifest entry: from the
// swap cache when the checksum still matches, otherwise fetched from src,
// verified and parsed.
func (ns *Namespace) fetchObject(ctx context.Context, src UpdateSource, build string, e ManifestEntry) (*Object, error) {
	typ, name := moduleFileParts(e.File)
	if obj, ok := ns.cacheTake(name); ok {
		if obj.HashString() == e.Checksum {
			ns.log.Debug("update file served from swap cache", zap.String("file", e.File))
			return obj, nil
		}
		ns.cachePut(obj)
	}
	data, err := src.Fetch(ctx, build, e.File)
	if err != nil {
		return nil, err
	}
	if err := e.Verify(data); err != nil {
		return nil, err
	}
	obj, err := ParseObject(name, data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", e.File, err)
	}
	obj.Type = typ
	return obj, nil
}

// moduleFileParts splits an object file name into module type and module
// name, tolerating a missing type prefix and extension.
func moduleFileParts(file string) (ModuleType, string) {
	typ := TypeKernel
	name := file
	if t, _, n, err := ParseModuleFileName(file); err == nil {
		typ, name = t, n
	}
	return typ, strings.TrimSuffix(name, ".o")
}

// oldModuleFor finds the loaded predecessor of an update file: the module
// whose name equals the file's module name with the content hash ignored,
// or uniquely extends it with another hash.
func (ns *Namespace) oldModuleFor(name string) (string, error) {
	base := ModuleNamePrefix(name)
	ns.mu.RLock()
	_, exact := ns.modules[base]
	ns.mu.RUnlock()
	if exact {
		return base, nil
	}
	m, err := ns.localModuleByPrefix(base + moduleHashDelimiter)
	if err == nil {
		return m.Name, nil
	}
	if !errors.Is(err, ErrModuleNotFound) {
		return "", err
	}
	return "", fmt.Errorf("no loaded version of %s: %w", name, ErrModuleNotFound)
}
