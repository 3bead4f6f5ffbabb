// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cavaliergopher/cpio"
	"github.com/pierrec/lz4/v4"
)

// BootModule is one object module carried by a boot archive.
type BootModule struct {
	// File is the entry name as archived, e.g. "k#frame_allocator-3c9a.o".
	File string
	// Type and Qualifier come from the file name prefix; the qualifier
	// routes the module into a specialized namespace.
	Type      ModuleType
	Qualifier string
	// Name is the module name, without prefix and extension.
	Name string
	// Data is the raw object file.
	Data []byte
}

// BootArchive is the set of object modules a system starts from, plus
// whatever extra files the build bundled along.
type BootArchive struct {
	Modules []*BootModule
	// Extra maps non-module entries by their decoded path: the archive
	// format is flat, directory structure is encoded into entry names.
	Extra map[string][]byte
}

// ReadBootArchive parses an lz4-compressed cpio archive. Entries whose name
// carries a module type prefix become modules; everything else lands in
// Extra.
func ReadBootArchive(r io.Reader) (*BootArchive, error) {
	ar := &BootArchive{Extra: make(map[string][]byte)}
	cr := cpio.NewReader(lz4.NewReader(r))
	for {
		hdr, err := cr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("boot archive: %w", err)
		}
		if !hdr.Mode.IsRegular() {
			continue
		}
		entry := strings.TrimPrefix(hdr.Name, "./")
		data := make([]byte, hdr.Size)
		if _, err := io.ReadFull(cr, data); err != nil {
			return nil, fmt.Errorf("boot archive entry %s: %w", entry, ErrNotEnoughBytesRead)
		}
		typ, qualifier, rest, err := ParseModuleFileName(entry)
		if err != nil {
			ar.Extra[decodePath(entry)] = data
			continue
		}
		ar.Modules = append(ar.Modules, &BootModule{
			File:      entry,
			Type:      typ,
			Qualifier: qualifier,
			Name:      strings.TrimSuffix(rest, ".o"),
			Data:      data,
		})
	}
	return ar, nil
}

// OpenBootArchive reads the boot archive at filePath.
func OpenBootArchive(filePath string) (*BootArchive, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadBootArchive(f)
}

// ModulesByType returns the archive's modules of one type, in archive
// order.
func (a *BootArchive) ModulesByType(t ModuleType) []*BootModule {
	var out []*BootModule
	for _, m := range a.Modules {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// Module returns the archived module with the given name, hash suffix
// ignored on both sides.
func (a *BootArchive) Module(name string) (*BootModule, error) {
	want := ModuleNamePrefix(name)
	for _, m := range a.Modules {
		if ModuleNamePrefix(m.Name) == want {
			return m, nil
		}
	}
	return nil, fmt.Errorf("boot module %s: %w", name, ErrModuleNotFound)
}

// LoadBootArchive parses every archived module of the given type and loads
// them as one batch, so boot modules may depend on each other in any order.
func (ns *Namespace) LoadBootArchive(ctx context.Context, ar *BootArchive, typ ModuleType) ([]*Module, error) {
	var objs []*Object
	for _, bm := range ar.Modules {
		if bm.Type != typ {
			continue
		}
		obj, err := ParseObject(bm.Name, bm.Data)
		if err != nil {
			return nil, fmt.Errorf("boot module %s: %w", bm.File, err)
		}
		obj.Type = bm.Type
		objs = append(objs, obj)
	}
	return ns.LoadAll(ctx, objs)
}
