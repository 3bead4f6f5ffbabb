// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import (
	"bytes"
	"compress/zlib"
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
)

// SourceFiles lists the compilation units recorded in an object's debug
// info, one source path per unit, sorted. Objects built without debug info
// yield an empty list.
func SourceFiles(data []byte) ([]string, error) {
	d, err := debugData(data)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, nil
	}

	seen := make(map[string]struct{})
	var files []string
	r := d.Reader()
	for {
		entry, err := r.Next()
		if err != nil {
			return nil, fmt.Errorf("reading debug info: %w", err)
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		name, _ := entry.Val(dwarf.AttrName).(string)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}

// debugData loads DWARF data from whichever format the object is in. A nil
// result with nil error means the object carries no debug info.
func debugData(data []byte) (*dwarf.Data, error) {
	if len(data) < maxMagicBufLen {
		return nil, &MalformedObjectError{Reason: "object shorter than magic", Err: ErrNotEnoughBytesRead}
	}
	magic := data[:maxMagicBufLen]
	switch {
	case bytes.Equal(magic, elfMagic):
		f, err := elf.NewFile(bytes.NewReader(data))
		if err != nil {
			return nil, &MalformedObjectError{Reason: "cannot parse ELF header", Err: err}
		}
		defer f.Close()
		if f.Section(".debug_info") == nil {
			return nil, nil
		}
		return f.DWARF()
	case bytes.Equal(magic, machoMagic64) || bytes.Equal(magic, machoMagic64BE):
		f, err := macho.NewFile(bytes.NewReader(data))
		if err != nil {
			return nil, &MalformedObjectError{Reason: "cannot parse Mach-O header", Err: err}
		}
		defer f.Close()
		return machoDwarf(f)
	}
	return nil, &MalformedObjectError{Reason: "unknown magic bytes", Err: ErrUnsupportedObject}
}

// machoDwarf assembles dwarf.Data from the __DWARF segment the way
// debug/macho would. A nil result means the object has no debug sections.
func machoDwarf(f *macho.File) (*dwarf.Data, error) {
	dwarfSuffix := func(s *types.Section) string {
		switch {
		case strings.HasPrefix(s.Name, "__debug_"):
			return s.Name[8:]
		case strings.HasPrefix(s.Name, "__zdebug_"):
			return s.Name[9:]
		default:
			return ""
		}
	}
	sectionData := func(s *types.Section) ([]byte, error) {
		b, err := s.Data()
		if err != nil && uint64(len(b)) < s.Size {
			return nil, err
		}
		if len(b) >= 12 && string(b[:4]) == "ZLIB" {
			dlen := binary.BigEndian.Uint64(b[4:12])
			dbuf := make([]byte, dlen)
			r, err := zlib.NewReader(bytes.NewBuffer(b[12:]))
			if err != nil {
				return nil, err
			}
			if _, err := io.ReadFull(r, dbuf); err != nil {
				return nil, err
			}
			if err := r.Close(); err != nil {
				return nil, err
			}
			b = dbuf
		}
		return b, nil
	}

	// These are the sections the debug/dwarf package uses. Don't bother
	// loading others.
	var dat = map[string][]byte{"abbrev": nil, "info": nil, "str": nil, "line": nil, "ranges": nil}
	found := false
	for _, s := range f.Sections {
		suffix := dwarfSuffix(s)
		if suffix == "" {
			continue
		}
		if _, ok := dat[suffix]; !ok {
			continue
		}
		b, err := sectionData(s)
		if err != nil {
			return nil, err
		}
		dat[suffix] = b
		found = true
	}
	if !found {
		return nil, nil
	}

	d, err := dwarf.New(dat["abbrev"], nil, nil, dat["info"], dat["line"], nil, dat["ranges"], dat["str"])
	if err != nil {
		return nil, err
	}

	// DWARF4 .debug_types sections and DWARF5 sections.
	for i, s := range f.Sections {
		suffix := dwarfSuffix(s)
		if suffix == "" {
			continue
		}
		if _, ok := dat[suffix]; ok {
			continue
		}
		b, err := sectionData(s)
		if err != nil {
			return nil, err
		}
		if suffix == "types" {
			err = d.AddTypes(fmt.Sprintf("types-%d", i), b)
		} else {
			err = d.AddSection(".debug_"+suffix, b)
		}
		if err != nil {
			return nil, err
		}
	}

	return d, nil
}
