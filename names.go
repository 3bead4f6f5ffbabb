// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import (
	"fmt"
	"strings"
)

// Delimiters used by module object file names.
const (
	// modulePrefixDelimiter separates the type prefix from the module name,
	// e.g. "k#scheduler-9f2c.o".
	modulePrefixDelimiter = "#"
	// moduleHashDelimiter separates the module name from its content hash
	// suffix.
	moduleHashDelimiter = "-"
	// symbolHashDelimiter separates a symbol name from its content hash
	// suffix, e.g. "sched::pick_next::h1a2b3c".
	symbolHashDelimiter = "::h"
	// pathDelimiter encodes directory structure in flat archive entry
	// names, e.g. "extra!fonts!mono.sfn".
	pathDelimiter = "!"
)

// ModuleType classifies a module object file by the type prefix of its file
// name.
type ModuleType uint8

const (
	// TypeKernel modules provide core system functionality and load into a
	// kernel namespace.
	TypeKernel ModuleType = iota
	// TypeApplication modules load on demand into application namespaces.
	TypeApplication
	// TypeUserspace modules are reserved for future user-level loading.
	TypeUserspace
	// TypeExecutable modules are fully linked single-file programs.
	TypeExecutable
)

func (t ModuleType) String() string {
	switch t {
	case TypeKernel:
		return "kernel"
	case TypeApplication:
		return "application"
	case TypeUserspace:
		return "userspace"
	case TypeExecutable:
		return "executable"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

func (t ModuleType) prefix() string {
	switch t {
	case TypeKernel:
		return "k"
	case TypeApplication:
		return "a"
	case TypeUserspace:
		return "u"
	case TypeExecutable:
		return "e"
	}
	return "?"
}

// DefaultNamespace returns the conventional namespace name for modules of
// this type.
func (t ModuleType) DefaultNamespace() string {
	switch t {
	case TypeKernel:
		return "_kernel"
	case TypeApplication:
		return "_applications"
	case TypeUserspace:
		return "_userspace"
	case TypeExecutable:
		return "_executables"
	}
	return "_unknown"
}

// ParseModuleFileName splits a module object file name of the form
// "<type-prefix>[qualifier]#<name>" into its parts. The qualifier selects a
// specialized namespace, e.g. "ksse#mod.o" is a kernel module for the "sse"
// namespace. The name keeps its extension and hash suffix.
func ParseModuleFileName(fileName string) (typ ModuleType, qualifier, name string, err error) {
	prefix, rest, found := strings.Cut(fileName, modulePrefixDelimiter)
	if !found {
		return 0, "", "", fmt.Errorf("no %q delimiter in module file name %q", modulePrefixDelimiter, fileName)
	}
	if strings.Contains(rest, modulePrefixDelimiter) {
		return 0, "", "", fmt.Errorf("more than one %q delimiter in module file name %q", modulePrefixDelimiter, fileName)
	}
	if prefix == "" || rest == "" {
		return 0, "", "", fmt.Errorf("empty prefix or name in module file name %q", fileName)
	}
	for _, t := range []ModuleType{TypeKernel, TypeApplication, TypeUserspace, TypeExecutable} {
		if strings.HasPrefix(prefix, t.prefix()) {
			return t, prefix[1:], rest, nil
		}
	}
	return 0, "", "", fmt.Errorf("unknown type prefix %q in module file name %q", prefix, fileName)
}

// ModuleFileName builds a module object file name from its parts, the
// inverse of ParseModuleFileName.
func ModuleFileName(typ ModuleType, qualifier, name string) string {
	return typ.prefix() + qualifier + modulePrefixDelimiter + name
}

// ModuleNamePrefix returns the module name with its content hash suffix and
// file extension removed, usable as a prefix to match other versions of the
// same module. "scheduler-9f2c.o" becomes "scheduler".
func ModuleNamePrefix(name string) string {
	name = strings.TrimSuffix(name, ".o")
	base, _, _ := strings.Cut(name, moduleHashDelimiter)
	return base
}

// SymbolNameWithoutHash returns the symbol name with a trailing content hash
// suffix removed, or the name unchanged if it carries none.
// "sched::pick_next::h1a2b3c" becomes "sched::pick_next".
func SymbolNameWithoutHash(name string) string {
	i := strings.LastIndex(name, symbolHashDelimiter)
	if i < 0 {
		return name
	}
	suffix := name[i+len(symbolHashDelimiter):]
	if suffix == "" || !isHex(suffix) {
		return name
	}
	return name[:i]
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// decodePath converts a flat archive entry name into a slash-separated path
// by replacing the reserved path delimiter: "extra!fonts!mono.sfn" becomes
// "extra/fonts/mono.sfn".
func decodePath(name string) string {
	return strings.ReplaceAll(name, pathDelimiter, "/")
}
