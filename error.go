// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotEnoughBytesRead is returned if a read call returned less bytes than what is needed.
	ErrNotEnoughBytesRead = errors.New("not enough bytes read")
	// ErrUnsupportedObject is returned if the object file format is unsupported.
	ErrUnsupportedObject = errors.New("unsupported object file")
	// ErrSectionDoesNotExist is returned when accessing a section that does not exist.
	ErrSectionDoesNotExist = errors.New("section does not exist")
	// ErrSymbolNotFound is returned when a symbol lookup misses in the
	// namespace and its whole parent chain.
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrModuleNotFound is returned when a module name or prefix does not
	// match any loaded module.
	ErrModuleNotFound = errors.New("module not found")
	// ErrModuleExists is returned when registering a module whose name is
	// already taken in the namespace.
	ErrModuleExists = errors.New("module already loaded")
	// ErrModuleDestroyed is returned when operating on a module that has
	// already been unloaded.
	ErrModuleDestroyed = errors.New("module has been destroyed")
	// ErrBadManifest is returned for update manifests that do not follow the
	// line format described in the package documentation.
	ErrBadManifest = errors.New("malformed update manifest")
	// ErrBuildNotFound is returned by update sources when the requested
	// update build does not exist.
	ErrBuildNotFound = errors.New("update build not found")
	// ErrStateTransferNotRegistered is returned when a manifest names a
	// state-transfer function that no one registered on the namespace.
	ErrStateTransferNotRegistered = errors.New("state-transfer function not registered")
	// ErrVerifyMismatch is returned by Verify when a patch site read back
	// from memory does not match its recorded relocation.
	ErrVerifyMismatch = errors.New("patch site does not match recorded relocation")
)

// MalformedObjectError is returned by the object parser for truncated
// headers, unsupported section layouts, and structurally invalid symbol or
// relocation records.
type MalformedObjectError struct {
	// Reason describes what was wrong with the object.
	Reason string
	// Err holds the underlying parser error, if any.
	Err error
}

func (e *MalformedObjectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed object: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed object: %s", e.Reason)
}

func (e *MalformedObjectError) Unwrap() error { return e.Err }

// AllocationError is returned when the memory allocator cannot satisfy a
// section region request. All regions already allocated for the failed load
// have been released by the time the error is returned.
type AllocationError struct {
	Size  uint64
	Align uint64
	Err   error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("cannot allocate %#x bytes (align %#x): %v", e.Size, e.Align, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// UnresolvedSymbolError is returned when one or more symbol references
// cannot be resolved. Names holds every missing name found during the load,
// sorted, so a single failed load reports all of its missing dependencies.
type UnresolvedSymbolError struct {
	Names []string
}

func (e *UnresolvedSymbolError) Error() string {
	return fmt.Sprintf("unresolved symbols: %s", strings.Join(e.Names, ", "))
}

func newUnresolvedSymbolError(names map[string]struct{}) *UnresolvedSymbolError {
	list := make([]string, 0, len(names))
	for n := range names {
		list = append(list, n)
	}
	sort.Strings(list)
	return &UnresolvedSymbolError{Names: list}
}

// UnsupportedRelocationKindError is returned by the relocator when an entry
// uses a relocation kind outside the supported set. The load is aborted.
type UnsupportedRelocationKindError struct {
	Kind    RelocKind
	Section string
}

func (e *UnsupportedRelocationKindError) Error() string {
	return fmt.Sprintf("unsupported relocation kind %v in section %s", e.Kind, e.Section)
}

// RelocationOverflowError is returned when a computed relocation value does
// not fit in the patch site, e.g. a PC-relative displacement outside the
// signed 32-bit range.
type RelocationOverflowError struct {
	Section string
	Offset  uint64
	Value   int64
}

func (e *RelocationOverflowError) Error() string {
	return fmt.Sprintf("relocation at %s+%#x overflows patch site: value %#x", e.Section, e.Offset, e.Value)
}

// DuplicateSymbolError is returned by the registrar when a module defines a
// global symbol whose name already exists in the namespace. The namespace is
// left unchanged.
type DuplicateSymbolError struct {
	Name   string
	Module string // module already defining the name
}

func (e *DuplicateSymbolError) Error() string {
	return fmt.Sprintf("duplicate global symbol %s already defined by module %s", e.Name, e.Module)
}

// ModuleInUseError is returned when unloading a module that other modules
// still reference. The unload is refused and nothing is mutated.
type ModuleInUseError struct {
	Name       string
	Dependents []string
}

func (e *ModuleInUseError) Error() string {
	return fmt.Sprintf("module %s is in use by: %s", e.Name, strings.Join(e.Dependents, ", "))
}

// ChecksumMismatchError is returned when an update file's content hash does
// not match the checksum recorded in the manifest.
type ChecksumMismatchError struct {
	File string
	Want string
	Got  string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: manifest %s, content %s", e.File, e.Want, e.Got)
}

// StateTransferError is returned when the state-transfer step of a swap
// fails, either because the named function is not registered or because the
// function itself returned an error.
type StateTransferError struct {
	Name string
	Err  error
}

func (e *StateTransferError) Error() string {
	return fmt.Sprintf("state transfer %s failed: %v", e.Name, e.Err)
}

func (e *StateTransferError) Unwrap() error { return e.Err }

// SwapTimeoutError is returned when a committed swap gives up waiting for
// the replaced modules to quiesce. The new modules stay live; the old
// modules' memory is intentionally not freed.
type SwapTimeoutError struct {
	Modules []string
	Waited  time.Duration
}

func (e *SwapTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %v waiting for quiescence of: %s", e.Waited, strings.Join(e.Modules, ", "))
}
