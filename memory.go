// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import (
	"fmt"
	"sync"
)

// Perm is a memory permission bitmask.
type Perm uint8

const (
	PermR Perm = 1 << iota
	PermW
	PermX
)

func (p Perm) String() string {
	b := []byte("---")
	if p&PermR != 0 {
		b[0] = 'r'
	}
	if p&PermW != 0 {
		b[1] = 'w'
	}
	if p&PermX != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Region is one allocated span of the shared address space. Base is the
// virtual address the allocator assigned; Bytes is the backing memory.
type Region struct {
	Base  uint64
	Bytes []byte
	Perm  Perm
}

// Size returns the region length in bytes.
func (r *Region) Size() uint64 { return uint64(len(r.Bytes)) }

// Contains reports whether addr falls inside the region.
func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Base && addr-r.Base < r.Size()
}

// slice returns the length bytes at the given virtual address.
func (r *Region) slice(addr, length uint64) ([]byte, error) {
	if addr < r.Base || addr-r.Base+length > r.Size() {
		return nil, fmt.Errorf("range %#x+%#x outside region %#x+%#x", addr, length, r.Base, r.Size())
	}
	off := addr - r.Base
	return r.Bytes[off : off+length : off+length], nil
}

// Allocator is the virtual-memory collaborator. The loader requests one
// region per permission class per module and returns regions on unload or
// failed loads. Implementations must be safe for concurrent use.
type Allocator interface {
	// Alloc returns a region of at least size bytes whose base address is a
	// multiple of align.
	Alloc(size, align uint64, perm Perm) (*Region, error)
	// Free releases a region obtained from Alloc.
	Free(r *Region) error
}

// Arena is the built-in Allocator: a bump allocator handing out addresses
// from a simulated flat address space. Addresses are deterministic for a
// fixed allocation order, which the tests and the verification pass rely
// on. Freed regions are not reused.
type Arena struct {
	mu   sync.Mutex
	next uint64
	live map[uint64]*Region
}

// arenaGap separates consecutive regions so an out-of-bounds write into one
// region can never silently alias the next.
const arenaGap = 0x1000

// NewArena returns an Arena whose first region is placed at base.
func NewArena(base uint64) *Arena {
	return &Arena{next: base, live: make(map[uint64]*Region)}
}

// Alloc implements Allocator.
func (a *Arena) Alloc(size, align uint64, perm Perm) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("zero-sized region")
	}
	if align == 0 {
		align = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	base := alignUp(a.next, align)
	if base+size < base {
		return nil, fmt.Errorf("address space exhausted")
	}
	a.next = base + size + arenaGap
	r := &Region{Base: base, Bytes: make([]byte, size), Perm: perm}
	a.live[base] = r
	return r, nil
}

// Free implements Allocator.
func (a *Arena) Free(r *Region) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.live[r.Base]; !ok {
		return fmt.Errorf("region %#x is not live", r.Base)
	}
	delete(a.live, r.Base)
	// Poison freed contents; stale reads surface as verify mismatches.
	for i := range r.Bytes {
		r.Bytes[i] = 0xfe
	}
	return nil
}

// Live returns the number of regions currently allocated.
func (a *Arena) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}
