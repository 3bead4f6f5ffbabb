// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import "fmt"

// region classes: one allocation per class per module.
const (
	classText = iota
	classRodata
	classData
	numClasses
)

var classPerms = [numClasses]Perm{
	classText:   PermR | PermX,
	classRodata: PermR,
	classData:   PermR | PermW,
}

func classOf(kind SectionKind) int {
	switch kind {
	case KindText:
		return classText
	case KindRodata:
		return classRodata
	default:
		return classData
	}
}

// placement holds a module's sections after memory placement, before it is
// linked and registered. sections parallels the object's section list.
type placement struct {
	sections []*Section
	regions  [numClasses]*Region
}

// place requests one region per permission class, copies section bytes in,
// zero-fills bss-like sections, and reserves thread-local slots in the
// template. On any failure every region allocated so far is released and an
// AllocationError is returned.
func place(obj *Object, alloc Allocator, tls *TLSTemplate) (*placement, error) {
	p := &placement{sections: make([]*Section, len(obj.Sections))}

	// Pass 1: class sizes and alignment.
	var sizes, aligns [numClasses]uint64
	for _, sec := range obj.Sections {
		if sec.Kind.ThreadLocal() {
			if len(sec.Relocs) > 0 {
				return nil, &MalformedObjectError{Reason: fmt.Sprintf("relocation inside thread-local section %s", sec.Name)}
			}
			continue
		}
		c := classOf(sec.Kind)
		sizes[c] = alignUp(sizes[c], sec.Align) + sec.Size
		if sec.Align > aligns[c] {
			aligns[c] = sec.Align
		}
	}

	for c := 0; c < numClasses; c++ {
		if sizes[c] == 0 {
			continue
		}
		r, err := alloc.Alloc(sizes[c], aligns[c], classPerms[c])
		if err != nil {
			p.release(alloc)
			return nil, &AllocationError{Size: sizes[c], Align: aligns[c], Err: err}
		}
		p.regions[c] = r
	}

	// Pass 2: assign bases and copy bytes.
	var cursors [numClasses]uint64
	for i, sec := range obj.Sections {
		s := &Section{Name: sec.Name, Kind: sec.Kind, Size: sec.Size}
		p.sections[i] = s

		if sec.Kind.ThreadLocal() {
			off, err := tls.reserve(sec.Size, sec.Align, sec.Data)
			if err != nil {
				p.release(alloc)
				return nil, &AllocationError{Size: sec.Size, Align: sec.Align, Err: err}
			}
			s.Base = off
			continue
		}

		c := classOf(sec.Kind)
		r := p.regions[c]
		if r == nil {
			// Every section of this class is zero-sized; nothing to map.
			continue
		}
		cursors[c] = alignUp(cursors[c], sec.Align)
		s.Base = r.Base + cursors[c]
		if sec.Size > 0 {
			window, err := r.slice(s.Base, sec.Size)
			if err != nil {
				p.release(alloc)
				return nil, &AllocationError{Size: sec.Size, Align: sec.Align, Err: err}
			}
			s.bytes = window
			if sec.Kind.zeroFill() {
				for j := range window {
					window[j] = 0
				}
			} else {
				copy(window, sec.Data)
			}
		}
		cursors[c] += sec.Size
	}

	return p, nil
}

// release frees every region the placement holds. Safe to call more than
// once.
func (p *placement) release(alloc Allocator) {
	for c, r := range p.regions {
		if r == nil {
			continue
		}
		p.regions[c] = nil
		// A double free here would mask the original failure; the arena
		// reports it and there is nothing more to do with it.
		_ = alloc.Free(r)
	}
}
