// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import (
	"fmt"
	"sync"
)

// TLSTemplate is the initialization image for the per-core thread-local
// area. The placer reserves a slot per thread-local section; cores
// instantiate a private copy of the image and address symbols by their
// offset (local-exec model). Offsets are never reused: unloading a module
// leaves holes in the template rather than shifting later offsets.
type TLSTemplate struct {
	mu    sync.Mutex
	image []byte
	cores map[int][]byte
}

// NewTLSTemplate returns an empty template.
func NewTLSTemplate() *TLSTemplate {
	return &TLSTemplate{cores: make(map[int][]byte)}
}

// reserve appends a slot for one thread-local section and returns its
// offset. data seeds the image for initialized sections; zero-fill sections
// pass nil and get zeroes.
func (t *TLSTemplate) reserve(size, align uint64, data []byte) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	off := alignUp(uint64(len(t.image)), align)
	end := off + size
	if end < off || end > 1<<31 {
		return 0, fmt.Errorf("thread-local area exceeds 2 GiB")
	}
	grown := make([]byte, end)
	copy(grown, t.image)
	copy(grown[off:], data)
	t.image = grown
	return off, nil
}

// Size returns the current template length in bytes.
func (t *TLSTemplate) Size() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint64(len(t.image))
}

// Core returns core id's private thread-local area, instantiating it from
// the template on first use. A core's area keeps its mutations; slots added
// by later loads are filled in from the template. Callers must re-fetch the
// area after a load since growth reallocates it.
func (t *TLSTemplate) Core(id int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	area := t.cores[id]
	if len(area) < len(t.image) {
		fresh := make([]byte, len(t.image))
		copy(fresh, area)
		copy(fresh[len(area):], t.image[len(area):])
		t.cores[id] = fresh
		area = fresh
	}
	return area
}
