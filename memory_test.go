// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermString(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("---", Perm(0).String())
	assert.Equal("r--", PermR.String())
	assert.Equal("rw-", (PermR | PermW).String())
	assert.Equal("r-x", (PermR | PermX).String())
	assert.Equal("rwx", (PermR | PermW | PermX).String())
}

func TestArenaAlloc(t *testing.T) {
	assert := assert.New(t)
	a := NewArena(0x40000000)

	first, err := a.Alloc(0x20, 16, PermR|PermX)
	require.NoError(t, err, "First allocation should succeed.")
	assert.Equal(uint64(0x40000000), first.Base, "First region should sit at the arena base.")
	assert.Equal(uint64(0x20), first.Size(), "Wrong region size.")
	assert.Equal(PermR|PermX, first.Perm, "Wrong region permissions.")

	second, err := a.Alloc(0x8, 0x100, PermR)
	require.NoError(t, err, "Second allocation should succeed.")
	assert.Equal(alignUp(first.Base+first.Size()+arenaGap, 0x100), second.Base,
		"Second region should skip the guard gap and honor alignment.")
	assert.Zero(second.Base%0x100, "Region base should be aligned.")

	assert.Equal(2, a.Live(), "Both regions should be live.")

	_, err = a.Alloc(0, 8, PermR)
	assert.ErrorContains(err, "zero-sized region", "Zero-sized allocations should fail.")
}

func TestArenaFree(t *testing.T) {
	assert := assert.New(t)
	a := NewArena(0x1000)

	r, err := a.Alloc(8, 8, PermR|PermW)
	require.NoError(t, err)
	copy(r.Bytes, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	assert.NoError(a.Free(r), "Freeing a live region should succeed.")
	assert.Equal(0, a.Live(), "Free should drop the region from the live set.")
	for i, b := range r.Bytes {
		assert.Equal(byte(0xfe), b, "Byte %d should be poisoned after free.", i)
	}

	err = a.Free(r)
	assert.ErrorContains(err, "is not live", "Double free should fail.")
}

func TestRegionContains(t *testing.T) {
	assert := assert.New(t)
	r := &Region{Base: 0x1000, Bytes: make([]byte, 0x10)}

	assert.True(r.Contains(0x1000), "Base address should be inside.")
	assert.True(r.Contains(0x100f), "Last byte should be inside.")
	assert.False(r.Contains(0x1010), "One past the end should be outside.")
	assert.False(r.Contains(0xfff), "One before the base should be outside.")
}

func TestRegionSlice(t *testing.T) {
	assert := assert.New(t)
	r := &Region{Base: 0x1000, Bytes: make([]byte, 0x10)}

	window, err := r.slice(0x1004, 4)
	assert.NoError(err, "An in-bounds slice should succeed.")
	copy(window, []byte{0xaa, 0xbb, 0xcc, 0xdd})
	assert.Equal([]byte{0xaa, 0xbb, 0xcc, 0xdd}, r.Bytes[4:8],
		"The slice should alias the region's backing bytes.")

	_, err = r.slice(0x100e, 4)
	assert.ErrorContains(err, "outside region", "A slice past the end should fail.")
	_, err = r.slice(0xff0, 4)
	assert.ErrorContains(err, "outside region", "A slice before the base should fail.")
}

func TestAlignUp(t *testing.T) {
	tests := []struct {
		name     string
		v        uint64
		align    uint64
		expected uint64
	}{
		{"already_aligned", 0x1000, 16, 0x1000},
		{"rounds_up", 0x1001, 16, 0x1010},
		{"align_one", 0x1234, 1, 0x1234},
		{"align_zero", 0x1234, 0, 0x1234},
	}
	for _, test := range tests {
		t.Run("align_"+test.name, func(t *testing.T) {
			assert := assert.New(t)
			assert.Equal(test.expected, alignUp(test.v, test.align), "Wrong aligned value.")
		})
	}
}
