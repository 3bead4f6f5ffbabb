// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import (
	"bytes"
	"context"
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	"github.com/cavaliergopher/cpio"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bootEntry struct {
	name string
	data []byte
	mode cpio.FileMode
}

// writeBootArchive assembles an lz4-compressed cpio archive from entries,
// in order. A zero mode means a regular file.
func writeBootArchive(t *testing.T, entries []bootEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	cw := cpio.NewWriter(zw)
	for _, e := range entries {
		mode := e.mode
		if mode == 0 {
			mode = cpio.TypeReg | 0644
		}
		hdr := &cpio.Header{Name: e.name, Mode: mode, Size: int64(len(e.data))}
		require.NoError(t, cw.WriteHeader(hdr), "writing header for %s", e.name)
		_, err := cw.Write(e.data)
		require.NoError(t, err, "writing body for %s", e.name)
	}
	require.NoError(t, cw.Close(), "finishing the cpio stream")
	require.NoError(t, zw.Close(), "finishing the lz4 frame")
	return buf.Bytes()
}

// callerBytes builds the raw object file of a module calling callee.
func callerBytes(t *testing.T, symbol, callee string) []byte {
	t.Helper()
	b := newELFObj()
	text := b.text(callCode())
	b.global(symbol, text, 0, 16)
	c := b.undef(callee)
	b.rela(text, 1, elf.R_X86_64_PLT32, c, -4)
	return b.bytes(t)
}

func TestReadBootArchive(t *testing.T) {
	assert := assert.New(t)

	frameAlloc := leafBytes(t, "frame::alloc::haaaa")
	sched := leafBytes(t, "sched::tick::hbbbb")
	fpu := leafBytes(t, "fpu::save::hdddd")
	shell := leafBytes(t, "shell::main::hcccc")
	archive := writeBootArchive(t, []bootEntry{
		{name: "extra", mode: cpio.TypeDir | 0755},
		{name: "./k#frame_allocator-3c9a.o", data: frameAlloc},
		{name: "k#sched-77aa.o", data: sched},
		{name: "ksse#fpu-0a1b.o", data: fpu},
		{name: "a#shell-11bb.o", data: shell},
		{name: "extra!fonts!mono.sfn", data: []byte("glyphs")},
		{name: "bootloader.cfg", data: []byte("timeout=0")},
	})

	ar, err := ReadBootArchive(bytes.NewReader(archive))
	require.NoError(t, err, "the archive should parse")
	require.Len(t, ar.Modules, 4, "four entries carry module prefixes")

	first := ar.Modules[0]
	assert.Equal("k#frame_allocator-3c9a.o", first.File, "The ./ prefix should be stripped.")
	assert.Equal(TypeKernel, first.Type, "Wrong module type.")
	assert.Equal("frame_allocator-3c9a", first.Name, "Wrong module name.")
	assert.Equal(frameAlloc, first.Data, "Wrong module data.")

	qualified := ar.Modules[2]
	assert.Equal("sse", qualified.Qualifier, "The namespace qualifier should be parsed.")
	assert.Equal("fpu-0a1b", qualified.Name, "Wrong qualified module name.")

	assert.Equal(TypeApplication, ar.Modules[3].Type, "The a# prefix marks an application module.")

	kernels := ar.ModulesByType(TypeKernel)
	require.Len(t, kernels, 3, "three kernel modules")
	apps := ar.ModulesByType(TypeApplication)
	require.Len(t, apps, 1, "one application module")

	m, err := ar.Module("sched-ffff")
	require.NoError(t, err, "lookup ignores the hash on both sides")
	assert.Equal("sched-77aa", m.Name, "Wrong module found.")
	_, err = ar.Module("absent")
	assert.ErrorIs(err, ErrModuleNotFound, "Wrong error for an absent module.")

	assert.Equal([]byte("glyphs"), ar.Extra["extra/fonts/mono.sfn"], "Flat entry names should decode into paths.")
	assert.Equal([]byte("timeout=0"), ar.Extra["bootloader.cfg"], "Plain entries should keep their names.")
}

func TestReadBootArchiveGarbage(t *testing.T) {
	_, err := ReadBootArchive(bytes.NewReader([]byte("not an archive")))
	require.Error(t, err, "garbage must be rejected")
	assert.Contains(t, err.Error(), "boot archive", "The error should name the archive stage.")
}

func TestOpenBootArchive(t *testing.T) {
	archive := writeBootArchive(t, []bootEntry{
		{name: "k#counter-1111.o", data: leafBytes(t, "counter::get::h1111")},
	})
	path := filepath.Join(t.TempDir(), "boot.img")
	require.NoError(t, os.WriteFile(path, archive, 0644))

	ar, err := OpenBootArchive(path)
	require.NoError(t, err, "the archive file should open")
	assert.Len(t, ar.Modules, 1, "Wrong module count.")

	_, err = OpenBootArchive(filepath.Join(t.TempDir(), "missing.img"))
	assert.Error(t, err, "A missing archive should be reported.")
}

func TestLoadBootArchive(t *testing.T) {
	assert := assert.New(t)

	// The caller precedes its callee: batch loading links in any order.
	archive := writeBootArchive(t, []bootEntry{
		{name: "k#wrapper-aaaa.o", data: callerBytes(t, "wrapper::call::haaaa", "counter::get::h1111")},
		{name: "k#counter-1111.o", data: leafBytes(t, "counter::get::h1111")},
		{name: "a#shell-11bb.o", data: leafBytes(t, "shell::main::hcccc")},
	})
	ar, err := ReadBootArchive(bytes.NewReader(archive))
	require.NoError(t, err)

	ns := NewNamespace("_kernel", WithAllocator(NewArena(0x40000000)))
	mods, err := ns.LoadBootArchive(context.Background(), ar, TypeKernel)
	require.NoError(t, err, "the kernel batch should load")
	require.Len(t, mods, 2, "only kernel modules belong to the batch")
	assert.Equal(TypeKernel, mods[0].Type, "The type should carry over from the file prefix.")
	assert.Equal([]string{"counter-1111", "wrapper-aaaa"}, ns.Modules(), "The application module must not load.")

	wrapper, err := ns.Module("wrapper-aaaa")
	require.NoError(t, err)
	require.Len(t, wrapper.Dependencies, 1, "the forward reference should resolve in the batch")
	assert.Equal("counter-1111", wrapper.Dependencies[0].Module, "Wrong dependency target.")
}
