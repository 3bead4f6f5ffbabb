// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// buildIDSectionName is where toolchains record the GNU build ID note.
const buildIDSectionName = ".note.gnu.build-id"

var gnuNoteName = []byte("GNU\x00")

// ELF note type NT_GNU_BUILD_ID.
const noteTypeBuildID = 3

// parseGNUBuildID extracts the build ID from the raw bytes of a GNU
// build-id note section. The ID comes back as lowercase hex, the form
// binutils tools print.
func parseGNUBuildID(data []byte) (string, error) {
	r := bytes.NewReader(data)
	var nameLen uint32
	var idLen uint32
	var tag uint32
	if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return "", fmt.Errorf("error when reading the build ID name length: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &idLen); err != nil {
		return "", fmt.Errorf("error when reading the build ID length: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &tag); err != nil {
		return "", fmt.Errorf("error when reading the build ID tag: %w", err)
	}
	if tag != noteTypeBuildID {
		return "", fmt.Errorf("note type 0x%x is not a build ID", tag)
	}
	if uint64(12+nameLen) > uint64(len(data)) {
		return "", ErrNotEnoughBytesRead
	}
	if !bytes.Equal(data[12:12+nameLen], gnuNoteName) {
		return "", fmt.Errorf("note name not as expected")
	}
	// The ID bytes start at the next 4-byte boundary after the name.
	off := 12 + alignUp(uint64(nameLen), 4)
	if off+uint64(idLen) > uint64(len(data)) {
		return "", ErrNotEnoughBytesRead
	}
	return hex.EncodeToString(data[off : off+uint64(idLen)]), nil
}
