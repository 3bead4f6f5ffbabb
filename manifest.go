// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Manifest directives.
const (
	manifestAdded    = "added"
	manifestModified = "modified"
	manifestRemoved  = "removed"
	manifestTransfer = "state-transfer"
)

// ManifestEntry is one object file named by an update manifest.
type ManifestEntry struct {
	// File is the object file name, type prefix included, e.g.
	// "k#scheduler-9f2c.o".
	File string
	// Checksum is the SHA-256 of the file contents, lowercase hex.
	Checksum string
}

// Verify checks data against the recorded checksum.
func (e ManifestEntry) Verify(data []byte) error {
	got := Checksum(data)
	if got != e.Checksum {
		return &ChecksumMismatchError{File: e.File, Want: e.Checksum, Got: got}
	}
	return nil
}

// Manifest describes one update build as a delta against the running
// system: object files to add, to swap in place of their loaded versions,
// and to remove, plus the state-transfer functions the swap must run.
type Manifest struct {
	Added     []ManifestEntry
	Modified  []ManifestEntry
	Removed   []string
	Transfers []string
}

// Checksum returns the content hash manifests record for a file.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ParseManifest reads the line-oriented manifest format: one directive per
// line, of the forms
//
//	added <file> <sha256>
//	modified <file> <sha256>
//	removed <file>
//	state-transfer <symbol>
//
// Checksums are lowercase hex. Blank lines and lines starting with # are
// skipped. Any other line fails with ErrBadManifest.
func ParseManifest(r io.Reader) (*Manifest, error) {
	m := &Manifest{}
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		switch verb := fields[0]; verb {
		case manifestAdded, manifestModified:
			if len(fields) != 3 {
				return nil, fmt.Errorf("line %d: %s takes a file and a checksum: %w", lineNo, verb, ErrBadManifest)
			}
			if len(fields[2]) != sha256.Size*2 || !isHex(fields[2]) {
				return nil, fmt.Errorf("line %d: malformed checksum %q: %w", lineNo, fields[2], ErrBadManifest)
			}
			e := ManifestEntry{File: fields[1], Checksum: fields[2]}
			if verb == manifestAdded {
				m.Added = append(m.Added, e)
			} else {
				m.Modified = append(m.Modified, e)
			}
		case manifestRemoved:
			if len(fields) != 2 {
				return nil, fmt.Errorf("line %d: %s takes a file: %w", lineNo, verb, ErrBadManifest)
			}
			m.Removed = append(m.Removed, fields[1])
		case manifestTransfer:
			if len(fields) != 2 {
				return nil, fmt.Errorf("line %d: %s takes a symbol: %w", lineNo, verb, ErrBadManifest)
			}
			m.Transfers = append(m.Transfers, fields[1])
		default:
			return nil, fmt.Errorf("line %d: unknown directive %q: %w", lineNo, verb, ErrBadManifest)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// String renders the manifest in its line format, groups in declaration
// order.
func (m *Manifest) String() string {
	var b strings.Builder
	for _, e := range m.Added {
		fmt.Fprintf(&b, "%s %s %s\n", manifestAdded, e.File, e.Checksum)
	}
	for _, e := range m.Modified {
		fmt.Fprintf(&b, "%s %s %s\n", manifestModified, e.File, e.Checksum)
	}
	for _, f := range m.Removed {
		fmt.Fprintf(&b, "%s %s\n", manifestRemoved, f)
	}
	for _, t := range m.Transfers {
		fmt.Fprintf(&b, "%s %s\n", manifestTransfer, t)
	}
	return b.String()
}

// Files returns every object file the manifest requires fetching, added
// entries first.
func (m *Manifest) Files() []ManifestEntry {
	out := make([]ManifestEntry, 0, len(m.Added)+len(m.Modified))
	out = append(out, m.Added...)
	out = append(out, m.Modified...)
	return out
}
