// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import (
	"regexp"
	"strings"
)

// commentSectionName carries free-form producer strings, NUL separated, one
// per input object.
const commentSectionName = ".comment"

// Producer strings as rustc, clang and gcc emit them.
var toolchainMatchers = []*regexp.Regexp{
	regexp.MustCompile(`rustc version [^\x00]+`),
	regexp.MustCompile(`clang version [^\x00]+`),
	regexp.MustCompile(`GCC: \([^)]*\) [^\x00]+`),
}

// detectToolchain reports the compiler that produced an object, taken from
// its comment section. Empty when no known producer string is present.
func detectToolchain(comment []byte) string {
	for _, m := range toolchainMatchers {
		if match := m.Find(comment); match != nil {
			return strings.TrimSpace(string(match))
		}
	}
	return ""
}
