// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectToolchain(t *testing.T) {
	tests := []struct {
		name     string
		comment  string
		expected string
	}{
		{
			"rustc",
			"\x00rustc version 1.75.0 (82e1608df 2023-12-21)\x00",
			"rustc version 1.75.0 (82e1608df 2023-12-21)",
		},
		{
			"clang",
			"clang version 17.0.6\x00",
			"clang version 17.0.6",
		},
		{
			"gcc",
			"GCC: (GNU) 13.2.1 20230801\x00",
			"GCC: (GNU) 13.2.1 20230801",
		},
		{
			"rustc_wins_over_gcc",
			"GCC: (GNU) 13.2.1\x00rustc version 1.75.0\x00",
			"rustc version 1.75.0",
		},
		{
			"unknown_producer",
			"some proprietary compiler v9\x00",
			"",
		},
		{
			"empty",
			"",
			"",
		},
	}
	for _, test := range tests {
		t.Run("comment_"+test.name, func(t *testing.T) {
			assert := assert.New(t)
			actual := detectToolchain([]byte(test.comment))
			assert.Equal(test.expected, actual, "Wrong producer string extracted.")
		})
	}
}
