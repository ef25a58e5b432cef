/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package command

import (
	"strings"
	"testing"
	"unicode/utf8"

	"gotest.tools/assert"
)

func TestTruncateOutput(t *testing.T) {
	assert.Equal(t, truncateOutput("  ok \n"), "ok")

	long := strings.Repeat("x", 600)
	assert.Equal(t, len(truncateOutput(long)), 500)

	// A multibyte rune straddling the limit is dropped, never split.
	multibyte := strings.Repeat("x", 499) + "édge"
	out := truncateOutput(multibyte)
	assert.Assert(t, utf8.ValidString(out))
	assert.Equal(t, len(out), 499)
}
