/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package bundle

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"gotest.tools/assert"

	"github.com/benediktbwimmer/apphub-sub011/pkg/jsonutil"
)

func testSuggestion() *BundleSuggestion {
	return &BundleSuggestion{
		Slug:    "observatory-report",
		Version: "1.2.3",
		Manifest: BundleManifest{
			Name:         "observatory-report",
			Version:      "1.2.3",
			Entry:        "index.js",
			Capabilities: []string{"network", "fs", "network"},
		},
		Files: []BundleFile{
			{Path: "index.js", Contents: "module.exports.handler = async () => ({ ok: true });\n"},
			{Path: "bin/run.sh", Contents: "#!/bin/sh\necho run\n", Executable: true},
			{Path: "data/blob.bin", Contents: "AAEC", Encoding: "base64"},
		},
	}
}

func TestPackBundleDeterministic(t *testing.T) {
	first, firstSum, err := PackBundle(testSuggestion())
	assert.NilError(t, err)

	// Same content in a different file order packs to identical bytes.
	shuffled := testSuggestion()
	shuffled.Files[0], shuffled.Files[2] = shuffled.Files[2], shuffled.Files[0]
	second, secondSum, err := PackBundle(shuffled)
	assert.NilError(t, err)

	assert.Equal(t, firstSum, secondSum)
	assert.DeepEqual(t, first, second)
	assert.Equal(t, firstSum, Checksum(first))
}

func TestPackBundleManifestNormalized(t *testing.T) {
	data, _, err := PackBundle(testSuggestion())
	assert.NilError(t, err)

	dest := t.TempDir()
	assert.NilError(t, untar(data, dest))

	raw, err := os.ReadFile(filepath.Join(dest, "manifest.json"))
	assert.NilError(t, err)
	var manifest BundleManifest
	assert.NilError(t, jsonutil.Unmarshal(raw, &manifest))
	assert.DeepEqual(t, manifest.Capabilities, []string{"fs", "network"})
	assert.Equal(t, manifest.Entry, "index.js")

	decoded, err := os.ReadFile(filepath.Join(dest, "data", "blob.bin"))
	assert.NilError(t, err)
	assert.DeepEqual(t, decoded, []byte{0x00, 0x01, 0x02})

	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(dest, "bin", "run.sh"))
		assert.NilError(t, err)
		assert.Equal(t, info.Mode().Perm(), os.FileMode(0o755))
	}
}

func TestPackBundleRejectsEscapingPaths(t *testing.T) {
	suggestion := testSuggestion()
	suggestion.Files = append(suggestion.Files, BundleFile{Path: "../outside.txt", Contents: "x"})
	_, _, err := PackBundle(suggestion)
	assert.ErrorContains(t, err, "escapes the bundle")

	suggestion = testSuggestion()
	suggestion.Files = append(suggestion.Files, BundleFile{Path: "/etc/passwd", Contents: "x"})
	_, _, err = PackBundle(suggestion)
	assert.ErrorContains(t, err, "is absolute")
}

func TestPackBundleInvalidEncoding(t *testing.T) {
	suggestion := testSuggestion()
	suggestion.Files = []BundleFile{{Path: "a.bin", Contents: "!!", Encoding: "base64"}}
	_, _, err := PackBundle(suggestion)
	assert.ErrorContains(t, err, "invalid base64")

	suggestion.Files = []BundleFile{{Path: "a.bin", Contents: "x", Encoding: "utf16"}}
	_, _, err = PackBundle(suggestion)
	assert.ErrorContains(t, err, "unsupported encoding")
}

func TestNormalizeCapabilities(t *testing.T) {
	assert.DeepEqual(t, normalizeCapabilities([]string{"network", "fs", "network", " "}), []string{"fs", "network"})
	assert.Assert(t, normalizeCapabilities(nil) == nil)
}
