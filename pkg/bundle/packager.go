/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package bundle

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	apphuberrors "github.com/benediktbwimmer/apphub-sub011/pkg/errors"
	"github.com/benediktbwimmer/apphub-sub011/pkg/jsonutil"
)

// BundleFile is one file of an AI-authored bundle suggestion.
type BundleFile struct {
	Path       string `json:"path"`
	Contents   string `json:"contents"`
	Encoding   string `json:"encoding,omitempty"` // "utf8" (default) or "base64"
	Executable bool   `json:"executable,omitempty"`
}

// BundleManifest is the normalized manifest document written into every
// packaged bundle.
type BundleManifest struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Entry        string   `json:"entry,omitempty"`
	Main         string   `json:"main,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// BundleSuggestion is a rebuildable description of a bundle version, stored
// in bundle metadata by the AI builder.
type BundleSuggestion struct {
	Slug         string         `json:"slug"`
	Version      string         `json:"version"`
	EntryPoint   string         `json:"entryPoint,omitempty"`
	ManifestPath string         `json:"manifestPath,omitempty"`
	Manifest     BundleManifest `json:"manifest"`
	Files        []BundleFile   `json:"files"`
	Capabilities []string       `json:"capabilities,omitempty"`
}

// packedEntry is one file staged for the tarball.
type packedEntry struct {
	path string
	data []byte
	mode int64
}

// PackBundle deterministically packages a suggestion: files at their
// declared relative paths, the normalized manifest alongside, alphabetical
// tar entries with a fixed timestamp, gzip without metadata. Returns the
// tarball and its sha256 hex checksum.
func PackBundle(suggestion *BundleSuggestion) ([]byte, string, error) {
	if suggestion == nil {
		return nil, "", apphuberrors.NewBadRequest("the suggestion input is empty")
	}
	entries := make(map[string]packedEntry, len(suggestion.Files)+1)
	for _, file := range suggestion.Files {
		cleaned, err := cleanBundlePath(file.Path)
		if err != nil {
			return nil, "", err
		}
		data, err := decodeBundleFile(file)
		if err != nil {
			return nil, "", err
		}
		mode := int64(0o644)
		if file.Executable {
			mode = 0o755
		}
		entries[cleaned] = packedEntry{path: cleaned, data: data, mode: mode}
	}

	manifestPath := suggestion.ManifestPath
	if manifestPath == "" {
		manifestPath = "manifest.json"
	}
	manifestPath, err := cleanBundlePath(manifestPath)
	if err != nil {
		return nil, "", err
	}
	manifest := suggestion.Manifest
	manifest.Capabilities = normalizeCapabilities(
		append(append([]string{}, manifest.Capabilities...), suggestion.Capabilities...))
	entries[manifestPath] = packedEntry{
		path: manifestPath,
		data: jsonutil.MarshalSilently(manifest),
		mode: 0o644,
	}

	ordered := make([]packedEntry, 0, len(entries))
	for _, entry := range entries {
		ordered = append(ordered, entry)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].path < ordered[j].path })

	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, "", err
	}
	tw := tar.NewWriter(gz)
	epoch := time.Unix(0, 0).UTC()
	for _, entry := range ordered {
		header := &tar.Header{
			Name:    entry.path,
			Mode:    entry.mode,
			Size:    int64(len(entry.data)),
			ModTime: epoch,
		}
		if err = tw.WriteHeader(header); err != nil {
			return nil, "", err
		}
		if _, err = tw.Write(entry.data); err != nil {
			return nil, "", err
		}
	}
	if err = tw.Close(); err != nil {
		return nil, "", err
	}
	if err = gz.Close(); err != nil {
		return nil, "", err
	}
	data := buf.Bytes()
	return data, Checksum(data), nil
}

// normalizeCapabilities dedupes and sorts capability flags.
func normalizeCapabilities(capabilities []string) []string {
	seen := map[string]bool{}
	result := make([]string, 0, len(capabilities))
	for _, capability := range capabilities {
		capability = strings.TrimSpace(capability)
		if capability == "" || seen[capability] {
			continue
		}
		seen[capability] = true
		result = append(result, capability)
	}
	sort.Strings(result)
	if len(result) == 0 {
		return nil
	}
	return result
}

func cleanBundlePath(p string) (string, error) {
	if p == "" {
		return "", apphuberrors.NewBadRequest("bundle file path is empty")
	}
	if path.IsAbs(p) || strings.HasPrefix(p, "/") {
		return "", apphuberrors.NewBadRequest(fmt.Sprintf("bundle file path %q is absolute", p))
	}
	cleaned := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || cleaned == "." {
		return "", apphuberrors.NewBadRequest(fmt.Sprintf("bundle file path %q escapes the bundle", p))
	}
	return cleaned, nil
}

func decodeBundleFile(file BundleFile) ([]byte, error) {
	switch file.Encoding {
	case "", "utf8", "utf-8":
		return []byte(file.Contents), nil
	case "base64":
		data, err := base64.StdEncoding.DecodeString(file.Contents)
		if err != nil {
			return nil, apphuberrors.NewBadRequest(
				fmt.Sprintf("bundle file %s has invalid base64 contents", file.Path))
		}
		return data, nil
	default:
		return nil, apphuberrors.NewBadRequest(
			fmt.Sprintf("bundle file %s has unsupported encoding %q", file.Path, file.Encoding))
	}
}
