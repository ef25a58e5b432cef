/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package bundle

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/benediktbwimmer/apphub-sub011/pkg/database/client"
)

func newLocalStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{
		Storage:       client.ArtifactStorageLocal,
		LocalRoot:     t.TempDir(),
		SigningSecret: "test-secret",
	}, nil, nil)
	assert.NilError(t, err)
	return store
}

func TestSanitizeSegment(t *testing.T) {
	assert.Equal(t, SanitizeSegment("Observatory Report", "bundle"), "observatory-report")
	assert.Equal(t, SanitizeSegment("weird//..//name!!", "bundle"), "weird-..-name")
	assert.Equal(t, SanitizeSegment("---", "bundle"), "bundle")
	assert.Equal(t, SanitizeSegment("", "v"), "v")
	assert.Equal(t, SanitizeSegment("1.2.3", "v"), "1.2.3")
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, SanitizeFilename("Report.TGZ", "bundle"), "report.tgz")
	assert.Equal(t, SanitizeFilename("archive.tar.gz", "bundle"), "archive.tar.gz")
	assert.Equal(t, SanitizeFilename("no-extension", "bundle"), "no-extension.bin")
	assert.Equal(t, SanitizeFilename("bad.extension-here!", "bundle"), "bad.bin")
}

func TestArtifactPath(t *testing.T) {
	assert.Equal(t, ArtifactPath("My Bundle", "1.2.3", "my bundle.tgz"), "my-bundle/1.2.3/my-bundle.tgz")
	assert.Equal(t, ArtifactPath("", "", ""), "bundle/v/bundle.bin")
}

func TestSaveArtifactReuseAndConflict(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()
	data := []byte("artifact-bytes")

	record, err := store.SaveArtifact(ctx, "report", "1.0.0", data, "application/gzip", "report.tgz", false)
	assert.NilError(t, err)
	assert.Equal(t, record.Checksum, Checksum(data))
	assert.Equal(t, record.Path, "report/1.0.0/report.tgz")

	// Same bytes: reused without error.
	_, err = store.SaveArtifact(ctx, "report", "1.0.0", data, "application/gzip", "report.tgz", false)
	assert.NilError(t, err)

	// Different bytes without force: rejected.
	_, err = store.SaveArtifact(ctx, "report", "1.0.0", []byte("other"), "application/gzip", "report.tgz", false)
	assert.ErrorContains(t, err, "different checksum")

	// Force replaces.
	record, err = store.SaveArtifact(ctx, "report", "1.0.0", []byte("other"), "application/gzip", "report.tgz", true)
	assert.NilError(t, err)
	assert.Equal(t, record.Checksum, Checksum([]byte("other")))
}

func TestOpenArtifactChecksumMismatch(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()
	data := []byte("artifact-bytes")

	record, err := store.SaveArtifact(ctx, "report", "1.0.0", data, "", "report.tgz", false)
	assert.NilError(t, err)

	got, err := store.OpenArtifact(ctx, &client.JobBundleVersion{
		Slug: "report", Version: "1.0.0",
		ArtifactStorage: client.ArtifactStorageLocal,
		ArtifactPath:    record.Path,
		Checksum:        record.Checksum,
	})
	assert.NilError(t, err)
	assert.DeepEqual(t, got, data)

	// Corrupt the stored file; the open must notice.
	resolved, err := store.resolveLocalPath(record.Path)
	assert.NilError(t, err)
	assert.NilError(t, os.WriteFile(resolved, []byte("tampered"), 0o644))
	_, err = store.OpenArtifact(ctx, &client.JobBundleVersion{
		Slug: "report", Version: "1.0.0",
		ArtifactStorage: client.ArtifactStorageLocal,
		ArtifactPath:    record.Path,
		Checksum:        record.Checksum,
	})
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestResolveLocalPathEscape(t *testing.T) {
	store := newLocalStore(t)

	_, err := store.resolveLocalPath("../../etc/passwd")
	assert.ErrorContains(t, err, "escapes the storage root")

	resolved, err := store.resolveLocalPath("report/1.0.0/report.tgz")
	assert.NilError(t, err)
	assert.Assert(t, strings.HasSuffix(resolved, filepath.Join("report", "1.0.0", "report.tgz")))
}

func TestDownloadTokenRoundTrip(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	bundle := &client.JobBundleVersion{
		Slug: "report", Version: "1.0.0",
		ArtifactStorage: client.ArtifactStorageLocal,
		ArtifactPath:    "report/1.0.0/report.tgz",
	}
	info, err := store.CreateDownloadUrl(ctx, bundle, time.Minute, "report.tgz")
	assert.NilError(t, err)
	assert.Equal(t, info.Storage, client.ArtifactStorageLocal)
	assert.Equal(t, info.Kind, "signed")
	assert.Assert(t, strings.HasPrefix(info.Url, "/job-bundles/report/versions/1.0.0/download?"))

	expiresMs := time.Now().Add(time.Minute).UnixMilli()
	token := store.signDownload("report", "1.0.0", bundle.ArtifactPath, expiresMs)
	assert.NilError(t, store.VerifyDownloadToken("report", "1.0.0", bundle.ArtifactPath, expiresMs, token))

	err = store.VerifyDownloadToken("report", "1.0.0", bundle.ArtifactPath, expiresMs, "bogus")
	assert.ErrorContains(t, err, "invalid download token")

	expired := time.Now().Add(-time.Minute).UnixMilli()
	token = store.signDownload("report", "1.0.0", bundle.ArtifactPath, expired)
	err = store.VerifyDownloadToken("report", "1.0.0", bundle.ArtifactPath, expired, token)
	assert.ErrorContains(t, err, "expired")
}
