/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package bundle

import (
	"context"
	"strings"
	"testing"

	"gotest.tools/assert"

	"github.com/benediktbwimmer/apphub-sub011/pkg/database/client"
	dbutils "github.com/benediktbwimmer/apphub-sub011/pkg/database/utils"
	apphuberrors "github.com/benediktbwimmer/apphub-sub011/pkg/errors"
	"github.com/benediktbwimmer/apphub-sub011/pkg/jsonutil"
)

func TestParseEntryPoint(t *testing.T) {
	ref, err := ParseEntryPoint("bundle:observatory-report@1.2.3")
	assert.NilError(t, err)
	assert.Equal(t, ref.Slug, "observatory-report")
	assert.Equal(t, ref.Version, "1.2.3")
	assert.Equal(t, ref.ExportName, "")

	ref, err = ParseEntryPoint("bundle:report@2.0.0#generate")
	assert.NilError(t, err)
	assert.Equal(t, ref.ExportName, "generate")
	assert.Equal(t, ref.String(), "bundle:report@2.0.0#generate")

	_, err = ParseEntryPoint("script:report.js")
	assert.ErrorContains(t, err, "not a bundle reference")
	_, err = ParseEntryPoint("bundle:missing-version")
	assert.ErrorContains(t, err, "not a bundle reference")
}

func TestRecoverNilJob(t *testing.T) {
	recovery := NewRecovery(nil, nil)

	_, err := recovery.Recover(context.Background(), nil, RecoveryOptions{})
	assert.ErrorContains(t, err, "the job input is empty")
}

func TestFindSuggestionMismatchedIdentity(t *testing.T) {
	recovery := NewRecovery(nil, nil)

	assert.Assert(t, recovery.findSuggestion(nil) == nil)
}

type fakeRecoveryDB struct {
	versions        map[string]*client.JobBundleVersion
	inserted        []*client.JobBundleVersion
	metadataUpdates map[string]string
	checksumUpdates map[string]string
	entryPoints     map[string]string
}

func newFakeRecoveryDB() *fakeRecoveryDB {
	return &fakeRecoveryDB{
		versions:        map[string]*client.JobBundleVersion{},
		metadataUpdates: map[string]string{},
		checksumUpdates: map[string]string{},
		entryPoints:     map[string]string{},
	}
}

func bundleKey(slug, version string) string { return slug + "@" + version }

func (f *fakeRecoveryDB) GetJobBundleVersion(_ context.Context, slug, version string) (*client.JobBundleVersion, error) {
	if v, ok := f.versions[bundleKey(slug, version)]; ok {
		return v, nil
	}
	return nil, apphuberrors.NewNotFound(client.BundleVersionKind, bundleKey(slug, version))
}

func (f *fakeRecoveryDB) InsertJobBundleVersion(_ context.Context, row *client.JobBundleVersion) (*client.JobBundleVersion, error) {
	f.inserted = append(f.inserted, row)
	f.versions[bundleKey(row.Slug, row.Version)] = row
	return row, nil
}

func (f *fakeRecoveryDB) UpdateJobBundleVersionMetadata(_ context.Context, slug, version, metadata string) error {
	f.metadataUpdates[bundleKey(slug, version)] = metadata
	return nil
}

func (f *fakeRecoveryDB) UpdateJobBundleVersionChecksum(_ context.Context, slug, version, checksum string, _ []byte) error {
	f.checksumUpdates[bundleKey(slug, version)] = checksum
	return nil
}

func (f *fakeRecoveryDB) UpdateJobDefinitionEntryPoint(_ context.Context, slug, entryPoint string) error {
	f.entryPoints[slug] = entryPoint
	return nil
}

type fakeArtifactWriter struct {
	saves  []string
	forced []bool
}

func (f *fakeArtifactWriter) SaveArtifact(_ context.Context, slug, version string, data []byte, contentType, filename string, force bool) (*ArtifactRecord, error) {
	f.saves = append(f.saves, bundleKey(slug, version))
	f.forced = append(f.forced, force)
	return &ArtifactRecord{
		Storage:     client.ArtifactStorageLocal,
		Path:        ArtifactPath(slug, version, filename),
		Checksum:    Checksum(data),
		Size:        int64(len(data)),
		ContentType: contentType,
	}, nil
}

func recoverableVersion(t *testing.T, slug, version string) (*client.JobBundleVersion, string) {
	t.Helper()
	suggestion := &BundleSuggestion{
		Slug:    slug,
		Version: version,
		Manifest: BundleManifest{
			Name: slug, Version: version, Entry: "index.js",
		},
		Files: []BundleFile{{Path: "index.js", Contents: "module.exports.handler = () => ({});"}},
	}
	data, checksum, err := PackBundle(suggestion)
	assert.NilError(t, err)
	metadata := string(jsonutil.MarshalSilently(map[string]interface{}{"aiBuilder": suggestion}))
	return &client.JobBundleVersion{
		Slug:         slug,
		Version:      version,
		Checksum:     checksum,
		ArtifactPath: slug + "/" + version + "/" + slug + ".tgz",
		Metadata:     dbutils.NullString(metadata),
		ArtifactData: data,
	}, checksum
}

func TestRecoverRestoresInPlaceOnMatchingChecksum(t *testing.T) {
	db := newFakeRecoveryDB()
	store := &fakeArtifactWriter{}
	stored, checksum := recoverableVersion(t, "foo", "1.2.3")
	db.versions[bundleKey("foo", "1.2.3")] = stored

	recovery := &Recovery{dbc: db, store: store}
	job := &client.JobDefinition{Slug: "report", EntryPoint: "bundle:foo@1.2.3"}
	out, err := recovery.Recover(context.Background(), job, RecoveryOptions{StrictChecksum: true})
	assert.NilError(t, err)
	assert.Equal(t, out.Version, "1.2.3")
	assert.Equal(t, out.Checksum, checksum)

	assert.Equal(t, len(store.saves), 1)
	assert.Assert(t, store.forced[0])
	assert.Assert(t, strings.Contains(db.metadataUpdates[bundleKey("foo", "1.2.3")], `"source":"restored"`))
	assert.Equal(t, len(db.inserted), 0)
	assert.Equal(t, len(db.entryPoints), 0)
}

func TestRecoverPublishesNewVersionOnDivergentRepack(t *testing.T) {
	db := newFakeRecoveryDB()
	store := &fakeArtifactWriter{}
	stored, _ := recoverableVersion(t, "foo", "1.2.3")
	stored.Checksum = "stale-checksum"
	db.versions[bundleKey("foo", "1.2.3")] = stored

	recovery := &Recovery{dbc: db, store: store}
	job := &client.JobDefinition{Slug: "report", EntryPoint: "bundle:foo@1.2.3#run"}
	out, err := recovery.Recover(context.Background(), job, RecoveryOptions{StrictChecksum: true})
	assert.NilError(t, err)
	assert.Equal(t, out.Version, "1.2.4")
	assert.Equal(t, out.Checksum, Checksum(out.ArtifactData))

	assert.Equal(t, len(db.inserted), 1)
	assert.Equal(t, db.entryPoints["report"], "bundle:foo@1.2.4#run")
	metadata := dbutils.ParseNullString(out.Metadata)
	assert.Assert(t, strings.Contains(metadata, `"source":"regenerated"`))
	assert.Equal(t, len(db.checksumUpdates), 0)
}

func TestRecoverLenientRestoreRecordsNewChecksum(t *testing.T) {
	db := newFakeRecoveryDB()
	store := &fakeArtifactWriter{}
	stored, _ := recoverableVersion(t, "foo", "1.2.3")
	stored.Checksum = "stale-checksum"
	db.versions[bundleKey("foo", "1.2.3")] = stored

	recovery := &Recovery{dbc: db, store: store}
	job := &client.JobDefinition{Slug: "report", EntryPoint: "bundle:foo@1.2.3"}
	out, err := recovery.Recover(context.Background(), job, RecoveryOptions{StrictChecksum: false})
	assert.NilError(t, err)
	assert.Equal(t, out.Version, "1.2.3")

	assert.Assert(t, db.checksumUpdates[bundleKey("foo", "1.2.3")] != "")
	assert.Assert(t, db.checksumUpdates[bundleKey("foo", "1.2.3")] != "stale-checksum")
	assert.Equal(t, len(db.inserted), 0)
	assert.Equal(t, len(db.entryPoints), 0)
}

func TestRecoverProbesPastTakenVersions(t *testing.T) {
	db := newFakeRecoveryDB()
	store := &fakeArtifactWriter{}
	stored, _ := recoverableVersion(t, "foo", "1.2.3")
	stored.Checksum = "stale-checksum"
	db.versions[bundleKey("foo", "1.2.3")] = stored
	taken, _ := recoverableVersion(t, "foo", "1.2.4")
	db.versions[bundleKey("foo", "1.2.4")] = taken

	recovery := &Recovery{dbc: db, store: store}
	job := &client.JobDefinition{Slug: "report", EntryPoint: "bundle:foo@1.2.3"}
	out, err := recovery.Recover(context.Background(), job, RecoveryOptions{StrictChecksum: true})
	assert.NilError(t, err)
	assert.Equal(t, out.Version, "1.2.5")
	assert.Equal(t, db.entryPoints["report"], "bundle:foo@1.2.5")
}

func TestRecoverWithoutSuggestionIsUnrecoverable(t *testing.T) {
	db := newFakeRecoveryDB()
	stored := &client.JobBundleVersion{Slug: "foo", Version: "1.2.3", Checksum: "c"}
	db.versions[bundleKey("foo", "1.2.3")] = stored

	recovery := &Recovery{dbc: db, store: &fakeArtifactWriter{}}
	job := &client.JobDefinition{Slug: "report", EntryPoint: "bundle:foo@1.2.3"}
	_, err := recovery.Recover(context.Background(), job, RecoveryOptions{})
	assert.Assert(t, apphuberrors.IsBundleUnrecoverable(err))
}
