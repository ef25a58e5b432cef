/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/Masterminds/semver/v3"
	"k8s.io/klog/v2"

	"github.com/benediktbwimmer/apphub-sub011/pkg/database/client"
	dbutils "github.com/benediktbwimmer/apphub-sub011/pkg/database/utils"
	apphuberrors "github.com/benediktbwimmer/apphub-sub011/pkg/errors"
	"github.com/benediktbwimmer/apphub-sub011/pkg/jsonutil"
	"github.com/benediktbwimmer/apphub-sub011/pkg/timeutil"
)

// maxVersionProbes bounds how many bumped patch versions are tried before
// falling back to an epoch-suffixed version.
const maxVersionProbes = 10

var entryPointPattern = regexp.MustCompile(`^bundle:([^@#\s]+)@([^#\s]+)(?:#(.+))?$`)

// EntryPointRef is a decoded job entry point of the form
// bundle:<slug>@<version>[#<export>].
type EntryPointRef struct {
	Slug       string
	Version    string
	ExportName string
}

// String re-encodes the reference.
func (r EntryPointRef) String() string {
	s := fmt.Sprintf("bundle:%s@%s", r.Slug, r.Version)
	if r.ExportName != "" {
		s += "#" + r.ExportName
	}
	return s
}

// ParseEntryPoint decodes a bundle entry point reference.
func ParseEntryPoint(entryPoint string) (EntryPointRef, error) {
	m := entryPointPattern.FindStringSubmatch(entryPoint)
	if m == nil {
		return EntryPointRef{}, apphuberrors.NewBadRequest(
			fmt.Sprintf("entry point %q is not a bundle reference", entryPoint))
	}
	return EntryPointRef{Slug: m[1], Version: m[2], ExportName: m[3]}, nil
}

// RegenerationEntry is one line of a bundle's regeneration history.
type RegenerationEntry struct {
	Source        string `json:"source"` // "restored" or "regenerated"
	Version       string `json:"version"`
	Checksum      string `json:"checksum"`
	RegeneratedAt string `json:"regeneratedAt"`
}

// RecoveryOptions tunes a recovery attempt.
type RecoveryOptions struct {
	// StrictChecksum requires the repacked artifact to match the recorded
	// checksum before restoring in place.
	StrictChecksum bool
}

// recoveryDB is the slice of the database client recovery depends on.
type recoveryDB interface {
	GetJobBundleVersion(ctx context.Context, slug, version string) (*client.JobBundleVersion, error)
	InsertJobBundleVersion(ctx context.Context, bundle *client.JobBundleVersion) (*client.JobBundleVersion, error)
	UpdateJobBundleVersionMetadata(ctx context.Context, slug, version, metadata string) error
	UpdateJobBundleVersionChecksum(ctx context.Context, slug, version, checksum string, data []byte) error
	UpdateJobDefinitionEntryPoint(ctx context.Context, slug, entryPoint string) error
}

// artifactWriter persists repacked artifact bytes.
type artifactWriter interface {
	SaveArtifact(ctx context.Context, slug, version string, data []byte, contentType, filename string, force bool) (*ArtifactRecord, error)
}

// Recovery rebuilds missing bundle artifacts from AI-builder suggestions
// embedded in bundle metadata (C5).
type Recovery struct {
	dbc   recoveryDB
	store artifactWriter
}

// NewRecovery creates a recovery service.
func NewRecovery(dbc *client.Client, store *Store) *Recovery {
	return &Recovery{dbc: dbc, store: store}
}

// Recover attempts to restore or regenerate the bundle behind a job's entry
// point. Returns the usable bundle version record, or a BundleUnrecoverable
// error when no suggestion can rebuild it.
func (r *Recovery) Recover(ctx context.Context, job *client.JobDefinition, opts RecoveryOptions) (*client.JobBundleVersion, error) {
	if job == nil {
		return nil, apphuberrors.NewBadRequest("the job input is empty")
	}
	ref, err := ParseEntryPoint(job.EntryPoint)
	if err != nil {
		return nil, err
	}
	stored, err := r.dbc.GetJobBundleVersion(ctx, ref.Slug, ref.Version)
	if err != nil && !apphuberrors.IsNotFound(err) {
		return nil, err
	}

	suggestion := r.findSuggestion(stored)
	if suggestion == nil {
		return nil, apphuberrors.NewBundleUnrecoverable(fmt.Sprintf(
			"bundle %s@%s has no rebuild suggestion", ref.Slug, ref.Version))
	}

	data, checksum, err := PackBundle(suggestion)
	if err != nil {
		return nil, err
	}

	// In-place restore when the repack reproduces the recorded artifact.
	if stored != nil && (checksum == stored.Checksum || !opts.StrictChecksum) {
		if _, err = r.store.SaveArtifact(ctx, stored.Slug, stored.Version, data,
			dbutils.ParseNullString(stored.ArtifactContentType), stored.ArtifactPath, true); err != nil {
			return nil, err
		}
		if checksum != stored.Checksum {
			// Lenient restore: the row must describe the bytes now on disk.
			if err = r.dbc.UpdateJobBundleVersionChecksum(ctx, stored.Slug, stored.Version, checksum, data); err != nil {
				return nil, err
			}
		}
		if err = r.appendHistory(ctx, stored, "restored", stored.Version, checksum); err != nil {
			return nil, err
		}
		klog.Infof("restored bundle %s@%s in place (checksum match: %v)",
			stored.Slug, stored.Version, checksum == stored.Checksum)
		return r.dbc.GetJobBundleVersion(ctx, stored.Slug, stored.Version)
	}

	// Publish the repacked artifact under a fresh version and repoint the
	// job definition at it.
	newVersion, err := r.nextFreeVersion(ctx, ref.Slug, ref.Version)
	if err != nil {
		return nil, err
	}
	suggestion.Version = newVersion
	suggestion.Manifest.Version = newVersion
	data, checksum, err = PackBundle(suggestion)
	if err != nil {
		return nil, err
	}
	record, err := r.store.SaveArtifact(ctx, ref.Slug, newVersion, data,
		"application/gzip", ref.Slug+".tgz", false)
	if err != nil {
		return nil, err
	}

	source := "regenerated"
	if stored == nil {
		source = "restored"
	}
	metadata := map[string]json.RawMessage{}
	if stored != nil {
		if raw := dbutils.ParseNullString(stored.Metadata); raw != "" {
			_ = jsonutil.Unmarshal([]byte(raw), &metadata)
		}
	}
	metadata["aiBuilder"] = jsonutil.MarshalSilently(suggestion)
	history := readHistory(metadata)
	history = append(history, RegenerationEntry{
		Source:        source,
		Version:       newVersion,
		Checksum:      checksum,
		RegeneratedAt: timeutil.FormatRFC3339(timeutil.NowUTC()),
	})
	metadata["regenerationHistory"] = jsonutil.MarshalSilently(history)

	capabilities := normalizeCapabilities(
		append(append([]string{}, suggestion.Manifest.Capabilities...), suggestion.Capabilities...))
	published, err := r.dbc.InsertJobBundleVersion(ctx, &client.JobBundleVersion{
		Slug:                ref.Slug,
		Version:             newVersion,
		Checksum:            checksum,
		ArtifactStorage:     record.Storage,
		ArtifactPath:        record.Path,
		ArtifactSize:        dbutils.NullInt64(record.Size),
		ArtifactContentType: dbutils.NullString("application/gzip"),
		Manifest:            dbutils.NullString(string(jsonutil.MarshalSilently(suggestion.Manifest))),
		CapabilityFlags:     dbutils.NullString(string(jsonutil.MarshalSilently(capabilities))),
		Metadata:            dbutils.NullString(string(jsonutil.MarshalSilently(metadata))),
		ArtifactData:        data,
	})
	if err != nil {
		return nil, err
	}
	newRef := EntryPointRef{Slug: ref.Slug, Version: newVersion, ExportName: ref.ExportName}
	if err = r.dbc.UpdateJobDefinitionEntryPoint(ctx, job.Slug, newRef.String()); err != nil {
		return nil, err
	}
	klog.Infof("regenerated bundle %s@%s as %s (source %s)", ref.Slug, ref.Version, newVersion, source)
	return published, nil
}

// findSuggestion extracts the AI-builder suggestion matching the stored
// record, or nil.
func (r *Recovery) findSuggestion(stored *client.JobBundleVersion) *BundleSuggestion {
	if stored == nil {
		return nil
	}
	raw := dbutils.ParseNullString(stored.Metadata)
	if raw == "" {
		return nil
	}
	var metadata struct {
		AiBuilder *BundleSuggestion `json:"aiBuilder"`
	}
	if err := jsonutil.Unmarshal([]byte(raw), &metadata); err != nil {
		klog.ErrorS(err, "failed to decode bundle metadata", "slug", stored.Slug, "version", stored.Version)
		return nil
	}
	suggestion := metadata.AiBuilder
	if suggestion == nil {
		return nil
	}
	if suggestion.Slug != stored.Slug || suggestion.Version != stored.Version {
		return nil
	}
	return suggestion
}

// nextFreeVersion bumps the semver patch and probes for an unused version,
// falling back to a +regen-<epochMs> suffix after bounded attempts.
func (r *Recovery) nextFreeVersion(ctx context.Context, slug, version string) (string, error) {
	base, err := semver.NewVersion(version)
	if err != nil {
		return "", apphuberrors.NewBadRequest(
			fmt.Sprintf("bundle version %q is not semver: %v", version, err))
	}
	candidate := base.IncPatch()
	for i := 0; i < maxVersionProbes; i++ {
		_, err := r.dbc.GetJobBundleVersion(ctx, slug, candidate.String())
		if apphuberrors.IsNotFound(err) {
			return candidate.String(), nil
		}
		if err != nil {
			return "", err
		}
		candidate = candidate.IncPatch()
	}
	return fmt.Sprintf("%s+regen-%d", base.IncPatch().String(), time.Now().UnixMilli()), nil
}

// appendHistory appends a history entry to a stored bundle's metadata.
func (r *Recovery) appendHistory(ctx context.Context, stored *client.JobBundleVersion, source, version, checksum string) error {
	metadata := map[string]json.RawMessage{}
	if raw := dbutils.ParseNullString(stored.Metadata); raw != "" {
		_ = jsonutil.Unmarshal([]byte(raw), &metadata)
	}
	history := readHistory(metadata)
	history = append(history, RegenerationEntry{
		Source:        source,
		Version:       version,
		Checksum:      checksum,
		RegeneratedAt: timeutil.FormatRFC3339(timeutil.NowUTC()),
	})
	metadata["regenerationHistory"] = jsonutil.MarshalSilently(history)
	return r.dbc.UpdateJobBundleVersionMetadata(ctx, stored.Slug, stored.Version,
		string(jsonutil.MarshalSilently(metadata)))
}

func readHistory(metadata map[string]json.RawMessage) []RegenerationEntry {
	var history []RegenerationEntry
	if raw, ok := metadata["regenerationHistory"]; ok {
		_ = jsonutil.Unmarshal(raw, &history)
	}
	return history
}
