/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"database/sql"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/lib/pq"
	"gotest.tools/assert"
)

func TestRepositoryToView(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	repo := &Repository{
		RepositoryId:   "observatory",
		Name:           "Observatory",
		Description:    "sky survey dashboard",
		RepoUrl:        "https://example.com/observatory.git",
		DockerfilePath: sql.NullString{String: "docker/Dockerfile", Valid: true},
		IngestStatus:   IngestStatusReady,
		IngestAttempts: 2,
		LastIngestedAt: pq.NullTime{Time: now, Valid: true},
		LaunchEnvTemplates: sql.NullString{
			String: `[{"key":"PORT","value":"4310"}]`, Valid: true,
		},
	}

	view := repo.ToView()
	assert.Equal(t, view.Id, "observatory")
	assert.Equal(t, view.DockerfilePath, "docker/Dockerfile")
	assert.Equal(t, view.IngestStatus, IngestStatusReady)
	assert.Equal(t, view.IngestAttempts, 2)
	assert.Equal(t, view.LastIngestedAt, "2026-03-14T09:26:53.000Z")
	assert.Equal(t, len(view.LaunchEnvTemplates), 1)
	assert.Equal(t, view.LaunchEnvTemplates[0].Key, "PORT")
}

func TestBuildToViewNullFields(t *testing.T) {
	build := &Build{
		BuildId:      "build-1",
		RepositoryId: "observatory",
		Status:       BuildStatusPending,
	}

	view := build.ToView()
	assert.Equal(t, view.ImageTag, "")
	assert.Equal(t, view.ErrorMessage, "")
	assert.Assert(t, view.DurationMs == nil)
}

func TestBuildToViewLogsPreview(t *testing.T) {
	build := &Build{BuildId: "b1", Logs: "short logs"}
	assert.Equal(t, build.ToView().LogsPreview, "short logs")

	long := strings.Repeat("x", BuildLogsPreviewLen+100) + "tail-marker"
	build.Logs = long
	preview := build.ToView().LogsPreview
	assert.Equal(t, len(preview), BuildLogsPreviewLen)
	assert.Assert(t, strings.HasSuffix(preview, "tail-marker"))
}

func TestLogsTailRuneBoundary(t *testing.T) {
	// The euro sign straddles the cut point; it must be dropped, not split.
	logs := "aa" + "€" + strings.Repeat("b", BuildLogsPreviewLen-1)
	tail := logsTail(logs)
	assert.Assert(t, utf8.ValidString(tail))
	assert.Equal(t, len(tail), BuildLogsPreviewLen-1)
	assert.Assert(t, !strings.Contains(tail, "€"))
}

func TestLaunchToViewEnv(t *testing.T) {
	launch := &Launch{
		LaunchId:     "launch-1",
		RepositoryId: "observatory",
		BuildId:      "build-1",
		Status:       LaunchStatusRunning,
		Port:         sql.NullInt64{Int64: 4310, Valid: true},
		Env: sql.NullString{
			String: `[{"key":"API_URL","fromService":{"service":"api","property":"baseUrl"}}]`,
			Valid:  true,
		},
	}

	view := launch.ToView()
	assert.Assert(t, view.Port != nil)
	assert.Equal(t, *view.Port, int64(4310))
	assert.Equal(t, len(view.Env), 1)
	assert.Assert(t, view.Env[0].FromService != nil)
	assert.Equal(t, view.Env[0].FromService.Property, "baseUrl")
}

func TestJobBundleVersionToViewHidesArtifactData(t *testing.T) {
	bundle := &JobBundleVersion{
		Slug:            "observatory-report",
		Version:         "1.2.3",
		Checksum:        "abc123",
		ArtifactStorage: ArtifactStorageLocal,
		ArtifactPath:    "observatory-report/observatory-report-1.2.3.tgz",
		CapabilityFlags: sql.NullString{String: `["fs","network"]`, Valid: true},
		ArtifactData:    []byte("tarball bytes"),
	}

	view := bundle.ToView()
	assert.DeepEqual(t, view.CapabilityFlags, []string{"fs", "network"})
	assert.Equal(t, view.Checksum, "abc123")
}
