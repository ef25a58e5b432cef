/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	sqrl "github.com/Masterminds/squirrel"
	"gotest.tools/assert"
)

func TestInsertRepositoryNilInput(t *testing.T) {
	client := &Client{}

	_, err := client.InsertRepository(context.Background(), nil)
	assert.ErrorContains(t, err, "the repository input is empty")
}

func TestInsertRepositoryNoDBConnection(t *testing.T) {
	client := &Client{}

	repo := &Repository{
		RepositoryId: "observatory",
		Name:         "Observatory",
		RepoUrl:      "https://example.com/observatory.git",
	}
	_, err := client.InsertRepository(context.Background(), repo)
	assert.ErrorContains(t, err, "db has not been initialized")
}

func TestGetRepositoryEmptyId(t *testing.T) {
	client := &Client{}

	_, err := client.GetRepository(context.Background(), "")
	assert.ErrorContains(t, err, "repositoryId is empty")
}

func TestSelectRepositoriesNoDBConnection(t *testing.T) {
	client := &Client{}

	query := sqrl.Eq{"ingest_status": IngestStatusReady}
	_, err := client.SelectRepositories(context.Background(), query, []string{"id"}, 10, 0)
	assert.ErrorContains(t, err, "db has not been initialized")
}

func TestBeginRepositoryIngestionEmptyId(t *testing.T) {
	client := &Client{}

	_, _, err := client.BeginRepositoryIngestion(context.Background(), "")
	assert.ErrorContains(t, err, "repositoryId is empty")
}

func TestSetLaunchEnvTemplatesValidation(t *testing.T) {
	client := &Client{}

	templates := make([]EnvVar, MaxLaunchEnvTemplates+1)
	for i := range templates {
		templates[i] = EnvVar{Key: "KEY", Value: "value"}
	}
	_, err := client.SetLaunchEnvTemplates(context.Background(), "observatory", templates)
	assert.ErrorContains(t, err, "too many launch env templates")

	_, err = client.SetLaunchEnvTemplates(context.Background(), "observatory", []EnvVar{{Value: "no-key"}})
	assert.ErrorContains(t, err, "launch env template key is empty")
}

func TestTruncateMessage(t *testing.T) {
	short := "clone failed"
	assert.Equal(t, truncateMessage(short), short)

	long := strings.Repeat("x", MaxFailureMessageLen+100)
	assert.Equal(t, len(truncateMessage(long)), MaxFailureMessageLen)

	// A multibyte rune straddling the limit is dropped, never split.
	multibyte := strings.Repeat("x", MaxFailureMessageLen-1) + "édge"
	truncated := truncateMessage(multibyte)
	assert.Assert(t, utf8.ValidString(truncated))
	assert.Equal(t, len(truncated), MaxFailureMessageLen-1)
}

func TestTRepositoryConstant(t *testing.T) {
	assert.Equal(t, TRepository, "repository")
	assert.Equal(t, TRepositoryTag, "repository_tag")
	assert.Equal(t, TRepositoryPreview, "repository_preview")
}

func TestGetRepositoryFieldTags(t *testing.T) {
	tags := GetRepositoryFieldTags()

	assert.Equal(t, "repository_id", tags["repositoryid"])
	assert.Equal(t, "repo_url", tags["repourl"])
	assert.Equal(t, "dockerfile_path", tags["dockerfilepath"])
	assert.Equal(t, "ingest_status", tags["ingeststatus"])
	assert.Equal(t, "ingest_attempts", tags["ingestattempts"])
	assert.Equal(t, "last_ingested_at", tags["lastingestedat"])
	assert.Equal(t, "launch_env_templates", tags["launchenvtemplates"])
}
