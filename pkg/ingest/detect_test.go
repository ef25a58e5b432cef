/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package ingest

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/assert"

	"github.com/benediktbwimmer/apphub-sub011/pkg/database/client"
)

func writeFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name))
	assert.NilError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	assert.NilError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestDetectDockerfileDeclaredWins(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "services/api/Dockerfile", "FROM node:20\n")
	writeFile(t, dir, "Dockerfile", "FROM python:3.12\n")

	path, err := detectDockerfile(dir, "services/api/Dockerfile")
	assert.NilError(t, err)
	assert.Equal(t, path, "services/api/Dockerfile")
}

func TestDetectDockerfileProbesConventions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "docker/Dockerfile", "FROM node:20\n")

	path, err := detectDockerfile(dir, "")
	assert.NilError(t, err)
	assert.Equal(t, path, "docker/Dockerfile")
}

func TestDetectDockerfileMissing(t *testing.T) {
	dir := t.TempDir()

	_, err := detectDockerfile(dir, "")
	assert.ErrorContains(t, err, "no dockerfile found")

	_, err = detectDockerfile(dir, "missing/Dockerfile")
	assert.ErrorContains(t, err, "dockerfile not found at missing/Dockerfile")
}

func TestDetectDockerfileRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Dockerfile", "FROM node:20\n")

	path, err := detectDockerfile(dir, "../outside/Dockerfile")
	assert.NilError(t, err)
	assert.Equal(t, path, "Dockerfile") // escape ignored, probe found the real one
}

func TestDeriveTagsNodeProject(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Dockerfile", "FROM node:20-alpine AS build\n")
	writeFile(t, dir, "package.json", `{"dependencies":{"astro":"^4.0.0"}}`)
	writeFile(t, dir, "tsconfig.json", `{}`)

	tags := deriveTags(dir, "Dockerfile")
	byKey := map[string]string{}
	for _, tag := range tags {
		byKey[tag.TagKey] = tag.TagValue
		assert.Equal(t, tag.Source, client.TagSourceSystem)
	}
	assert.Equal(t, byKey["language"], "typescript")
	assert.Equal(t, byKey["framework"], "astro")
	assert.Equal(t, byKey["runtime"], "node")
	assert.Equal(t, byKey["category"], "app")
}

func TestDeriveTagsGoProject(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Dockerfile", "FROM registry.example.com/library/golang:1.24@sha256:abc\n")
	writeFile(t, dir, "go.mod", "module example.com/app\n")

	tags := deriveTags(dir, "Dockerfile")
	byKey := map[string]string{}
	for _, tag := range tags {
		byKey[tag.TagKey] = tag.TagValue
	}
	assert.Equal(t, byKey["language"], "go")
	assert.Equal(t, byKey["runtime"], "golang")
}

func TestDockerfileBaseImageScratch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Dockerfile", "# comment\nFROM scratch\n")

	assert.Equal(t, dockerfileBaseImage(filepath.Join(dir, "Dockerfile")), "scratch")
}

func TestReadmeSummary(t *testing.T) {
	readme := "# Title\n\n![badge](x.svg)\n\nThe observatory dashboard renders\nnightly sky surveys.\n\nMore text."
	assert.Equal(t, readmeSummary(readme), "The observatory dashboard renders nightly sky surveys.")
	assert.Equal(t, readmeSummary("# only headings\n\n## nothing else"), "")
}

func TestDerivePreviews(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "README.md", "# App\n\nA preview-worthy description.\n")
	writeFile(t, dir, "screenshots/home.png", "png-bytes")
	writeFile(t, dir, "screenshots/notes.txt", "not an image")

	repo := &client.Repository{RepositoryId: "observatory", Name: "Observatory"}
	previews := derivePreviews(dir, repo)
	assert.Equal(t, len(previews), 2)
	assert.Equal(t, previews[0].Kind, "readme")
	assert.Equal(t, previews[1].Kind, "image")
	assert.Equal(t, previews[1].Src.String, "screenshots/home.png")
}
