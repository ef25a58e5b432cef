/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"testing"

	"gotest.tools/assert"
)

func TestSearchRepositoriesInvalidStatus(t *testing.T) {
	client := &Client{}

	_, err := client.SearchRepositories(context.Background(), RepositorySearchParams{
		Statuses: []string{"bogus"},
	})
	assert.ErrorContains(t, err, "invalid ingest status")
}

func TestTokenize(t *testing.T) {
	tokens := tokenize("  Astro  telescope ASTRO ")
	assert.DeepEqual(t, tokens, []string{"astro", "telescope"})

	assert.Equal(t, len(tokenize("")), 0)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, escapeLike("100%_done"), `100\%\_done`)
	assert.Equal(t, escapeLike("plain"), "plain")
}

func TestScoreRepository(t *testing.T) {
	view := &RepositoryView{
		Name:        "Observatory Dashboard",
		Description: "astro data dashboard",
		Tags: []TagView{
			{Key: "framework", Value: "astro"},
			{Key: "language", Value: "typescript"},
		},
	}

	relevance := scoreRepository(view, []string{"astro"})
	assert.Equal(t, relevance.Components["description"], searchWeightDescription)
	assert.Equal(t, relevance.Components["tags"], searchWeightTag)
	assert.Equal(t, relevance.Score, searchWeightDescription+searchWeightTag)

	relevance = scoreRepository(view, []string{"dashboard"})
	assert.Equal(t, relevance.Components["name"], searchWeightName)

	relevance = scoreRepository(view, []string{"nomatch"})
	assert.Equal(t, relevance.Score, 0.0)
}
