/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"k8s.io/klog/v2"

	apphuberrors "github.com/benediktbwimmer/apphub-sub011/pkg/errors"
)

// Relevance weights per matched field.
const (
	searchWeightName        = 5.0
	searchWeightTag         = 3.0
	searchWeightDescription = 1.0

	// MaxFacetValues caps the tag facet list returned per search.
	MaxFacetValues = 50
)

// RepositorySearchParams carries the catalog search filters.
type RepositorySearchParams struct {
	Text           string
	Tags           []TagView // key:value equality filters, ANDed
	Statuses       []string
	IngestedAfter  time.Time
	IngestedBefore time.Time
	Sort           string // relevance|updated|name
	Limit          int
	Offset         int
}

// TagFacetView is one tag value with its occurrence count in the result set.
type TagFacetView struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Count int    `json:"count"`
}

// StatusFacetView is one ingest status with its count.
type StatusFacetView struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// RepositorySearchResult is the catalog search response body.
type RepositorySearchResult struct {
	Repositories []*RepositoryView `json:"repositories"`
	Total        int               `json:"total"`
	Facets       struct {
		Tags     []TagFacetView    `json:"tags"`
		Statuses []StatusFacetView `json:"statuses"`
	} `json:"facets"`
}

// SearchRepositories runs the catalog query: token matching over name,
// description and tags with per-field relevance weights, plus tag and status
// facets computed over the filtered set.
func (c *Client) SearchRepositories(ctx context.Context, params RepositorySearchParams) (*RepositorySearchResult, error) {
	for _, status := range params.Statuses {
		switch status {
		case IngestStatusSeed, IngestStatusPending, IngestStatusProcessing, IngestStatusReady, IngestStatusFailed:
		default:
			return nil, apphuberrors.NewBadRequest(fmt.Sprintf("invalid ingest status %q", status))
		}
	}

	query := sqrl.And{}
	tokens := tokenize(params.Text)
	if len(tokens) > 0 {
		// Candidate rows need at least one token hit somewhere; exact
		// scoring happens after tags are loaded.
		or := sqrl.Or{}
		for _, token := range tokens {
			pattern := "%" + escapeLike(token) + "%"
			or = append(or,
				sqrl.ILike{"name": pattern},
				sqrl.ILike{"description": pattern},
				sqrl.Expr(fmt.Sprintf(
					`repository_id IN (SELECT repository_id FROM %s WHERE tag_key ILIKE ? OR tag_value ILIKE ?)`,
					TRepositoryTag), pattern, pattern),
			)
		}
		query = append(query, or)
	}
	if len(params.Statuses) > 0 {
		query = append(query, sqrl.Eq{"ingest_status": params.Statuses})
	}
	if !params.IngestedAfter.IsZero() {
		query = append(query, sqrl.GtOrEq{"last_ingested_at": params.IngestedAfter})
	}
	if !params.IngestedBefore.IsZero() {
		query = append(query, sqrl.LtOrEq{"last_ingested_at": params.IngestedBefore})
	}
	for _, tag := range params.Tags {
		query = append(query, sqrl.Expr(fmt.Sprintf(
			`repository_id IN (SELECT repository_id FROM %s WHERE tag_key = ? AND tag_value = ?)`,
			TRepositoryTag), tag.Key, tag.Value))
	}

	var cond sqrl.Sqlizer
	if len(query) > 0 {
		cond = query
	}
	repos, err := c.SelectRepositories(ctx, cond, []string{"updated_at DESC"}, 0, 0)
	if err != nil {
		klog.ErrorS(err, "failed to search repositories")
		return nil, err
	}

	result := &RepositorySearchResult{Repositories: []*RepositoryView{}}
	tagCounts := map[TagView]int{}
	statusCounts := map[string]int{}
	for _, repo := range repos {
		view := repo.ToView()
		tags, err := c.ListRepositoryTags(ctx, repo.RepositoryId)
		if err != nil {
			return nil, err
		}
		for _, tag := range tags {
			view.Tags = append(view.Tags, TagView{Key: tag.TagKey, Value: tag.TagValue, Source: tag.Source})
			tagCounts[TagView{Key: tag.TagKey, Value: tag.TagValue}]++
		}
		statusCounts[view.IngestStatus]++
		if len(tokens) > 0 {
			view.Relevance = scoreRepository(view, tokens)
			if view.Relevance.Score == 0 {
				continue
			}
		}
		result.Repositories = append(result.Repositories, view)
	}

	switch params.Sort {
	case "name":
		sort.SliceStable(result.Repositories, func(i, j int) bool {
			return strings.ToLower(result.Repositories[i].Name) < strings.ToLower(result.Repositories[j].Name)
		})
	case "updated", "":
		if len(tokens) == 0 {
			break // already ordered by updated_at
		}
		fallthrough
	case "relevance":
		sort.SliceStable(result.Repositories, func(i, j int) bool {
			si, sj := 0.0, 0.0
			if result.Repositories[i].Relevance != nil {
				si = result.Repositories[i].Relevance.Score
			}
			if result.Repositories[j].Relevance != nil {
				sj = result.Repositories[j].Relevance.Score
			}
			return si > sj
		})
	default:
		return nil, apphuberrors.NewBadRequest(fmt.Sprintf("invalid sort %q", params.Sort))
	}

	result.Total = len(result.Repositories)
	if params.Offset > 0 {
		if params.Offset >= len(result.Repositories) {
			result.Repositories = []*RepositoryView{}
		} else {
			result.Repositories = result.Repositories[params.Offset:]
		}
	}
	if params.Limit > 0 && len(result.Repositories) > params.Limit {
		result.Repositories = result.Repositories[:params.Limit]
	}

	for tag, count := range tagCounts {
		result.Facets.Tags = append(result.Facets.Tags, TagFacetView{Key: tag.Key, Value: tag.Value, Count: count})
	}
	sort.Slice(result.Facets.Tags, func(i, j int) bool {
		if result.Facets.Tags[i].Count != result.Facets.Tags[j].Count {
			return result.Facets.Tags[i].Count > result.Facets.Tags[j].Count
		}
		if result.Facets.Tags[i].Key != result.Facets.Tags[j].Key {
			return result.Facets.Tags[i].Key < result.Facets.Tags[j].Key
		}
		return result.Facets.Tags[i].Value < result.Facets.Tags[j].Value
	})
	if len(result.Facets.Tags) > MaxFacetValues {
		result.Facets.Tags = result.Facets.Tags[:MaxFacetValues]
	}
	for status, count := range statusCounts {
		result.Facets.Statuses = append(result.Facets.Statuses, StatusFacetView{Status: status, Count: count})
	}
	sort.Slice(result.Facets.Statuses, func(i, j int) bool {
		return result.Facets.Statuses[i].Status < result.Facets.Statuses[j].Status
	})
	return result, nil
}

// scoreRepository computes weighted hit counts per field.
func scoreRepository(view *RepositoryView, tokens []string) *RelevanceView {
	name := strings.ToLower(view.Name)
	description := strings.ToLower(view.Description)
	components := map[string]float64{}
	for _, token := range tokens {
		if strings.Contains(name, token) {
			components["name"] += searchWeightName
		}
		if strings.Contains(description, token) {
			components["description"] += searchWeightDescription
		}
		for _, tag := range view.Tags {
			if strings.Contains(strings.ToLower(tag.Key), token) ||
				strings.Contains(strings.ToLower(tag.Value), token) {
				components["tags"] += searchWeightTag
			}
		}
	}
	score := 0.0
	for _, v := range components {
		score += v
	}
	return &RelevanceView{Score: score, Components: components}
}

func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(text)))
	tokens := make([]string, 0, len(fields))
	seen := map[string]bool{}
	for _, field := range fields {
		if field == "" || seen[field] {
			continue
		}
		seen[field] = true
		tokens = append(tokens, field)
	}
	return tokens
}

func escapeLike(token string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(token)
}
