/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/gin-gonic/gin"

	"github.com/benediktbwimmer/apphub-sub011/pkg/database/client"
	apphuberrors "github.com/benediktbwimmer/apphub-sub011/pkg/errors"
	"github.com/benediktbwimmer/apphub-sub011/pkg/timeutil"
)

var repositoryIdPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{2,63}$`)

// CreateAppRequest is the repository submission payload.
type CreateAppRequest struct {
	Id             string           `json:"id"`
	Name           string           `json:"name"`
	Description    string           `json:"description"`
	RepoUrl        string           `json:"repoUrl"`
	DockerfilePath string           `json:"dockerfilePath"`
	Tags           []client.TagView `json:"tags"`
}

// SearchApps runs the catalog search with facets.
// GET /apps
func (h *Handler) SearchApps(c *gin.Context) {
	handle(c, h.searchApps)
}

// GetApp fetches one repository with its latest build and launch.
// GET /apps/:id
func (h *Handler) GetApp(c *gin.Context) {
	handle(c, h.getApp)
}

// CreateApp registers a repository and enqueues its ingestion.
// POST /apps
func (h *Handler) CreateApp(c *gin.Context) {
	handleWithStatus(c, 201, h.createApp)
}

// RetryIngestion re-queues ingestion for a repository that is not currently
// being processed.
// POST /apps/:id/retry
func (h *Handler) RetryIngestion(c *gin.Context) {
	handleWithStatus(c, 202, h.retryIngestion)
}

// ListIngestionHistory returns the ingestion event history.
// GET /apps/:id/history
func (h *Handler) ListIngestionHistory(c *gin.Context) {
	handle(c, h.listIngestionHistory)
}

// ListBuilds returns the paged build list of a repository.
// GET /apps/:id/builds
func (h *Handler) ListBuilds(c *gin.Context) {
	handle(c, h.listBuilds)
}

// ListLaunches returns the recent launches of a repository.
// GET /apps/:id/launches
func (h *Handler) ListLaunches(c *gin.Context) {
	handle(c, h.listLaunches)
}

func (h *Handler) searchApps(c *gin.Context) (interface{}, error) {
	ctx := c.Request.Context()
	params := client.RepositorySearchParams{
		Text:     c.Query("q"),
		Statuses: c.QueryArray("status"),
		Sort:     c.DefaultQuery("sort", "relevance"),
	}
	for _, raw := range c.QueryArray("tags") {
		key, value, ok := strings.Cut(raw, ":")
		if !ok || key == "" || value == "" {
			return nil, apphuberrors.NewBadRequest(
				fmt.Sprintf("tag filter %q must have the form key:value", raw))
		}
		params.Tags = append(params.Tags, client.TagView{Key: key, Value: value})
	}
	var err error
	if params.IngestedAfter, err = parseTimeParam(c.Query("ingestedAfter")); err != nil {
		return nil, err
	}
	if params.IngestedBefore, err = parseTimeParam(c.Query("ingestedBefore")); err != nil {
		return nil, err
	}
	if params.Limit, params.Offset, err = parsePageParams(c, 20, 100); err != nil {
		return nil, err
	}
	return h.dbc.SearchRepositories(ctx, params)
}

func (h *Handler) getApp(c *gin.Context) (interface{}, error) {
	ctx := c.Request.Context()
	view, err := h.dbc.GetRepositoryView(ctx, c.Param("id"))
	if err != nil {
		return nil, err
	}
	if build, err := h.dbc.GetLatestBuild(ctx, view.Id); err == nil && build != nil {
		view.LatestBuild = build.ToView()
	}
	if launch, err := h.dbc.GetLatestLaunch(ctx, view.Id); err == nil && launch != nil {
		view.LatestLaunch = launch.ToView()
	}
	return view, nil
}

func (h *Handler) createApp(c *gin.Context) (interface{}, error) {
	ctx := c.Request.Context()
	var req CreateAppRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, apphuberrors.NewBadRequest(fmt.Sprintf("invalid request: %v", err))
	}
	if !repositoryIdPattern.MatchString(req.Id) {
		return nil, apphuberrors.NewBadRequest(
			"id must be 3-64 lowercase letters, digits or dashes, starting with a letter")
	}
	if req.Name == "" || req.RepoUrl == "" {
		return nil, apphuberrors.NewBadRequest("name and repoUrl are required")
	}

	repo := &client.Repository{
		RepositoryId: req.Id,
		Name:         req.Name,
		Description:  req.Description,
		RepoUrl:      req.RepoUrl,
		IngestStatus: client.IngestStatusPending,
	}
	if req.DockerfilePath != "" {
		repo.DockerfilePath.String = req.DockerfilePath
		repo.DockerfilePath.Valid = true
	}
	created, err := h.dbc.InsertRepository(ctx, repo)
	if err != nil {
		return nil, err
	}
	if len(req.Tags) > 0 {
		tags := make([]client.RepositoryTag, 0, len(req.Tags))
		for _, tag := range req.Tags {
			if tag.Key == "" || tag.Value == "" {
				return nil, apphuberrors.NewBadRequest("tags must carry key and value")
			}
			tags = append(tags, client.RepositoryTag{
				RepositoryId: created.RepositoryId,
				TagKey:       tag.Key,
				TagValue:     tag.Value,
				Source:       client.TagSourceAuthor,
			})
		}
		if err = h.dbc.ReplaceRepositoryTags(ctx, created.RepositoryId, client.TagSourceAuthor, tags); err != nil {
			return nil, err
		}
	}
	if err = h.ingest.Enqueue(ctx, created.RepositoryId); err != nil {
		if _, _, failErr := h.dbc.AbortQueuedIngestion(ctx, created.RepositoryId, err.Error()); failErr != nil {
			return nil, failErr
		}
		return nil, apphuberrors.NewQueueUnavailable(
			fmt.Sprintf("repository registered but ingestion could not be queued: %v", err))
	}
	return h.dbc.GetRepositoryView(ctx, created.RepositoryId)
}

func (h *Handler) retryIngestion(c *gin.Context) (interface{}, error) {
	ctx := c.Request.Context()
	repo, changed, err := h.dbc.RequeueRepositoryIngestion(ctx, c.Param("id"))
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, apphuberrors.NewConflict(
			fmt.Sprintf("repository %s is %s and cannot be re-queued", repo.RepositoryId, repo.IngestStatus))
	}
	if err = h.ingest.Enqueue(ctx, repo.RepositoryId); err != nil {
		if _, _, failErr := h.dbc.AbortQueuedIngestion(ctx, repo.RepositoryId, err.Error()); failErr != nil {
			return nil, failErr
		}
		return nil, apphuberrors.NewQueueUnavailable(
			fmt.Sprintf("ingestion could not be queued: %v", err))
	}
	return repo.ToView(), nil
}

func (h *Handler) listIngestionHistory(c *gin.Context) (interface{}, error) {
	ctx := c.Request.Context()
	repo, err := h.dbc.GetRepository(ctx, c.Param("id"))
	if err != nil {
		return nil, err
	}
	events, err := h.dbc.ListIngestionEvents(ctx, repo.RepositoryId, 0)
	if err != nil {
		return nil, err
	}
	views := make([]*client.IngestionEventView, 0, len(events))
	for _, event := range events {
		views = append(views, event.ToView())
	}
	return views, nil
}

func (h *Handler) listBuilds(c *gin.Context) (interface{}, error) {
	ctx := c.Request.Context()
	repo, err := h.dbc.GetRepository(ctx, c.Param("id"))
	if err != nil {
		return nil, err
	}
	limit, offset, err := parsePageParams(c, 10, 100)
	if err != nil {
		return nil, err
	}
	filter := sqrl.Eq{"repository_id": repo.RepositoryId}
	builds, err := h.dbc.SelectBuilds(ctx, filter, []string{"id DESC"}, limit, offset)
	if err != nil {
		return nil, err
	}
	total, err := h.dbc.CountBuilds(ctx, filter)
	if err != nil {
		return nil, err
	}
	views := make([]*client.BuildView, 0, len(builds))
	for _, build := range builds {
		views = append(views, build.ToView())
	}
	return gin.H{"builds": views, "total": total, "limit": limit, "offset": offset}, nil
}

func (h *Handler) listLaunches(c *gin.Context) (interface{}, error) {
	ctx := c.Request.Context()
	limit, offset, err := parsePageParams(c, 10, 100)
	if err != nil {
		return nil, err
	}
	launches, err := h.dbc.SelectLaunches(ctx,
		sqrl.Eq{"repository_id": c.Param("id")}, []string{"id DESC"}, limit, offset)
	if err != nil {
		return nil, err
	}
	views := make([]*client.LaunchView, 0, len(launches))
	for _, launch := range launches {
		views = append(views, launch.ToView())
	}
	return views, nil
}

// parseTimeParam decodes an RFC3339 query value, empty meaning unset.
func parseTimeParam(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := timeutil.ParseRFC3339(value)
	if err != nil {
		return time.Time{}, apphuberrors.NewBadRequest(
			fmt.Sprintf("invalid timestamp %q, expected RFC3339", value))
	}
	return t, nil
}

// parsePageParams decodes limit/offset with bounds.
func parsePageParams(c *gin.Context, defaultLimit, maxLimit int) (int, int, error) {
	limit := defaultLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return 0, 0, apphuberrors.NewBadRequest(fmt.Sprintf("invalid limit %q", raw))
		}
		limit = parsed
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset := 0
	if raw := c.Query("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return 0, 0, apphuberrors.NewBadRequest(fmt.Sprintf("invalid offset %q", raw))
		}
		offset = parsed
	}
	return limit, offset, nil
}
