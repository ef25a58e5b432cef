/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/benediktbwimmer/apphub-sub011/pkg/database/client"
	dbutils "github.com/benediktbwimmer/apphub-sub011/pkg/database/utils"
	apphuberrors "github.com/benediktbwimmer/apphub-sub011/pkg/errors"
	"github.com/benediktbwimmer/apphub-sub011/pkg/jsonutil"
)

// CreateLaunchRequest is the preview launch payload. BuildId defaults to the
// latest succeeded build of the repository.
type CreateLaunchRequest struct {
	RepositoryId    string          `json:"repositoryId"`
	BuildId         string          `json:"buildId"`
	Env             []client.EnvVar `json:"env"`
	ResourceProfile string          `json:"resourceProfile"`
	Command         string          `json:"command"`
}

// CreateLaunch records a pending launch and enqueues the start work item.
// POST /launches
func (h *Handler) CreateLaunch(c *gin.Context) {
	handleWithStatus(c, 202, h.createLaunch)
}

// StopLaunch requests a running launch to stop.
// POST /apps/:id/launches/:lid/stop
func (h *Handler) StopLaunch(c *gin.Context) {
	handleWithStatus(c, 202, h.stopLaunch)
}

func (h *Handler) createLaunch(c *gin.Context) (interface{}, error) {
	ctx := c.Request.Context()
	var req CreateLaunchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, apphuberrors.NewBadRequest(fmt.Sprintf("invalid request: %v", err))
	}
	if req.RepositoryId == "" {
		return nil, apphuberrors.NewBadRequest("repositoryId is required")
	}
	repo, err := h.dbc.GetRepository(ctx, req.RepositoryId)
	if err != nil {
		return nil, err
	}

	buildId := req.BuildId
	if buildId == "" {
		latest, err := h.dbc.GetLatestBuild(ctx, repo.RepositoryId)
		if err != nil {
			return nil, err
		}
		if latest == nil || latest.Status != client.BuildStatusSucceeded {
			return nil, apphuberrors.NewConflict(
				fmt.Sprintf("repository %s has no successful build to launch", repo.RepositoryId))
		}
		buildId = latest.BuildId
	} else {
		build, err := h.dbc.GetBuild(ctx, buildId)
		if err != nil {
			return nil, err
		}
		if build.RepositoryId != repo.RepositoryId {
			return nil, apphuberrors.NewBadRequest(
				fmt.Sprintf("build %s does not belong to repository %s", buildId, repo.RepositoryId))
		}
		if build.Status != client.BuildStatusSucceeded {
			return nil, apphuberrors.NewConflict(
				fmt.Sprintf("build %s is %s, only succeeded builds can launch", buildId, build.Status))
		}
	}

	launch := &client.Launch{
		LaunchId:        uuid.NewString(),
		RepositoryId:    repo.RepositoryId,
		BuildId:         buildId,
		Status:          client.LaunchStatusPending,
		ResourceProfile: dbutils.NullString(req.ResourceProfile),
		Command:         dbutils.NullString(req.Command),
	}
	if len(req.Env) > 0 {
		launch.Env = dbutils.NullString(string(jsonutil.MarshalSilently(req.Env)))
	}
	created, err := h.dbc.InsertLaunch(ctx, launch)
	if err != nil {
		return nil, err
	}
	if err = h.launches.EnqueueStart(ctx, created.LaunchId); err != nil {
		if _, _, failErr := h.dbc.FailLaunch(ctx, created.LaunchId, err.Error()); failErr != nil {
			return nil, failErr
		}
		return nil, apphuberrors.NewQueueUnavailable(
			fmt.Sprintf("launch could not be queued: %v", err))
	}
	return created.ToView(), nil
}

func (h *Handler) stopLaunch(c *gin.Context) (interface{}, error) {
	ctx := c.Request.Context()
	launch, err := h.dbc.GetLaunch(ctx, c.Param("lid"))
	if err != nil {
		return nil, err
	}
	if launch.RepositoryId != c.Param("id") {
		return nil, apphuberrors.NewNotFound(client.LaunchKind, c.Param("lid"))
	}
	updated, changed, err := h.dbc.RequestLaunchStop(ctx, launch.LaunchId)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, apphuberrors.NewConflict(
			fmt.Sprintf("launch %s is %s and cannot be stopped", updated.LaunchId, updated.Status))
	}
	if err = h.launches.EnqueueStop(ctx, updated.LaunchId); err != nil {
		return nil, apphuberrors.NewQueueUnavailable(
			fmt.Sprintf("stop could not be queued: %v", err))
	}
	return updated.ToView(), nil
}
