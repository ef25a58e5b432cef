/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/benediktbwimmer/apphub-sub011/pkg/apiutils"
	"github.com/benediktbwimmer/apphub-sub011/pkg/database/client"
	apphuberrors "github.com/benediktbwimmer/apphub-sub011/pkg/errors"
)

// RetryBuild creates a fresh build for the repository of a failed build.
// POST /builds/:id/retry
func (h *Handler) RetryBuild(c *gin.Context) {
	handleWithStatus(c, 202, h.retryBuild)
}

// GetBuildLogs returns the accumulated log text of a build, either as JSON
// or as a plain-text attachment with ?download=1.
// GET /builds/:id/logs
func (h *Handler) GetBuildLogs(c *gin.Context) {
	buildId := c.Param("id")
	logs, err := h.dbc.GetBuildLogs(c.Request.Context(), buildId)
	if err != nil {
		apiutils.AbortWithApiError(c, err)
		return
	}
	if c.Query("download") != "" {
		c.Header("Content-Disposition",
			fmt.Sprintf(`attachment; filename="build-%s.log"`, buildId))
		c.Data(200, "text/plain; charset=utf-8", []byte(logs))
		return
	}
	c.JSON(200, gin.H{"data": gin.H{"buildId": buildId, "logs": logs}})
}

func (h *Handler) retryBuild(c *gin.Context) (interface{}, error) {
	ctx := c.Request.Context()
	previous, err := h.dbc.GetBuild(ctx, c.Param("id"))
	if err != nil {
		return nil, err
	}
	if previous.Status != client.BuildStatusFailed {
		return nil, apphuberrors.NewConflict(
			fmt.Sprintf("build %s is %s, only failed builds can be retried", previous.BuildId, previous.Status))
	}
	build := &client.Build{
		BuildId:      uuid.NewString(),
		RepositoryId: previous.RepositoryId,
		Status:       client.BuildStatusPending,
		CommitSha:    previous.CommitSha,
		GitBranch:    previous.GitBranch,
		GitRef:       previous.GitRef,
	}
	created, err := h.dbc.InsertBuild(ctx, build)
	if err != nil {
		return nil, err
	}
	if err = h.builds.Enqueue(ctx, created.BuildId); err != nil {
		if _, _, failErr := h.dbc.FailQueuedBuild(ctx, created.BuildId, err.Error()); failErr != nil {
			return nil, failErr
		}
		return nil, apphuberrors.NewQueueUnavailable(
			fmt.Sprintf("build could not be queued: %v", err))
	}
	return created.ToView(), nil
}
