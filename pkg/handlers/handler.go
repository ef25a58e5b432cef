/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

// Package handlers exposes the control-plane HTTP surface (C11): catalog
// search, repository lifecycle, builds, launches, job definitions, job runs,
// bundle downloads and the websocket event feed.
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/benediktbwimmer/apphub-sub011/pkg/apiutils"
	buildpipe "github.com/benediktbwimmer/apphub-sub011/pkg/build"
	"github.com/benediktbwimmer/apphub-sub011/pkg/bundle"
	"github.com/benediktbwimmer/apphub-sub011/pkg/database/client"
	apphuberrors "github.com/benediktbwimmer/apphub-sub011/pkg/errors"
	"github.com/benediktbwimmer/apphub-sub011/pkg/eventbus"
	ingestpipe "github.com/benediktbwimmer/apphub-sub011/pkg/ingest"
	"github.com/benediktbwimmer/apphub-sub011/pkg/jobs"
	launchpipe "github.com/benediktbwimmer/apphub-sub011/pkg/launch"
)

// Scopes required by write routes.
const (
	ScopeJobsWrite       = "jobs:write"
	ScopeJobsRun         = "jobs:run"
	ScopeJobBundlesWrite = "job-bundles:write"
	ScopeJobRunsList     = "job-runs:list"
	ScopeServicesWrite   = "services:write"
)

// Handler carries the wired components behind the HTTP surface.
type Handler struct {
	dbc      *client.Client
	bus      *eventbus.Bus
	store    *bundle.Store
	recovery *bundle.Recovery
	ingest   *ingestpipe.Pipeline
	builds   *buildpipe.Pipeline
	launches *launchpipe.Pipeline
	jobs     *jobs.Engine
}

// NewHandler creates the HTTP handler set.
func NewHandler(dbc *client.Client, bus *eventbus.Bus, store *bundle.Store,
	recovery *bundle.Recovery, ingest *ingestpipe.Pipeline, builds *buildpipe.Pipeline,
	launches *launchpipe.Pipeline, jobs *jobs.Engine) *Handler {
	return &Handler{
		dbc: dbc, bus: bus, store: store, recovery: recovery,
		ingest: ingest, builds: builds, launches: launches, jobs: jobs,
	}
}

// InitRouters registers all control-plane routes on the engine.
func InitRouters(e *gin.Engine, h *Handler) {
	e.GET("/health", h.Health)

	e.GET("/apps", h.SearchApps)
	e.POST("/apps", h.CreateApp)
	e.GET("/apps/:id", h.GetApp)
	e.POST("/apps/:id/retry", h.RetryIngestion)
	e.GET("/apps/:id/history", h.ListIngestionHistory)
	e.GET("/apps/:id/builds", h.ListBuilds)
	e.GET("/apps/:id/launches", h.ListLaunches)
	e.POST("/apps/:id/launches/:lid/stop", h.StopLaunch)

	e.POST("/builds/:id/retry", h.RetryBuild)
	e.GET("/builds/:id/logs", h.GetBuildLogs)

	e.POST("/launches", h.CreateLaunch)

	e.GET("/services", h.ListServices)
	e.POST("/services", RequireScopes(ScopeServicesWrite), h.RegisterService)

	e.GET("/jobs", h.ListJobs)
	e.POST("/jobs", RequireScopes(ScopeJobsWrite), h.CreateJob)
	e.PATCH("/jobs/:slug", RequireScopes(ScopeJobsWrite), h.UpdateJob)
	e.POST("/jobs/:slug/run", RequireScopes(ScopeJobsRun), h.RunJob)
	e.POST("/jobs/:slug/bundle/regenerate", RequireScopes(ScopeJobBundlesWrite), h.RegenerateBundle)

	e.GET("/job-runs", RequireScopes(ScopeJobRunsList), h.ListJobRuns)
	e.POST("/job-bundles", RequireScopes(ScopeJobBundlesWrite), h.PublishBundle)
	e.GET("/job-bundles/:slug/versions/:version/download", h.DownloadBundle)

	e.GET("/ws", h.ServeWS)
}

// handle is the common wrapper: fn returns a body or an error, and the
// wrapper renders either as JSON.
func handle(c *gin.Context, fn func(c *gin.Context) (interface{}, error)) {
	handleWithStatus(c, 200, fn)
}

// handleWithStatus renders successful results with the given status code.
func handleWithStatus(c *gin.Context, status int, fn func(c *gin.Context) (interface{}, error)) {
	result, err := fn(c)
	if err != nil {
		apiutils.AbortWithApiError(c, err)
		return
	}
	c.JSON(status, gin.H{"data": result})
}

// Health reports liveness.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

// NotFoundHandler renders unknown routes in the standard error shape.
func NotFoundHandler(c *gin.Context) {
	apiutils.AbortWithApiError(c,
		apphuberrors.NewNotFoundWithMessage(c.Request.RequestURI+" not found"))
}
