/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/benediktbwimmer/apphub-sub011/pkg/bundle"
	"github.com/benediktbwimmer/apphub-sub011/pkg/database/client"
	dbutils "github.com/benediktbwimmer/apphub-sub011/pkg/database/utils"
	apphuberrors "github.com/benediktbwimmer/apphub-sub011/pkg/errors"
	"github.com/benediktbwimmer/apphub-sub011/pkg/jsonutil"
)

var jobSlugPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{1,63}$`)

// maxJobRunPageSize caps GET /job-runs pages.
const maxJobRunPageSize = 50

// JobDefinitionRequest is the create/update payload for a job definition.
// On PATCH, nil fields keep the stored value.
type JobDefinitionRequest struct {
	Slug              string          `json:"slug"`
	Name              string          `json:"name"`
	Type              string          `json:"type"`
	Runtime           string          `json:"runtime"`
	EntryPoint        string          `json:"entryPoint"`
	TimeoutMs         *int64          `json:"timeoutMs"`
	RetryPolicy       json.RawMessage `json:"retryPolicy"`
	ParametersSchema  json.RawMessage `json:"parametersSchema"`
	DefaultParameters json.RawMessage `json:"defaultParameters"`
	Metadata          json.RawMessage `json:"metadata"`
}

// RunJobRequest is the job run submission payload.
type RunJobRequest struct {
	Parameters json.RawMessage `json:"parameters"`
	TimeoutMs  *int64          `json:"timeoutMs"`
	Context    json.RawMessage `json:"context"`
}

// RegenerateBundleRequest tunes a recovery attempt. By default a repack that
// diverges from the recorded checksum is published as a new version;
// AllowChecksumMismatch opts into restoring it over the stored one.
type RegenerateBundleRequest struct {
	AllowChecksumMismatch bool `json:"allowChecksumMismatch"`
}

func (req *RegenerateBundleRequest) options() bundle.RecoveryOptions {
	return bundle.RecoveryOptions{StrictChecksum: !req.AllowChecksumMismatch}
}

// ListJobs returns all job definitions.
// GET /jobs
func (h *Handler) ListJobs(c *gin.Context) {
	handle(c, h.listJobs)
}

// CreateJob registers a new job definition.
// POST /jobs
func (h *Handler) CreateJob(c *gin.Context) {
	handleWithStatus(c, 201, h.createJob)
}

// UpdateJob revises an existing job definition, bumping its version.
// PATCH /jobs/:slug
func (h *Handler) UpdateJob(c *gin.Context) {
	handle(c, h.updateJob)
}

// RunJob records a pending run and enqueues it for the job engine.
// POST /jobs/:slug/run
func (h *Handler) RunJob(c *gin.Context) {
	handleWithStatus(c, 202, h.runJob)
}

// ListJobRuns lists runs with status, job, runtime and search filters.
// GET /job-runs
func (h *Handler) ListJobRuns(c *gin.Context) {
	handle(c, h.listJobRuns)
}

// RegenerateBundle rebuilds the bundle behind a job's entry point from its
// stored suggestion.
// POST /jobs/:slug/bundle/regenerate
func (h *Handler) RegenerateBundle(c *gin.Context) {
	handleWithStatus(c, 201, h.regenerateBundle)
}

func (h *Handler) listJobs(c *gin.Context) (interface{}, error) {
	ctx := c.Request.Context()
	limit, offset, err := parsePageParams(c, 50, 200)
	if err != nil {
		return nil, err
	}
	var query sqrl.Sqlizer
	if runtime := c.Query("runtime"); runtime != "" {
		query = sqrl.Eq{"runtime": runtime}
	}
	defs, err := h.dbc.SelectJobDefinitions(ctx, query, nil, limit, offset)
	if err != nil {
		return nil, err
	}
	views := make([]*client.JobDefinitionView, 0, len(defs))
	for _, def := range defs {
		views = append(views, def.ToView())
	}
	return views, nil
}

func (h *Handler) createJob(c *gin.Context) (interface{}, error) {
	ctx := c.Request.Context()
	var req JobDefinitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, apphuberrors.NewBadRequest(fmt.Sprintf("invalid request: %v", err))
	}
	if !jobSlugPattern.MatchString(req.Slug) {
		return nil, apphuberrors.NewBadRequest(
			"slug must be 2-64 lowercase letters, digits or dashes, starting with a letter")
	}
	if req.Name == "" || req.EntryPoint == "" {
		return nil, apphuberrors.NewBadRequest("name and entryPoint are required")
	}
	if err := validateEntryPoint(req.EntryPoint); err != nil {
		return nil, err
	}
	if _, err := h.dbc.GetJobDefinition(ctx, req.Slug); err == nil {
		return nil, apphuberrors.NewAlreadyExist(
			fmt.Sprintf("job %s already exists", req.Slug))
	} else if !apphuberrors.IsNotFound(err) {
		return nil, err
	}

	def := &client.JobDefinition{
		Slug:       req.Slug,
		Name:       req.Name,
		Type:       req.Type,
		Runtime:    req.Runtime,
		EntryPoint: req.EntryPoint,
	}
	applyJobFields(def, &req)
	created, err := h.dbc.UpsertJobDefinition(ctx, def)
	if err != nil {
		return nil, err
	}
	return created.ToView(), nil
}

func (h *Handler) updateJob(c *gin.Context) (interface{}, error) {
	ctx := c.Request.Context()
	var req JobDefinitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, apphuberrors.NewBadRequest(fmt.Sprintf("invalid request: %v", err))
	}
	def, err := h.dbc.GetJobDefinition(ctx, c.Param("slug"))
	if err != nil {
		return nil, err
	}
	if req.Name != "" {
		def.Name = req.Name
	}
	if req.Type != "" {
		def.Type = req.Type
	}
	if req.Runtime != "" {
		def.Runtime = req.Runtime
	}
	if req.EntryPoint != "" {
		if err = validateEntryPoint(req.EntryPoint); err != nil {
			return nil, err
		}
		def.EntryPoint = req.EntryPoint
	}
	applyJobFields(def, &req)
	updated, err := h.dbc.UpsertJobDefinition(ctx, def)
	if err != nil {
		return nil, err
	}
	return updated.ToView(), nil
}

func (h *Handler) runJob(c *gin.Context) (interface{}, error) {
	ctx := c.Request.Context()
	var req RunJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, apphuberrors.NewBadRequest(fmt.Sprintf("invalid request: %v", err))
	}
	def, err := h.dbc.GetJobDefinition(ctx, c.Param("slug"))
	if err != nil {
		return nil, err
	}
	if req.TimeoutMs != nil && *req.TimeoutMs < 0 {
		return nil, apphuberrors.NewBadRequest("timeoutMs must not be negative")
	}

	run := &client.JobRun{
		RunId:   uuid.NewString(),
		JobSlug: def.Slug,
		Status:  client.JobRunStatusPending,
	}
	if len(req.Parameters) > 0 {
		if err = validateJSONObject(req.Parameters, "parameters"); err != nil {
			return nil, err
		}
		run.Parameters = dbutils.NullString(string(req.Parameters))
	}
	if len(req.Context) > 0 {
		if err = validateJSONObject(req.Context, "context"); err != nil {
			return nil, err
		}
		run.Context = dbutils.NullString(string(req.Context))
	}
	if req.TimeoutMs != nil {
		run.TimeoutMs = dbutils.NullInt64(*req.TimeoutMs)
	} else if def.TimeoutMs.Valid {
		run.TimeoutMs = def.TimeoutMs
	}
	created, err := h.dbc.InsertJobRun(ctx, run)
	if err != nil {
		return nil, err
	}
	if err = h.jobs.Enqueue(ctx, created.RunId, 0); err != nil {
		if _, _, failErr := h.dbc.FailQueuedJobRun(ctx, created.RunId, err.Error()); failErr != nil {
			return nil, failErr
		}
		return nil, apphuberrors.NewQueueUnavailable(
			fmt.Sprintf("job run recorded but could not be queued: %v", err))
	}
	return created.ToView(), nil
}

func (h *Handler) listJobRuns(c *gin.Context) (interface{}, error) {
	ctx := c.Request.Context()
	limit, offset, err := parsePageParams(c, 20, maxJobRunPageSize)
	if err != nil {
		return nil, err
	}
	conditions := sqrl.And{}
	if statuses := c.QueryArray("status"); len(statuses) > 0 {
		for _, status := range statuses {
			if !validJobRunStatus(status) {
				return nil, apphuberrors.NewBadRequest(fmt.Sprintf("unknown status %q", status))
			}
		}
		conditions = append(conditions, sqrl.Eq{"status": statuses})
	}
	if job := c.Query("job"); job != "" {
		conditions = append(conditions, sqrl.Eq{"job_slug": job})
	}
	if runtime := c.Query("runtime"); runtime != "" {
		slugs, err := h.jobSlugsByRuntime(c, runtime)
		if err != nil {
			return nil, err
		}
		if len(slugs) == 0 {
			return gin.H{"runs": []*client.JobRunView{}, "total": 0, "limit": limit, "offset": offset}, nil
		}
		conditions = append(conditions, sqrl.Eq{"job_slug": slugs})
	}
	if search := strings.TrimSpace(c.Query("search")); search != "" {
		pattern := "%" + search + "%"
		conditions = append(conditions, sqrl.Or{
			sqrl.ILike{"run_id": pattern},
			sqrl.ILike{"job_slug": pattern},
			sqrl.ILike{"error_message": pattern},
		})
	}
	var query sqrl.Sqlizer
	if len(conditions) > 0 {
		query = conditions
	}
	runs, err := h.dbc.SelectJobRuns(ctx, query, []string{"id DESC"}, limit, offset)
	if err != nil {
		return nil, err
	}
	total, err := h.dbc.CountJobRuns(ctx, query)
	if err != nil {
		return nil, err
	}
	views := make([]*client.JobRunView, 0, len(runs))
	for _, run := range runs {
		views = append(views, run.ToView())
	}
	return gin.H{"runs": views, "total": total, "limit": limit, "offset": offset}, nil
}

func (h *Handler) regenerateBundle(c *gin.Context) (interface{}, error) {
	ctx := c.Request.Context()
	var req RegenerateBundleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, apphuberrors.NewBadRequest(fmt.Sprintf("invalid request: %v", err))
		}
	}
	def, err := h.dbc.GetJobDefinition(ctx, c.Param("slug"))
	if err != nil {
		return nil, err
	}
	recovered, err := h.recovery.Recover(ctx, def, req.options())
	if err != nil {
		return nil, err
	}
	return recovered.ToView(), nil
}

// jobSlugsByRuntime resolves the runtime filter of GET /job-runs to the
// matching job slugs.
func (h *Handler) jobSlugsByRuntime(c *gin.Context, runtime string) ([]string, error) {
	switch runtime {
	case client.JobRuntimeNode, client.JobRuntimePython, client.JobRuntimeDocker:
	default:
		return nil, apphuberrors.NewBadRequest(fmt.Sprintf("unknown runtime %q", runtime))
	}
	defs, err := h.dbc.SelectJobDefinitions(c.Request.Context(), sqrl.Eq{"runtime": runtime}, nil, 0, 0)
	if err != nil {
		return nil, err
	}
	slugs := make([]string, 0, len(defs))
	for _, def := range defs {
		slugs = append(slugs, def.Slug)
	}
	return slugs, nil
}

// applyJobFields copies the optional JSON fields of the request onto the
// definition after validating each.
func applyJobFields(def *client.JobDefinition, req *JobDefinitionRequest) {
	if req.TimeoutMs != nil {
		def.TimeoutMs = dbutils.NullInt64(*req.TimeoutMs)
	}
	if len(req.RetryPolicy) > 0 {
		def.RetryPolicy = dbutils.NullString(string(req.RetryPolicy))
	}
	if len(req.ParametersSchema) > 0 {
		def.ParametersSchema = dbutils.NullString(string(req.ParametersSchema))
	}
	if len(req.DefaultParameters) > 0 {
		def.DefaultParameters = dbutils.NullString(string(req.DefaultParameters))
	}
	if len(req.Metadata) > 0 {
		def.Metadata = dbutils.NullString(string(req.Metadata))
	}
}

// validateEntryPoint accepts a bundle reference or a plain relative path.
func validateEntryPoint(entryPoint string) error {
	if strings.HasPrefix(entryPoint, "bundle:") {
		_, err := bundle.ParseEntryPoint(entryPoint)
		return err
	}
	if strings.HasPrefix(entryPoint, "/") || strings.Contains(entryPoint, "..") {
		return apphuberrors.NewBadRequest(
			fmt.Sprintf("entry point %q must be a bundle reference or a relative path", entryPoint))
	}
	return nil
}

// validateJSONObject rejects payload fields that are not JSON objects.
func validateJSONObject(raw json.RawMessage, field string) error {
	var decoded map[string]interface{}
	if err := jsonutil.Unmarshal(raw, &decoded); err != nil {
		return apphuberrors.NewBadRequest(fmt.Sprintf("%s must be a JSON object", field))
	}
	return nil
}

func validJobRunStatus(status string) bool {
	switch status {
	case client.JobRunStatusPending, client.JobRunStatusRunning, client.JobRunStatusSucceeded,
		client.JobRunStatusFailed, client.JobRunStatusCanceled, client.JobRunStatusExpired:
		return true
	}
	return false
}
