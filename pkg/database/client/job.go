/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"fmt"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"k8s.io/klog/v2"

	dbutils "github.com/benediktbwimmer/apphub-sub011/pkg/database/utils"
	apphuberrors "github.com/benediktbwimmer/apphub-sub011/pkg/errors"
	"github.com/benediktbwimmer/apphub-sub011/pkg/timeutil"
)

const (
	TJobDefinition = "job_definition"
)

var (
	getJobDefinitionCmd       = fmt.Sprintf(`SELECT * FROM %s WHERE slug = $1 LIMIT 1`, TJobDefinition)
	insertJobDefinitionFormat = `INSERT INTO ` + TJobDefinition + ` (%s) VALUES (%s)`
	updateJobDefinitionCmd    = fmt.Sprintf(`UPDATE %s
		SET name = :name,
		    type = :type,
		    version = :version,
		    runtime = :runtime,
		    entry_point = :entry_point,
		    timeout_ms = :timeout_ms,
		    retry_policy = :retry_policy,
		    parameters_schema = :parameters_schema,
		    default_parameters = :default_parameters,
		    metadata = :metadata,
		    updated_at = :updated_at
		WHERE slug = :slug`, TJobDefinition)
)

// UpsertJobDefinition registers a job definition or replaces the stored
// revision, bumping the version counter on update.
func (c *Client) UpsertJobDefinition(ctx context.Context, job *JobDefinition) (*JobDefinition, error) {
	if job == nil || job.Slug == "" || job.EntryPoint == "" {
		return nil, apphuberrors.NewBadRequest("the job definition input is empty")
	}
	switch job.Runtime {
	case JobRuntimeNode, JobRuntimePython, JobRuntimeDocker:
	default:
		return nil, apphuberrors.NewBadRequest(fmt.Sprintf("unsupported runtime %q", job.Runtime))
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	now := timeutil.NowUTC()
	job.UpdatedAt = dbutils.NullTime(now)

	var existing []*JobDefinition
	if err = db.SelectContext(ctx, &existing, getJobDefinitionCmd, job.Slug); err != nil {
		klog.ErrorS(err, "failed to select job definition", "slug", job.Slug)
		return nil, err
	}
	if len(existing) > 0 {
		job.Version = existing[0].Version + 1
		_, err = db.NamedExecContext(ctx, updateJobDefinitionCmd, job)
	} else {
		if job.Version <= 0 {
			job.Version = 1
		}
		job.CreatedAt = dbutils.NullTime(now)
		_, err = db.NamedExecContext(ctx, generateCommand(*job, insertJobDefinitionFormat, "id"), job)
	}
	if err != nil {
		klog.ErrorS(err, "failed to upsert job definition", "slug", job.Slug)
		return nil, err
	}
	return c.GetJobDefinition(ctx, job.Slug)
}

// GetJobDefinition retrieves a job definition by slug.
func (c *Client) GetJobDefinition(ctx context.Context, slug string) (*JobDefinition, error) {
	if slug == "" {
		return nil, apphuberrors.NewBadRequest("slug is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	var jobs []*JobDefinition
	if err = db.SelectContext(ctx, &jobs, getJobDefinitionCmd, slug); err != nil {
		klog.ErrorS(err, "failed to select job definition", "slug", slug)
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, apphuberrors.NewNotFound(JobDefinitionKind, slug)
	}
	return jobs[0], nil
}

// SelectJobDefinitions retrieves multiple job definition records.
func (c *Client) SelectJobDefinitions(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*JobDefinition, error) {
	startTime := time.Now().UTC()
	defer func() {
		if query != nil {
			strQuery := dbutils.CvtToSqlStr(query)
			klog.Infof("select job definitions, query: %s, orderBy: %v, limit: %d, offset: %d, cost (%v)",
				strQuery, orderBy, limit, offset, time.Since(startTime))
		}
	}()
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	builder := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).From(TJobDefinition)
	if query != nil {
		builder = builder.Where(query)
	}
	if limit > 0 {
		builder = builder.Limit(uint64(limit)).Offset(uint64(offset))
	}
	if len(orderBy) == 0 {
		orderBy = []string{"slug"}
	}
	sql, args, err := builder.OrderBy(orderBy...).ToSql()
	if err != nil {
		return nil, err
	}
	var jobs []*JobDefinition
	ctx2, cancel := c.queryCtx(ctx)
	defer cancel()
	err = db.SelectContext(ctx2, &jobs, sql, args...)
	return jobs, err
}

// UpdateJobDefinitionEntryPoint repoints a job definition at another bundle
// version. Used after a bundle is republished under a regenerated version.
func (c *Client) UpdateJobDefinitionEntryPoint(ctx context.Context, slug, entryPoint string) error {
	if slug == "" || entryPoint == "" {
		return apphuberrors.NewBadRequest("slug or entryPoint is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf(`UPDATE %s SET entry_point=$2, updated_at=$3 WHERE slug=$1`, TJobDefinition)
	if _, err = db.ExecContext(ctx, cmd, slug, entryPoint, timeutil.NowUTC()); err != nil {
		klog.ErrorS(err, "failed to update job definition entry point", "slug", slug)
		return err
	}
	return nil
}
