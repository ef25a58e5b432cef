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
	"github.com/benediktbwimmer/apphub-sub011/pkg/eventbus"
	"github.com/benediktbwimmer/apphub-sub011/pkg/timeutil"
)

const (
	TJobRun = "job_run"
)

var (
	getJobRunCmd       = fmt.Sprintf(`SELECT * FROM %s WHERE run_id = $1 LIMIT 1`, TJobRun)
	insertJobRunFormat = `INSERT INTO ` + TJobRun + ` (%s) VALUES (%s)`

	startJobRunCmd = fmt.Sprintf(`UPDATE %s
		SET status = '%s',
		    worker_id = $2,
		    started_at = $3,
		    updated_at = $3
		WHERE run_id = $1 AND status = '%s'
		RETURNING *`, TJobRun, JobRunStatusRunning, JobRunStatusPending)

	updateJobRunProgressCmd = fmt.Sprintf(`UPDATE %s
		SET result = COALESCE($3, result),
		    metrics = COALESCE($4, metrics),
		    context = COALESCE($5, context),
		    logs_url = COALESCE($6, logs_url),
		    updated_at = $7
		WHERE run_id = $1 AND status = '%s' AND worker_id = $2
		RETURNING *`, TJobRun, JobRunStatusRunning)

	completeJobRunCmd = fmt.Sprintf(`UPDATE %s
		SET status = $3,
		    result = COALESCE($4, result),
		    error_message = $5,
		    metrics = COALESCE($6, metrics),
		    completed_at = $7,
		    updated_at = $7
		WHERE run_id = $1 AND status = '%s' AND worker_id = $2
		RETURNING *`, TJobRun, JobRunStatusRunning)

	retryJobRunCmd = fmt.Sprintf(`UPDATE %s
		SET status = '%s',
		    worker_id = NULL,
		    started_at = NULL,
		    error_message = $3,
		    attempt = attempt + 1,
		    updated_at = $4
		WHERE run_id = $1 AND status = '%s' AND worker_id = $2
		RETURNING *`, TJobRun, JobRunStatusPending, JobRunStatusRunning)

	failQueuedJobRunCmd = fmt.Sprintf(`UPDATE %s
		SET status = '%s',
		    error_message = $2,
		    completed_at = $3,
		    updated_at = $3
		WHERE run_id = $1 AND status = '%s'
		RETURNING *`, TJobRun, JobRunStatusFailed, JobRunStatusPending)

	cancelJobRunCmd = fmt.Sprintf(`UPDATE %s
		SET status = '%s',
		    completed_at = $2,
		    updated_at = $2
		WHERE run_id = $1 AND status = '%s'
		RETURNING *`, TJobRun, JobRunStatusCanceled, JobRunStatusPending)
)

// JobRunCompletion carries the terminal fields of a finished run. Nil JSON
// fields keep the stored value.
type JobRunCompletion struct {
	Status       string
	Result       *string
	ErrorMessage string
	Metrics      *string
}

// JobRunProgress carries non-terminal updates issued by a running sandbox.
type JobRunProgress struct {
	Result  *string
	Metrics *string
	Context *string
	LogsUrl *string
}

// InsertJobRun creates a pending run for a job definition.
func (c *Client) InsertJobRun(ctx context.Context, run *JobRun) (*JobRun, error) {
	if run == nil || run.RunId == "" || run.JobSlug == "" {
		return nil, apphuberrors.NewBadRequest("the job run input is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	if run.Status == "" {
		run.Status = JobRunStatusPending
	}
	if run.Attempt <= 0 {
		run.Attempt = 1
	}
	now := timeutil.NowUTC()
	run.CreatedAt = dbutils.NullTime(now)
	run.UpdatedAt = dbutils.NullTime(now)

	_, err = db.NamedExecContext(ctx, generateCommand(*run, insertJobRunFormat, "id"), run)
	if err != nil {
		klog.ErrorS(err, "failed to insert job run", "id", run.RunId, "job", run.JobSlug)
		return nil, err
	}
	created, err := c.GetJobRun(ctx, run.RunId)
	if err != nil {
		return nil, err
	}
	c.publish(eventbus.JobRunUpdated, created.ToView())
	return created, nil
}

// GetJobRun retrieves a job run by its identifier.
func (c *Client) GetJobRun(ctx context.Context, runId string) (*JobRun, error) {
	if runId == "" {
		return nil, apphuberrors.NewBadRequest("runId is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	var runs []*JobRun
	if err = db.SelectContext(ctx, &runs, getJobRunCmd, runId); err != nil {
		klog.ErrorS(err, "failed to select job run", "id", runId)
		return nil, err
	}
	if len(runs) == 0 {
		return nil, apphuberrors.NewNotFound(JobRunKind, runId)
	}
	return runs[0], nil
}

// SelectJobRuns retrieves multiple job run records.
func (c *Client) SelectJobRuns(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*JobRun, error) {
	startTime := time.Now().UTC()
	defer func() {
		if query != nil {
			strQuery := dbutils.CvtToSqlStr(query)
			klog.Infof("select job runs, query: %s, orderBy: %v, limit: %d, offset: %d, cost (%v)",
				strQuery, orderBy, limit, offset, time.Since(startTime))
		}
	}()
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	builder := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).From(TJobRun)
	if query != nil {
		builder = builder.Where(query)
	}
	if limit > 0 {
		builder = builder.Limit(uint64(limit)).Offset(uint64(offset))
	}
	if len(orderBy) == 0 {
		orderBy = []string{"id DESC"}
	}
	sql, args, err := builder.OrderBy(orderBy...).ToSql()
	if err != nil {
		return nil, err
	}
	var runs []*JobRun
	ctx2, cancel := c.queryCtx(ctx)
	defer cancel()
	err = db.SelectContext(ctx2, &runs, sql, args...)
	return runs, err
}

// CountJobRuns returns the total count of job runs matching the criteria.
func (c *Client) CountJobRuns(ctx context.Context, query sqrl.Sqlizer) (int, error) {
	db, err := c.getDB()
	if err != nil {
		return 0, err
	}
	builder := sqrl.Select("COUNT(*)").PlaceholderFormat(sqrl.Dollar).From(TJobRun)
	if query != nil {
		builder = builder.Where(query)
	}
	sql, args, err := builder.ToSql()
	if err != nil {
		return 0, err
	}
	var cnt int
	err = db.GetContext(ctx, &cnt, sql, args...)
	return cnt, err
}

// StartJobRun claims a pending run for the given worker.
func (c *Client) StartJobRun(ctx context.Context, runId, workerId string) (*JobRun, bool, error) {
	if workerId == "" {
		return nil, false, apphuberrors.NewBadRequest("workerId is empty")
	}
	return c.transitionJobRun(ctx, startJobRunCmd, runId, workerId, timeutil.NowUTC())
}

// UpdateJobRunProgress applies a non-terminal update from the owning worker.
// Writes from a worker that lost ownership return changed=false.
func (c *Client) UpdateJobRunProgress(ctx context.Context, runId, workerId string, progress JobRunProgress) (*JobRun, bool, error) {
	if workerId == "" {
		return nil, false, apphuberrors.NewBadRequest("workerId is empty")
	}
	return c.transitionJobRun(ctx, updateJobRunProgressCmd, runId, workerId,
		nullStrPtr(progress.Result), nullStrPtr(progress.Metrics),
		nullStrPtr(progress.Context), nullStrPtr(progress.LogsUrl), timeutil.NowUTC())
}

// CompleteJobRun finishes a running run. The gate requires the caller to
// still own the run, so a stale worker cannot overwrite a reassigned run.
func (c *Client) CompleteJobRun(ctx context.Context, runId, workerId string, completion JobRunCompletion) (*JobRun, bool, error) {
	if workerId == "" {
		return nil, false, apphuberrors.NewBadRequest("workerId is empty")
	}
	if !IsTerminalJobRunStatus(completion.Status) {
		return nil, false, apphuberrors.NewBadRequest(
			fmt.Sprintf("invalid terminal job run status %q", completion.Status))
	}
	return c.transitionJobRun(ctx, completeJobRunCmd, runId, workerId,
		completion.Status, nullStrPtr(completion.Result),
		dbutils.NullString(truncateMessage(completion.ErrorMessage)),
		nullStrPtr(completion.Metrics), timeutil.NowUTC())
}

// ResetJobRunForRetry returns an owned running run to pending with the
// attempt counter bumped.
func (c *Client) ResetJobRunForRetry(ctx context.Context, runId, workerId, message string) (*JobRun, bool, error) {
	if workerId == "" {
		return nil, false, apphuberrors.NewBadRequest("workerId is empty")
	}
	return c.transitionJobRun(ctx, retryJobRunCmd, runId, workerId,
		dbutils.NullString(truncateMessage(message)), timeutil.NowUTC())
}

// FailQueuedJobRun fails a run that could not be enqueued, recording a
// bounded error message.
func (c *Client) FailQueuedJobRun(ctx context.Context, runId, message string) (*JobRun, bool, error) {
	return c.transitionJobRun(ctx, failQueuedJobRunCmd, runId,
		dbutils.NullString(truncateMessage(message)), timeutil.NowUTC())
}

// CancelJobRun cancels a run that has not started yet.
func (c *Client) CancelJobRun(ctx context.Context, runId string) (*JobRun, bool, error) {
	if runId == "" {
		return nil, false, apphuberrors.NewBadRequest("runId is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, false, err
	}
	var runs []*JobRun
	if err = db.SelectContext(ctx, &runs, cancelJobRunCmd, runId, timeutil.NowUTC()); err != nil {
		klog.ErrorS(err, "failed to cancel job run", "id", runId)
		return nil, false, err
	}
	if len(runs) == 0 {
		current, err := c.GetJobRun(ctx, runId)
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	}
	c.publish(eventbus.JobRunUpdated, runs[0].ToView())
	return runs[0], true, nil
}

func (c *Client) transitionJobRun(ctx context.Context, cmd, runId string, args ...interface{}) (*JobRun, bool, error) {
	if runId == "" {
		return nil, false, apphuberrors.NewBadRequest("runId is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, false, err
	}
	var runs []*JobRun
	execArgs := append([]interface{}{runId}, args...)
	if err = db.SelectContext(ctx, &runs, cmd, execArgs...); err != nil {
		klog.ErrorS(err, "failed to transition job run", "id", runId)
		return nil, false, err
	}
	if len(runs) == 0 {
		current, err := c.GetJobRun(ctx, runId)
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	}
	c.publish(eventbus.JobRunUpdated, runs[0].ToView())
	return runs[0], true, nil
}

// nullStrPtr maps a nil pointer to SQL NULL, keeping COALESCE semantics in
// the update statements.
func nullStrPtr(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}
