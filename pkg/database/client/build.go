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
	TBuild = "build"
)

var (
	getBuildCmd       = fmt.Sprintf(`SELECT * FROM %s WHERE build_id = $1 LIMIT 1`, TBuild)
	insertBuildFormat = `INSERT INTO ` + TBuild + ` (%s) VALUES (%s)`

	startBuildCmd = fmt.Sprintf(`UPDATE %s
		SET status = '%s',
		    started_at = $2,
		    updated_at = $2
		WHERE build_id = $1 AND status = '%s'
		RETURNING *`, TBuild, BuildStatusRunning, BuildStatusPending)

	appendBuildLogsCmd = fmt.Sprintf(`UPDATE %s
		SET logs = logs || $2,
		    updated_at = $3
		WHERE build_id = $1`, TBuild)

	failQueuedBuildCmd = fmt.Sprintf(`UPDATE %s
		SET status = '%s',
		    error_message = $2,
		    completed_at = $3,
		    updated_at = $3
		WHERE build_id = $1 AND status = '%s'
		RETURNING *`, TBuild, BuildStatusFailed, BuildStatusPending)

	completeBuildCmd = fmt.Sprintf(`UPDATE %s
		SET status = $2,
		    image_tag = $3,
		    error_message = $4,
		    completed_at = $5,
		    duration_ms = $6,
		    updated_at = $5
		WHERE build_id = $1 AND status = '%s'
		RETURNING *`, TBuild, BuildStatusRunning)
)

// InsertBuild creates a pending build for a repository.
func (c *Client) InsertBuild(ctx context.Context, build *Build) (*Build, error) {
	if build == nil || build.BuildId == "" || build.RepositoryId == "" {
		return nil, apphuberrors.NewBadRequest("the build input is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	if build.Status == "" {
		build.Status = BuildStatusPending
	}
	now := timeutil.NowUTC()
	build.CreatedAt = dbutils.NullTime(now)
	build.UpdatedAt = dbutils.NullTime(now)

	_, err = db.NamedExecContext(ctx, generateCommand(*build, insertBuildFormat, "id"), build)
	if err != nil {
		klog.ErrorS(err, "failed to insert build", "id", build.BuildId, "repository", build.RepositoryId)
		return nil, err
	}
	created, err := c.GetBuild(ctx, build.BuildId)
	if err != nil {
		return nil, err
	}
	c.publish(eventbus.BuildUpdated, created.ToView())
	return created, nil
}

// GetBuild retrieves a build by its identifier.
func (c *Client) GetBuild(ctx context.Context, buildId string) (*Build, error) {
	if buildId == "" {
		return nil, apphuberrors.NewBadRequest("buildId is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	var builds []*Build
	if err = db.SelectContext(ctx, &builds, getBuildCmd, buildId); err != nil {
		klog.ErrorS(err, "failed to select build", "id", buildId)
		return nil, err
	}
	if len(builds) == 0 {
		return nil, apphuberrors.NewNotFound(BuildKind, buildId)
	}
	return builds[0], nil
}

// SelectBuilds retrieves multiple build records.
func (c *Client) SelectBuilds(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*Build, error) {
	startTime := time.Now().UTC()
	defer func() {
		if query != nil {
			strQuery := dbutils.CvtToSqlStr(query)
			klog.Infof("select builds, query: %s, orderBy: %v, limit: %d, offset: %d, cost (%v)",
				strQuery, orderBy, limit, offset, time.Since(startTime))
		}
	}()
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	builder := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).From(TBuild)
	if query != nil {
		builder = builder.Where(query)
	}
	if limit > 0 {
		builder = builder.Limit(uint64(limit)).Offset(uint64(offset))
	}
	sql, args, err := builder.OrderBy(orderBy...).ToSql()
	if err != nil {
		return nil, err
	}
	var builds []*Build
	ctx2, cancel := c.queryCtx(ctx)
	defer cancel()
	err = db.SelectContext(ctx2, &builds, sql, args...)
	return builds, err
}

// CountBuilds returns the total count of builds matching the criteria.
func (c *Client) CountBuilds(ctx context.Context, query sqrl.Sqlizer) (int, error) {
	db, err := c.getDB()
	if err != nil {
		return 0, err
	}
	builder := sqrl.Select("COUNT(*)").PlaceholderFormat(sqrl.Dollar).From(TBuild)
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

// GetLatestBuild returns the newest build of a repository, or nil when the
// repository has no builds yet.
func (c *Client) GetLatestBuild(ctx context.Context, repositoryId string) (*Build, error) {
	dbTags := GetBuildFieldTags()
	builds, err := c.SelectBuilds(ctx,
		sqrl.Eq{GetFieldTag(dbTags, "RepositoryId"): repositoryId},
		[]string{"id DESC"}, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(builds) == 0 {
		return nil, nil
	}
	return builds[0], nil
}

// StartBuild claims a pending build for execution. A lost race returns
// changed=false with the current row.
func (c *Client) StartBuild(ctx context.Context, buildId string) (*Build, bool, error) {
	if buildId == "" {
		return nil, false, apphuberrors.NewBadRequest("buildId is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, false, err
	}
	var builds []*Build
	if err = db.SelectContext(ctx, &builds, startBuildCmd, buildId, timeutil.NowUTC()); err != nil {
		klog.ErrorS(err, "failed to start build", "id", buildId)
		return nil, false, err
	}
	if len(builds) == 0 {
		current, err := c.GetBuild(ctx, buildId)
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	}
	c.publish(eventbus.BuildUpdated, builds[0].ToView())
	return builds[0], true, nil
}

// AppendBuildLogs appends one log chunk to a build. Each append publishes a
// change event so log watchers can stream progress.
func (c *Client) AppendBuildLogs(ctx context.Context, buildId, chunk string) error {
	if buildId == "" {
		return apphuberrors.NewBadRequest("buildId is empty")
	}
	if chunk == "" {
		return nil
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	if _, err = db.ExecContext(ctx, appendBuildLogsCmd, buildId, chunk, timeutil.NowUTC()); err != nil {
		klog.ErrorS(err, "failed to append build logs", "id", buildId)
		return err
	}
	c.publish(eventbus.BuildUpdated, &BuildView{Id: buildId, Status: BuildStatusRunning, LogsPreview: chunk})
	return nil
}

// FailQueuedBuild fails a build that could not be enqueued, recording a
// bounded error message.
func (c *Client) FailQueuedBuild(ctx context.Context, buildId, message string) (*Build, bool, error) {
	if buildId == "" {
		return nil, false, apphuberrors.NewBadRequest("buildId is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, false, err
	}
	var builds []*Build
	err = db.SelectContext(ctx, &builds, failQueuedBuildCmd, buildId,
		dbutils.NullString(truncateMessage(message)), timeutil.NowUTC())
	if err != nil {
		klog.ErrorS(err, "failed to fail queued build", "id", buildId)
		return nil, false, err
	}
	if len(builds) == 0 {
		current, err := c.GetBuild(ctx, buildId)
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	}
	c.publish(eventbus.BuildUpdated, builds[0].ToView())
	return builds[0], true, nil
}

// CompleteBuild finishes a running build. Succeeded builds carry the image
// tag, failed ones the bounded error message; duration is computed from the
// recorded start time.
func (c *Client) CompleteBuild(ctx context.Context, buildId, status, imageTag, errorMessage string) (*Build, bool, error) {
	if buildId == "" {
		return nil, false, apphuberrors.NewBadRequest("buildId is empty")
	}
	if status != BuildStatusSucceeded && status != BuildStatusFailed {
		return nil, false, apphuberrors.NewBadRequest(
			fmt.Sprintf("invalid terminal build status %q", status))
	}
	current, err := c.GetBuild(ctx, buildId)
	if err != nil {
		return nil, false, err
	}
	now := timeutil.NowUTC()
	var duration interface{}
	if current.StartedAt.Valid {
		duration = now.Sub(current.StartedAt.Time).Milliseconds()
	}
	db, err := c.getDB()
	if err != nil {
		return nil, false, err
	}
	var builds []*Build
	err = db.SelectContext(ctx, &builds, completeBuildCmd, buildId, status,
		dbutils.NullString(imageTag), dbutils.NullString(truncateMessage(errorMessage)), now, duration)
	if err != nil {
		klog.ErrorS(err, "failed to complete build", "id", buildId, "status", status)
		return nil, false, err
	}
	if len(builds) == 0 {
		return current, false, nil
	}
	c.publish(eventbus.BuildUpdated, builds[0].ToView())
	return builds[0], true, nil
}

// GetBuildLogs returns the accumulated log text of a build.
func (c *Client) GetBuildLogs(ctx context.Context, buildId string) (string, error) {
	build, err := c.GetBuild(ctx, buildId)
	if err != nil {
		return "", err
	}
	return build.Logs, nil
}
