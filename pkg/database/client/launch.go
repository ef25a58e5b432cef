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
	TLaunch       = "launch"
	TLaunchMember = "launch_member"
)

var (
	getLaunchCmd       = fmt.Sprintf(`SELECT * FROM %s WHERE launch_id = $1 LIMIT 1`, TLaunch)
	insertLaunchFormat = `INSERT INTO ` + TLaunch + ` (%s) VALUES (%s)`

	claimLaunchCmd = fmt.Sprintf(`UPDATE %s
		SET status = '%s',
		    container_id = NULL,
		    instance_url = NULL,
		    port = NULL,
		    error_message = NULL,
		    updated_at = $2
		WHERE launch_id = $1 AND status = '%s'
		RETURNING *`, TLaunch, LaunchStatusStarting, LaunchStatusPending)

	markLaunchRunningCmd = fmt.Sprintf(`UPDATE %s
		SET status = '%s',
		    instance_url = $2,
		    container_id = $3,
		    port = $4,
		    started_at = $5,
		    updated_at = $5
		WHERE launch_id = $1 AND status = '%s'
		RETURNING *`, TLaunch, LaunchStatusRunning, LaunchStatusStarting)

	requestLaunchStopCmd = fmt.Sprintf(`UPDATE %s
		SET status = '%s',
		    updated_at = $2
		WHERE launch_id = $1 AND status IN ('%s', '%s')
		RETURNING *`, TLaunch, LaunchStatusStopping, LaunchStatusRunning, LaunchStatusStarting)

	markLaunchStoppedCmd = fmt.Sprintf(`UPDATE %s
		SET status = '%s',
		    container_id = NULL,
		    instance_url = NULL,
		    port = NULL,
		    stopped_at = $2,
		    updated_at = $2
		WHERE launch_id = $1 AND status = '%s'
		RETURNING *`, TLaunch, LaunchStatusStopped, LaunchStatusStopping)

	failLaunchCmd = fmt.Sprintf(`UPDATE %s
		SET status = '%s',
		    error_message = $2,
		    stopped_at = $3,
		    updated_at = $3
		WHERE launch_id = $1 AND status IN ('%s', '%s', '%s', '%s')
		RETURNING *`, TLaunch, LaunchStatusFailed,
		LaunchStatusPending, LaunchStatusStarting, LaunchStatusRunning, LaunchStatusStopping)
)

// InsertLaunch creates a pending launch bound to a successful build.
func (c *Client) InsertLaunch(ctx context.Context, launch *Launch) (*Launch, error) {
	if launch == nil || launch.LaunchId == "" || launch.RepositoryId == "" || launch.BuildId == "" {
		return nil, apphuberrors.NewBadRequest("the launch input is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	if launch.Status == "" {
		launch.Status = LaunchStatusPending
	}
	now := timeutil.NowUTC()
	launch.CreatedAt = dbutils.NullTime(now)
	launch.UpdatedAt = dbutils.NullTime(now)

	_, err = db.NamedExecContext(ctx, generateCommand(*launch, insertLaunchFormat, "id"), launch)
	if err != nil {
		klog.ErrorS(err, "failed to insert launch", "id", launch.LaunchId, "repository", launch.RepositoryId)
		return nil, err
	}
	created, err := c.GetLaunch(ctx, launch.LaunchId)
	if err != nil {
		return nil, err
	}
	c.publish(eventbus.LaunchUpdated, created.ToView())
	return created, nil
}

// GetLaunch retrieves a launch by its identifier.
func (c *Client) GetLaunch(ctx context.Context, launchId string) (*Launch, error) {
	if launchId == "" {
		return nil, apphuberrors.NewBadRequest("launchId is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	var launches []*Launch
	if err = db.SelectContext(ctx, &launches, getLaunchCmd, launchId); err != nil {
		klog.ErrorS(err, "failed to select launch", "id", launchId)
		return nil, err
	}
	if len(launches) == 0 {
		return nil, apphuberrors.NewNotFound(LaunchKind, launchId)
	}
	return launches[0], nil
}

// SelectLaunches retrieves multiple launch records.
func (c *Client) SelectLaunches(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*Launch, error) {
	startTime := time.Now().UTC()
	defer func() {
		if query != nil {
			strQuery := dbutils.CvtToSqlStr(query)
			klog.Infof("select launches, query: %s, orderBy: %v, limit: %d, offset: %d, cost (%v)",
				strQuery, orderBy, limit, offset, time.Since(startTime))
		}
	}()
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	builder := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).From(TLaunch)
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
	var launches []*Launch
	ctx2, cancel := c.queryCtx(ctx)
	defer cancel()
	err = db.SelectContext(ctx2, &launches, sql, args...)
	return launches, err
}

// GetLatestLaunch returns the newest launch of a repository, or nil when the
// repository was never launched.
func (c *Client) GetLatestLaunch(ctx context.Context, repositoryId string) (*Launch, error) {
	dbTags := GetLaunchFieldTags()
	launches, err := c.SelectLaunches(ctx,
		sqrl.Eq{GetFieldTag(dbTags, "RepositoryId"): repositoryId},
		[]string{"id DESC"}, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(launches) == 0 {
		return nil, nil
	}
	return launches[0], nil
}

// ClaimLaunch moves a pending launch to starting. Concurrent workers collapse
// to one claim.
func (c *Client) ClaimLaunch(ctx context.Context, launchId string) (*Launch, bool, error) {
	return c.transitionLaunch(ctx, claimLaunchCmd, launchId, timeutil.NowUTC())
}

// MarkLaunchRunning records the runtime endpoint of a started launch.
func (c *Client) MarkLaunchRunning(ctx context.Context, launchId, instanceUrl, containerId string, port int64) (*Launch, bool, error) {
	return c.transitionLaunch(ctx, markLaunchRunningCmd, launchId,
		dbutils.NullString(instanceUrl), dbutils.NullString(containerId),
		dbutils.NullInt64(port), timeutil.NowUTC())
}

// RequestLaunchStop moves a running launch to stopping.
func (c *Client) RequestLaunchStop(ctx context.Context, launchId string) (*Launch, bool, error) {
	return c.transitionLaunch(ctx, requestLaunchStopCmd, launchId, timeutil.NowUTC())
}

// MarkLaunchStopped finishes a stopping launch.
func (c *Client) MarkLaunchStopped(ctx context.Context, launchId string) (*Launch, bool, error) {
	return c.transitionLaunch(ctx, markLaunchStoppedCmd, launchId, timeutil.NowUTC())
}

// FailLaunch moves a non-terminal launch to failed with a bounded message.
func (c *Client) FailLaunch(ctx context.Context, launchId, message string) (*Launch, bool, error) {
	return c.transitionLaunch(ctx, failLaunchCmd, launchId,
		truncateMessage(message), timeutil.NowUTC())
}

func (c *Client) transitionLaunch(ctx context.Context, cmd, launchId string, args ...interface{}) (*Launch, bool, error) {
	if launchId == "" {
		return nil, false, apphuberrors.NewBadRequest("launchId is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, false, err
	}
	var launches []*Launch
	execArgs := append([]interface{}{launchId}, args...)
	if err = db.SelectContext(ctx, &launches, cmd, execArgs...); err != nil {
		klog.ErrorS(err, "failed to transition launch status", "id", launchId)
		return nil, false, err
	}
	if len(launches) == 0 {
		current, err := c.GetLaunch(ctx, launchId)
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	}
	c.publish(eventbus.LaunchUpdated, launches[0].ToView())
	return launches[0], true, nil
}

// InsertLaunchMember links a member launch to the network launch that
// spawned it.
func (c *Client) InsertLaunchMember(ctx context.Context, member *LaunchMember) error {
	if member == nil || member.NetworkLaunchId == "" || member.MemberLaunchId == "" {
		return apphuberrors.NewBadRequest("the launch member input is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf(`INSERT INTO %s (network_launch_id, repository_id, member_launch_id) VALUES ($1, $2, $3)`, TLaunchMember)
	_, err = db.ExecContext(ctx, cmd, member.NetworkLaunchId, member.RepositoryId, member.MemberLaunchId)
	if err != nil {
		klog.ErrorS(err, "failed to insert launch member",
			"network", member.NetworkLaunchId, "member", member.MemberLaunchId)
	}
	return err
}

// ListLaunchMembers returns the member launches of a network launch.
func (c *Client) ListLaunchMembers(ctx context.Context, networkLaunchId string) ([]LaunchMember, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE network_launch_id = $1 ORDER BY id`, TLaunchMember)
	var members []LaunchMember
	if err = db.SelectContext(ctx, &members, cmd, networkLaunchId); err != nil {
		klog.ErrorS(err, "failed to select launch members", "network", networkLaunchId)
		return nil, err
	}
	return members, nil
}
