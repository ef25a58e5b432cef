/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"k8s.io/klog/v2"

	dbutils "github.com/benediktbwimmer/apphub-sub011/pkg/database/utils"
	apphuberrors "github.com/benediktbwimmer/apphub-sub011/pkg/errors"
	"github.com/benediktbwimmer/apphub-sub011/pkg/eventbus"
	"github.com/benediktbwimmer/apphub-sub011/pkg/jsonutil"
	"github.com/benediktbwimmer/apphub-sub011/pkg/timeutil"
)

const (
	TRepository        = "repository"
	TRepositoryTag     = "repository_tag"
	TRepositoryPreview = "repository_preview"

	// MaxFailureMessageLen bounds error messages stored on failure rows.
	MaxFailureMessageLen = 500
)

var (
	getRepositoryCmd       = fmt.Sprintf(`SELECT * FROM %s WHERE repository_id = $1 LIMIT 1`, TRepository)
	insertRepositoryFormat = `INSERT INTO ` + TRepository + ` (%s) VALUES (%s)`

	beginIngestionCmd = fmt.Sprintf(`UPDATE %s
		SET ingest_status = '%s',
		    ingest_error = NULL,
		    ingest_attempts = ingest_attempts + 1,
		    updated_at = $2
		WHERE repository_id = $1 AND ingest_status = '%s'
		RETURNING *`, TRepository, IngestStatusProcessing, IngestStatusPending)

	requeueIngestionCmd = fmt.Sprintf(`UPDATE %s
		SET ingest_status = '%s',
		    updated_at = $2
		WHERE repository_id = $1 AND ingest_status IN ('%s', '%s', '%s')
		RETURNING *`, TRepository, IngestStatusPending,
		IngestStatusSeed, IngestStatusReady, IngestStatusFailed)

	completeIngestionCmd = fmt.Sprintf(`UPDATE %s
		SET ingest_status = '%s',
		    ingest_error = NULL,
		    last_ingested_at = $2,
		    updated_at = $2
		WHERE repository_id = $1 AND ingest_status = '%s'
		RETURNING *`, TRepository, IngestStatusReady, IngestStatusProcessing)

	failIngestionCmd = fmt.Sprintf(`UPDATE %s
		SET ingest_status = '%s',
		    ingest_error = $2,
		    updated_at = $3
		WHERE repository_id = $1 AND ingest_status = '%s'
		RETURNING *`, TRepository, IngestStatusFailed, IngestStatusProcessing)

	abortQueuedIngestionCmd = fmt.Sprintf(`UPDATE %s
		SET ingest_status = '%s',
		    ingest_error = $2,
		    updated_at = $3
		WHERE repository_id = $1 AND ingest_status = '%s'
		RETURNING *`, TRepository, IngestStatusFailed, IngestStatusPending)
)

// truncateMessage bounds stored failure messages, cutting on a rune boundary.
func truncateMessage(message string) string {
	if len(message) <= MaxFailureMessageLen {
		return message
	}
	cut := MaxFailureMessageLen
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}

// InsertRepository registers a new repository record. The caller decides the
// initial ingest status (seed for bootstrap records, pending otherwise).
func (c *Client) InsertRepository(ctx context.Context, repo *Repository) (*Repository, error) {
	if repo == nil || repo.RepositoryId == "" {
		return nil, apphuberrors.NewBadRequest("the repository input is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	if repo.IngestStatus == "" {
		repo.IngestStatus = IngestStatusPending
	}
	now := timeutil.NowUTC()
	repo.CreatedAt = dbutils.NullTime(now)
	repo.UpdatedAt = dbutils.NullTime(now)

	_, err = db.NamedExecContext(ctx, generateCommand(*repo, insertRepositoryFormat, "id"), repo)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return nil, apphuberrors.NewAlreadyExist(
				fmt.Sprintf("repository %s already exists", repo.RepositoryId))
		}
		klog.ErrorS(err, "failed to insert repository", "id", repo.RepositoryId)
		return nil, err
	}
	created, err := c.GetRepository(ctx, repo.RepositoryId)
	if err != nil {
		return nil, err
	}
	c.publish(eventbus.RepositoryUpdated, created.ToView())
	return created, nil
}

// SelectRepositories retrieves multiple repository records.
func (c *Client) SelectRepositories(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*Repository, error) {
	startTime := time.Now().UTC()
	defer func() {
		if query != nil {
			strQuery := dbutils.CvtToSqlStr(query)
			klog.Infof("select repositories, query: %s, orderBy: %v, limit: %d, offset: %d, cost (%v)",
				strQuery, orderBy, limit, offset, time.Since(startTime))
		}
	}()
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}

	builder := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).From(TRepository)
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

	var repos []*Repository
	ctx2, cancel := c.queryCtx(ctx)
	defer cancel()
	err = db.SelectContext(ctx2, &repos, sql, args...)
	return repos, err
}

// CountRepositories returns the total count of repositories matching the criteria.
func (c *Client) CountRepositories(ctx context.Context, query sqrl.Sqlizer) (int, error) {
	db, err := c.getDB()
	if err != nil {
		return 0, err
	}
	builder := sqrl.Select("COUNT(*)").PlaceholderFormat(sqrl.Dollar).From(TRepository)
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

// GetRepository retrieves a repository by its identifier.
func (c *Client) GetRepository(ctx context.Context, repositoryId string) (*Repository, error) {
	if repositoryId == "" {
		return nil, apphuberrors.NewBadRequest("repositoryId is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	var repos []*Repository
	if err = db.SelectContext(ctx, &repos, getRepositoryCmd, repositoryId); err != nil {
		klog.ErrorS(err, "failed to select repository", "id", repositoryId)
		return nil, err
	}
	if len(repos) == 0 {
		return nil, apphuberrors.NewNotFound(RepositoryKind, repositoryId)
	}
	return repos[0], nil
}

// BeginRepositoryIngestion claims a pending repository for processing. The
// transition is a single gated update so concurrent workers collapse to one
// claim; the second caller observes changed=false.
func (c *Client) BeginRepositoryIngestion(ctx context.Context, repositoryId string) (*Repository, bool, error) {
	return c.transitionIngestion(ctx, beginIngestionCmd, repositoryId, timeutil.NowUTC())
}

// RequeueRepositoryIngestion moves a seed, ready or failed repository back to
// pending. Repositories already pending or processing are left untouched.
func (c *Client) RequeueRepositoryIngestion(ctx context.Context, repositoryId string) (*Repository, bool, error) {
	return c.transitionIngestion(ctx, requeueIngestionCmd, repositoryId, timeutil.NowUTC())
}

// CompleteRepositoryIngestion marks a processing repository as ready.
func (c *Client) CompleteRepositoryIngestion(ctx context.Context, repositoryId string) (*Repository, bool, error) {
	return c.transitionIngestion(ctx, completeIngestionCmd, repositoryId, timeutil.NowUTC())
}

// FailRepositoryIngestion marks a processing repository as failed with a
// bounded error message.
func (c *Client) FailRepositoryIngestion(ctx context.Context, repositoryId, message string) (*Repository, bool, error) {
	return c.transitionIngestion(ctx, failIngestionCmd, repositoryId,
		truncateMessage(message), timeutil.NowUTC())
}

// AbortQueuedIngestion fails a pending repository that could not be
// enqueued, with a bounded error message.
func (c *Client) AbortQueuedIngestion(ctx context.Context, repositoryId, message string) (*Repository, bool, error) {
	return c.transitionIngestion(ctx, abortQueuedIngestionCmd, repositoryId,
		truncateMessage(message), timeutil.NowUTC())
}

func (c *Client) transitionIngestion(ctx context.Context, cmd, repositoryId string, args ...interface{}) (*Repository, bool, error) {
	if repositoryId == "" {
		return nil, false, apphuberrors.NewBadRequest("repositoryId is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, false, err
	}
	var repos []*Repository
	execArgs := append([]interface{}{repositoryId}, args...)
	if err = db.SelectContext(ctx, &repos, cmd, execArgs...); err != nil {
		klog.ErrorS(err, "failed to transition repository ingest status", "id", repositoryId)
		return nil, false, err
	}
	if len(repos) == 0 {
		// The gate did not match; report the current row so the caller can
		// distinguish a lost race from a missing repository.
		current, err := c.GetRepository(ctx, repositoryId)
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	}
	c.publish(eventbus.RepositoryUpdated, repos[0].ToView())
	return repos[0], true, nil
}

// ReplaceRepositoryTags atomically swaps the repository tags carrying the
// given source, leaving tags from other sources intact.
func (c *Client) ReplaceRepositoryTags(ctx context.Context, repositoryId, source string, tags []RepositoryTag) error {
	if repositoryId == "" {
		return apphuberrors.NewBadRequest("repositoryId is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	deleteCmd := fmt.Sprintf(`DELETE FROM %s WHERE repository_id = $1 AND source = $2`, TRepositoryTag)
	if _, err = tx.ExecContext(ctx, deleteCmd, repositoryId, source); err != nil {
		klog.ErrorS(err, "failed to delete repository tags", "id", repositoryId, "source", source)
		return err
	}
	insertCmd := fmt.Sprintf(`INSERT INTO %s (repository_id, tag_key, tag_value, source) VALUES ($1, $2, $3, $4)`, TRepositoryTag)
	for _, tag := range tags {
		if tag.TagKey == "" {
			continue
		}
		tagSource := tag.Source
		if tagSource == "" {
			tagSource = source
		}
		if _, err = tx.ExecContext(ctx, insertCmd, repositoryId, tag.TagKey, tag.TagValue, tagSource); err != nil {
			klog.ErrorS(err, "failed to insert repository tag", "id", repositoryId, "key", tag.TagKey)
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	return nil
}

// ListRepositoryTags returns all tags of a repository ordered by key.
func (c *Client) ListRepositoryTags(ctx context.Context, repositoryId string) ([]RepositoryTag, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE repository_id = $1 ORDER BY tag_key, tag_value`, TRepositoryTag)
	var tags []RepositoryTag
	if err = db.SelectContext(ctx, &tags, cmd, repositoryId); err != nil {
		klog.ErrorS(err, "failed to select repository tags", "id", repositoryId)
		return nil, err
	}
	return tags, nil
}

// ReplaceRepositoryPreviews atomically swaps the preview records of a
// repository.
func (c *Client) ReplaceRepositoryPreviews(ctx context.Context, repositoryId string, previews []RepositoryPreview) error {
	if repositoryId == "" {
		return apphuberrors.NewBadRequest("repositoryId is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	deleteCmd := fmt.Sprintf(`DELETE FROM %s WHERE repository_id = $1`, TRepositoryPreview)
	if _, err = tx.ExecContext(ctx, deleteCmd, repositoryId); err != nil {
		klog.ErrorS(err, "failed to delete repository previews", "id", repositoryId)
		return err
	}
	insertCmd := fmt.Sprintf(`INSERT INTO %s (repository_id, kind, title, description, src, sort_order) VALUES ($1, $2, $3, $4, $5, $6)`, TRepositoryPreview)
	for i, preview := range previews {
		if _, err = tx.ExecContext(ctx, insertCmd, repositoryId, preview.Kind,
			preview.Title, preview.Description, preview.Src, i); err != nil {
			klog.ErrorS(err, "failed to insert repository preview", "id", repositoryId, "kind", preview.Kind)
			return err
		}
	}
	return tx.Commit()
}

// ListRepositoryPreviews returns the previews of a repository in sort order.
func (c *Client) ListRepositoryPreviews(ctx context.Context, repositoryId string) ([]RepositoryPreview, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE repository_id = $1 ORDER BY sort_order`, TRepositoryPreview)
	var previews []RepositoryPreview
	if err = db.SelectContext(ctx, &previews, cmd, repositoryId); err != nil {
		klog.ErrorS(err, "failed to select repository previews", "id", repositoryId)
		return nil, err
	}
	return previews, nil
}

// SetLaunchEnvTemplates replaces the stored launch env templates of a
// repository. The list is bounded and every entry needs a key.
func (c *Client) SetLaunchEnvTemplates(ctx context.Context, repositoryId string, templates []EnvVar) (*Repository, error) {
	if repositoryId == "" {
		return nil, apphuberrors.NewBadRequest("repositoryId is empty")
	}
	if len(templates) > MaxLaunchEnvTemplates {
		return nil, apphuberrors.NewBadRequest(
			fmt.Sprintf("too many launch env templates, max %d", MaxLaunchEnvTemplates))
	}
	for _, tpl := range templates {
		if tpl.Key == "" {
			return nil, apphuberrors.NewBadRequest("launch env template key is empty")
		}
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	raw := jsonutil.MarshalSilently(templates)
	cmd := fmt.Sprintf(`UPDATE %s SET launch_env_templates = $2, updated_at = $3 WHERE repository_id = $1 RETURNING *`, TRepository)
	var repos []*Repository
	if err = db.SelectContext(ctx, &repos, cmd, repositoryId, string(raw), timeutil.NowUTC()); err != nil {
		klog.ErrorS(err, "failed to update launch env templates", "id", repositoryId)
		return nil, err
	}
	if len(repos) == 0 {
		return nil, apphuberrors.NewNotFound(RepositoryKind, repositoryId)
	}
	c.publish(eventbus.RepositoryUpdated, repos[0].ToView())
	return repos[0], nil
}

// GetRepositoryView assembles the API shape of a repository including its
// tags and previews.
func (c *Client) GetRepositoryView(ctx context.Context, repositoryId string) (*RepositoryView, error) {
	repo, err := c.GetRepository(ctx, repositoryId)
	if err != nil {
		return nil, err
	}
	view := repo.ToView()
	tags, err := c.ListRepositoryTags(ctx, repositoryId)
	if err != nil {
		return nil, err
	}
	for _, tag := range tags {
		view.Tags = append(view.Tags, TagView{Key: tag.TagKey, Value: tag.TagValue, Source: tag.Source})
	}
	previews, err := c.ListRepositoryPreviews(ctx, repositoryId)
	if err != nil {
		return nil, err
	}
	for _, preview := range previews {
		view.Previews = append(view.Previews, PreviewView{
			Kind:        preview.Kind,
			Title:       dbutils.ParseNullString(preview.Title),
			Description: dbutils.ParseNullString(preview.Description),
			Src:         dbutils.ParseNullString(preview.Src),
			SortOrder:   preview.SortOrder,
		})
	}
	return view, nil
}
