/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"fmt"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"k8s.io/klog/v2"

	dbutils "github.com/benediktbwimmer/apphub-sub011/pkg/database/utils"
	apphuberrors "github.com/benediktbwimmer/apphub-sub011/pkg/errors"
	"github.com/benediktbwimmer/apphub-sub011/pkg/timeutil"
)

const (
	TJobBundleVersion = "job_bundle_version"
)

var (
	getJobBundleVersionCmd = fmt.Sprintf(
		`SELECT * FROM %s WHERE slug = $1 AND version = $2 LIMIT 1`, TJobBundleVersion)
	insertJobBundleVersionFormat = `INSERT INTO ` + TJobBundleVersion + ` (%s) VALUES (%s)`
)

// InsertJobBundleVersion publishes a bundle version. A slug+version pair is
// immutable once stored.
func (c *Client) InsertJobBundleVersion(ctx context.Context, bundle *JobBundleVersion) (*JobBundleVersion, error) {
	if bundle == nil || bundle.Slug == "" || bundle.Version == "" || bundle.Checksum == "" {
		return nil, apphuberrors.NewBadRequest("the bundle version input is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	now := timeutil.NowUTC()
	bundle.CreatedAt = dbutils.NullTime(now)
	bundle.UpdatedAt = dbutils.NullTime(now)
	if !bundle.PublishedAt.Valid {
		bundle.PublishedAt = dbutils.NullTime(now)
	}

	_, err = db.NamedExecContext(ctx,
		generateCommand(*bundle, insertJobBundleVersionFormat, "id"), bundle)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return nil, apphuberrors.NewAlreadyExist(
				fmt.Sprintf("bundle %s@%s already exists", bundle.Slug, bundle.Version))
		}
		klog.ErrorS(err, "failed to insert bundle version", "slug", bundle.Slug, "version", bundle.Version)
		return nil, err
	}
	return c.GetJobBundleVersion(ctx, bundle.Slug, bundle.Version)
}

// GetJobBundleVersion retrieves one bundle version. The inline artifact copy
// is included; callers exposing the record over the API use ToView.
func (c *Client) GetJobBundleVersion(ctx context.Context, slug, version string) (*JobBundleVersion, error) {
	if slug == "" || version == "" {
		return nil, apphuberrors.NewBadRequest("slug or version is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	var bundles []*JobBundleVersion
	if err = db.SelectContext(ctx, &bundles, getJobBundleVersionCmd, slug, version); err != nil {
		klog.ErrorS(err, "failed to select bundle version", "slug", slug, "version", version)
		return nil, err
	}
	if len(bundles) == 0 {
		return nil, apphuberrors.NewNotFound(BundleVersionKind, slug+"@"+version)
	}
	return bundles[0], nil
}

// SelectJobBundleVersions retrieves multiple bundle version records.
func (c *Client) SelectJobBundleVersions(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*JobBundleVersion, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	builder := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).From(TJobBundleVersion)
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
	var bundles []*JobBundleVersion
	ctx2, cancel := c.queryCtx(ctx)
	defer cancel()
	err = db.SelectContext(ctx2, &bundles, sql, args...)
	return bundles, err
}

// ListJobBundleVersions returns all versions of a bundle, newest first.
func (c *Client) ListJobBundleVersions(ctx context.Context, slug string) ([]*JobBundleVersion, error) {
	if slug == "" {
		return nil, apphuberrors.NewBadRequest("slug is empty")
	}
	dbTags := GetJobBundleVersionFieldTags()
	return c.SelectJobBundleVersions(ctx,
		sqrl.Eq{GetFieldTag(dbTags, "Slug"): slug}, nil, 0, 0)
}

// UpdateJobBundleVersionMetadata replaces the metadata document of a bundle
// version. Used to record regeneration history.
func (c *Client) UpdateJobBundleVersionMetadata(ctx context.Context, slug, version, metadata string) error {
	if slug == "" || version == "" {
		return apphuberrors.NewBadRequest("slug or version is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf(`UPDATE %s SET metadata=$3, updated_at=$4 WHERE slug=$1 AND version=$2`, TJobBundleVersion)
	if _, err = db.ExecContext(ctx, cmd, slug, version, dbutils.NullString(metadata), timeutil.NowUTC()); err != nil {
		klog.ErrorS(err, "failed to update bundle metadata", "slug", slug, "version", version)
		return err
	}
	return nil
}

// UpdateJobBundleVersionChecksum records the checksum and inline copy of a
// repacked artifact restored over an existing version.
func (c *Client) UpdateJobBundleVersionChecksum(ctx context.Context, slug, version, checksum string, data []byte) error {
	if slug == "" || version == "" || checksum == "" {
		return apphuberrors.NewBadRequest("slug, version or checksum is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf(`UPDATE %s SET checksum=$3, artifact_data=$4, artifact_size=$5, updated_at=$6 WHERE slug=$1 AND version=$2`, TJobBundleVersion)
	if _, err = db.ExecContext(ctx, cmd, slug, version, checksum, data,
		dbutils.NullInt64(int64(len(data))), timeutil.NowUTC()); err != nil {
		klog.ErrorS(err, "failed to update bundle checksum", "slug", slug, "version", version)
		return err
	}
	return nil
}

// UpdateJobBundleArtifact repoints a bundle version at a restored artifact.
func (c *Client) UpdateJobBundleArtifact(ctx context.Context, slug, version, storage, path string, size int64) error {
	if slug == "" || version == "" || path == "" {
		return apphuberrors.NewBadRequest("slug, version or path is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf(`UPDATE %s SET artifact_storage=$3, artifact_path=$4, artifact_size=$5, updated_at=$6 WHERE slug=$1 AND version=$2`, TJobBundleVersion)
	if _, err = db.ExecContext(ctx, cmd, slug, version, storage, path,
		dbutils.NullInt64(size), timeutil.NowUTC()); err != nil {
		klog.ErrorS(err, "failed to update bundle artifact", "slug", slug, "version", version)
		return err
	}
	return nil
}
