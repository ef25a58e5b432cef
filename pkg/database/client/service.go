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
	TService = "service"
)

var (
	getServiceCmd       = fmt.Sprintf(`SELECT * FROM %s WHERE slug = $1 LIMIT 1`, TService)
	insertServiceFormat = `INSERT INTO ` + TService + ` (%s) VALUES (%s)`
	updateServiceCmd    = fmt.Sprintf(`UPDATE %s
		SET display_name = :display_name,
		    kind = :kind,
		    base_url = :base_url,
		    capabilities = :capabilities,
		    metadata = :metadata,
		    updated_at = :updated_at
		WHERE slug = :slug`, TService)
)

// UpsertService registers a service or refreshes its registration. Health
// fields are preserved on update; use UpdateServiceStatus for those.
func (c *Client) UpsertService(ctx context.Context, service *Service) (*Service, error) {
	if service == nil || service.Slug == "" || service.BaseUrl == "" {
		return nil, apphuberrors.NewBadRequest("the service input is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	now := timeutil.NowUTC()
	service.UpdatedAt = dbutils.NullTime(now)

	var existing []*Service
	if err = db.SelectContext(ctx, &existing, getServiceCmd, service.Slug); err != nil {
		klog.ErrorS(err, "failed to select service", "slug", service.Slug)
		return nil, err
	}
	if len(existing) > 0 {
		_, err = db.NamedExecContext(ctx, updateServiceCmd, service)
	} else {
		if service.Status == "" {
			service.Status = ServiceStatusUnknown
		}
		service.CreatedAt = dbutils.NullTime(now)
		_, err = db.NamedExecContext(ctx, generateCommand(*service, insertServiceFormat, "id"), service)
	}
	if err != nil {
		klog.ErrorS(err, "failed to upsert service", "slug", service.Slug)
		return nil, err
	}
	stored, err := c.GetService(ctx, service.Slug)
	if err != nil {
		return nil, err
	}
	c.publish(eventbus.ServiceUpdated, stored.ToView())
	return stored, nil
}

// GetService retrieves a service by slug.
func (c *Client) GetService(ctx context.Context, slug string) (*Service, error) {
	if slug == "" {
		return nil, apphuberrors.NewBadRequest("slug is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	var services []*Service
	if err = db.SelectContext(ctx, &services, getServiceCmd, slug); err != nil {
		klog.ErrorS(err, "failed to select service", "slug", slug)
		return nil, err
	}
	if len(services) == 0 {
		return nil, apphuberrors.NewNotFound(ServiceKind, slug)
	}
	return services[0], nil
}

// SelectServices retrieves multiple service records.
func (c *Client) SelectServices(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*Service, error) {
	startTime := time.Now().UTC()
	defer func() {
		if query != nil {
			strQuery := dbutils.CvtToSqlStr(query)
			klog.Infof("select services, query: %s, orderBy: %v, limit: %d, offset: %d, cost (%v)",
				strQuery, orderBy, limit, offset, time.Since(startTime))
		}
	}()
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	builder := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).From(TService)
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
	var services []*Service
	ctx2, cancel := c.queryCtx(ctx)
	defer cancel()
	err = db.SelectContext(ctx2, &services, sql, args...)
	return services, err
}

// UpdateServiceStatus records a health probe outcome. Healthy probes refresh
// last_healthy_at; other statuses keep the previous timestamp.
func (c *Client) UpdateServiceStatus(ctx context.Context, slug, status, message string) (*Service, error) {
	if slug == "" {
		return nil, apphuberrors.NewBadRequest("slug is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	now := timeutil.NowUTC()
	var cmd string
	if status == ServiceStatusHealthy {
		cmd = fmt.Sprintf(`UPDATE %s SET status=$2, status_message=$3, last_healthy_at=$4, updated_at=$4 WHERE slug=$1 RETURNING *`, TService)
	} else {
		cmd = fmt.Sprintf(`UPDATE %s SET status=$2, status_message=$3, updated_at=$4 WHERE slug=$1 RETURNING *`, TService)
	}
	var services []*Service
	err = db.SelectContext(ctx, &services, cmd, slug, status,
		dbutils.NullString(truncateMessage(message)), now)
	if err != nil {
		klog.ErrorS(err, "failed to update service status", "slug", slug, "status", status)
		return nil, err
	}
	if len(services) == 0 {
		return nil, apphuberrors.NewNotFound(ServiceKind, slug)
	}
	c.publish(eventbus.ServiceUpdated, services[0].ToView())
	return services[0], nil
}
