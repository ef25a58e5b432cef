/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	dbutils "github.com/benediktbwimmer/apphub-sub011/pkg/database/utils"
	apphuberrors "github.com/benediktbwimmer/apphub-sub011/pkg/errors"
	"github.com/benediktbwimmer/apphub-sub011/pkg/eventbus"
	"github.com/benediktbwimmer/apphub-sub011/pkg/timeutil"
)

const (
	TIngestionEvent = "ingestion_event"
)

var insertIngestionEventFormat = `INSERT INTO ` + TIngestionEvent + ` (%s) VALUES (%s) RETURNING id`

// InsertIngestionEvent appends one entry to a repository's ingestion history.
func (c *Client) InsertIngestionEvent(ctx context.Context, event *IngestionEvent) (*IngestionEvent, error) {
	if event == nil || event.RepositoryId == "" {
		return nil, apphuberrors.NewBadRequest("the ingestion event input is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	event.CreatedAt = dbutils.NullTime(timeutil.NowUTC())
	event.Message.String = truncateMessage(event.Message.String)

	rows, err := db.NamedQueryContext(ctx, generateCommand(*event, insertIngestionEventFormat, "id"), event)
	if err != nil {
		klog.ErrorS(err, "failed to insert ingestion event", "id", event.RepositoryId, "status", event.Status)
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if rows.Next() {
		if err = rows.Scan(&event.Id); err != nil {
			return nil, err
		}
	}
	c.publish(eventbus.RepositoryIngestionEvent, event.ToView())
	return event, nil
}

// ListIngestionEvents returns a repository's ingestion history, newest first.
func (c *Client) ListIngestionEvents(ctx context.Context, repositoryId string, limit int) ([]*IngestionEvent, error) {
	if repositoryId == "" {
		return nil, apphuberrors.NewBadRequest("repositoryId is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE repository_id = $1 ORDER BY id DESC LIMIT $2`, TIngestionEvent)
	var events []*IngestionEvent
	if err = db.SelectContext(ctx, &events, cmd, repositoryId, limit); err != nil {
		klog.ErrorS(err, "failed to select ingestion events", "id", repositoryId)
		return nil, err
	}
	return events, nil
}
