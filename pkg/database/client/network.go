/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	apphuberrors "github.com/benediktbwimmer/apphub-sub011/pkg/errors"
	"github.com/benediktbwimmer/apphub-sub011/pkg/timeutil"
)

const (
	TServiceNetwork = "service_network"
	TNetworkMember  = "network_member"
)

// UpsertServiceNetwork declares a repository as a service network root and
// returns the stored record.
func (c *Client) UpsertServiceNetwork(ctx context.Context, repositoryId, name string) (*ServiceNetwork, error) {
	if repositoryId == "" {
		return nil, apphuberrors.NewBadRequest("repositoryId is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	now := timeutil.NowUTC()
	cmd := fmt.Sprintf(`INSERT INTO %s (repository_id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (repository_id) DO UPDATE SET name = $2, updated_at = $3
		RETURNING *`, TServiceNetwork)
	var networks []*ServiceNetwork
	if err = db.SelectContext(ctx, &networks, cmd, repositoryId, name, now); err != nil {
		klog.ErrorS(err, "failed to upsert service network", "id", repositoryId)
		return nil, err
	}
	return networks[0], nil
}

// GetServiceNetwork returns the network rooted at a repository, or nil when
// the repository is not a network.
func (c *Client) GetServiceNetwork(ctx context.Context, repositoryId string) (*ServiceNetwork, error) {
	if repositoryId == "" {
		return nil, apphuberrors.NewBadRequest("repositoryId is empty")
	}
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE repository_id = $1 LIMIT 1`, TServiceNetwork)
	var networks []*ServiceNetwork
	if err = db.SelectContext(ctx, &networks, cmd, repositoryId); err != nil {
		klog.ErrorS(err, "failed to select service network", "id", repositoryId)
		return nil, err
	}
	if len(networks) == 0 {
		return nil, nil
	}
	return networks[0], nil
}

// ReplaceNetworkMembers atomically swaps the member list of a network.
// Members are stored with their launch order.
func (c *Client) ReplaceNetworkMembers(ctx context.Context, networkId int64, members []NetworkMember) error {
	if networkId <= 0 {
		return apphuberrors.NewBadRequest("networkId is empty")
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

	deleteCmd := fmt.Sprintf(`DELETE FROM %s WHERE network_id = $1`, TNetworkMember)
	if _, err = tx.ExecContext(ctx, deleteCmd, networkId); err != nil {
		klog.ErrorS(err, "failed to delete network members", "network", networkId)
		return err
	}
	insertCmd := fmt.Sprintf(`INSERT INTO %s (network_id, member_repository_id, launch_order, wait_for_build, env, depends_on)
		VALUES ($1, $2, $3, $4, $5, $6)`, TNetworkMember)
	for i, member := range members {
		if member.MemberRepositoryId == "" {
			return apphuberrors.NewBadRequest("network member repository id is empty")
		}
		order := member.LaunchOrder
		if order == 0 {
			order = i
		}
		if _, err = tx.ExecContext(ctx, insertCmd, networkId, member.MemberRepositoryId,
			order, member.WaitForBuild, member.Env, member.DependsOn); err != nil {
			klog.ErrorS(err, "failed to insert network member",
				"network", networkId, "member", member.MemberRepositoryId)
			return err
		}
	}
	return tx.Commit()
}

// ListNetworkMembers returns the members of a network in launch order.
func (c *Client) ListNetworkMembers(ctx context.Context, networkId int64) ([]NetworkMember, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	cmd := fmt.Sprintf(`SELECT * FROM %s WHERE network_id = $1 ORDER BY launch_order, id`, TNetworkMember)
	var members []NetworkMember
	if err = db.SelectContext(ctx, &members, cmd, networkId); err != nil {
		klog.ErrorS(err, "failed to select network members", "network", networkId)
		return nil, err
	}
	return members, nil
}
