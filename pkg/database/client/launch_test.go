/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"strings"
	"testing"

	"gotest.tools/assert"
)

func TestInsertLaunchNilInput(t *testing.T) {
	client := &Client{}

	_, err := client.InsertLaunch(context.Background(), nil)
	assert.ErrorContains(t, err, "the launch input is empty")
	_, err = client.InsertLaunch(context.Background(), &Launch{LaunchId: "l1"})
	assert.ErrorContains(t, err, "the launch input is empty")
}

func TestTransitionLaunchEmptyId(t *testing.T) {
	client := &Client{}

	_, _, err := client.ClaimLaunch(context.Background(), "")
	assert.ErrorContains(t, err, "launchId is empty")
}

func TestClaimLaunchClearsInstanceFields(t *testing.T) {
	// Re-claiming a re-queued launch row must not leak the previous
	// container endpoint.
	for _, column := range []string{"container_id = NULL", "instance_url = NULL", "port = NULL"} {
		assert.Assert(t, strings.Contains(claimLaunchCmd, column), column)
	}
	assert.Assert(t, strings.Contains(claimLaunchCmd, "status = '"+LaunchStatusPending+"'"))
}

func TestStopTransitionClearsInstanceFields(t *testing.T) {
	for _, column := range []string{"container_id = NULL", "instance_url = NULL", "port = NULL"} {
		assert.Assert(t, strings.Contains(markLaunchStoppedCmd, column), column)
	}
}
