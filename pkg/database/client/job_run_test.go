/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"testing"

	"gotest.tools/assert"
)

func TestInsertJobRunNilInput(t *testing.T) {
	client := &Client{}

	_, err := client.InsertJobRun(context.Background(), nil)
	assert.ErrorContains(t, err, "the job run input is empty")
}

func TestStartJobRunEmptyWorker(t *testing.T) {
	client := &Client{}

	_, _, err := client.StartJobRun(context.Background(), "run-1", "")
	assert.ErrorContains(t, err, "workerId is empty")
}

func TestCompleteJobRunInvalidStatus(t *testing.T) {
	client := &Client{}

	_, _, err := client.CompleteJobRun(context.Background(), "run-1", "worker-1",
		JobRunCompletion{Status: JobRunStatusRunning})
	assert.ErrorContains(t, err, "invalid terminal job run status")
}

func TestCompleteJobRunNoDBConnection(t *testing.T) {
	client := &Client{}

	_, _, err := client.CompleteJobRun(context.Background(), "run-1", "worker-1",
		JobRunCompletion{Status: JobRunStatusSucceeded})
	assert.ErrorContains(t, err, "db has not been initialized")
}

func TestIsTerminalJobRunStatus(t *testing.T) {
	assert.Assert(t, IsTerminalJobRunStatus(JobRunStatusSucceeded))
	assert.Assert(t, IsTerminalJobRunStatus(JobRunStatusFailed))
	assert.Assert(t, IsTerminalJobRunStatus(JobRunStatusCanceled))
	assert.Assert(t, IsTerminalJobRunStatus(JobRunStatusExpired))
	assert.Assert(t, !IsTerminalJobRunStatus(JobRunStatusPending))
	assert.Assert(t, !IsTerminalJobRunStatus(JobRunStatusRunning))
}

func TestGetJobRunFieldTags(t *testing.T) {
	tags := GetJobRunFieldTags()

	assert.Equal(t, "run_id", tags["runid"])
	assert.Equal(t, "job_slug", tags["jobslug"])
	assert.Equal(t, "error_message", tags["errormessage"])
	assert.Equal(t, "worker_id", tags["workerid"])
	assert.Equal(t, "timeout_ms", tags["timeoutms"])
}
