/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package jobs

import (
	"context"
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/benediktbwimmer/apphub-sub011/pkg/database/client"
	dbutils "github.com/benediktbwimmer/apphub-sub011/pkg/database/utils"
	"github.com/benediktbwimmer/apphub-sub011/pkg/queue"
	"github.com/benediktbwimmer/apphub-sub011/pkg/sandbox"
)

func TestDecodeRetryPolicy(t *testing.T) {
	def := &client.JobDefinition{Slug: "report"}
	policy := decodeRetryPolicy(def)
	assert.Equal(t, policy.MaxAttempts, 1)

	def.RetryPolicy = dbutils.NullString(`{"maxAttempts":4,"initialDelayMs":250,"backoff":"linear"}`)
	policy = decodeRetryPolicy(def)
	assert.Equal(t, policy.MaxAttempts, 4)
	assert.Equal(t, policy.InitialDelayMs, int64(250))
	assert.Equal(t, policy.Backoff, "linear")

	def.RetryPolicy = dbutils.NullString(`{"maxAttempts":-2}`)
	policy = decodeRetryPolicy(def)
	assert.Equal(t, policy.MaxAttempts, 1)

	def.RetryPolicy = dbutils.NullString(`not json`)
	policy = decodeRetryPolicy(def)
	assert.Equal(t, policy.MaxAttempts, 1)
}

func TestRetryDelay(t *testing.T) {
	fixed := RetryPolicy{InitialDelayMs: 100, Backoff: "fixed"}
	assert.Equal(t, retryDelay(fixed, 1), 100*time.Millisecond)
	assert.Equal(t, retryDelay(fixed, 5), 100*time.Millisecond)

	linear := RetryPolicy{InitialDelayMs: 100, Backoff: "linear"}
	assert.Equal(t, retryDelay(linear, 3), 300*time.Millisecond)

	exp := RetryPolicy{InitialDelayMs: 100, Backoff: "exponential"}
	assert.Equal(t, retryDelay(exp, 1), 100*time.Millisecond)
	assert.Equal(t, retryDelay(exp, 2), 200*time.Millisecond)
	assert.Equal(t, retryDelay(exp, 4), 800*time.Millisecond)

	huge := RetryPolicy{InitialDelayMs: 60_000, Backoff: "exponential"}
	assert.Equal(t, retryDelay(huge, 20), time.Hour)
}

func TestEntryFile(t *testing.T) {
	version := &client.JobBundleVersion{}
	assert.Equal(t, entryFile(version, client.JobRuntimeNode), "index.js")
	assert.Equal(t, entryFile(version, client.JobRuntimePython), "main.py")

	version.Manifest = dbutils.NullString(`{"name":"report","version":"1.0.0","entry":"src/run.js"}`)
	assert.Equal(t, entryFile(version, client.JobRuntimeNode), "src/run.js")

	version.Manifest = dbutils.NullString(`{"main":"handler.py"}`)
	assert.Equal(t, entryFile(version, client.JobRuntimePython), "handler.py")
}

func TestRunParameters(t *testing.T) {
	def := &client.JobDefinition{DefaultParameters: dbutils.NullString(`{"limit":10}`)}
	run := &client.JobRun{}
	assert.Equal(t, string(runParameters(def, run)), `{"limit":10}`)

	run.Parameters = dbutils.NullString(`{"limit":50}`)
	assert.Equal(t, string(runParameters(def, run)), `{"limit":50}`)

	assert.Equal(t, string(runParameters(&client.JobDefinition{}, &client.JobRun{})), `{}`)
}

func TestExecutionMetrics(t *testing.T) {
	result := &sandbox.ExecutionResult{DurationMs: 42}
	assert.Equal(t, executionMetrics(result), `{"durationMs":42}`)

	result.ResourceUsage = []byte(`{"maxRssKb":2048}`)
	metrics := executionMetrics(result)
	assert.Assert(t, metrics == `{"durationMs":42,"resourceUsage":{"maxRssKb":2048}}`)
}

func TestSecretResolver(t *testing.T) {
	e := NewEngine(&client.Client{}, queue.NewInlineBroker(), nil, nil, nil, nil,
		Config{Secrets: map[string]string{"api-token": "s3cret"}})
	resolve := e.secretResolver()

	value, err := resolve(context.Background(), []byte(`{"key":"api-token"}`))
	assert.NilError(t, err)
	assert.Equal(t, value, "s3cret")

	_, err = resolve(context.Background(), []byte(`{"key":"missing"}`))
	assert.ErrorContains(t, err, "is not configured")

	_, err = resolve(context.Background(), []byte(`{}`))
	assert.ErrorContains(t, err, "must name a key")
}

func TestExecuteRejectsInlinePathEntryPoint(t *testing.T) {
	e := NewEngine(&client.Client{}, queue.NewInlineBroker(), nil, nil, nil, nil, Config{})
	def := &client.JobDefinition{
		Slug:       "report",
		Runtime:    client.JobRuntimeNode,
		EntryPoint: "src/report.js",
	}

	_, err := e.execute(context.Background(), def, &client.JobRun{RunId: "run-1"})
	assert.ErrorContains(t, err, "inline path")
	assert.ErrorContains(t, err, "bundle references")
}

func TestConsumeDropsMalformedMessages(t *testing.T) {
	e := NewEngine(&client.Client{}, queue.NewInlineBroker(), nil, nil, nil, nil, Config{})
	assert.NilError(t, e.Consume(context.Background(), &queue.Message{Id: "m1", Payload: []byte("{")}))
}

func TestRunWithoutDatabase(t *testing.T) {
	e := NewEngine(&client.Client{}, queue.NewInlineBroker(), nil, nil, nil, nil, Config{})
	// The ownership claim fails on the uninitialized client; Run must return
	// without invoking the sandbox.
	e.Run(context.Background(), "run-1")
}
