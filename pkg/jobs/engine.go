/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

// Package jobs executes job runs: it resolves the bundle behind a job
// definition, acquires a cached extraction, forks the sandbox and persists
// the outcome under the run's worker-ownership gate.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/benediktbwimmer/apphub-sub011/pkg/bundle"
	"github.com/benediktbwimmer/apphub-sub011/pkg/database/client"
	dbutils "github.com/benediktbwimmer/apphub-sub011/pkg/database/utils"
	apphuberrors "github.com/benediktbwimmer/apphub-sub011/pkg/errors"
	"github.com/benediktbwimmer/apphub-sub011/pkg/jsonutil"
	"github.com/benediktbwimmer/apphub-sub011/pkg/queue"
	"github.com/benediktbwimmer/apphub-sub011/pkg/sandbox"
)

// Message is the job-run queue payload.
type Message struct {
	RunId string `json:"runId"`
}

// RetryPolicy is the decoded retry_policy of a job definition.
type RetryPolicy struct {
	MaxAttempts    int    `json:"maxAttempts"`
	InitialDelayMs int64  `json:"initialDelayMs"`
	Backoff        string `json:"backoff"` // fixed, linear or exponential
}

// Config tunes the job engine.
type Config struct {
	WorkerId       string
	HostRootPrefix string
	DefaultTimeout time.Duration
	// Secrets backs resolveSecret requests from sandboxed handlers.
	Secrets map[string]string
}

// Engine dequeues job-run messages and drives each run to a terminal state.
type Engine struct {
	dbc      *client.Client
	broker   queue.Broker
	store    *bundle.Store
	cache    *bundle.Cache
	recovery *bundle.Recovery
	runner   *sandbox.Runner
	cfg      Config
}

// NewEngine creates the job engine.
func NewEngine(dbc *client.Client, broker queue.Broker, store *bundle.Store,
	cache *bundle.Cache, recovery *bundle.Recovery, runner *sandbox.Runner, cfg Config) *Engine {
	if cfg.WorkerId == "" {
		cfg.WorkerId = "apphub-worker"
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	return &Engine{
		dbc: dbc, broker: broker, store: store,
		cache: cache, recovery: recovery, runner: runner, cfg: cfg,
	}
}

// Enqueue schedules a job run, optionally after a delay.
func (e *Engine) Enqueue(ctx context.Context, runId string, delay time.Duration) error {
	payload := jsonutil.MarshalSilently(Message{RunId: runId})
	return e.broker.Enqueue(ctx, queue.QueueJobRun, payload, queue.EnqueueOptions{Delay: delay})
}

// Consume processes one job-run message. Outcomes are recorded on the run
// row; the message is always acked.
func (e *Engine) Consume(ctx context.Context, msg *queue.Message) error {
	var payload Message
	if err := jsonutil.Unmarshal(msg.Payload, &payload); err != nil {
		klog.ErrorS(err, "dropping malformed job-run message", "id", msg.Id)
		return nil
	}
	e.Run(ctx, payload.RunId)
	return nil
}

// Run drives one pending run to a terminal state.
func (e *Engine) Run(ctx context.Context, runId string) {
	run, changed, err := e.dbc.StartJobRun(ctx, runId, e.cfg.WorkerId)
	if err != nil {
		klog.ErrorS(err, "failed to claim job run", "id", runId)
		return
	}
	if !changed {
		klog.Infof("job run %s is %s, skipping", runId, run.Status)
		return
	}

	def, err := e.dbc.GetJobDefinition(ctx, run.JobSlug)
	if err != nil {
		e.fail(ctx, run, err)
		return
	}

	result, err := e.execute(ctx, def, run)
	if err != nil {
		if e.maybeRetry(ctx, def, run, err) {
			return
		}
		e.fail(ctx, run, err)
		return
	}
	e.succeed(ctx, run, result)
}

func (e *Engine) execute(ctx context.Context, def *client.JobDefinition, run *client.JobRun) (*sandbox.ExecutionResult, error) {
	if def.Runtime == client.JobRuntimeDocker {
		return nil, apphuberrors.NewBadRequest(
			fmt.Sprintf("job %s has runtime docker, which the sandbox does not execute", def.Slug))
	}
	if !strings.HasPrefix(def.EntryPoint, "bundle:") {
		// Inline file paths are a valid entry point shape for externally
		// executed jobs, but the sandbox only runs published bundles.
		return nil, apphuberrors.NewBadRequest(fmt.Sprintf(
			"job %s entry point %q is an inline path; the sandbox only executes bundle references", def.Slug, def.EntryPoint))
	}
	ref, err := bundle.ParseEntryPoint(def.EntryPoint)
	if err != nil {
		return nil, err
	}

	version, err := e.resolveBundle(ctx, def, ref)
	if err != nil {
		return nil, err
	}
	dir, release, err := e.acquireBundle(ctx, def, version)
	if err != nil {
		return nil, err
	}
	defer release()

	timeout := e.cfg.DefaultTimeout
	if ms := dbutils.ParseNullInt64(run.TimeoutMs); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	} else if ms := dbutils.ParseNullInt64(def.TimeoutMs); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	opts := sandbox.ExecutionOptions{
		TaskId:  run.RunId,
		Runtime: def.Runtime,
		Bundle: sandbox.BundleDescriptor{
			Slug:       version.Slug,
			Version:    version.Version,
			Checksum:   version.Checksum,
			Directory:  dir,
			EntryFile:  entryFile(version, def.Runtime),
			ExportName: ref.ExportName,
			Manifest:   rawJSON(version.Manifest),
		},
		Job: sandbox.JobDescriptor{
			Definition: jsonutil.MarshalSilently(def.ToView()),
			Run:        jsonutil.MarshalSilently(run.ToView()),
			Parameters: runParameters(def, run),
			TimeoutMs:  timeout.Milliseconds(),
		},
		WorkflowEventContext: rawJSON(run.Context),
		HostRootPrefix:       e.cfg.HostRootPrefix,
		Timeout:              timeout,
		OnUpdate:             e.updateHandler(run),
		ResolveSecret:        e.secretResolver(),
	}
	return e.runner.Execute(ctx, opts)
}

// resolveBundle loads the bundle version, invoking recovery when the record
// is missing.
func (e *Engine) resolveBundle(ctx context.Context, def *client.JobDefinition, ref bundle.EntryPointRef) (*client.JobBundleVersion, error) {
	version, err := e.dbc.GetJobBundleVersion(ctx, ref.Slug, ref.Version)
	if err == nil {
		return version, nil
	}
	if !apphuberrors.IsNotFound(err) {
		return nil, err
	}
	klog.Warningf("bundle %s@%s is missing, attempting recovery for job %s",
		ref.Slug, ref.Version, def.Slug)
	return e.recovery.Recover(ctx, def, bundle.RecoveryOptions{})
}

// acquireBundle extracts the artifact through the cache; a fetch failure
// triggers one recovery pass before giving up.
func (e *Engine) acquireBundle(ctx context.Context, def *client.JobDefinition, version *client.JobBundleVersion) (string, func(), error) {
	fetch := func(ctx context.Context) ([]byte, error) {
		return e.store.OpenArtifact(ctx, version)
	}
	dir, release, err := e.cache.Acquire(ctx, version, fetch)
	if err == nil {
		return dir, release, nil
	}
	if !apphuberrors.IsBundleUnrecoverable(err) && !apphuberrors.IsChecksumMismatch(err) {
		return "", nil, err
	}
	klog.Warningf("bundle %s@%s artifact is unusable (%v), attempting recovery",
		version.Slug, version.Version, err)
	recovered, recErr := e.recovery.Recover(ctx, def, bundle.RecoveryOptions{})
	if recErr != nil {
		return "", nil, recErr
	}
	fetchRecovered := func(ctx context.Context) ([]byte, error) {
		return e.store.OpenArtifact(ctx, recovered)
	}
	return e.cache.Acquire(ctx, recovered, fetchRecovered)
}

// updateHandler applies sandbox update requests under the worker gate and
// returns the refreshed run view.
func (e *Engine) updateHandler(run *client.JobRun) sandbox.UpdateHandler {
	return func(ctx context.Context, updates json.RawMessage) (json.RawMessage, error) {
		var req struct {
			LogsUrl *string         `json:"logsUrl"`
			Metrics json.RawMessage `json:"metrics"`
			Context json.RawMessage `json:"context"`
		}
		if err := jsonutil.Unmarshal(updates, &req); err != nil {
			return nil, apphuberrors.NewBadRequest(fmt.Sprintf("malformed update payload: %v", err))
		}
		progress := client.JobRunProgress{
			LogsUrl: req.LogsUrl,
			Metrics: rawToStrPtr(req.Metrics),
			Context: rawToStrPtr(req.Context),
		}
		updated, changed, err := e.dbc.UpdateJobRunProgress(ctx, run.RunId, e.cfg.WorkerId, progress)
		if err != nil {
			return nil, err
		}
		if !changed {
			return nil, apphuberrors.NewConflict(
				fmt.Sprintf("run %s is no longer owned by worker %s", run.RunId, e.cfg.WorkerId))
		}
		return jsonutil.MarshalSilently(updated.ToView()), nil
	}
}

func (e *Engine) secretResolver() sandbox.SecretResolver {
	return func(ctx context.Context, reference json.RawMessage) (string, error) {
		var req struct {
			Key string `json:"key"`
		}
		if err := jsonutil.Unmarshal(reference, &req); err != nil || req.Key == "" {
			return "", apphuberrors.NewBadRequest("secret reference must name a key")
		}
		value, ok := e.cfg.Secrets[req.Key]
		if !ok {
			return "", apphuberrors.NewNotFoundWithMessage(
				fmt.Sprintf("secret %q is not configured", req.Key))
		}
		return value, nil
	}
}

func (e *Engine) succeed(ctx context.Context, run *client.JobRun, result *sandbox.ExecutionResult) {
	resultStr := string(result.Result)
	metrics := executionMetrics(result)
	if len(result.Logs) > 0 || result.TruncatedLogCount > 0 {
		contextStr := string(jsonutil.MarshalSilently(map[string]interface{}{
			"sandboxLogs":       result.Logs,
			"truncatedLogCount": result.TruncatedLogCount,
		}))
		if _, _, err := e.dbc.UpdateJobRunProgress(ctx, run.RunId, e.cfg.WorkerId,
			client.JobRunProgress{Context: &contextStr}); err != nil {
			klog.ErrorS(err, "failed to persist sandbox logs", "id", run.RunId)
		}
	}
	_, changed, err := e.dbc.CompleteJobRun(ctx, run.RunId, e.cfg.WorkerId, client.JobRunCompletion{
		Status:  client.JobRunStatusSucceeded,
		Result:  &resultStr,
		Metrics: &metrics,
	})
	if err != nil {
		klog.ErrorS(err, "failed to complete job run", "id", run.RunId)
		return
	}
	if !changed {
		// Another worker took over after our lease expired; its outcome wins.
		klog.Warningf("job run %s finished but is no longer owned by %s, dropping result",
			run.RunId, e.cfg.WorkerId)
		return
	}
	klog.Infof("job run %s succeeded in %dms", run.RunId, result.DurationMs)
}

func (e *Engine) fail(ctx context.Context, run *client.JobRun, cause error) {
	_, changed, err := e.dbc.CompleteJobRun(ctx, run.RunId, e.cfg.WorkerId, client.JobRunCompletion{
		Status:       client.JobRunStatusFailed,
		ErrorMessage: cause.Error(),
	})
	if err != nil {
		klog.ErrorS(err, "failed to mark job run failed", "id", run.RunId)
		return
	}
	if !changed {
		klog.Warningf("job run %s failed but is no longer owned by %s", run.RunId, e.cfg.WorkerId)
		return
	}
	klog.ErrorS(cause, "job run failed", "id", run.RunId, "attempt", run.Attempt)
}

// maybeRetry re-queues the run under its retry policy. Returns true when a
// retry was scheduled.
func (e *Engine) maybeRetry(ctx context.Context, def *client.JobDefinition, run *client.JobRun, cause error) bool {
	if !apphuberrors.IsRetryable(cause) {
		return false
	}
	policy := decodeRetryPolicy(def)
	if run.Attempt >= policy.MaxAttempts {
		return false
	}
	_, changed, err := e.dbc.ResetJobRunForRetry(ctx, run.RunId, e.cfg.WorkerId, cause.Error())
	if err != nil || !changed {
		if err != nil {
			klog.ErrorS(err, "failed to reset job run for retry", "id", run.RunId)
		}
		return false
	}
	delay := retryDelay(policy, run.Attempt)
	if err = e.Enqueue(ctx, run.RunId, delay); err != nil {
		klog.ErrorS(err, "failed to re-enqueue job run", "id", run.RunId)
		return false
	}
	klog.Infof("job run %s attempt %d failed (%v), retrying in %s",
		run.RunId, run.Attempt, cause, delay)
	return true
}

func decodeRetryPolicy(def *client.JobDefinition) RetryPolicy {
	policy := RetryPolicy{MaxAttempts: 1, InitialDelayMs: 1000, Backoff: "exponential"}
	if raw := dbutils.ParseNullString(def.RetryPolicy); raw != "" {
		if err := jsonutil.Unmarshal([]byte(raw), &policy); err != nil {
			klog.ErrorS(err, "ignoring malformed retry policy", "job", def.Slug)
		}
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.InitialDelayMs < 0 {
		policy.InitialDelayMs = 0
	}
	return policy
}

// retryDelay computes the delay before the given attempt number retries.
func retryDelay(policy RetryPolicy, attempt int) time.Duration {
	base := time.Duration(policy.InitialDelayMs) * time.Millisecond
	if attempt < 1 {
		attempt = 1
	}
	switch policy.Backoff {
	case "fixed":
		return base
	case "linear":
		return base * time.Duration(attempt)
	default: // exponential
		delay := base
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay > time.Hour {
				return time.Hour
			}
		}
		return delay
	}
}

// entryFile resolves the handler file from the bundle manifest, defaulting
// by runtime.
func entryFile(version *client.JobBundleVersion, runtime string) string {
	var manifest bundle.BundleManifest
	if raw := dbutils.ParseNullString(version.Manifest); raw != "" {
		_ = jsonutil.Unmarshal([]byte(raw), &manifest)
	}
	if manifest.Entry != "" {
		return filepath.FromSlash(manifest.Entry)
	}
	if manifest.Main != "" {
		return filepath.FromSlash(manifest.Main)
	}
	if runtime == client.JobRuntimePython {
		return "main.py"
	}
	return "index.js"
}

// runParameters picks the run's parameters, falling back to the definition's
// defaults.
func runParameters(def *client.JobDefinition, run *client.JobRun) json.RawMessage {
	if raw := dbutils.ParseNullString(run.Parameters); raw != "" {
		return json.RawMessage(raw)
	}
	if raw := dbutils.ParseNullString(def.DefaultParameters); raw != "" {
		return json.RawMessage(raw)
	}
	return json.RawMessage(`{}`)
}

func executionMetrics(result *sandbox.ExecutionResult) string {
	metrics := map[string]interface{}{"durationMs": result.DurationMs}
	if len(result.ResourceUsage) > 0 {
		metrics["resourceUsage"] = json.RawMessage(result.ResourceUsage)
	}
	return string(jsonutil.MarshalSilently(metrics))
}

func rawJSON(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func rawToStrPtr(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}
