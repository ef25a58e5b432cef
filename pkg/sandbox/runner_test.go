/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"gotest.tools/assert"

	apphuberrors "github.com/benediktbwimmer/apphub-sub011/pkg/errors"
)

// stubChild writes an executable shell script that plays the child side of
// the sandbox protocol and returns a runner configured to fork it.
func stubChild(t *testing.T, script string) (*Runner, BundleDescriptor) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub children need a POSIX shell")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "fake-node")
	assert.NilError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"+script), 0o755))

	r := NewRunner(Config{
		NodeBinary: bin,
		HarnessDir: filepath.Join(dir, "harness"),
		KillGrace:  50 * time.Millisecond,
	})
	bundleDir := filepath.Join(dir, "bundle")
	assert.NilError(t, os.MkdirAll(bundleDir, 0o755))
	bundle := BundleDescriptor{
		Slug: "demo", Version: "1.0.0", Directory: bundleDir, EntryFile: "index.js",
	}
	return r, bundle
}

func TestExecuteCollectsResultAndLogs(t *testing.T) {
	r, bundle := stubChild(t, `read start
echo '{"type":"log","level":"info","message":"working"}'
echo 'plain stdout line'
echo '{"type":"result","result":{"rows":3},"durationMs":7,"resourceUsage":{"maxRssKb":1024}}'
`)
	res, err := r.Execute(context.Background(), ExecutionOptions{
		TaskId:  "task-1",
		Runtime: "node",
		Bundle:  bundle,
	})
	assert.NilError(t, err)
	assert.Equal(t, res.TaskId, "task-1")
	assert.Equal(t, string(res.Result), `{"rows":3}`)
	assert.Equal(t, res.DurationMs, int64(7))
	assert.Equal(t, len(res.Logs), 2)
	assert.Equal(t, res.Logs[0].Message, "working")
	assert.Equal(t, res.Logs[1].Message, "plain stdout line")
	assert.Equal(t, res.TruncatedLogCount, 0)
}

func TestExecuteCrashWithoutResult(t *testing.T) {
	r, bundle := stubChild(t, `read start
exit 3
`)
	_, err := r.Execute(context.Background(), ExecutionOptions{Runtime: "node", Bundle: bundle})
	assert.Assert(t, apphuberrors.IsSandboxCrash(err))
	assert.ErrorContains(t, err, "code 3")
}

func TestExecuteViolation(t *testing.T) {
	r, bundle := stubChild(t, `read start
echo '{"type":"error","error":{"message":"Module \"http\" is not permitted without the \"network\" capability"}}'
exit 1
`)
	_, err := r.Execute(context.Background(), ExecutionOptions{Runtime: "node", Bundle: bundle})
	assert.Assert(t, apphuberrors.IsSandboxViolation(err))
	assert.ErrorContains(t, err, "not permitted")
}

// Forks the real node harness: requiring a network module without the
// capability must fail the run with a "not permitted" violation.
func TestExecuteDeniesUndeclaredNetworkModule(t *testing.T) {
	nodeBin, err := exec.LookPath("node")
	if err != nil {
		t.Skip("node is not installed")
	}
	dir := t.TempDir()
	bundleDir := filepath.Join(dir, "bundle")
	assert.NilError(t, os.MkdirAll(bundleDir, 0o755))
	assert.NilError(t, os.WriteFile(filepath.Join(bundleDir, "index.js"),
		[]byte("exports.handler = async () => require('http');\n"), 0o644))

	r := NewRunner(Config{
		NodeBinary: nodeBin,
		HarnessDir: filepath.Join(dir, "harness"),
		KillGrace:  time.Second,
	})
	_, err = r.Execute(context.Background(), ExecutionOptions{
		TaskId:  "net-denied",
		Runtime: "node",
		Bundle: BundleDescriptor{
			Slug: "net-check", Version: "1.0.0", Directory: bundleDir, EntryFile: "index.js",
		},
		Timeout: 20 * time.Second,
	})
	assert.Assert(t, apphuberrors.IsSandboxViolation(err))
	assert.ErrorContains(t, err, "not permitted")
}

func TestExecuteHandlerError(t *testing.T) {
	r, bundle := stubChild(t, `read start
echo '{"type":"error","error":{"message":"Handler threw error","stack":"Error: boom"}}'
exit 1
`)
	_, err := r.Execute(context.Background(), ExecutionOptions{Runtime: "node", Bundle: bundle})
	assert.ErrorContains(t, err, "Handler threw error")
	assert.Assert(t, !apphuberrors.IsSandboxViolation(err))
	assert.Assert(t, !apphuberrors.IsSandboxCrash(err))
}

func TestExecuteTimeout(t *testing.T) {
	r, bundle := stubChild(t, `read start
exec sleep 10
`)
	started := time.Now()
	_, err := r.Execute(context.Background(), ExecutionOptions{
		Runtime: "node",
		Bundle:  bundle,
		Timeout: 100 * time.Millisecond,
	})
	assert.Assert(t, apphuberrors.IsSandboxTimeout(err))
	assert.Assert(t, time.Since(started) < 2*time.Second)
}

func TestExecuteUpdateRoundTrip(t *testing.T) {
	r, bundle := stubChild(t, `read start
echo '{"type":"update-request","requestId":"r1","updates":{"metrics":{"rows":5}}}'
read reply
echo '{"type":"result","result":{},"durationMs":1}'
`)
	var gotUpdates json.RawMessage
	res, err := r.Execute(context.Background(), ExecutionOptions{
		Runtime: "node",
		Bundle:  bundle,
		OnUpdate: func(ctx context.Context, updates json.RawMessage) (json.RawMessage, error) {
			gotUpdates = updates
			return json.RawMessage(`{"status":"running"}`), nil
		},
	})
	assert.NilError(t, err)
	assert.Equal(t, string(res.Result), `{}`)
	assert.Equal(t, string(gotUpdates), `{"metrics":{"rows":5}}`)
}

func TestExecuteSecretWithoutResolver(t *testing.T) {
	r, bundle := stubChild(t, `read start
echo '{"type":"resolve-secret-request","requestId":"r1","reference":{"key":"token"}}'
read reply
case "$reply" in
  *'"ok":false'*) echo '{"type":"result","result":"denied","durationMs":1}' ;;
  *) echo '{"type":"result","result":"granted","durationMs":1}' ;;
esac
`)
	res, err := r.Execute(context.Background(), ExecutionOptions{Runtime: "node", Bundle: bundle})
	assert.NilError(t, err)
	assert.Equal(t, string(res.Result), `{"result":"denied"}`)
}

func TestExecuteRejectsUnknownRuntime(t *testing.T) {
	r := NewRunner(Config{HarnessDir: t.TempDir()})
	_, err := r.Execute(context.Background(), ExecutionOptions{
		Runtime: "docker",
		Bundle:  BundleDescriptor{Directory: t.TempDir(), EntryFile: "main.js"},
	})
	assert.ErrorContains(t, err, "no sandbox harness")
}

func TestNormalizeResult(t *testing.T) {
	assert.Equal(t, string(normalizeResult(nil)), `{}`)
	assert.Equal(t, string(normalizeResult(json.RawMessage("null"))), `{}`)
	assert.Equal(t, string(normalizeResult(json.RawMessage(`{"a":1}`))), `{"a":1}`)
	assert.Equal(t, string(normalizeResult(json.RawMessage("42"))), `{"result":42}`)
	assert.Equal(t, string(normalizeResult(json.RawMessage(`"ok"`))), `{"result":"ok"}`)
	assert.Equal(t, string(normalizeResult(json.RawMessage(`[1,2]`))), `{"result":[1,2]}`)
}

func TestLogCollectorTruncates(t *testing.T) {
	c := newLogCollector(3)
	for i := 0; i < 5; i++ {
		c.add(LogLine{Level: "info", Message: fmt.Sprintf("line %d", i)})
	}
	logs, truncated := c.snapshot()
	assert.Equal(t, len(logs), 3)
	assert.Equal(t, truncated, 2)
	assert.Equal(t, logs[2].Message, "line 2")
}
