/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

// Package sandbox runs job-bundle handlers in restricted child interpreters
// and brokers their update and secret-resolution calls.
package sandbox

import (
	"bufio"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/benediktbwimmer/apphub-sub011/pkg/database/client"
	apphuberrors "github.com/benediktbwimmer/apphub-sub011/pkg/errors"
)

//go:embed harness/node_child.js harness/python_child.py
var harnessFS embed.FS

const (
	// MaxSandboxLogs bounds the in-memory log buffer per execution.
	MaxSandboxLogs = 200

	// TaskIdEnv carries the sandbox task id into the child.
	TaskIdEnv = "SANDBOX_TASK_ID"
	// HostRootPrefixEnv rebases absolute filesystem paths inside the child.
	HostRootPrefixEnv = "APPHUB_SANDBOX_HOST_ROOT_PREFIX"

	// maxLineBytes bounds one NDJSON frame from the child.
	maxLineBytes = 1 << 20
)

// LogLine is one captured sandbox log entry.
type LogLine struct {
	Level   string          `json:"level"`
	Message string          `json:"message"`
	Meta    json.RawMessage `json:"meta,omitempty"`
}

// BundleDescriptor identifies the extracted bundle the child executes.
type BundleDescriptor struct {
	Slug       string          `json:"slug"`
	Version    string          `json:"version"`
	Checksum   string          `json:"checksum"`
	Directory  string          `json:"directory"`
	EntryFile  string          `json:"entryFile"`
	ExportName string          `json:"exportName,omitempty"`
	Manifest   json.RawMessage `json:"manifest,omitempty"`
}

// JobDescriptor carries the job definition and run state into the child.
type JobDescriptor struct {
	Definition json.RawMessage `json:"definition"`
	Run        json.RawMessage `json:"run"`
	Parameters json.RawMessage `json:"parameters"`
	TimeoutMs  int64           `json:"timeoutMs,omitempty"`
}

// UpdateHandler applies a run update requested by the handler and returns
// the refreshed run view.
type UpdateHandler func(ctx context.Context, updates json.RawMessage) (json.RawMessage, error)

// SecretResolver resolves a secret reference requested by the handler.
type SecretResolver func(ctx context.Context, reference json.RawMessage) (string, error)

// ExecutionOptions describes one sandbox execution.
type ExecutionOptions struct {
	TaskId               string
	Runtime              string
	Bundle               BundleDescriptor
	Job                  JobDescriptor
	WorkflowEventContext json.RawMessage
	HostRootPrefix       string
	Timeout              time.Duration
	OnUpdate             UpdateHandler
	ResolveSecret        SecretResolver
}

// ExecutionResult is the outcome of a successful sandbox execution.
type ExecutionResult struct {
	TaskId            string
	Result            json.RawMessage
	DurationMs        int64
	ResourceUsage     json.RawMessage
	Logs              []LogLine
	TruncatedLogCount int
}

// Config tunes the sandbox runner.
type Config struct {
	NodeBinary   string
	PythonBinary string
	KillGrace    time.Duration
	MaxLogs      int
	HarnessDir   string
}

// Runner forks child interpreters and speaks the NDJSON sandbox protocol
// with them.
type Runner struct {
	cfg Config

	harnessOnce   sync.Once
	harnessErr    error
	nodeHarness   string
	pythonHarness string
}

// NewRunner creates a sandbox runner.
func NewRunner(cfg Config) *Runner {
	if cfg.NodeBinary == "" {
		cfg.NodeBinary = "node"
	}
	if cfg.PythonBinary == "" {
		cfg.PythonBinary = "python3"
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 500 * time.Millisecond
	}
	if cfg.MaxLogs <= 0 {
		cfg.MaxLogs = MaxSandboxLogs
	}
	if cfg.HarnessDir == "" {
		cfg.HarnessDir = filepath.Join(os.TempDir(), "apphub-sandbox-harness")
	}
	return &Runner{cfg: cfg}
}

// Execute runs one handler to completion and returns its result, captured
// logs and resource usage.
func (r *Runner) Execute(ctx context.Context, opts ExecutionOptions) (*ExecutionResult, error) {
	harness, binary, err := r.resolveChild(opts.Runtime)
	if err != nil {
		return nil, err
	}
	if opts.Bundle.Directory == "" || opts.Bundle.EntryFile == "" {
		return nil, apphuberrors.NewBadRequest("bundle directory or entry file is empty")
	}
	taskId := opts.TaskId
	if taskId == "" {
		taskId = uuid.NewString()
	}

	cmd := exec.CommandContext(ctx, binary, harness)
	cmd.Dir = opts.Bundle.Directory
	cmd.Env = append(os.Environ(), TaskIdEnv+"="+taskId)
	if opts.HostRootPrefix != "" {
		cmd.Env = append(cmd.Env, HostRootPrefixEnv+"="+opts.HostRootPrefix)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err = cmd.Start(); err != nil {
		return nil, apphuberrors.NewDependencyFailed(
			fmt.Sprintf("failed to start %s sandbox child: %v", opts.Runtime, err))
	}

	session := &session{
		runner:  r,
		taskId:  taskId,
		opts:    opts,
		stdin:   stdin,
		started: time.Now(),
		logs:    newLogCollector(r.cfg.MaxLogs),
	}

	var watchdog *time.Timer
	if opts.Timeout > 0 {
		watchdog = time.AfterFunc(opts.Timeout, func() {
			session.markTimedOut()
			terminate(cmd, r.cfg.KillGrace)
		})
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		session.ingestStderr(stderr)
	}()

	session.readMessages(ctx, stdout)
	wg.Wait()
	waitErr := cmd.Wait()
	if watchdog != nil {
		watchdog.Stop()
	}
	return session.finish(waitErr)
}

func (r *Runner) resolveChild(runtime string) (harness, binary string, err error) {
	if err = r.materializeHarnesses(); err != nil {
		return "", "", err
	}
	switch runtime {
	case client.JobRuntimeNode:
		return r.nodeHarness, r.cfg.NodeBinary, nil
	case client.JobRuntimePython:
		return r.pythonHarness, r.cfg.PythonBinary, nil
	}
	return "", "", apphuberrors.NewBadRequest(
		fmt.Sprintf("runtime %q has no sandbox harness", runtime))
}

// materializeHarnesses writes the embedded child scripts to disk once.
func (r *Runner) materializeHarnesses() error {
	r.harnessOnce.Do(func() {
		if err := os.MkdirAll(r.cfg.HarnessDir, 0o755); err != nil {
			r.harnessErr = err
			return
		}
		for _, entry := range []struct{ src, dst string }{
			{"harness/node_child.js", "node_child.js"},
			{"harness/python_child.py", "python_child.py"},
		} {
			data, err := harnessFS.ReadFile(entry.src)
			if err != nil {
				r.harnessErr = err
				return
			}
			target := filepath.Join(r.cfg.HarnessDir, entry.dst)
			tmp := target + ".tmp"
			if err = os.WriteFile(tmp, data, 0o644); err != nil {
				r.harnessErr = err
				return
			}
			if err = os.Rename(tmp, target); err != nil {
				r.harnessErr = err
				return
			}
		}
		r.nodeHarness = filepath.Join(r.cfg.HarnessDir, "node_child.js")
		r.pythonHarness = filepath.Join(r.cfg.HarnessDir, "python_child.py")
	})
	return r.harnessErr
}

// terminate asks the child to stop, then kills it after the grace period.
func terminate(cmd *exec.Cmd, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return
	}
	time.AfterFunc(grace, func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	})
}

// session tracks one child execution.
type session struct {
	runner  *Runner
	taskId  string
	opts    ExecutionOptions
	stdin   io.WriteCloser
	started time.Time
	logs    *logCollector

	mu         sync.Mutex
	timedOut   bool
	result     json.RawMessage
	durationMs int64
	usage      json.RawMessage
	childErr   *childError
	writeMu    sync.Mutex
}

type childMessage struct {
	Type          string          `json:"type"`
	Result        json.RawMessage `json:"result"`
	DurationMs    int64           `json:"durationMs"`
	ResourceUsage json.RawMessage `json:"resourceUsage"`
	Error         *childError     `json:"error"`
	Level         string          `json:"level"`
	Message       string          `json:"message"`
	Meta          json.RawMessage `json:"meta"`
	RequestId     string          `json:"requestId"`
	Updates       json.RawMessage `json:"updates"`
	Reference     json.RawMessage `json:"reference"`
}

type childError struct {
	Message string `json:"message"`
	Stack   string `json:"stack"`
	Name    string `json:"name"`
}

func (s *session) markTimedOut() {
	s.mu.Lock()
	s.timedOut = true
	s.mu.Unlock()
}

func (s *session) send(message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.stdin.Write(append(data, '\n'))
	return err
}

// readMessages sends the start frame and consumes child stdout until EOF.
func (s *session) readMessages(ctx context.Context, stdout io.Reader) {
	start := map[string]interface{}{
		"type": "start",
		"payload": map[string]interface{}{
			"taskId":               s.taskId,
			"bundle":               s.opts.Bundle,
			"job":                  s.opts.Job,
			"workflowEventContext": s.opts.WorkflowEventContext,
		},
	}
	if err := s.send(start); err != nil {
		klog.ErrorS(err, "failed to send sandbox start message", "task", s.taskId)
		return
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg childMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil || msg.Type == "" {
			// Raw stdout from the handler becomes an info log entry.
			s.logs.add(LogLine{Level: "info", Message: line})
			continue
		}
		s.handleMessage(ctx, &msg)
	}
}

func (s *session) handleMessage(ctx context.Context, msg *childMessage) {
	switch msg.Type {
	case "result":
		s.mu.Lock()
		s.result = normalizeResult(msg.Result)
		s.durationMs = msg.DurationMs
		s.usage = msg.ResourceUsage
		s.mu.Unlock()
	case "error":
		s.mu.Lock()
		s.childErr = msg.Error
		if s.childErr == nil {
			s.childErr = &childError{Message: "sandbox child reported an unspecified error"}
		}
		s.mu.Unlock()
	case "log":
		level := msg.Level
		if level == "" {
			level = "info"
		}
		s.logs.add(LogLine{Level: level, Message: msg.Message, Meta: msg.Meta})
	case "update-request":
		s.handleUpdate(ctx, msg)
	case "resolve-secret-request":
		s.handleSecret(ctx, msg)
	}
}

func (s *session) handleUpdate(ctx context.Context, msg *childMessage) {
	reply := map[string]interface{}{"type": "update-response", "requestId": msg.RequestId}
	if s.opts.OnUpdate == nil {
		reply["ok"] = false
		reply["error"] = "run updates are not available"
	} else if run, err := s.opts.OnUpdate(ctx, msg.Updates); err != nil {
		reply["ok"] = false
		reply["error"] = err.Error()
	} else {
		reply["ok"] = true
		reply["run"] = run
	}
	if err := s.send(reply); err != nil {
		klog.ErrorS(err, "failed to answer sandbox update request", "task", s.taskId)
	}
}

func (s *session) handleSecret(ctx context.Context, msg *childMessage) {
	reply := map[string]interface{}{"type": "resolve-secret-response", "requestId": msg.RequestId}
	if s.opts.ResolveSecret == nil {
		reply["ok"] = false
		reply["error"] = "secret resolution is not available"
	} else if value, err := s.opts.ResolveSecret(ctx, msg.Reference); err != nil {
		reply["ok"] = false
		reply["error"] = err.Error()
	} else {
		reply["ok"] = true
		reply["value"] = value
	}
	if err := s.send(reply); err != nil {
		klog.ErrorS(err, "failed to answer sandbox secret request", "task", s.taskId)
	}
}

func (s *session) ingestStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			s.logs.add(LogLine{Level: "error", Message: line})
		}
	}
}

// finish converts the child outcome into an ExecutionResult or a typed error.
func (s *session) finish(waitErr error) (*ExecutionResult, error) {
	_ = s.stdin.Close()
	elapsed := time.Since(s.started).Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timedOut {
		return nil, apphuberrors.NewSandboxTimeout(fmt.Sprintf(
			"job exceeded timeout of %dms (elapsed %dms)", s.opts.Timeout.Milliseconds(), elapsed))
	}
	if s.childErr != nil {
		message := s.childErr.Message
		if s.childErr.Stack != "" {
			message = message + ": " + firstLine(s.childErr.Stack)
		}
		if isViolation(s.childErr) {
			return nil, apphuberrors.NewSandboxViolation(message)
		}
		return nil, fmt.Errorf("handler failed: %s", message)
	}
	if s.result == nil {
		code := -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if waitErr == nil {
			code = 0
		}
		return nil, apphuberrors.NewSandboxCrash(fmt.Sprintf(
			"sandbox child exited with code %d before reporting a result", code))
	}

	durationMs := s.durationMs
	if durationMs <= 0 {
		durationMs = elapsed
	}
	logs, truncated := s.logs.snapshot()
	return &ExecutionResult{
		TaskId:            s.taskId,
		Result:            s.result,
		DurationMs:        durationMs,
		ResourceUsage:     s.usage,
		Logs:              logs,
		TruncatedLogCount: truncated,
	}, nil
}

// isViolation recognizes capability and containment denials raised by the
// harness guards.
func isViolation(err *childError) bool {
	return strings.Contains(err.Message, "not permitted") ||
		strings.Contains(err.Message, "requires declaring") ||
		strings.Contains(err.Message, "outside of bundle directory") ||
		strings.Contains(err.Stack, "requires declaring") ||
		strings.Contains(err.Stack, "not permitted")
}

// normalizeResult wraps scalar handler results and maps empty ones to {}.
func normalizeResult(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage(`{}`)
	}
	if strings.HasPrefix(trimmed, "{") {
		return json.RawMessage(trimmed)
	}
	return json.RawMessage(fmt.Sprintf(`{"result":%s}`, trimmed))
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// logCollector retains at most max entries and counts the overflow.
type logCollector struct {
	mu        sync.Mutex
	max       int
	entries   []LogLine
	truncated int
}

func newLogCollector(max int) *logCollector {
	return &logCollector{max: max}
}

func (c *logCollector) add(line LogLine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		c.truncated++
		return
	}
	c.entries = append(c.entries, line)
}

func (c *logCollector) snapshot() ([]LogLine, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := make([]LogLine, len(c.entries))
	copy(entries, c.entries)
	return entries, c.truncated
}
