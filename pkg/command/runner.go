/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package command

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"unicode/utf8"

	"k8s.io/klog/v2"
)

// Result carries the outcome of one external command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes external commands. The production runner shells out; tests
// substitute a fake.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (*Result, error)
	// Stream runs the command and forwards combined output chunks to sink
	// as they arrive.
	Stream(ctx context.Context, dir string, sink func(chunk string), name string, args ...string) (*Result, error)
}

// ExecRunner runs commands through the OS.
type ExecRunner struct{}

// NewExecRunner creates the OS-backed runner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes the command and captures output.
func (r *ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode(cmd),
	}
	if err != nil {
		klog.V(4).Infof("command %s %s failed: %v, stderr: %s",
			name, strings.Join(args, " "), err, truncateOutput(result.Stderr))
		return result, fmt.Errorf("%s failed: %v: %s", name, err, truncateOutput(result.Stderr))
	}
	return result, nil
}

// Stream executes the command and forwards combined output to sink.
func (r *ExecRunner) Stream(ctx context.Context, dir string, sink func(chunk string), name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	writer := &sinkWriter{sink: sink}
	cmd.Stdout = writer
	cmd.Stderr = writer
	err := cmd.Run()
	result := &Result{
		Stdout:   writer.String(),
		ExitCode: exitCode(cmd),
	}
	if err != nil {
		return result, fmt.Errorf("%s failed: %v", name, err)
	}
	return result, nil
}

type sinkWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	sink func(chunk string)
}

func (w *sinkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf.Write(p)
	w.mu.Unlock()
	if w.sink != nil {
		w.sink(string(p))
	}
	return len(p), nil
}

func (w *sinkWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

func truncateOutput(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 500 {
		return s
	}
	cut := 500
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// FakeCall records one invocation of the fake runner.
type FakeCall struct {
	Dir  string
	Name string
	Args []string
}

// FakeRunner is a scripted Runner for tests. Each key is the command name;
// the bound function produces the result.
type FakeRunner struct {
	mu       sync.Mutex
	Handlers map[string]func(call FakeCall) (*Result, error)
	Calls    []FakeCall
}

// NewFakeRunner creates an empty fake.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{Handlers: make(map[string]func(call FakeCall) (*Result, error))}
}

// Run dispatches to the scripted handler.
func (r *FakeRunner) Run(ctx context.Context, dir, name string, args ...string) (*Result, error) {
	call := FakeCall{Dir: dir, Name: name, Args: args}
	r.mu.Lock()
	r.Calls = append(r.Calls, call)
	handler := r.Handlers[name]
	r.mu.Unlock()
	if handler == nil {
		return nil, fmt.Errorf("no handler scripted for command %s", name)
	}
	return handler(call)
}

// Stream dispatches to the scripted handler and forwards stdout to sink.
func (r *FakeRunner) Stream(ctx context.Context, dir string, sink func(chunk string), name string, args ...string) (*Result, error) {
	result, err := r.Run(ctx, dir, name, args...)
	if result != nil && sink != nil && result.Stdout != "" {
		sink(result.Stdout)
	}
	return result, err
}
