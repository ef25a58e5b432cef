/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package container

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"k8s.io/klog/v2"

	"github.com/benediktbwimmer/apphub-sub011/pkg/command"
	apphuberrors "github.com/benediktbwimmer/apphub-sub011/pkg/errors"
)

// BuildOptions describes one image build.
type BuildOptions struct {
	ContextDir string
	Dockerfile string
	ImageTag   string
}

// RunOptions describes one container start.
type RunOptions struct {
	ImageTag string
	Name     string
	Env      map[string]string
	Command  string
}

// RunResult carries the runtime endpoint of a started container.
type RunResult struct {
	ContainerId string
	Port        int64
	InstanceUrl string
}

// Engine is the image-build and container-run capability consumed by the
// build and launch pipelines.
type Engine interface {
	BuildImage(ctx context.Context, opts BuildOptions, logSink func(chunk string)) error
	RunContainer(ctx context.Context, opts RunOptions) (*RunResult, error)
	StopContainer(ctx context.Context, containerId string) error
}

// DockerEngine shells out to the docker CLI.
type DockerEngine struct {
	runner command.Runner
}

// NewDockerEngine creates the CLI-backed engine.
func NewDockerEngine(runner command.Runner) *DockerEngine {
	return &DockerEngine{runner: runner}
}

// BuildImage runs docker build, streaming output into logSink.
func (e *DockerEngine) BuildImage(ctx context.Context, opts BuildOptions, logSink func(chunk string)) error {
	if opts.ContextDir == "" || opts.ImageTag == "" {
		return apphuberrors.NewBadRequest("build context or image tag is empty")
	}
	args := []string{"build", "-t", opts.ImageTag}
	if opts.Dockerfile != "" {
		args = append(args, "-f", opts.Dockerfile)
	}
	args = append(args, ".")
	if _, err := e.runner.Stream(ctx, opts.ContextDir, logSink, "docker", args...); err != nil {
		return err
	}
	return nil
}

// RunContainer starts a detached container with an ephemeral host port.
func (e *DockerEngine) RunContainer(ctx context.Context, opts RunOptions) (*RunResult, error) {
	if opts.ImageTag == "" {
		return nil, apphuberrors.NewBadRequest("image tag is empty")
	}
	args := []string{"run", "-d", "-P"}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	for key, value := range opts.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", key, value))
	}
	args = append(args, opts.ImageTag)
	if opts.Command != "" {
		args = append(args, strings.Fields(opts.Command)...)
	}
	result, err := e.runner.Run(ctx, "", "docker", args...)
	if err != nil {
		return nil, err
	}
	containerId := strings.TrimSpace(result.Stdout)
	if containerId == "" {
		return nil, apphuberrors.NewDependencyFailed("docker run returned no container id")
	}

	port, err := e.firstMappedPort(ctx, containerId)
	if err != nil {
		klog.ErrorS(err, "failed to resolve container port", "container", containerId)
	}
	run := &RunResult{ContainerId: containerId, Port: port}
	if port > 0 {
		run.InstanceUrl = fmt.Sprintf("http://127.0.0.1:%d", port)
	}
	return run, nil
}

// StopContainer stops and removes a container.
func (e *DockerEngine) StopContainer(ctx context.Context, containerId string) error {
	if containerId == "" {
		return apphuberrors.NewBadRequest("containerId is empty")
	}
	if _, err := e.runner.Run(ctx, "", "docker", "rm", "-f", containerId); err != nil {
		return err
	}
	return nil
}

func (e *DockerEngine) firstMappedPort(ctx context.Context, containerId string) (int64, error) {
	result, err := e.runner.Run(ctx, "", "docker", "port", containerId)
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(result.Stdout, "\n") {
		// "3000/tcp -> 0.0.0.0:49154"
		idx := strings.LastIndex(line, ":")
		if idx < 0 {
			continue
		}
		port, err := strconv.ParseInt(strings.TrimSpace(line[idx+1:]), 10, 64)
		if err == nil && port > 0 {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no published port for container %s", containerId)
}

// FakeEngine is an in-memory engine for tests and broker-less deployments.
type FakeEngine struct {
	mu      sync.Mutex
	nextId  int
	Running map[string]RunOptions
	// FailBuilds makes BuildImage return an error after emitting logs.
	FailBuilds bool
}

// NewFakeEngine creates an empty fake engine.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{Running: make(map[string]RunOptions)}
}

// BuildImage emits deterministic log lines and succeeds unless FailBuilds.
func (e *FakeEngine) BuildImage(ctx context.Context, opts BuildOptions, logSink func(chunk string)) error {
	if logSink != nil {
		logSink(fmt.Sprintf("Step 1/2 : FROM base\nStep 2/2 : building %s\n", opts.ImageTag))
	}
	if e.FailBuilds {
		if logSink != nil {
			logSink("error: simulated build failure\n")
		}
		return apphuberrors.NewDependencyFailed("simulated build failure")
	}
	if logSink != nil {
		logSink(fmt.Sprintf("Successfully tagged %s\n", opts.ImageTag))
	}
	return nil
}

// RunContainer records the container and fabricates an endpoint.
func (e *FakeEngine) RunContainer(ctx context.Context, opts RunOptions) (*RunResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextId++
	containerId := fmt.Sprintf("fake-container-%d", e.nextId)
	e.Running[containerId] = opts
	port := int64(43000 + e.nextId)
	return &RunResult{
		ContainerId: containerId,
		Port:        port,
		InstanceUrl: fmt.Sprintf("http://127.0.0.1:%d", port),
	}, nil
}

// StopContainer forgets the container.
func (e *FakeEngine) StopContainer(ctx context.Context, containerId string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.Running[containerId]; !ok {
		return apphuberrors.NewNotFoundWithMessage(fmt.Sprintf("container %s is not running", containerId))
	}
	delete(e.Running, containerId)
	return nil
}
