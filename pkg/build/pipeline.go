/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/benediktbwimmer/apphub-sub011/pkg/command"
	"github.com/benediktbwimmer/apphub-sub011/pkg/container"
	"github.com/benediktbwimmer/apphub-sub011/pkg/database/client"
	dbutils "github.com/benediktbwimmer/apphub-sub011/pkg/database/utils"
	"github.com/benediktbwimmer/apphub-sub011/pkg/jsonutil"
	"github.com/benediktbwimmer/apphub-sub011/pkg/queue"
)

// Message is the build queue payload.
type Message struct {
	BuildId string `json:"buildId"`
}

// Config tunes the build pipeline.
type Config struct {
	ScratchDir string
	Timeout    time.Duration
}

// Pipeline turns a pending build into a container image (C7): clone at the
// recorded commit, stream engine output into the build row, complete with
// the image tag or the failure message.
type Pipeline struct {
	dbc    *client.Client
	broker queue.Broker
	runner command.Runner
	engine container.Engine
	cfg    Config
}

// NewPipeline creates the build pipeline.
func NewPipeline(dbc *client.Client, broker queue.Broker, runner command.Runner, engine container.Engine, cfg Config) *Pipeline {
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = filepath.Join(os.TempDir(), "apphub-build")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Minute
	}
	return &Pipeline{dbc: dbc, broker: broker, runner: runner, engine: engine, cfg: cfg}
}

// Enqueue schedules a build run.
func (p *Pipeline) Enqueue(ctx context.Context, buildId string) error {
	payload := jsonutil.MarshalSilently(Message{BuildId: buildId})
	return p.broker.Enqueue(ctx, queue.QueueBuild, payload, queue.EnqueueOptions{})
}

// Consume processes one build message. Failures are recorded on the build
// row; the message is always acked.
func (p *Pipeline) Consume(ctx context.Context, msg *queue.Message) error {
	var payload Message
	if err := jsonutil.Unmarshal(msg.Payload, &payload); err != nil {
		klog.ErrorS(err, "dropping malformed build message", "id", msg.Id)
		return nil
	}
	p.Run(ctx, payload.BuildId)
	return nil
}

// Run executes the pipeline for one build.
func (p *Pipeline) Run(ctx context.Context, buildId string) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	build, changed, err := p.dbc.StartBuild(ctx, buildId)
	if err != nil {
		klog.ErrorS(err, "failed to claim build", "id", buildId)
		return
	}
	if !changed {
		klog.Infof("build %s is %s, skipping", buildId, build.Status)
		return
	}

	imageTag, err := p.execute(ctx, build)
	if err != nil {
		klog.ErrorS(err, "build failed", "id", buildId)
		if _, _, failErr := p.dbc.CompleteBuild(ctx, buildId,
			client.BuildStatusFailed, "", err.Error()); failErr != nil {
			klog.ErrorS(failErr, "failed to mark build failed", "id", buildId)
		}
		return
	}
	if _, _, err = p.dbc.CompleteBuild(ctx, buildId,
		client.BuildStatusSucceeded, imageTag, ""); err != nil {
		klog.ErrorS(err, "failed to mark build succeeded", "id", buildId)
		return
	}
	klog.Infof("build %s succeeded with image %s", buildId, imageTag)
}

func (p *Pipeline) execute(ctx context.Context, build *client.Build) (string, error) {
	repo, err := p.dbc.GetRepository(ctx, build.RepositoryId)
	if err != nil {
		return "", err
	}
	scratch := filepath.Join(p.cfg.ScratchDir, build.BuildId+"-"+uuid.NewString()[:8])
	if err = os.MkdirAll(scratch, 0o755); err != nil {
		return "", fmt.Errorf("failed to create scratch dir: %v", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			klog.ErrorS(err, "failed to clean scratch dir", "dir", scratch)
		}
	}()

	cloneArgs := []string{"clone"}
	if branch := dbutils.ParseNullString(build.GitBranch); branch != "" {
		cloneArgs = append(cloneArgs, "--branch", branch)
	}
	cloneArgs = append(cloneArgs, repo.RepoUrl, scratch)
	if _, err = p.runner.Run(ctx, "", "git", cloneArgs...); err != nil {
		return "", err
	}
	if sha := dbutils.ParseNullString(build.CommitSha); sha != "" {
		if _, err = p.runner.Run(ctx, scratch, "git", "checkout", sha); err != nil {
			return "", err
		}
	}

	imageTag := buildImageTag(repo.RepositoryId, dbutils.ParseNullString(build.CommitSha))
	sink := func(chunk string) {
		if err := p.dbc.AppendBuildLogs(ctx, build.BuildId, chunk); err != nil {
			klog.ErrorS(err, "failed to append build logs", "id", build.BuildId)
		}
	}
	err = p.engine.BuildImage(ctx, container.BuildOptions{
		ContextDir: scratch,
		Dockerfile: dbutils.ParseNullString(repo.DockerfilePath),
		ImageTag:   imageTag,
	}, sink)
	if err != nil {
		return "", err
	}
	return imageTag, nil
}

// buildImageTag derives a stable image tag from the repository and commit.
func buildImageTag(repositoryId, commitSha string) string {
	tag := "latest"
	if len(commitSha) >= 12 {
		tag = commitSha[:12]
	} else if commitSha != "" {
		tag = commitSha
	}
	return fmt.Sprintf("apphub/%s:%s", strings.ToLower(repositoryId), tag)
}
