/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package ingest

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
	"github.com/benediktbwimmer/apphub-sub011/pkg/database/client"
	dbutils "github.com/benediktbwimmer/apphub-sub011/pkg/database/utils"
	"github.com/benediktbwimmer/apphub-sub011/pkg/jsonutil"
	"github.com/benediktbwimmer/apphub-sub011/pkg/queue"
	"github.com/benediktbwimmer/apphub-sub011/pkg/timeutil"
)

// Message is the ingest queue payload.
type Message struct {
	RepositoryId string `json:"repositoryId"`
}

// Config tunes the ingestion pipeline.
type Config struct {
	CloneDepth int
	ScratchDir string
	AutoBuild  bool
	Timeout    time.Duration
}

// Pipeline ingests registered repositories into the catalog (C6): shallow
// clone, Dockerfile detection, tag and preview derivation, status gating
// with an append-only event history.
type Pipeline struct {
	dbc    *client.Client
	broker queue.Broker
	runner command.Runner
	cfg    Config
}

// NewPipeline creates the ingestion pipeline.
func NewPipeline(dbc *client.Client, broker queue.Broker, runner command.Runner, cfg Config) *Pipeline {
	if cfg.CloneDepth <= 0 {
		cfg.CloneDepth = 1
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = filepath.Join(os.TempDir(), "apphub-ingest")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Pipeline{dbc: dbc, broker: broker, runner: runner, cfg: cfg}
}

// Enqueue schedules an ingestion run for a repository.
func (p *Pipeline) Enqueue(ctx context.Context, repositoryId string) error {
	payload := jsonutil.MarshalSilently(Message{RepositoryId: repositoryId})
	return p.broker.Enqueue(ctx, queue.QueueIngest, payload, queue.EnqueueOptions{})
}

// Consume processes one ingest message. Always returns nil: failures are
// recorded on the repository row, redelivery goes through the retry API.
func (p *Pipeline) Consume(ctx context.Context, msg *queue.Message) error {
	var payload Message
	if err := jsonutil.Unmarshal(msg.Payload, &payload); err != nil {
		klog.ErrorS(err, "dropping malformed ingest message", "id", msg.Id)
		return nil
	}
	p.Run(ctx, payload.RepositoryId)
	return nil
}

// Run executes the pipeline for one repository.
func (p *Pipeline) Run(ctx context.Context, repositoryId string) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	repo, changed, err := p.dbc.BeginRepositoryIngestion(ctx, repositoryId)
	if err != nil {
		klog.ErrorS(err, "failed to claim repository for ingestion", "id", repositoryId)
		return
	}
	if !changed {
		// Concurrent retries collapse to one processing transition.
		klog.Infof("repository %s is %s, skipping ingestion", repositoryId, repo.IngestStatus)
		return
	}
	started := time.Now()
	attempt := int64(repo.IngestAttempts)
	p.recordEvent(ctx, repositoryId, client.IngestStatusProcessing, "", "", attempt, 0)

	commitSha, err := p.ingest(ctx, repo)
	elapsed := time.Since(started).Milliseconds()
	if err != nil {
		klog.ErrorS(err, "ingestion failed", "id", repositoryId, "attempt", attempt)
		if _, _, failErr := p.dbc.FailRepositoryIngestion(ctx, repositoryId, err.Error()); failErr != nil {
			klog.ErrorS(failErr, "failed to mark ingestion failed", "id", repositoryId)
		}
		p.recordEvent(ctx, repositoryId, client.IngestStatusFailed, err.Error(), commitSha, attempt, elapsed)
		return
	}
	if _, _, err = p.dbc.CompleteRepositoryIngestion(ctx, repositoryId); err != nil {
		klog.ErrorS(err, "failed to mark ingestion ready", "id", repositoryId)
		return
	}
	p.recordEvent(ctx, repositoryId, client.IngestStatusReady, "", commitSha, attempt, elapsed)
	klog.Infof("ingested repository %s at %s in %dms", repositoryId, commitSha, elapsed)

	if p.cfg.AutoBuild {
		p.enqueueBuild(ctx, repo, commitSha)
	}
}

// ingest does the clone and catalog extraction; the caller owns status
// transitions.
func (p *Pipeline) ingest(ctx context.Context, repo *client.Repository) (string, error) {
	scratch := filepath.Join(p.cfg.ScratchDir, repo.RepositoryId+"-"+uuid.NewString()[:8])
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return "", fmt.Errorf("failed to create scratch dir: %v", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			klog.ErrorS(err, "failed to clean scratch dir", "dir", scratch)
		}
	}()

	if _, err := p.runner.Run(ctx, "", "git", "clone",
		"--depth", fmt.Sprintf("%d", p.cfg.CloneDepth), repo.RepoUrl, scratch); err != nil {
		return "", err
	}
	head, err := p.runner.Run(ctx, scratch, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	commitSha := strings.TrimSpace(head.Stdout)

	dockerfile, err := detectDockerfile(scratch, dbutils.ParseNullString(repo.DockerfilePath))
	if err != nil {
		return commitSha, err
	}
	tags := deriveTags(scratch, dockerfile)
	if err = p.dbc.ReplaceRepositoryTags(ctx, repo.RepositoryId, client.TagSourceSystem, tags); err != nil {
		return commitSha, fmt.Errorf("failed to store tags: %v", err)
	}
	previews := derivePreviews(scratch, repo)
	if err = p.dbc.ReplaceRepositoryPreviews(ctx, repo.RepositoryId, previews); err != nil {
		return commitSha, fmt.Errorf("failed to store previews: %v", err)
	}
	return commitSha, nil
}

func (p *Pipeline) enqueueBuild(ctx context.Context, repo *client.Repository, commitSha string) {
	build, err := p.dbc.InsertBuild(ctx, &client.Build{
		BuildId:      uuid.NewString(),
		RepositoryId: repo.RepositoryId,
		Status:       client.BuildStatusPending,
		CommitSha:    dbutils.NullString(commitSha),
	})
	if err != nil {
		klog.ErrorS(err, "failed to create auto-build", "id", repo.RepositoryId)
		return
	}
	payload := jsonutil.MarshalSilently(map[string]string{"buildId": build.BuildId})
	if err = p.broker.Enqueue(ctx, queue.QueueBuild, payload, queue.EnqueueOptions{}); err != nil {
		klog.ErrorS(err, "failed to enqueue auto-build", "build", build.BuildId)
		if _, _, failErr := p.dbc.CompleteBuild(ctx, build.BuildId, client.BuildStatusFailed, "",
			fmt.Sprintf("failed to enqueue build: %v", err)); failErr != nil {
			klog.ErrorS(failErr, "failed to fail auto-build", "build", build.BuildId)
		}
	}
}

func (p *Pipeline) recordEvent(ctx context.Context, repositoryId, status, message, commitSha string, attempt, durationMs int64) {
	event := &client.IngestionEvent{
		RepositoryId: repositoryId,
		Status:       status,
		Message:      dbutils.NullString(message),
		Attempt:      dbutils.NullInt64(attempt),
		CommitSha:    dbutils.NullString(commitSha),
		DurationMs:   dbutils.NullInt64(durationMs),
		CreatedAt:    dbutils.NullTime(timeutil.NowUTC()),
	}
	if _, err := p.dbc.InsertIngestionEvent(ctx, event); err != nil {
		klog.ErrorS(err, "failed to record ingestion event", "id", repositoryId, "status", status)
	}
}
