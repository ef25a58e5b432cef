/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package launch

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/benediktbwimmer/apphub-sub011/pkg/container"
	"github.com/benediktbwimmer/apphub-sub011/pkg/database/client"
	dbutils "github.com/benediktbwimmer/apphub-sub011/pkg/database/utils"
	apphuberrors "github.com/benediktbwimmer/apphub-sub011/pkg/errors"
	"github.com/benediktbwimmer/apphub-sub011/pkg/jsonutil"
	"github.com/benediktbwimmer/apphub-sub011/pkg/queue"
)

// Message is the launch-start and launch-stop queue payload.
type Message struct {
	LaunchId string `json:"launchId"`
}

// Config tunes the launch pipeline.
type Config struct {
	PreviewBaseUrl     string
	PreviewTokenSecret string
	Timeout            time.Duration
}

// Pipeline starts and stops preview containers (C8), including ordered
// service-network member launches.
type Pipeline struct {
	dbc    *client.Client
	broker queue.Broker
	engine container.Engine
	cfg    Config
}

// NewPipeline creates the launch pipeline.
func NewPipeline(dbc *client.Client, broker queue.Broker, engine container.Engine, cfg Config) *Pipeline {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Pipeline{dbc: dbc, broker: broker, engine: engine, cfg: cfg}
}

// EnqueueStart schedules a launch start.
func (p *Pipeline) EnqueueStart(ctx context.Context, launchId string) error {
	payload := jsonutil.MarshalSilently(Message{LaunchId: launchId})
	return p.broker.Enqueue(ctx, queue.QueueLaunchStart, payload, queue.EnqueueOptions{})
}

// EnqueueStop schedules a launch stop.
func (p *Pipeline) EnqueueStop(ctx context.Context, launchId string) error {
	payload := jsonutil.MarshalSilently(Message{LaunchId: launchId})
	return p.broker.Enqueue(ctx, queue.QueueLaunchStop, payload, queue.EnqueueOptions{})
}

// ConsumeStart processes one launch-start message.
func (p *Pipeline) ConsumeStart(ctx context.Context, msg *queue.Message) error {
	var payload Message
	if err := jsonutil.Unmarshal(msg.Payload, &payload); err != nil {
		klog.ErrorS(err, "dropping malformed launch-start message", "id", msg.Id)
		return nil
	}
	p.RunStart(ctx, payload.LaunchId)
	return nil
}

// ConsumeStop processes one launch-stop message.
func (p *Pipeline) ConsumeStop(ctx context.Context, msg *queue.Message) error {
	var payload Message
	if err := jsonutil.Unmarshal(msg.Payload, &payload); err != nil {
		klog.ErrorS(err, "dropping malformed launch-stop message", "id", msg.Id)
		return nil
	}
	p.RunStop(ctx, payload.LaunchId)
	return nil
}

// RunStart drives a pending launch to running.
func (p *Pipeline) RunStart(ctx context.Context, launchId string) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	launch, changed, err := p.dbc.ClaimLaunch(ctx, launchId)
	if err != nil {
		klog.ErrorS(err, "failed to claim launch", "id", launchId)
		return
	}
	if !changed {
		klog.Infof("launch %s is %s, skipping start", launchId, launch.Status)
		return
	}
	if err = p.start(ctx, launch); err != nil {
		klog.ErrorS(err, "launch start failed", "id", launchId)
		if _, _, failErr := p.dbc.FailLaunch(ctx, launchId, err.Error()); failErr != nil {
			klog.ErrorS(failErr, "failed to mark launch failed", "id", launchId)
		}
	}
}

func (p *Pipeline) start(ctx context.Context, launch *client.Launch) error {
	build, err := p.dbc.GetBuild(ctx, launch.BuildId)
	if err != nil {
		return err
	}
	if build.Status != client.BuildStatusSucceeded {
		return apphuberrors.NewConflict(
			fmt.Sprintf("build %s is %s, launch needs a succeeded build", build.BuildId, build.Status))
	}
	repo, err := p.dbc.GetRepository(ctx, launch.RepositoryId)
	if err != nil {
		return err
	}

	env, err := p.resolveEnv(ctx, launch, repo)
	if err != nil {
		return err
	}
	run, err := p.engine.RunContainer(ctx, container.RunOptions{
		ImageTag: dbutils.ParseNullString(build.ImageTag),
		Name:     "apphub-" + launch.LaunchId[:8],
		Env:      env,
		Command:  dbutils.ParseNullString(launch.Command),
	})
	if err != nil {
		return err
	}
	instanceUrl := run.InstanceUrl
	if p.cfg.PreviewBaseUrl != "" {
		instanceUrl = p.previewUrl(launch.LaunchId, launch.RepositoryId)
	}
	if _, _, err = p.dbc.MarkLaunchRunning(ctx, launch.LaunchId,
		instanceUrl, run.ContainerId, run.Port); err != nil {
		return err
	}
	klog.Infof("launch %s running at %s (container %s)", launch.LaunchId, instanceUrl, run.ContainerId)

	return p.startNetworkMembers(ctx, launch, repo)
}

// startNetworkMembers launches the members of a service network rooted at
// the repository, in launch order, honoring depends_on.
func (p *Pipeline) startNetworkMembers(ctx context.Context, root *client.Launch, repo *client.Repository) error {
	network, err := p.dbc.GetServiceNetwork(ctx, repo.RepositoryId)
	if err != nil || network == nil {
		return err
	}
	members, err := p.dbc.ListNetworkMembers(ctx, network.Id)
	if err != nil {
		return err
	}
	started := map[string]bool{}
	for _, member := range members {
		var dependsOn []string
		if raw := dbutils.ParseNullString(member.DependsOn); raw != "" {
			_ = jsonutil.Unmarshal([]byte(raw), &dependsOn)
		}
		for _, dep := range dependsOn {
			if !started[dep] {
				return apphuberrors.NewConflict(fmt.Sprintf(
					"network member %s depends on %s which has not started",
					member.MemberRepositoryId, dep))
			}
		}
		memberLaunchId, err := p.startMember(ctx, root, member)
		if err != nil {
			return fmt.Errorf("failed to start network member %s: %v", member.MemberRepositoryId, err)
		}
		started[member.MemberRepositoryId] = true
		klog.Infof("network launch %s started member %s as %s",
			root.LaunchId, member.MemberRepositoryId, memberLaunchId)
	}
	return nil
}

func (p *Pipeline) startMember(ctx context.Context, root *client.Launch, member client.NetworkMember) (string, error) {
	build, err := p.dbc.GetLatestBuild(ctx, member.MemberRepositoryId)
	if err != nil {
		return "", err
	}
	if build == nil || build.Status != client.BuildStatusSucceeded {
		if member.WaitForBuild {
			return "", apphuberrors.NewConflict(
				fmt.Sprintf("member %s has no succeeded build", member.MemberRepositoryId))
		}
		return "", apphuberrors.NewNotFoundWithMessage(
			fmt.Sprintf("member %s has no build to launch", member.MemberRepositoryId))
	}
	memberLaunch, err := p.dbc.InsertLaunch(ctx, &client.Launch{
		LaunchId:     uuid.NewString(),
		RepositoryId: member.MemberRepositoryId,
		BuildId:      build.BuildId,
		Status:       client.LaunchStatusPending,
		Env:          member.Env,
	})
	if err != nil {
		return "", err
	}
	if err = p.dbc.InsertLaunchMember(ctx, &client.LaunchMember{
		NetworkLaunchId: root.LaunchId,
		RepositoryId:    member.MemberRepositoryId,
		MemberLaunchId:  memberLaunch.LaunchId,
	}); err != nil {
		return "", err
	}
	// Member starts run synchronously so launch_order is honored.
	claimed, changed, err := p.dbc.ClaimLaunch(ctx, memberLaunch.LaunchId)
	if err != nil {
		return "", err
	}
	if !changed {
		return "", apphuberrors.NewConflict(
			fmt.Sprintf("member launch %s was claimed elsewhere", memberLaunch.LaunchId))
	}
	if err = p.start(ctx, claimed); err != nil {
		if _, _, failErr := p.dbc.FailLaunch(ctx, memberLaunch.LaunchId, err.Error()); failErr != nil {
			klog.ErrorS(failErr, "failed to mark member launch failed", "id", memberLaunch.LaunchId)
		}
		return "", err
	}
	return memberLaunch.LaunchId, nil
}

// RunStop drives a stopping launch to stopped, including network members.
func (p *Pipeline) RunStop(ctx context.Context, launchId string) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	launch, err := p.dbc.GetLaunch(ctx, launchId)
	if err != nil {
		klog.ErrorS(err, "failed to load launch for stop", "id", launchId)
		return
	}
	if launch.Status != client.LaunchStatusStopping {
		// The stop request transitions the row before enqueueing; anything
		// else means the message is stale.
		klog.Infof("launch %s is %s, skipping stop", launchId, launch.Status)
		return
	}

	members, err := p.dbc.ListLaunchMembers(ctx, launchId)
	if err == nil {
		for _, member := range members {
			if _, _, err := p.dbc.RequestLaunchStop(ctx, member.MemberLaunchId); err != nil {
				klog.ErrorS(err, "failed to request member stop", "id", member.MemberLaunchId)
				continue
			}
			p.RunStop(ctx, member.MemberLaunchId)
		}
	}

	if containerId := dbutils.ParseNullString(launch.ContainerId); containerId != "" {
		if err = p.engine.StopContainer(ctx, containerId); err != nil {
			klog.ErrorS(err, "failed to stop container", "id", launchId, "container", containerId)
			if _, _, failErr := p.dbc.FailLaunch(ctx, launchId, err.Error()); failErr != nil {
				klog.ErrorS(failErr, "failed to mark launch failed", "id", launchId)
			}
			return
		}
	}
	if _, _, err = p.dbc.MarkLaunchStopped(ctx, launchId); err != nil {
		klog.ErrorS(err, "failed to mark launch stopped", "id", launchId)
		return
	}
	klog.Infof("launch %s stopped", launchId)
}

// resolveEnv merges request vars with repository templates (request wins)
// and expands fromService references.
func (p *Pipeline) resolveEnv(ctx context.Context, launch *client.Launch, repo *client.Repository) (map[string]string, error) {
	var requested, templates []client.EnvVar
	if raw := dbutils.ParseNullString(launch.Env); raw != "" {
		if err := jsonutil.Unmarshal([]byte(raw), &requested); err != nil {
			return nil, apphuberrors.NewBadRequest(fmt.Sprintf("launch env is malformed: %v", err))
		}
	}
	if raw := dbutils.ParseNullString(repo.LaunchEnvTemplates); raw != "" {
		if err := jsonutil.Unmarshal([]byte(raw), &templates); err != nil {
			return nil, apphuberrors.NewBadRequest(fmt.Sprintf("launch env templates are malformed: %v", err))
		}
	}

	merged := mergeEnv(requested, templates)
	env := make(map[string]string, len(merged))
	for key, entry := range merged {
		if entry.FromService == nil {
			env[key] = entry.Value
			continue
		}
		value, err := p.expandServiceRef(ctx, entry.FromService)
		if err != nil {
			return nil, err
		}
		env[key] = value
	}
	return env, nil
}

// mergeEnv layers requested vars over repository templates. Requested keys
// win; each key appears once.
func mergeEnv(requested, templates []client.EnvVar) map[string]client.EnvVar {
	merged := make(map[string]client.EnvVar, len(requested)+len(templates))
	for _, tpl := range templates {
		merged[tpl.Key] = tpl
	}
	for _, req := range requested {
		merged[req.Key] = req
	}
	return merged
}

func (p *Pipeline) expandServiceRef(ctx context.Context, ref *client.ServiceEnvRef) (string, error) {
	service, err := p.dbc.GetService(ctx, ref.Service)
	if err != nil {
		if apphuberrors.IsNotFound(err) && ref.Fallback != "" {
			return ref.Fallback, nil
		}
		return "", err
	}
	var value string
	switch ref.Property {
	case "instanceUrl", "baseUrl":
		value = service.BaseUrl
	case "host":
		if u, err := url.Parse(service.BaseUrl); err == nil {
			value = u.Hostname()
		}
	case "port":
		if u, err := url.Parse(service.BaseUrl); err == nil {
			value = u.Port()
		}
	default:
		return "", apphuberrors.NewBadRequest(
			fmt.Sprintf("unknown service env property %q", ref.Property))
	}
	if value == "" {
		value = ref.Fallback
	}
	return value, nil
}

// previewUrl builds the tokenized preview URL for a launch.
func (p *Pipeline) previewUrl(launchId, repositoryId string) string {
	query := url.Values{}
	query.Set("repositoryId", repositoryId)
	query.Set("token", PreviewToken(p.cfg.PreviewTokenSecret, launchId, repositoryId))
	return p.cfg.PreviewBaseUrl + "?" + query.Encode()
}

// PreviewToken derives the preview access token for a launch.
func PreviewToken(secret, launchId, repositoryId string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s:%s", launchId, repositoryId)
	return hex.EncodeToString(mac.Sum(nil))
}
