/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

// Package server assembles the control plane: persistence, queues, event
// bus, bundle storage, pipelines, the job engine and the HTTP surface.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
	"k8s.io/utils/ptr"

	"github.com/benediktbwimmer/apphub-sub011/pkg/apiutils"
	buildpipe "github.com/benediktbwimmer/apphub-sub011/pkg/build"
	"github.com/benediktbwimmer/apphub-sub011/pkg/bundle"
	"github.com/benediktbwimmer/apphub-sub011/pkg/command"
	"github.com/benediktbwimmer/apphub-sub011/pkg/config"
	"github.com/benediktbwimmer/apphub-sub011/pkg/container"
	"github.com/benediktbwimmer/apphub-sub011/pkg/database/client"
	"github.com/benediktbwimmer/apphub-sub011/pkg/eventbus"
	"github.com/benediktbwimmer/apphub-sub011/pkg/handlers"
	ingestpipe "github.com/benediktbwimmer/apphub-sub011/pkg/ingest"
	"github.com/benediktbwimmer/apphub-sub011/pkg/jobs"
	launchpipe "github.com/benediktbwimmer/apphub-sub011/pkg/launch"
	"github.com/benediktbwimmer/apphub-sub011/pkg/queue"
	"github.com/benediktbwimmer/apphub-sub011/pkg/sandbox"
	servicehealth "github.com/benediktbwimmer/apphub-sub011/pkg/service"
)

// Server owns every long-lived component of the control plane.
type Server struct {
	bus        *eventbus.Bus
	dbc        *client.Client
	broker     queue.Broker
	dispatcher *queue.Dispatcher
	store      *bundle.Store
	cache      *bundle.Cache
	recovery   *bundle.Recovery
	ingest     *ingestpipe.Pipeline
	builds     *buildpipe.Pipeline
	launches   *launchpipe.Pipeline
	engine     *jobs.Engine
	health     *servicehealth.HealthPoller
	httpServer *http.Server

	cancel context.CancelFunc
}

// NewServer wires the control plane from the loaded configuration.
func NewServer() (*Server, error) {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{bus: eventbus.NewBus()}
	if err := s.init(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) init() error {
	var err error
	if s.dbc, err = client.NewClient(s.bus); err != nil {
		return err
	}
	if s.broker, err = newBroker(); err != nil {
		return err
	}

	s3Client, err := newS3Client()
	if err != nil {
		return err
	}
	if s.store, err = bundle.NewStore(bundle.StoreConfig{
		Storage:       config.GetBundleStorageBackend(),
		LocalRoot:     config.GetBundleLocalRoot(),
		SigningSecret: config.GetBundleSigningSecret(),
		DownloadTTL:   time.Duration(config.GetBundleDownloadTTLMillis()) * time.Millisecond,
		S3Bucket:      config.GetS3Bucket(),
		S3Prefix:      config.GetS3KeyPrefix(),
	}, s.dbc, s3Client); err != nil {
		return err
	}
	if s.cache, err = bundle.NewCache(config.GetBundleCacheDir(),
		time.Duration(config.GetBundleCacheTTLSecond())*time.Second); err != nil {
		return err
	}
	s.recovery = bundle.NewRecovery(s.dbc, s.store)

	cmdRunner := command.NewExecRunner()
	engine := container.NewDockerEngine(cmdRunner)
	s.ingest = ingestpipe.NewPipeline(s.dbc, s.broker, cmdRunner, ingestpipe.Config{
		CloneDepth: config.GetIngestCloneDepth(),
		ScratchDir: config.GetIngestScratchDir(),
		AutoBuild:  config.IsIngestAutoBuild(),
		Timeout:    time.Duration(config.GetIngestTimeoutSecond()) * time.Second,
	})
	s.builds = buildpipe.NewPipeline(s.dbc, s.broker, cmdRunner, engine, buildpipe.Config{})
	s.launches = launchpipe.NewPipeline(s.dbc, s.broker, engine, launchpipe.Config{
		PreviewBaseUrl:     config.GetPreviewBaseURL(),
		PreviewTokenSecret: config.GetPreviewTokenSecret(),
	})

	runner := sandbox.NewRunner(sandbox.Config{
		NodeBinary:   config.GetSandboxNodeBinary(),
		PythonBinary: config.GetSandboxPythonBinary(),
		KillGrace:    time.Duration(config.GetSandboxKillGraceMillis()) * time.Millisecond,
		MaxLogs:      config.GetSandboxMaxLogs(),
	})
	hostname, _ := os.Hostname()
	s.engine = jobs.NewEngine(s.dbc, s.broker, s.store, s.cache, s.recovery, runner, jobs.Config{
		WorkerId:       fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		HostRootPrefix: config.GetSandboxHostRootPrefix(),
	})

	s.dispatcher = queue.NewDispatcher(s.broker,
		time.Duration(config.GetQueuePollIntervalMillis())*time.Millisecond,
		time.Duration(config.GetQueueVisibilityTimeoutSecond())*time.Second/3)
	s.dispatcher.Register(queue.QueueIngest, s.ingest.Consume, config.GetIngestWorkerCount())
	s.dispatcher.Register(queue.QueueBuild, s.builds.Consume, config.GetBuildWorkerCount())
	s.dispatcher.Register(queue.QueueLaunchStart, s.launches.ConsumeStart, config.GetLaunchWorkerCount())
	s.dispatcher.Register(queue.QueueLaunchStop, s.launches.ConsumeStop, config.GetLaunchWorkerCount())
	s.dispatcher.Register(queue.QueueJobRun, s.engine.Consume, config.GetJobRunWorkerCount())

	s.health = servicehealth.NewHealthPoller(s.dbc, servicehealth.Config{
		Schedule:     config.GetServiceHealthCron(),
		ProbeTimeout: time.Duration(config.GetServiceHealthTimeoutSecond()) * time.Second,
	})
	return nil
}

// Start runs the dispatcher, the health poller and the HTTP server, then
// blocks until a termination signal arrives.
func (s *Server) Start() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	s.cancel = cancel

	if err := s.dispatcher.Start(ctx); err != nil {
		return err
	}
	go s.cache.RunGC(ctx, time.Minute)
	if err := s.health.Start(); err != nil {
		return err
	}

	e := gin.New()
	e.Use(gin.Recovery(), apiutils.Logger())
	e.NoRoute(handlers.NotFoundHandler)
	h := handlers.NewHandler(s.dbc, s.bus, s.store, s.recovery,
		s.ingest, s.builds, s.launches, s.engine)
	handlers.InitRouters(e, h)

	addr := fmt.Sprintf("%s:%d", config.GetServerHost(), config.GetServerPort())
	s.httpServer = &http.Server{Addr: addr, Handler: e}
	go func() {
		klog.Infof("http-server listening on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.ErrorS(err, "http server exited")
			cancel()
		}
	}()

	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop drains the HTTP server and background workers.
func (s *Server) Stop() {
	klog.Info("shutting down control plane...")
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			klog.ErrorS(err, "failed to shutdown http server")
		}
	}
	if s.health != nil {
		s.health.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.dispatcher != nil {
		s.dispatcher.Wait()
	}
	s.Close()
	klog.Info("control plane stopped")
	klog.Flush()
}

// Close releases connections without waiting for workers.
func (s *Server) Close() {
	if s.broker != nil {
		if err := s.broker.Close(); err != nil {
			klog.ErrorS(err, "failed to close queue broker")
		}
		s.broker = nil
	}
	if s.dbc != nil {
		s.dbc.Close()
		s.dbc = nil
	}
}

// newBroker builds the queue broker per configuration; "inline" is the
// synchronous test mode.
func newBroker() (queue.Broker, error) {
	if config.GetQueueMode() == "inline" {
		return queue.NewInlineBroker(), nil
	}
	return queue.NewRedisBroker(queue.RedisBrokerConfig{
		Addr:              config.GetQueueRedisAddr(),
		Password:          config.GetQueueRedisPassword(),
		DB:                config.GetQueueRedisDB(),
		KeyPrefix:         config.GetQueueKeyPrefix(),
		VisibilityTimeout: time.Duration(config.GetQueueVisibilityTimeoutSecond()) * time.Second,
		ReaperInterval:    time.Duration(config.GetQueueReaperIntervalSecond()) * time.Second,
	})
}

// newS3Client builds the object-store client when the bundle store is
// S3-backed. Static credentials and an endpoint override support
// S3-compatible stores.
func newS3Client() (*s3.Client, error) {
	if config.GetBundleStorageBackend() != client.ArtifactStorageS3 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts := []func(*awsconfig.LoadOptions) error{}
	if region := config.GetS3Region(); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if access, secret := config.GetS3AccessKey(), config.GetS3SecretKey(); access != "" {
		provider := awsv2.CredentialsProviderFunc(func(context.Context) (awsv2.Credentials, error) {
			return awsv2.Credentials{AccessKeyID: access, SecretAccessKey: secret}, nil
		})
		opts = append(opts, awsconfig.WithCredentialsProvider(provider))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint := config.GetS3Endpoint(); endpoint != "" {
			o.BaseEndpoint = ptr.To(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
