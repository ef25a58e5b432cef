/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

// Package service polls registered external services and keeps their health
// status current in the catalog.
package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"k8s.io/klog/v2"

	"github.com/benediktbwimmer/apphub-sub011/pkg/database/client"
)

// Config tunes the health poller.
type Config struct {
	// Schedule is a cron expression or @every descriptor.
	Schedule     string
	ProbeTimeout time.Duration
}

// HealthPoller probes each registered service's base URL on a schedule and
// records the outcome, emitting service.updated events through the
// persistence layer.
type HealthPoller struct {
	dbc    *client.Client
	cfg    Config
	http   *http.Client
	cron   *cron.Cron
	cancel context.CancelFunc
}

// NewHealthPoller creates a poller over the registered services.
func NewHealthPoller(dbc *client.Client, cfg Config) *HealthPoller {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 30s"
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	return &HealthPoller{
		dbc:  dbc,
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.ProbeTimeout},
	}
}

// Start schedules periodic polling until Stop is called.
func (p *HealthPoller) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.cron = cron.New()
	if _, err := p.cron.AddFunc(p.cfg.Schedule, func() { p.PollOnce(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("invalid health poll schedule %q: %v", p.cfg.Schedule, err)
	}
	p.cron.Start()
	klog.Infof("service health poller started, schedule: %s", p.cfg.Schedule)
	return nil
}

// Stop halts the schedule and waits for an in-flight poll to finish.
func (p *HealthPoller) Stop() {
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}
	if p.cancel != nil {
		p.cancel()
	}
}

// PollOnce probes every registered service once.
func (p *HealthPoller) PollOnce(ctx context.Context) {
	services, err := p.dbc.SelectServices(ctx, nil, nil, 0, 0)
	if err != nil {
		klog.ErrorS(err, "failed to list services for health poll")
		return
	}
	for _, svc := range services {
		status, message := p.Probe(ctx, svc.BaseUrl)
		if _, err := p.dbc.UpdateServiceStatus(ctx, svc.Slug, status, message); err != nil {
			klog.ErrorS(err, "failed to record service health", "slug", svc.Slug)
		}
	}
}

// Probe issues one GET against the service's health endpoint and classifies
// the outcome: 2xx is healthy, any other response degraded, transport
// failures unreachable.
func (p *HealthPoller) Probe(ctx context.Context, baseUrl string) (status, message string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, HealthUrl(baseUrl), nil)
	if err != nil {
		return client.ServiceStatusUnreachable, err.Error()
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return client.ServiceStatusUnreachable, err.Error()
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return client.ServiceStatusHealthy, ""
	}
	return client.ServiceStatusDegraded, fmt.Sprintf("health endpoint returned %d", resp.StatusCode)
}

// HealthUrl appends the conventional /health path to a service base URL.
func HealthUrl(baseUrl string) string {
	return strings.TrimSuffix(baseUrl, "/") + "/health"
}
