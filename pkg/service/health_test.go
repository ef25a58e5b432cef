/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/benediktbwimmer/apphub-sub011/pkg/database/client"
)

func TestHealthUrl(t *testing.T) {
	assert.Equal(t, HealthUrl("http://svc.local"), "http://svc.local/health")
	assert.Equal(t, HealthUrl("http://svc.local/"), "http://svc.local/health")
}

func TestProbeHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, r.URL.Path, "/health")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewHealthPoller(&client.Client{}, Config{})
	status, message := p.Probe(context.Background(), srv.URL)
	assert.Equal(t, status, client.ServiceStatusHealthy)
	assert.Equal(t, message, "")
}

func TestProbeDegraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHealthPoller(&client.Client{}, Config{})
	status, message := p.Probe(context.Background(), srv.URL)
	assert.Equal(t, status, client.ServiceStatusDegraded)
	assert.Assert(t, strings.Contains(message, "503"))
}

func TestProbeUnreachable(t *testing.T) {
	p := NewHealthPoller(&client.Client{}, Config{ProbeTimeout: 500 * time.Millisecond})
	status, message := p.Probe(context.Background(), "http://127.0.0.1:1")
	assert.Equal(t, status, client.ServiceStatusUnreachable)
	assert.Assert(t, message != "")
}

func TestStartRejectsBadSchedule(t *testing.T) {
	p := NewHealthPoller(&client.Client{}, Config{Schedule: "not a schedule"})
	err := p.Start()
	assert.ErrorContains(t, err, "invalid health poll schedule")
}
