/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package launch

import (
	"context"
	"strings"
	"testing"

	"gotest.tools/assert"

	"github.com/benediktbwimmer/apphub-sub011/pkg/container"
	"github.com/benediktbwimmer/apphub-sub011/pkg/database/client"
	"github.com/benediktbwimmer/apphub-sub011/pkg/queue"
)

func TestPreviewTokenDeterministic(t *testing.T) {
	token := PreviewToken("secret", "launch-1", "repo-1")
	assert.Equal(t, token, PreviewToken("secret", "launch-1", "repo-1"))
	assert.Equal(t, len(token), 64)
	assert.Assert(t, token != PreviewToken("secret", "launch-2", "repo-1"))
	assert.Assert(t, token != PreviewToken("other", "launch-1", "repo-1"))
}

func TestPreviewUrl(t *testing.T) {
	p := NewPipeline(nil, nil, nil, Config{
		PreviewBaseUrl:     "https://preview.apphub.example/view",
		PreviewTokenSecret: "secret",
	})
	url := p.previewUrl("launch-1", "repo-1")
	assert.Assert(t, strings.HasPrefix(url, "https://preview.apphub.example/view?"))
	assert.Assert(t, strings.Contains(url, "repositoryId=repo-1"))
	assert.Assert(t, strings.Contains(url, "token="+PreviewToken("secret", "launch-1", "repo-1")))
}

func TestMergeEnvRequestWins(t *testing.T) {
	templates := []client.EnvVar{
		{Key: "PORT", Value: "3000"},
		{Key: "MODE", Value: "template"},
	}
	requested := []client.EnvVar{
		{Key: "MODE", Value: "request"},
		{Key: "EXTRA", Value: "1"},
	}
	merged := mergeEnv(requested, templates)
	assert.Equal(t, len(merged), 3)
	assert.Equal(t, merged["PORT"].Value, "3000")
	assert.Equal(t, merged["MODE"].Value, "request")
	assert.Equal(t, merged["EXTRA"].Value, "1")
}

func TestMergeEnvKeepsServiceRef(t *testing.T) {
	templates := []client.EnvVar{
		{Key: "API_URL", FromService: &client.ServiceEnvRef{Service: "metastore", Property: "baseUrl"}},
	}
	merged := mergeEnv(nil, templates)
	assert.Assert(t, merged["API_URL"].FromService != nil)
	assert.Equal(t, merged["API_URL"].FromService.Service, "metastore")
}

func TestConsumeDropsMalformedMessages(t *testing.T) {
	p := NewPipeline(&client.Client{}, queue.NewInlineBroker(), container.NewFakeEngine(), Config{})
	assert.NilError(t, p.ConsumeStart(context.Background(), &queue.Message{Id: "m1", Payload: []byte("{")}))
	assert.NilError(t, p.ConsumeStop(context.Background(), &queue.Message{Id: "m2", Payload: []byte("not-json")}))
}

func TestRunStartWithoutDatabase(t *testing.T) {
	p := NewPipeline(&client.Client{}, queue.NewInlineBroker(), container.NewFakeEngine(), Config{})
	// Claim fails on the uninitialized client; the run must return without
	// touching the engine.
	p.RunStart(context.Background(), "launch-1")
	p.RunStop(context.Background(), "launch-1")
}
