/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"gotest.tools/assert"

	"github.com/benediktbwimmer/apphub-sub011/pkg/database/client"
	dbutils "github.com/benediktbwimmer/apphub-sub011/pkg/database/utils"
)

func TestJobSlugPattern(t *testing.T) {
	assert.Assert(t, jobSlugPattern.MatchString("fs-read-file"))
	assert.Assert(t, jobSlugPattern.MatchString("job2"))
	assert.Assert(t, !jobSlugPattern.MatchString("x"))
	assert.Assert(t, !jobSlugPattern.MatchString("2jobs"))
	assert.Assert(t, !jobSlugPattern.MatchString("Has-Upper"))
	assert.Assert(t, !jobSlugPattern.MatchString("has_underscore"))
}

func TestValidateEntryPoint(t *testing.T) {
	assert.NilError(t, validateEntryPoint("bundle:fs-read@1.2.0#handler"))
	assert.NilError(t, validateEntryPoint("bundle:fs-read@1.2.0"))
	assert.NilError(t, validateEntryPoint("scripts/run.js"))

	assert.Assert(t, validateEntryPoint("bundle:missing-version") != nil)
	assert.Assert(t, validateEntryPoint("/etc/passwd") != nil)
	assert.Assert(t, validateEntryPoint("../escape.js") != nil)
}

func TestValidJobRunStatus(t *testing.T) {
	for _, status := range []string{
		client.JobRunStatusPending, client.JobRunStatusRunning,
		client.JobRunStatusSucceeded, client.JobRunStatusFailed,
		client.JobRunStatusCanceled, client.JobRunStatusExpired,
	} {
		assert.Assert(t, validJobRunStatus(status), status)
	}
	assert.Assert(t, !validJobRunStatus("done"))
	assert.Assert(t, !validJobRunStatus(""))
}

func TestValidateJSONObject(t *testing.T) {
	assert.NilError(t, validateJSONObject(json.RawMessage(`{"a":1}`), "parameters"))
	assert.ErrorContains(t, validateJSONObject(json.RawMessage(`[1,2]`), "parameters"),
		"parameters must be a JSON object")
	assert.ErrorContains(t, validateJSONObject(json.RawMessage(`"str"`), "context"),
		"context must be a JSON object")
}

func TestApplyJobFields(t *testing.T) {
	def := &client.JobDefinition{
		Slug:      "demo",
		TimeoutMs: dbutils.NullInt64(1000),
		Metadata:  dbutils.NullString(`{"keep":true}`),
	}

	// Nil/empty request fields leave stored values alone.
	applyJobFields(def, &JobDefinitionRequest{})
	assert.Equal(t, def.TimeoutMs.Int64, int64(1000))
	assert.Equal(t, def.Metadata.String, `{"keep":true}`)

	timeout := int64(5000)
	applyJobFields(def, &JobDefinitionRequest{
		TimeoutMs:   &timeout,
		RetryPolicy: json.RawMessage(`{"maxAttempts":3}`),
		Metadata:    json.RawMessage(`{"replaced":true}`),
	})
	assert.Equal(t, def.TimeoutMs.Int64, int64(5000))
	assert.Equal(t, def.RetryPolicy.String, `{"maxAttempts":3}`)
	assert.Equal(t, def.Metadata.String, `{"replaced":true}`)
}

func TestRegenerateBundleDefaultsToStrict(t *testing.T) {
	// An empty request must require a checksum match for in-place restore;
	// the lenient path is opt-in.
	assert.Assert(t, (&RegenerateBundleRequest{}).options().StrictChecksum)
	assert.Assert(t, !(&RegenerateBundleRequest{AllowChecksumMismatch: true}).options().StrictChecksum)
}

func TestParsePageParams(t *testing.T) {
	gin.SetMode(gin.TestMode)
	newCtx := func(rawQuery string) *gin.Context {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/job-runs?"+rawQuery, nil)
		return c
	}

	limit, offset, err := parsePageParams(newCtx(""), 20, maxJobRunPageSize)
	assert.NilError(t, err)
	assert.Equal(t, limit, 20)
	assert.Equal(t, offset, 0)

	limit, offset, err = parsePageParams(newCtx("limit=10&offset=30"), 20, maxJobRunPageSize)
	assert.NilError(t, err)
	assert.Equal(t, limit, 10)
	assert.Equal(t, offset, 30)

	// Oversized limits clamp to the route's cap.
	limit, _, err = parsePageParams(newCtx("limit=500"), 20, maxJobRunPageSize)
	assert.NilError(t, err)
	assert.Equal(t, limit, maxJobRunPageSize)

	_, _, err = parsePageParams(newCtx("limit=0"), 20, maxJobRunPageSize)
	assert.ErrorContains(t, err, "invalid limit")
	_, _, err = parsePageParams(newCtx("offset=-1"), 20, maxJobRunPageSize)
	assert.ErrorContains(t, err, "invalid offset")
}
