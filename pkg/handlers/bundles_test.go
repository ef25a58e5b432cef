/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"gotest.tools/assert"
)

func newJSONContext(body string) *gin.Context {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	return c
}

func TestPublishBundleRejectsMissingSlug(t *testing.T) {
	h := &Handler{}
	_, err := h.publishBundle(newJSONContext(`{"version":"1.0.0","data":"aGk="}`))
	assert.ErrorContains(t, err, "slug and version are required")
}

func TestPublishBundleRejectsBadBase64(t *testing.T) {
	h := &Handler{}
	_, err := h.publishBundle(newJSONContext(`{"slug":"demo","version":"1.0.0","data":"%%%"}`))
	assert.ErrorContains(t, err, "not valid base64")
}

func TestPublishBundleRequiresPayload(t *testing.T) {
	h := &Handler{}
	_, err := h.publishBundle(newJSONContext(`{"slug":"demo","version":"1.0.0"}`))
	assert.ErrorContains(t, err, "either data or files must be provided")
}

func TestRegisterServiceRejectsBadSlug(t *testing.T) {
	h := &Handler{}
	_, err := h.registerService(newJSONContext(`{"slug":"Bad Slug","baseUrl":"http://svc"}`))
	assert.ErrorContains(t, err, "slug must be")
}

func TestRegisterServiceRejectsRelativeBaseUrl(t *testing.T) {
	h := &Handler{}
	_, err := h.registerService(newJSONContext(`{"slug":"metastore","baseUrl":"/api"}`))
	assert.ErrorContains(t, err, "must be an absolute URL")
}
