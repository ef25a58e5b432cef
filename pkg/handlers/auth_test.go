/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newScopedRouter(scopes ...string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	e := gin.New()
	e.POST("/protected", RequireScopes(scopes...), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return e
}

func withOperatorScopes(t *testing.T, tokens map[string][]string) {
	orig := operatorScopes
	operatorScopes = func(token string) ([]string, bool) {
		scopes, ok := tokens[token]
		return scopes, ok
	}
	t.Cleanup(func() { operatorScopes = orig })
}

func TestRequireScopesMissingToken(t *testing.T) {
	withOperatorScopes(t, nil)
	e := newScopedRouter(ScopeJobsWrite)

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/protected", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireScopesUnknownToken(t *testing.T) {
	withOperatorScopes(t, map[string][]string{"good": {ScopeJobsWrite}})
	e := newScopedRouter(ScopeJobsWrite)

	req := httptest.NewRequest(http.MethodPost, "/protected", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireScopesInsufficient(t *testing.T) {
	withOperatorScopes(t, map[string][]string{"tok": {ScopeJobsRun}})
	e := newScopedRouter(ScopeJobsWrite)

	req := httptest.NewRequest(http.MethodPost, "/protected", nil)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequireScopesAllGranted(t *testing.T) {
	withOperatorScopes(t, map[string][]string{"tok": {ScopeJobsWrite, ScopeJobsRun}})
	e := newScopedRouter(ScopeJobsWrite, ScopeJobsRun)

	req := httptest.NewRequest(http.MethodPost, "/protected", nil)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestBearerToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "", bearerToken(c))

	c.Request.Header.Set("Authorization", "Bearer  abc ")
	assert.Equal(t, "abc", bearerToken(c))

	c.Request.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "", bearerToken(c))
}
