/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/benediktbwimmer/apphub-sub011/pkg/config"
)

// operatorScopes resolves a bearer token to its scope list. Overridable in
// tests.
var operatorScopes = func(token string) ([]string, bool) {
	tokens := config.GetOperatorTokens()
	scopes, ok := tokens[token]
	return scopes, ok
}

// RequireScopes authenticates the operator token and checks it carries all
// listed scopes. Unknown tokens get 401, insufficient scopes get 403.
func RequireScopes(required ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(401, gin.H{"error": "authorization required"})
			return
		}
		scopes, ok := operatorScopes(token)
		if !ok {
			c.AbortWithStatusJSON(401, gin.H{"error": "invalid operator token"})
			return
		}
		granted := make(map[string]bool, len(scopes))
		for _, scope := range scopes {
			granted[scope] = true
		}
		for _, scope := range required {
			if !granted[scope] {
				c.AbortWithStatusJSON(403, gin.H{"error": "insufficient_scope"})
				return
			}
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}
