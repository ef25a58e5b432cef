/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package apiutils

import (
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"
)

// Logger returns a gin middleware that logs each request with latency and
// status through klog.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()
		if len(c.Errors) > 0 {
			klog.Errorf("%s %s %d (%v): %s",
				c.Request.Method, c.Request.URL.Path, status, latency, c.Errors.String())
			return
		}
		klog.Infof("%s %s %d (%v)", c.Request.Method, c.Request.URL.Path, status, latency)
	}
}
