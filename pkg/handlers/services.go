/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"

	"github.com/gin-gonic/gin"

	"github.com/benediktbwimmer/apphub-sub011/pkg/database/client"
	dbutils "github.com/benediktbwimmer/apphub-sub011/pkg/database/utils"
	apphuberrors "github.com/benediktbwimmer/apphub-sub011/pkg/errors"
)

var serviceSlugPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{1,63}$`)

// RegisterServiceRequest is the service registration payload.
type RegisterServiceRequest struct {
	Slug         string          `json:"slug"`
	DisplayName  string          `json:"displayName"`
	Kind         string          `json:"kind"`
	BaseUrl      string          `json:"baseUrl"`
	Capabilities json.RawMessage `json:"capabilities"`
	Metadata     json.RawMessage `json:"metadata"`
}

// ListServices returns all registered services.
// GET /services
func (h *Handler) ListServices(c *gin.Context) {
	handle(c, h.listServices)
}

// RegisterService registers or refreshes a service endpoint.
// POST /services
func (h *Handler) RegisterService(c *gin.Context) {
	handleWithStatus(c, 201, h.registerService)
}

func (h *Handler) listServices(c *gin.Context) (interface{}, error) {
	ctx := c.Request.Context()
	services, err := h.dbc.SelectServices(ctx, nil, nil, 0, 0)
	if err != nil {
		return nil, err
	}
	views := make([]*client.ServiceView, 0, len(services))
	for _, service := range services {
		views = append(views, service.ToView())
	}
	return views, nil
}

func (h *Handler) registerService(c *gin.Context) (interface{}, error) {
	ctx := c.Request.Context()
	var req RegisterServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, apphuberrors.NewBadRequest(fmt.Sprintf("invalid request: %v", err))
	}
	if !serviceSlugPattern.MatchString(req.Slug) {
		return nil, apphuberrors.NewBadRequest(
			"slug must be 2-64 lowercase letters, digits or dashes, starting with a letter")
	}
	parsed, err := url.Parse(req.BaseUrl)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, apphuberrors.NewBadRequest(
			fmt.Sprintf("baseUrl %q must be an absolute URL", req.BaseUrl))
	}

	service := &client.Service{
		Slug:        req.Slug,
		DisplayName: req.DisplayName,
		Kind:        req.Kind,
		BaseUrl:     req.BaseUrl,
	}
	if service.DisplayName == "" {
		service.DisplayName = req.Slug
	}
	if len(req.Capabilities) > 0 {
		service.Capabilities = dbutils.NullString(string(req.Capabilities))
	}
	if len(req.Metadata) > 0 {
		service.Metadata = dbutils.NullString(string(req.Metadata))
	}
	stored, err := h.dbc.UpsertService(ctx, service)
	if err != nil {
		return nil, err
	}
	return stored.ToView(), nil
}
