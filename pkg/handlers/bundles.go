/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"encoding/base64"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/benediktbwimmer/apphub-sub011/pkg/apiutils"
	"github.com/benediktbwimmer/apphub-sub011/pkg/bundle"
	"github.com/benediktbwimmer/apphub-sub011/pkg/database/client"
	dbutils "github.com/benediktbwimmer/apphub-sub011/pkg/database/utils"
	apphuberrors "github.com/benediktbwimmer/apphub-sub011/pkg/errors"
	"github.com/benediktbwimmer/apphub-sub011/pkg/jsonutil"
)

// PublishBundleRequest carries a new bundle version. Either Data holds the
// base64 tarball, or Files+Manifest describe a suggestion packaged
// server-side.
type PublishBundleRequest struct {
	Slug         string                `json:"slug"`
	Version      string                `json:"version"`
	Data         string                `json:"data,omitempty"` // base64 tar.gz
	ContentType  string                `json:"contentType,omitempty"`
	Filename     string                `json:"filename,omitempty"`
	Manifest     bundle.BundleManifest `json:"manifest"`
	Files        []bundle.BundleFile   `json:"files,omitempty"`
	Capabilities []string              `json:"capabilities,omitempty"`
	Force        bool                  `json:"force,omitempty"`
}

// PublishBundle stores a bundle version and its artifact.
// POST /job-bundles
func (h *Handler) PublishBundle(c *gin.Context) {
	handleWithStatus(c, 201, h.publishBundle)
}

// DownloadBundle serves a locally stored artifact after verifying the signed
// token and TTL. Missing files are rehydrated from the database copy.
// GET /job-bundles/:slug/versions/:version/download
func (h *Handler) DownloadBundle(c *gin.Context) {
	ctx := c.Request.Context()
	slug, version := c.Param("slug"), c.Param("version")
	record, err := h.dbc.GetJobBundleVersion(ctx, slug, version)
	if err != nil {
		apiutils.AbortWithApiError(c, err)
		return
	}
	if record.ArtifactStorage != client.ArtifactStorageLocal {
		apiutils.AbortWithApiError(c, apphuberrors.NewNotFoundWithMessage(
			fmt.Sprintf("bundle %s@%s is not served locally", slug, version)))
		return
	}
	expiresMs, err := strconv.ParseInt(c.Query("expires"), 10, 64)
	if err != nil {
		apiutils.AbortWithApiError(c, apphuberrors.NewUnauthorized("invalid expires parameter"))
		return
	}
	if err = h.store.VerifyDownloadToken(slug, version, record.ArtifactPath,
		expiresMs, c.Query("token")); err != nil {
		apiutils.AbortWithApiError(c, err)
		return
	}
	data, err := h.store.OpenArtifact(ctx, record)
	if err != nil {
		apiutils.AbortWithApiError(c, err)
		return
	}

	filename := c.Query("filename")
	if filename == "" {
		filename = path.Base(record.ArtifactPath)
	}
	contentType := dbutils.ParseNullString(record.ArtifactContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", bundle.SanitizeFilename(filename, "bundle")))
	c.Data(200, contentType, data)
}

func (h *Handler) publishBundle(c *gin.Context) (interface{}, error) {
	ctx := c.Request.Context()
	var req PublishBundleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, apphuberrors.NewBadRequest(fmt.Sprintf("invalid request: %v", err))
	}
	if req.Slug == "" || req.Version == "" {
		return nil, apphuberrors.NewBadRequest("slug and version are required")
	}

	var data []byte
	var checksum string
	suggestion := &bundle.BundleSuggestion{
		Slug:         req.Slug,
		Version:      req.Version,
		Manifest:     req.Manifest,
		Files:        req.Files,
		Capabilities: req.Capabilities,
	}
	switch {
	case req.Data != "":
		decoded, err := base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			return nil, apphuberrors.NewBadRequest(fmt.Sprintf("data is not valid base64: %v", err))
		}
		data, checksum = decoded, bundle.Checksum(decoded)
	case len(req.Files) > 0:
		if suggestion.Manifest.Name == "" {
			suggestion.Manifest.Name = req.Slug
		}
		if suggestion.Manifest.Version == "" {
			suggestion.Manifest.Version = req.Version
		}
		packed, sum, err := bundle.PackBundle(suggestion)
		if err != nil {
			return nil, err
		}
		data, checksum = packed, sum
	default:
		return nil, apphuberrors.NewBadRequest("either data or files must be provided")
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/gzip"
	}
	filename := req.Filename
	if filename == "" {
		filename = req.Slug + ".tgz"
	}
	record, err := h.store.SaveArtifact(ctx, req.Slug, req.Version, data, contentType, filename, req.Force)
	if err != nil {
		return nil, err
	}

	capabilities := append(append([]string{}, req.Manifest.Capabilities...), req.Capabilities...)
	row := &client.JobBundleVersion{
		Slug:                req.Slug,
		Version:             req.Version,
		Checksum:            checksum,
		ArtifactStorage:     record.Storage,
		ArtifactPath:        record.Path,
		ArtifactSize:        dbutils.NullInt64(record.Size),
		ArtifactContentType: dbutils.NullString(contentType),
		Manifest:            dbutils.NullString(string(jsonutil.MarshalSilently(req.Manifest))),
		ArtifactData:        data,
	}
	if len(capabilities) > 0 {
		row.CapabilityFlags = dbutils.NullString(string(jsonutil.MarshalSilently(capabilities)))
	}
	if len(req.Files) > 0 {
		// Keep the suggestion so recovery can rebuild a lost artifact.
		metadata := map[string]interface{}{"aiBuilder": suggestion}
		row.Metadata = dbutils.NullString(string(jsonutil.MarshalSilently(metadata)))
	}
	published, err := h.dbc.InsertJobBundleVersion(ctx, row)
	if err != nil {
		return nil, err
	}
	view := published.ToView()
	if download, err := h.store.CreateDownloadUrl(ctx, published, 0*time.Second, filename); err == nil {
		return gin.H{"bundle": view, "download": download}, nil
	}
	return gin.H{"bundle": view}, nil
}
