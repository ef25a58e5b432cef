/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package bundle

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"k8s.io/klog/v2"

	"github.com/benediktbwimmer/apphub-sub011/pkg/database/client"
	apphuberrors "github.com/benediktbwimmer/apphub-sub011/pkg/errors"
	"github.com/benediktbwimmer/apphub-sub011/pkg/timeutil"
)

var (
	segmentInvalidChars = regexp.MustCompile(`[^a-z0-9._-]`)
	segmentDashRuns     = regexp.MustCompile(`-+`)
	filenameExtPattern  = regexp.MustCompile(`^\.[a-zA-Z0-9]{1,10}$`)
)

// SanitizeSegment normalizes a slug or version for use as a path segment.
func SanitizeSegment(segment, fallback string) string {
	s := strings.ToLower(strings.TrimSpace(segment))
	s = segmentInvalidChars.ReplaceAllString(s, "-")
	s = segmentDashRuns.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-.")
	if s == "" {
		return fallback
	}
	return s
}

// SanitizeFilename keeps the extension when it looks like a real one,
// otherwise falls back to .bin.
func SanitizeFilename(filename, base string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if !filenameExtPattern.MatchString(ext) {
		ext = ".bin"
	}
	stem := SanitizeSegment(strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename)), base)
	return stem + ext
}

// ArtifactRecord describes a stored artifact.
type ArtifactRecord struct {
	Storage     string
	Path        string
	Checksum    string
	Size        int64
	Filename    string
	ContentType string
}

// DownloadInfo is the signed or presigned read handle for an artifact.
type DownloadInfo struct {
	Storage   string `json:"storage"`
	Url       string `json:"url"`
	ExpiresAt string `json:"expiresAt"`
	Kind      string `json:"kind"` // "signed" for local tokens, "presigned" for object store
}

// StoreConfig carries bundle store settings.
type StoreConfig struct {
	Storage       string // client.ArtifactStorageLocal or client.ArtifactStorageS3
	LocalRoot     string
	SigningSecret string
	DownloadTTL   time.Duration

	S3Bucket string
	S3Prefix string
}

// Store is the content-addressed artifact store (C4). Local artifacts are
// served through HMAC-signed URLs; object-store artifacts through presigned
// GETs. Missing local files are rehydrated from the inline database copy.
type Store struct {
	cfg StoreConfig
	dbc *client.Client

	s3Client  *s3.Client
	presigner *s3.PresignClient
	uploader  *manager.Uploader
}

// NewStore creates a bundle store. The S3 clients may be nil when storage is
// local.
func NewStore(cfg StoreConfig, dbc *client.Client, s3Client *s3.Client) (*Store, error) {
	if cfg.Storage == "" {
		cfg.Storage = client.ArtifactStorageLocal
	}
	if cfg.DownloadTTL <= 0 {
		cfg.DownloadTTL = 5 * time.Minute
	}
	s := &Store{cfg: cfg, dbc: dbc}
	switch cfg.Storage {
	case client.ArtifactStorageLocal:
		if cfg.LocalRoot == "" {
			return nil, apphuberrors.NewBadRequest("bundle local root is empty")
		}
		if cfg.SigningSecret == "" {
			return nil, apphuberrors.NewBadRequest("bundle signing secret is empty")
		}
		if err := os.MkdirAll(cfg.LocalRoot, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create bundle root %s: %v", cfg.LocalRoot, err)
		}
	case client.ArtifactStorageS3:
		if s3Client == nil || cfg.S3Bucket == "" {
			return nil, apphuberrors.NewBadRequest("s3 storage needs a client and bucket")
		}
		s.s3Client = s3Client
		s.presigner = s3.NewPresignClient(s3Client)
		s.uploader = manager.NewUploader(s3Client)
	default:
		return nil, apphuberrors.NewBadRequest(fmt.Sprintf("unknown bundle storage %q", cfg.Storage))
	}
	return s, nil
}

// Storage returns the configured backend kind.
func (s *Store) Storage() string {
	return s.cfg.Storage
}

// ArtifactPath computes the storage-relative path for a bundle artifact.
func ArtifactPath(slug, version, filename string) string {
	slugSeg := SanitizeSegment(slug, "bundle")
	versionSeg := SanitizeSegment(version, "v")
	return slugSeg + "/" + versionSeg + "/" + SanitizeFilename(filename, slugSeg)
}

// Checksum returns the sha256 hex digest of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SaveArtifact writes an artifact. An existing artifact with a matching
// checksum is reused; a mismatching one fails unless force is set.
func (s *Store) SaveArtifact(ctx context.Context, slug, version string, data []byte, contentType, filename string, force bool) (*ArtifactRecord, error) {
	if slug == "" || version == "" {
		return nil, apphuberrors.NewBadRequest("slug or version is empty")
	}
	if len(data) == 0 {
		return nil, apphuberrors.NewBadRequest("artifact data is empty")
	}
	path := ArtifactPath(slug, version, filename)
	checksum := Checksum(data)
	record := &ArtifactRecord{
		Storage:     s.cfg.Storage,
		Path:        path,
		Checksum:    checksum,
		Size:        int64(len(data)),
		Filename:    filepath.Base(path),
		ContentType: contentType,
	}

	existing, err := s.readArtifact(ctx, path)
	if err == nil && existing != nil {
		if Checksum(existing) == checksum {
			return record, nil
		}
		if !force {
			return nil, apphuberrors.NewConflict(
				fmt.Sprintf("artifact %s already exists with a different checksum", path))
		}
	}
	if err = s.writeArtifact(ctx, path, data, contentType); err != nil {
		return nil, err
	}
	klog.Infof("stored bundle artifact %s (%d bytes, %s)", path, len(data), s.cfg.Storage)
	return record, nil
}

// OpenArtifact returns the artifact bytes for a bundle version, rehydrating
// a missing local file from the inline database copy and verifying the
// checksum.
func (s *Store) OpenArtifact(ctx context.Context, bundle *client.JobBundleVersion) ([]byte, error) {
	if bundle == nil {
		return nil, apphuberrors.NewBadRequest("the bundle input is empty")
	}
	data, err := s.readArtifact(ctx, bundle.ArtifactPath)
	if err != nil || data == nil {
		data, err = s.rehydrate(ctx, bundle)
		if err != nil {
			return nil, err
		}
	}
	if got := Checksum(data); got != bundle.Checksum {
		return nil, apphuberrors.NewChecksumMismatch(fmt.Sprintf(
			"artifact %s checksum mismatch: stored %s, expected %s",
			bundle.ArtifactPath, got, bundle.Checksum))
	}
	return data, nil
}

// rehydrate restores a missing artifact from the inline database copy.
func (s *Store) rehydrate(ctx context.Context, bundle *client.JobBundleVersion) ([]byte, error) {
	stored, err := s.dbc.GetJobBundleVersion(ctx, bundle.Slug, bundle.Version)
	if err != nil {
		return nil, err
	}
	if len(stored.ArtifactData) == 0 {
		return nil, apphuberrors.NewBundleUnrecoverable(fmt.Sprintf(
			"artifact %s is missing and no inline copy exists", bundle.ArtifactPath))
	}
	if err = s.writeArtifact(ctx, bundle.ArtifactPath, stored.ArtifactData, ""); err != nil {
		return nil, err
	}
	klog.Warningf("rehydrated bundle artifact %s from database copy (%d bytes)",
		bundle.ArtifactPath, len(stored.ArtifactData))
	return stored.ArtifactData, nil
}

// CreateDownloadUrl mints a read handle for an artifact.
func (s *Store) CreateDownloadUrl(ctx context.Context, bundle *client.JobBundleVersion, ttl time.Duration, filename string) (*DownloadInfo, error) {
	if bundle == nil {
		return nil, apphuberrors.NewBadRequest("the bundle input is empty")
	}
	if ttl <= 0 {
		ttl = s.cfg.DownloadTTL
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	expires := time.Now().Add(ttl)

	if bundle.ArtifactStorage == client.ArtifactStorageS3 {
		if s.presigner == nil {
			return nil, apphuberrors.NewInternalError("s3 storage is not configured")
		}
		input := &s3.GetObjectInput{
			Bucket: aws.String(s.cfg.S3Bucket),
			Key:    aws.String(s.objectKey(bundle.ArtifactPath)),
		}
		if filename != "" {
			disposition := fmt.Sprintf("attachment; filename=%q", SanitizeFilename(filename, "bundle"))
			input.ResponseContentDisposition = aws.String(disposition)
		}
		presigned, err := s.presigner.PresignGetObject(ctx, input, s3.WithPresignExpires(ttl))
		if err != nil {
			klog.ErrorS(err, "failed to presign artifact", "path", bundle.ArtifactPath)
			return nil, err
		}
		return &DownloadInfo{
			Storage:   client.ArtifactStorageS3,
			Url:       presigned.URL,
			ExpiresAt: timeutil.FormatRFC3339(expires),
			Kind:      "presigned",
		}, nil
	}

	expiresMs := expires.UnixMilli()
	token := s.signDownload(bundle.Slug, bundle.Version, bundle.ArtifactPath, expiresMs)
	query := url.Values{}
	query.Set("expires", strconv.FormatInt(expiresMs, 10))
	query.Set("token", token)
	if filename != "" {
		query.Set("filename", SanitizeFilename(filename, "bundle"))
	}
	return &DownloadInfo{
		Storage: client.ArtifactStorageLocal,
		Url: fmt.Sprintf("/job-bundles/%s/versions/%s/download?%s",
			url.PathEscape(bundle.Slug), url.PathEscape(bundle.Version), query.Encode()),
		ExpiresAt: timeutil.FormatRFC3339(expires),
		Kind:      "signed",
	}, nil
}

// VerifyDownloadToken checks a local download token in constant time and
// enforces the TTL.
func (s *Store) VerifyDownloadToken(slug, version, path string, expiresMs int64, token string) error {
	if time.Now().UnixMilli() > expiresMs {
		return apphuberrors.NewUnauthorized("download link expired")
	}
	expected := s.signDownload(slug, version, path, expiresMs)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(token)) != 1 {
		return apphuberrors.NewUnauthorized("invalid download token")
	}
	return nil
}

func (s *Store) signDownload(slug, version, path string, expiresMs int64) string {
	mac := hmac.New(sha256.New, []byte(s.cfg.SigningSecret))
	fmt.Fprintf(mac, "v1\n%s\n%s\n%s\n%d", slug, version, path, expiresMs)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Store) objectKey(path string) string {
	if s.cfg.S3Prefix == "" {
		return path
	}
	return strings.TrimSuffix(s.cfg.S3Prefix, "/") + "/" + path
}

// resolveLocalPath joins path under the storage root and rejects escapes.
func (s *Store) resolveLocalPath(path string) (string, error) {
	root, err := filepath.Abs(s.cfg.LocalRoot)
	if err != nil {
		return "", err
	}
	resolved := filepath.Join(root, filepath.FromSlash(path))
	if resolved != root && !strings.HasPrefix(resolved, root+string(os.PathSeparator)) {
		return "", apphuberrors.NewBadRequest(fmt.Sprintf("artifact path %q escapes the storage root", path))
	}
	return resolved, nil
}

func (s *Store) readArtifact(ctx context.Context, path string) ([]byte, error) {
	if s.cfg.Storage == client.ArtifactStorageS3 {
		out, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.cfg.S3Bucket),
			Key:    aws.String(s.objectKey(path)),
		})
		if err != nil {
			return nil, nil // treated as missing; rehydration decides
		}
		defer func() { _ = out.Body.Close() }()
		buf := new(bytes.Buffer)
		if _, err = buf.ReadFrom(out.Body); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	resolved, err := s.resolveLocalPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

func (s *Store) writeArtifact(ctx context.Context, path string, data []byte, contentType string) error {
	if s.cfg.Storage == client.ArtifactStorageS3 {
		input := &s3.PutObjectInput{
			Bucket: aws.String(s.cfg.S3Bucket),
			Key:    aws.String(s.objectKey(path)),
			Body:   bytes.NewReader(data),
		}
		if contentType != "" {
			input.ContentType = aws.String(contentType)
		}
		if _, err := s.uploader.Upload(ctx, input); err != nil {
			klog.ErrorS(err, "failed to upload artifact", "path", path)
			return err
		}
		return nil
	}
	resolved, err := s.resolveLocalPath(path)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return err
	}
	tmp := resolved + ".tmp"
	if err = os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, resolved)
}
