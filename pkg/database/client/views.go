/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"encoding/json"
	"unicode/utf8"

	dbutils "github.com/benediktbwimmer/apphub-sub011/pkg/database/utils"
	"github.com/benediktbwimmer/apphub-sub011/pkg/jsonutil"
)

// BuildLogsPreviewLen bounds the log tail carried on build views. Full logs
// are served by the build logs endpoint.
const BuildLogsPreviewLen = 4096

// logsTail returns the last BuildLogsPreviewLen bytes of the logs, trimmed
// to a rune boundary.
func logsTail(logs string) string {
	if len(logs) <= BuildLogsPreviewLen {
		return logs
	}
	cut := len(logs) - BuildLogsPreviewLen
	for cut < len(logs) && !utf8.RuneStart(logs[cut]) {
		cut++
	}
	return logs[cut:]
}

// EnvVar is one launch environment entry. FromService references another
// service's runtime attribute with an optional fallback.
type EnvVar struct {
	Key         string          `json:"key"`
	Value       string          `json:"value,omitempty"`
	FromService *ServiceEnvRef  `json:"fromService,omitempty"`
}

type ServiceEnvRef struct {
	Service  string `json:"service"`
	Property string `json:"property"` // instanceUrl|baseUrl|host|port
	Fallback string `json:"fallback,omitempty"`
}

// TagView is one repository tag.
type TagView struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Source string `json:"source,omitempty"`
}

type PreviewView struct {
	Kind        string `json:"kind"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Src         string `json:"src,omitempty"`
	SortOrder   int    `json:"sortOrder"`
}

type RepositoryView struct {
	Id                 string          `json:"id"`
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	RepoUrl            string          `json:"repoUrl"`
	DockerfilePath     string          `json:"dockerfilePath,omitempty"`
	IngestStatus       string          `json:"ingestStatus"`
	IngestError        string          `json:"ingestError,omitempty"`
	IngestAttempts     int             `json:"ingestAttempts"`
	LastIngestedAt     string          `json:"lastIngestedAt,omitempty"`
	LaunchEnvTemplates []EnvVar        `json:"launchEnvTemplates,omitempty"`
	CreatedAt          string          `json:"createdAt,omitempty"`
	UpdatedAt          string          `json:"updatedAt,omitempty"`
	Tags               []TagView       `json:"tags,omitempty"`
	Previews           []PreviewView   `json:"previews,omitempty"`
	Relevance          *RelevanceView  `json:"relevance,omitempty"`
	LatestBuild        *BuildView      `json:"latestBuild,omitempty"`
	LatestLaunch       *LaunchView     `json:"latestLaunch,omitempty"`
}

// RelevanceView carries per-field search score components.
type RelevanceView struct {
	Score      float64            `json:"score"`
	Components map[string]float64 `json:"components"`
}

type IngestionEventView struct {
	Id           int64  `json:"id"`
	RepositoryId string `json:"repositoryId"`
	Status       string `json:"status"`
	Message      string `json:"message,omitempty"`
	Attempt      int64  `json:"attempt,omitempty"`
	CommitSha    string `json:"commitSha,omitempty"`
	DurationMs   int64  `json:"durationMs,omitempty"`
	CreatedAt    string `json:"createdAt,omitempty"`
}

type BuildView struct {
	Id           string `json:"id"`
	RepositoryId string `json:"repositoryId"`
	Status       string `json:"status"`
	ImageTag     string `json:"imageTag,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	CommitSha    string `json:"commitSha,omitempty"`
	GitBranch    string `json:"gitBranch,omitempty"`
	GitRef       string `json:"gitRef,omitempty"`
	LogsPreview  string `json:"logsPreview,omitempty"`
	CreatedAt    string `json:"createdAt,omitempty"`
	UpdatedAt    string `json:"updatedAt,omitempty"`
	StartedAt    string `json:"startedAt,omitempty"`
	CompletedAt  string `json:"completedAt,omitempty"`
	DurationMs   *int64 `json:"durationMs,omitempty"`
}

type LaunchView struct {
	Id              string   `json:"id"`
	RepositoryId    string   `json:"repositoryId"`
	BuildId         string   `json:"buildId"`
	Status          string   `json:"status"`
	InstanceUrl     string   `json:"instanceUrl,omitempty"`
	ContainerId     string   `json:"containerId,omitempty"`
	Port            *int64   `json:"port,omitempty"`
	ResourceProfile string   `json:"resourceProfile,omitempty"`
	Env             []EnvVar `json:"env,omitempty"`
	Command         string   `json:"command,omitempty"`
	ErrorMessage    string   `json:"errorMessage,omitempty"`
	CreatedAt       string   `json:"createdAt,omitempty"`
	UpdatedAt       string   `json:"updatedAt,omitempty"`
	StartedAt       string   `json:"startedAt,omitempty"`
	StoppedAt       string   `json:"stoppedAt,omitempty"`
}

type ServiceView struct {
	Slug          string          `json:"slug"`
	DisplayName   string          `json:"displayName"`
	Kind          string          `json:"kind"`
	BaseUrl       string          `json:"baseUrl"`
	Status        string          `json:"status"`
	StatusMessage string          `json:"statusMessage,omitempty"`
	Capabilities  json.RawMessage `json:"capabilities,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	LastHealthyAt string          `json:"lastHealthyAt,omitempty"`
	CreatedAt     string          `json:"createdAt,omitempty"`
	UpdatedAt     string          `json:"updatedAt,omitempty"`
}

type JobDefinitionView struct {
	Slug              string          `json:"slug"`
	Name              string          `json:"name"`
	Type              string          `json:"type"`
	Version           int             `json:"version"`
	Runtime           string          `json:"runtime"`
	EntryPoint        string          `json:"entryPoint"`
	TimeoutMs         *int64          `json:"timeoutMs,omitempty"`
	RetryPolicy       json.RawMessage `json:"retryPolicy,omitempty"`
	ParametersSchema  json.RawMessage `json:"parametersSchema,omitempty"`
	DefaultParameters json.RawMessage `json:"defaultParameters,omitempty"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	CreatedAt         string          `json:"createdAt,omitempty"`
	UpdatedAt         string          `json:"updatedAt,omitempty"`
}

type JobBundleVersionView struct {
	Slug                string          `json:"slug"`
	Version             string          `json:"version"`
	Checksum            string          `json:"checksum"`
	ArtifactStorage     string          `json:"artifactStorage"`
	ArtifactPath        string          `json:"artifactPath"`
	ArtifactSize        *int64          `json:"artifactSize,omitempty"`
	ArtifactContentType string          `json:"artifactContentType,omitempty"`
	Manifest            json.RawMessage `json:"manifest,omitempty"`
	CapabilityFlags     []string        `json:"capabilityFlags,omitempty"`
	Metadata            json.RawMessage `json:"metadata,omitempty"`
	PublishedAt         string          `json:"publishedAt,omitempty"`
	CreatedAt           string          `json:"createdAt,omitempty"`
	UpdatedAt           string          `json:"updatedAt,omitempty"`
}

type JobRunView struct {
	Id           string          `json:"id"`
	JobSlug      string          `json:"jobSlug"`
	Status       string          `json:"status"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	LogsUrl      string          `json:"logsUrl,omitempty"`
	Metrics      json.RawMessage `json:"metrics,omitempty"`
	Context      json.RawMessage `json:"context,omitempty"`
	TimeoutMs    *int64          `json:"timeoutMs,omitempty"`
	Attempt      int             `json:"attempt"`
	StartedAt    string          `json:"startedAt,omitempty"`
	CompletedAt  string          `json:"completedAt,omitempty"`
	CreatedAt    string          `json:"createdAt,omitempty"`
	UpdatedAt    string          `json:"updatedAt,omitempty"`
}

func nullJSON(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func nullInt64Ptr(v int64, valid bool) *int64 {
	if !valid {
		return nil
	}
	return &v
}

// ToView converts a repository row to its API shape.
func (r *Repository) ToView() *RepositoryView {
	view := &RepositoryView{
		Id:             r.RepositoryId,
		Name:           r.Name,
		Description:    r.Description,
		RepoUrl:        r.RepoUrl,
		DockerfilePath: dbutils.ParseNullString(r.DockerfilePath),
		IngestStatus:   r.IngestStatus,
		IngestError:    dbutils.ParseNullString(r.IngestError),
		IngestAttempts: r.IngestAttempts,
		LastIngestedAt: dbutils.ParseNullTimeToString(r.LastIngestedAt),
		CreatedAt:      dbutils.ParseNullTimeToString(r.CreatedAt),
		UpdatedAt:      dbutils.ParseNullTimeToString(r.UpdatedAt),
	}
	if raw := dbutils.ParseNullString(r.LaunchEnvTemplates); raw != "" {
		_ = jsonutil.Unmarshal([]byte(raw), &view.LaunchEnvTemplates)
	}
	return view
}

// ToView converts an ingestion event row to its API shape.
func (e *IngestionEvent) ToView() *IngestionEventView {
	return &IngestionEventView{
		Id:           e.Id,
		RepositoryId: e.RepositoryId,
		Status:       e.Status,
		Message:      dbutils.ParseNullString(e.Message),
		Attempt:      e.Attempt.Int64,
		CommitSha:    dbutils.ParseNullString(e.CommitSha),
		DurationMs:   e.DurationMs.Int64,
		CreatedAt:    dbutils.ParseNullTimeToString(e.CreatedAt),
	}
}

// ToView converts a build row to its API shape. The view carries the log
// tail; full logs are exposed separately.
func (b *Build) ToView() *BuildView {
	return &BuildView{
		Id:           b.BuildId,
		RepositoryId: b.RepositoryId,
		Status:       b.Status,
		ImageTag:     dbutils.ParseNullString(b.ImageTag),
		ErrorMessage: dbutils.ParseNullString(b.ErrorMessage),
		CommitSha:    dbutils.ParseNullString(b.CommitSha),
		GitBranch:    dbutils.ParseNullString(b.GitBranch),
		GitRef:       dbutils.ParseNullString(b.GitRef),
		LogsPreview:  logsTail(b.Logs),
		CreatedAt:    dbutils.ParseNullTimeToString(b.CreatedAt),
		UpdatedAt:    dbutils.ParseNullTimeToString(b.UpdatedAt),
		StartedAt:    dbutils.ParseNullTimeToString(b.StartedAt),
		CompletedAt:  dbutils.ParseNullTimeToString(b.CompletedAt),
		DurationMs:   nullInt64Ptr(b.DurationMs.Int64, b.DurationMs.Valid),
	}
}

// ToView converts a launch row to its API shape.
func (l *Launch) ToView() *LaunchView {
	view := &LaunchView{
		Id:              l.LaunchId,
		RepositoryId:    l.RepositoryId,
		BuildId:         l.BuildId,
		Status:          l.Status,
		InstanceUrl:     dbutils.ParseNullString(l.InstanceUrl),
		ContainerId:     dbutils.ParseNullString(l.ContainerId),
		Port:            nullInt64Ptr(l.Port.Int64, l.Port.Valid),
		ResourceProfile: dbutils.ParseNullString(l.ResourceProfile),
		Command:         dbutils.ParseNullString(l.Command),
		ErrorMessage:    dbutils.ParseNullString(l.ErrorMessage),
		CreatedAt:       dbutils.ParseNullTimeToString(l.CreatedAt),
		UpdatedAt:       dbutils.ParseNullTimeToString(l.UpdatedAt),
		StartedAt:       dbutils.ParseNullTimeToString(l.StartedAt),
		StoppedAt:       dbutils.ParseNullTimeToString(l.StoppedAt),
	}
	if raw := dbutils.ParseNullString(l.Env); raw != "" {
		_ = jsonutil.Unmarshal([]byte(raw), &view.Env)
	}
	return view
}

// ToView converts a service row to its API shape.
func (s *Service) ToView() *ServiceView {
	return &ServiceView{
		Slug:          s.Slug,
		DisplayName:   s.DisplayName,
		Kind:          s.Kind,
		BaseUrl:       s.BaseUrl,
		Status:        s.Status,
		StatusMessage: dbutils.ParseNullString(s.StatusMessage),
		Capabilities:  nullJSON(dbutils.ParseNullString(s.Capabilities)),
		Metadata:      nullJSON(dbutils.ParseNullString(s.Metadata)),
		LastHealthyAt: dbutils.ParseNullTimeToString(s.LastHealthyAt),
		CreatedAt:     dbutils.ParseNullTimeToString(s.CreatedAt),
		UpdatedAt:     dbutils.ParseNullTimeToString(s.UpdatedAt),
	}
}

// ToView converts a job definition row to its API shape.
func (j *JobDefinition) ToView() *JobDefinitionView {
	return &JobDefinitionView{
		Slug:              j.Slug,
		Name:              j.Name,
		Type:              j.Type,
		Version:           j.Version,
		Runtime:           j.Runtime,
		EntryPoint:        j.EntryPoint,
		TimeoutMs:         nullInt64Ptr(j.TimeoutMs.Int64, j.TimeoutMs.Valid),
		RetryPolicy:       nullJSON(dbutils.ParseNullString(j.RetryPolicy)),
		ParametersSchema:  nullJSON(dbutils.ParseNullString(j.ParametersSchema)),
		DefaultParameters: nullJSON(dbutils.ParseNullString(j.DefaultParameters)),
		Metadata:          nullJSON(dbutils.ParseNullString(j.Metadata)),
		CreatedAt:         dbutils.ParseNullTimeToString(j.CreatedAt),
		UpdatedAt:         dbutils.ParseNullTimeToString(j.UpdatedAt),
	}
}

// ToView converts a bundle version row to its API shape. The inline artifact
// copy is never exposed.
func (b *JobBundleVersion) ToView() *JobBundleVersionView {
	view := &JobBundleVersionView{
		Slug:                b.Slug,
		Version:             b.Version,
		Checksum:            b.Checksum,
		ArtifactStorage:     b.ArtifactStorage,
		ArtifactPath:        b.ArtifactPath,
		ArtifactSize:        nullInt64Ptr(b.ArtifactSize.Int64, b.ArtifactSize.Valid),
		ArtifactContentType: dbutils.ParseNullString(b.ArtifactContentType),
		Manifest:            nullJSON(dbutils.ParseNullString(b.Manifest)),
		Metadata:            nullJSON(dbutils.ParseNullString(b.Metadata)),
		PublishedAt:         dbutils.ParseNullTimeToString(b.PublishedAt),
		CreatedAt:           dbutils.ParseNullTimeToString(b.CreatedAt),
		UpdatedAt:           dbutils.ParseNullTimeToString(b.UpdatedAt),
	}
	if raw := dbutils.ParseNullString(b.CapabilityFlags); raw != "" {
		_ = jsonutil.Unmarshal([]byte(raw), &view.CapabilityFlags)
	}
	return view
}

// ToView converts a job run row to its API shape.
func (r *JobRun) ToView() *JobRunView {
	return &JobRunView{
		Id:           r.RunId,
		JobSlug:      r.JobSlug,
		Status:       r.Status,
		Parameters:   nullJSON(dbutils.ParseNullString(r.Parameters)),
		Result:       nullJSON(dbutils.ParseNullString(r.Result)),
		ErrorMessage: dbutils.ParseNullString(r.ErrorMessage),
		LogsUrl:      dbutils.ParseNullString(r.LogsUrl),
		Metrics:      nullJSON(dbutils.ParseNullString(r.Metrics)),
		Context:      nullJSON(dbutils.ParseNullString(r.Context)),
		TimeoutMs:    nullInt64Ptr(r.TimeoutMs.Int64, r.TimeoutMs.Valid),
		Attempt:      r.Attempt,
		StartedAt:    dbutils.ParseNullTimeToString(r.StartedAt),
		CompletedAt:  dbutils.ParseNullTimeToString(r.CompletedAt),
		CreatedAt:    dbutils.ParseNullTimeToString(r.CreatedAt),
		UpdatedAt:    dbutils.ParseNullTimeToString(r.UpdatedAt),
	}
}
