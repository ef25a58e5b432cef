/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"database/sql"

	"github.com/lib/pq"
)

const (
	DESC = "desc"
	ASC  = "asc"

	CreatedAt = "created_at"
	UpdatedAt = "updated_at"
)

// Entity kinds used in not-found errors.
const (
	RepositoryKind    = "Repository"
	BuildKind         = "Build"
	LaunchKind        = "Launch"
	ServiceKind       = "Service"
	JobDefinitionKind = "JobDefinition"
	JobRunKind        = "JobRun"
	BundleVersionKind = "JobBundleVersion"
)

// Repository ingest statuses.
const (
	IngestStatusSeed       = "seed"
	IngestStatusPending    = "pending"
	IngestStatusProcessing = "processing"
	IngestStatusReady      = "ready"
	IngestStatusFailed     = "failed"
)

// Build statuses.
const (
	BuildStatusPending   = "pending"
	BuildStatusRunning   = "running"
	BuildStatusSucceeded = "succeeded"
	BuildStatusFailed    = "failed"
)

// Launch statuses.
const (
	LaunchStatusPending  = "pending"
	LaunchStatusStarting = "starting"
	LaunchStatusRunning  = "running"
	LaunchStatusStopping = "stopping"
	LaunchStatusStopped  = "stopped"
	LaunchStatusFailed   = "failed"
)

// Service statuses.
const (
	ServiceStatusUnknown     = "unknown"
	ServiceStatusHealthy     = "healthy"
	ServiceStatusDegraded    = "degraded"
	ServiceStatusUnreachable = "unreachable"
)

// Job run statuses.
const (
	JobRunStatusPending   = "pending"
	JobRunStatusRunning   = "running"
	JobRunStatusSucceeded = "succeeded"
	JobRunStatusFailed    = "failed"
	JobRunStatusCanceled  = "canceled"
	JobRunStatusExpired   = "expired"
)

// Job runtimes.
const (
	JobRuntimeNode   = "node"
	JobRuntimePython = "python"
	JobRuntimeDocker = "docker"
)

// Bundle artifact storage backends.
const (
	ArtifactStorageLocal = "local"
	ArtifactStorageS3    = "s3"
)

// Repository tag sources.
const (
	TagSourceSystem = "system"
	TagSourceAuthor = "author"
)

// MaxLaunchEnvTemplates caps the per-repository env template list.
const MaxLaunchEnvTemplates = 32

type Repository struct {
	Id                 int64          `db:"id"`
	RepositoryId       string         `db:"repository_id"`
	Name               string         `db:"name"`
	Description        string         `db:"description"`
	RepoUrl            string         `db:"repo_url"`
	DockerfilePath     sql.NullString `db:"dockerfile_path"`
	IngestStatus       string         `db:"ingest_status"`
	IngestError        sql.NullString `db:"ingest_error"`
	IngestAttempts     int            `db:"ingest_attempts"`
	LastIngestedAt     pq.NullTime    `db:"last_ingested_at"`
	LaunchEnvTemplates sql.NullString `db:"launch_env_templates"` // JSON list
	CreatedAt          pq.NullTime    `db:"created_at"`
	UpdatedAt          pq.NullTime    `db:"updated_at"`
}

// GetRepositoryFieldTags returns the RepositoryFieldTags value.
func GetRepositoryFieldTags() map[string]string {
	r := Repository{}
	return getFieldTags(r)
}

type RepositoryTag struct {
	Id           int64  `db:"id"`
	RepositoryId string `db:"repository_id"`
	TagKey       string `db:"tag_key"`
	TagValue     string `db:"tag_value"`
	Source       string `db:"source"`
}

type RepositoryPreview struct {
	Id           int64          `db:"id"`
	RepositoryId string         `db:"repository_id"`
	Kind         string         `db:"kind"`
	Title        sql.NullString `db:"title"`
	Description  sql.NullString `db:"description"`
	Src          sql.NullString `db:"src"`
	SortOrder    int            `db:"sort_order"`
}

type IngestionEvent struct {
	Id           int64          `db:"id"`
	RepositoryId string         `db:"repository_id"`
	Status       string         `db:"status"`
	Message      sql.NullString `db:"message"`
	Attempt      sql.NullInt64  `db:"attempt"`
	CommitSha    sql.NullString `db:"commit_sha"`
	DurationMs   sql.NullInt64  `db:"duration_ms"`
	CreatedAt    pq.NullTime    `db:"created_at"`
}

type Build struct {
	Id           int64          `db:"id"`
	BuildId      string         `db:"build_id"`
	RepositoryId string         `db:"repository_id"`
	Status       string         `db:"status"`
	Logs         string         `db:"logs"`
	ImageTag     sql.NullString `db:"image_tag"`
	ErrorMessage sql.NullString `db:"error_message"`
	CommitSha    sql.NullString `db:"commit_sha"`
	GitBranch    sql.NullString `db:"git_branch"`
	GitRef       sql.NullString `db:"git_ref"`
	CreatedAt    pq.NullTime    `db:"created_at"`
	UpdatedAt    pq.NullTime    `db:"updated_at"`
	StartedAt    pq.NullTime    `db:"started_at"`
	CompletedAt  pq.NullTime    `db:"completed_at"`
	DurationMs   sql.NullInt64  `db:"duration_ms"`
}

// GetBuildFieldTags returns the BuildFieldTags value.
func GetBuildFieldTags() map[string]string {
	b := Build{}
	return getFieldTags(b)
}

type Launch struct {
	Id              int64          `db:"id"`
	LaunchId        string         `db:"launch_id"`
	RepositoryId    string         `db:"repository_id"`
	BuildId         string         `db:"build_id"`
	Status          string         `db:"status"`
	InstanceUrl     sql.NullString `db:"instance_url"`
	ContainerId     sql.NullString `db:"container_id"`
	Port            sql.NullInt64  `db:"port"`
	ResourceProfile sql.NullString `db:"resource_profile"`
	Env             sql.NullString `db:"env"` // JSON list of {key,value}
	Command         sql.NullString `db:"command"`
	ErrorMessage    sql.NullString `db:"error_message"`
	CreatedAt       pq.NullTime    `db:"created_at"`
	UpdatedAt       pq.NullTime    `db:"updated_at"`
	StartedAt       pq.NullTime    `db:"started_at"`
	StoppedAt       pq.NullTime    `db:"stopped_at"`
}

// GetLaunchFieldTags returns the LaunchFieldTags value.
func GetLaunchFieldTags() map[string]string {
	l := Launch{}
	return getFieldTags(l)
}

type ServiceNetwork struct {
	Id           int64       `db:"id"`
	RepositoryId string      `db:"repository_id"`
	Name         string      `db:"name"`
	CreatedAt    pq.NullTime `db:"created_at"`
	UpdatedAt    pq.NullTime `db:"updated_at"`
}

type NetworkMember struct {
	Id                 int64          `db:"id"`
	NetworkId          int64          `db:"network_id"`
	MemberRepositoryId string         `db:"member_repository_id"`
	LaunchOrder        int            `db:"launch_order"`
	WaitForBuild       bool           `db:"wait_for_build"`
	Env                sql.NullString `db:"env"`        // JSON list
	DependsOn          sql.NullString `db:"depends_on"` // JSON list of repository ids
}

type LaunchMember struct {
	Id             int64  `db:"id"`
	NetworkLaunchId string `db:"network_launch_id"`
	RepositoryId   string `db:"repository_id"`
	MemberLaunchId string `db:"member_launch_id"`
}

type Service struct {
	Id            int64          `db:"id"`
	Slug          string         `db:"slug"`
	DisplayName   string         `db:"display_name"`
	Kind          string         `db:"kind"`
	BaseUrl       string         `db:"base_url"`
	Status        string         `db:"status"`
	StatusMessage sql.NullString `db:"status_message"`
	Capabilities  sql.NullString `db:"capabilities"` // JSON
	Metadata      sql.NullString `db:"metadata"`     // JSON
	LastHealthyAt pq.NullTime    `db:"last_healthy_at"`
	CreatedAt     pq.NullTime    `db:"created_at"`
	UpdatedAt     pq.NullTime    `db:"updated_at"`
}

// GetServiceFieldTags returns the ServiceFieldTags value.
func GetServiceFieldTags() map[string]string {
	s := Service{}
	return getFieldTags(s)
}

type JobDefinition struct {
	Id                int64          `db:"id"`
	Slug              string         `db:"slug"`
	Name              string         `db:"name"`
	Type              string         `db:"type"`
	Version           int            `db:"version"`
	Runtime           string         `db:"runtime"`
	EntryPoint        string         `db:"entry_point"`
	TimeoutMs         sql.NullInt64  `db:"timeout_ms"`
	RetryPolicy       sql.NullString `db:"retry_policy"`       // JSON
	ParametersSchema  sql.NullString `db:"parameters_schema"`  // JSON
	DefaultParameters sql.NullString `db:"default_parameters"` // JSON
	Metadata          sql.NullString `db:"metadata"`           // JSON
	CreatedAt         pq.NullTime    `db:"created_at"`
	UpdatedAt         pq.NullTime    `db:"updated_at"`
}

// GetJobDefinitionFieldTags returns the JobDefinitionFieldTags value.
func GetJobDefinitionFieldTags() map[string]string {
	j := JobDefinition{}
	return getFieldTags(j)
}

type JobBundleVersion struct {
	Id                  int64          `db:"id"`
	Slug                string         `db:"slug"`
	Version             string         `db:"version"`
	Checksum            string         `db:"checksum"`
	ArtifactStorage     string         `db:"artifact_storage"`
	ArtifactPath        string         `db:"artifact_path"`
	ArtifactSize        sql.NullInt64  `db:"artifact_size"`
	ArtifactContentType sql.NullString `db:"artifact_content_type"`
	Manifest            sql.NullString `db:"manifest"`         // JSON
	CapabilityFlags     sql.NullString `db:"capability_flags"` // JSON list
	Metadata            sql.NullString `db:"metadata"`         // JSON
	ArtifactData        []byte         `db:"artifact_data"`    // inline copy for rehydration
	PublishedAt         pq.NullTime    `db:"published_at"`
	CreatedAt           pq.NullTime    `db:"created_at"`
	UpdatedAt           pq.NullTime    `db:"updated_at"`
}

// GetJobBundleVersionFieldTags returns the JobBundleVersionFieldTags value.
func GetJobBundleVersionFieldTags() map[string]string {
	b := JobBundleVersion{}
	return getFieldTags(b)
}

type JobRun struct {
	Id           int64          `db:"id"`
	RunId        string         `db:"run_id"`
	JobSlug      string         `db:"job_slug"`
	Status       string         `db:"status"`
	Parameters   sql.NullString `db:"parameters"` // JSON
	Result       sql.NullString `db:"result"`     // JSON
	ErrorMessage sql.NullString `db:"error_message"`
	LogsUrl      sql.NullString `db:"logs_url"`
	Metrics      sql.NullString `db:"metrics"` // JSON
	Context      sql.NullString `db:"context"` // JSON
	TimeoutMs    sql.NullInt64  `db:"timeout_ms"`
	Attempt      int            `db:"attempt"`
	WorkerId     sql.NullString `db:"worker_id"`
	StartedAt    pq.NullTime    `db:"started_at"`
	CompletedAt  pq.NullTime    `db:"completed_at"`
	CreatedAt    pq.NullTime    `db:"created_at"`
	UpdatedAt    pq.NullTime    `db:"updated_at"`
}

// GetJobRunFieldTags returns the JobRunFieldTags value.
func GetJobRunFieldTags() map[string]string {
	r := JobRun{}
	return getFieldTags(r)
}

// IsTerminalJobRunStatus reports whether a run status admits no further
// transitions.
func IsTerminalJobRunStatus(status string) bool {
	switch status {
	case JobRunStatusSucceeded, JobRunStatusFailed, JobRunStatusCanceled, JobRunStatusExpired:
		return true
	}
	return false
}

// IsTerminalLaunchStatus reports whether a launch status is terminal.
func IsTerminalLaunchStatus(status string) bool {
	return status == LaunchStatusStopped || status == LaunchStatusFailed
}
