/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package config

const (
	// server
	serverPrefix = "server."
	serverPort   = serverPrefix + "port"
	serverHost   = serverPrefix + "host"

	// db
	dbPrefix               = "db."
	dbEnable               = dbPrefix + "enable"
	dbName                 = dbPrefix + "name"
	dbUser                 = dbPrefix + "user"
	dbPassword             = dbPrefix + "password"
	dbHost                 = dbPrefix + "host"
	dbPort                 = dbPrefix + "port"
	dbSslMode              = dbPrefix + "ssl_mode"
	dbMaxOpenConns         = dbPrefix + "max_open_conns"
	dbMaxIdleConns         = dbPrefix + "max_idle_conns"
	dbMaxLifetime          = dbPrefix + "max_life_time_second"
	dbMaxIdleTimeSecond    = dbPrefix + "max_idle_time_second"
	dbConnectTimeoutSecond = dbPrefix + "connect_timeout_second"
	dbRequestTimeoutSecond = dbPrefix + "request_timeout_second"

	// queue
	queuePrefix                 = "queue."
	queueMode                   = queuePrefix + "mode"
	queueRedisAddr              = queuePrefix + "redis_addr"
	queueRedisPassword          = queuePrefix + "redis_password"
	queueRedisDB                = queuePrefix + "redis_db"
	queueVisibilityTimeoutSec   = queuePrefix + "visibility_timeout_second"
	queuePollIntervalMillis     = queuePrefix + "poll_interval_ms"
	queueReaperIntervalSec      = queuePrefix + "reaper_interval_second"
	queueMaxReceiveBeforeDrop   = queuePrefix + "max_receive"
	queueKeyPrefixKey           = queuePrefix + "key_prefix"
	queueInlineDispatchParallel = queuePrefix + "inline_parallel"

	// workers
	workerPrefix        = "workers."
	workerIngestCount   = workerPrefix + "ingest"
	workerBuildCount    = workerPrefix + "build"
	workerLaunchCount   = workerPrefix + "launch"
	workerJobRunCount   = workerPrefix + "job_run"
	workerJobRunMaxJobs = workerPrefix + "job_run_concurrency"

	// bundle storage
	bundlePrefix            = "bundle."
	bundleStorageBackend    = bundlePrefix + "storage"
	bundleLocalRoot         = bundlePrefix + "local_root"
	bundleSigningSecret     = bundlePrefix + "signing_secret"
	bundleCacheDir          = bundlePrefix + "cache_dir"
	bundleCacheTTLSecond    = bundlePrefix + "cache_ttl_second"
	bundleDownloadTTLMillis = bundlePrefix + "download_ttl_ms"

	// s3
	s3Prefix    = "s3."
	s3Bucket    = s3Prefix + "bucket"
	s3Endpoint  = s3Prefix + "endpoint"
	s3Region    = s3Prefix + "region"
	s3AccessKey = s3Prefix + "access_key"
	s3SecretKey = s3Prefix + "secret_key"
	s3KeyPrefix = s3Prefix + "prefix"

	// preview
	previewPrefix      = "preview."
	previewBaseURL     = previewPrefix + "base_url"
	previewTokenSecret = previewPrefix + "token_secret"

	// sandbox
	sandboxPrefix         = "sandbox."
	sandboxMaxLogs        = sandboxPrefix + "max_logs"
	sandboxHostRootPrefix = sandboxPrefix + "host_root_prefix"
	sandboxNodeBinary     = sandboxPrefix + "node_binary"
	sandboxPythonBinary   = sandboxPrefix + "python_binary"
	sandboxKillGraceMs    = sandboxPrefix + "kill_grace_ms"

	// ingest
	ingestPrefix         = "ingest."
	ingestCloneDepth     = ingestPrefix + "clone_depth"
	ingestAutoBuild      = ingestPrefix + "auto_build"
	ingestScratchDir     = ingestPrefix + "scratch_dir"
	ingestTimeoutSeconds = ingestPrefix + "timeout_second"

	// service registry
	servicePrefix         = "service."
	serviceHealthCron     = servicePrefix + "health_cron"
	serviceHealthTimeoutS = servicePrefix + "health_timeout_second"

	// auth
	authPrefix = "auth."
	authTokens = authPrefix + "tokens"
)
