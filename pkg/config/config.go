/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package config

import (
	"strings"

	"github.com/spf13/viper"
)

// SetValue sets a configuration value for the specified key.
func SetValue(key string, value interface{}) {
	viper.Set(key, value)
}

// LoadConfig loads configuration from the specified file path.
func LoadConfig(path string) error {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")
	return viper.ReadInConfig()
}

func getString(key, defaultValue string) string {
	if !viper.IsSet(key) {
		return defaultValue
	}
	return viper.GetString(key)
}

func getBool(key string, defaultValue bool) bool {
	if !viper.IsSet(key) {
		return defaultValue
	}
	return viper.GetBool(key)
}

func getInt(key string, defaultValue int) int {
	if !viper.IsSet(key) {
		return defaultValue
	}
	return viper.GetInt(key)
}

// GetServerPort returns the HTTP listen port.
func GetServerPort() int {
	return getInt(serverPort, 4000)
}

// GetServerHost returns the HTTP listen address.
func GetServerHost() string {
	return getString(serverHost, "0.0.0.0")
}

// IsDBEnable returns whether the relational store is configured.
func IsDBEnable() bool {
	return getBool(dbEnable, true)
}

// GetDBName returns the database name.
func GetDBName() string {
	return getString(dbName, "apphub")
}

// GetDBUser returns the database user.
func GetDBUser() string {
	return getString(dbUser, "")
}

// GetDBPassword returns the database password.
func GetDBPassword() string {
	return getString(dbPassword, "")
}

// GetDBHost returns the database host.
func GetDBHost() string {
	return getString(dbHost, "127.0.0.1")
}

// GetDBPort returns the database port.
func GetDBPort() int {
	return getInt(dbPort, 5432)
}

// GetDBSslMode returns the database TLS mode.
func GetDBSslMode() string {
	return getString(dbSslMode, "disable")
}

// GetDBMaxOpenConns returns the connection pool open limit.
func GetDBMaxOpenConns() int {
	return getInt(dbMaxOpenConns, 20)
}

// GetDBMaxIdleConns returns the connection pool idle limit.
func GetDBMaxIdleConns() int {
	return getInt(dbMaxIdleConns, 10)
}

// GetDBMaxLifetimeSecond returns the connection max lifetime in seconds.
func GetDBMaxLifetimeSecond() int {
	return getInt(dbMaxLifetime, 3600)
}

// GetDBMaxIdleTimeSecond returns the connection max idle time in seconds.
func GetDBMaxIdleTimeSecond() int {
	return getInt(dbMaxIdleTimeSecond, 600)
}

// GetDBConnectTimeoutSecond returns the connect timeout in seconds.
func GetDBConnectTimeoutSecond() int {
	return getInt(dbConnectTimeoutSecond, 10)
}

// GetDBRequestTimeoutSecond returns the per-query timeout in seconds.
func GetDBRequestTimeoutSecond() int {
	return getInt(dbRequestTimeoutSecond, 30)
}

// GetQueueMode returns the queue mode, "redis" or "inline".
func GetQueueMode() string {
	return getString(queueMode, "redis")
}

// GetQueueRedisAddr returns the redis broker address.
func GetQueueRedisAddr() string {
	return getString(queueRedisAddr, "127.0.0.1:6379")
}

// GetQueueRedisPassword returns the redis broker password.
func GetQueueRedisPassword() string {
	return getString(queueRedisPassword, "")
}

// GetQueueRedisDB returns the redis database index.
func GetQueueRedisDB() int {
	return getInt(queueRedisDB, 0)
}

// GetQueueVisibilityTimeoutSecond returns the reservation lease duration.
func GetQueueVisibilityTimeoutSecond() int {
	return getInt(queueVisibilityTimeoutSec, 60)
}

// GetQueuePollIntervalMillis returns the consumer poll interval.
func GetQueuePollIntervalMillis() int {
	return getInt(queuePollIntervalMillis, 500)
}

// GetQueueReaperIntervalSecond returns the expired-lease reaper interval.
func GetQueueReaperIntervalSecond() int {
	return getInt(queueReaperIntervalSec, 10)
}

// GetQueueKeyPrefix returns the redis key prefix for queues.
func GetQueueKeyPrefix() string {
	return getString(queueKeyPrefixKey, "apphub:queue")
}

// GetIngestWorkerCount returns the ingestion worker count.
func GetIngestWorkerCount() int {
	return getInt(workerIngestCount, 1)
}

// GetBuildWorkerCount returns the build worker count.
func GetBuildWorkerCount() int {
	return getInt(workerBuildCount, 1)
}

// GetLaunchWorkerCount returns the launch worker count per launch queue.
func GetLaunchWorkerCount() int {
	return getInt(workerLaunchCount, 1)
}

// GetJobRunWorkerCount returns the job-run consumer count.
func GetJobRunWorkerCount() int {
	return getInt(workerJobRunCount, 1)
}

// GetBundleStorageBackend returns "local" or "s3".
func GetBundleStorageBackend() string {
	return getString(bundleStorageBackend, "local")
}

// GetBundleLocalRoot returns the local artifact storage root.
func GetBundleLocalRoot() string {
	return getString(bundleLocalRoot, "/var/lib/apphub/bundles")
}

// GetBundleSigningSecret returns the HMAC secret for local download URLs.
func GetBundleSigningSecret() string {
	return getString(bundleSigningSecret, "")
}

// GetBundleCacheDir returns the extracted-bundle cache directory.
func GetBundleCacheDir() string {
	return getString(bundleCacheDir, "/var/cache/apphub/bundles")
}

// GetBundleCacheTTLSecond returns the cache entry TTL in seconds.
func GetBundleCacheTTLSecond() int {
	return getInt(bundleCacheTTLSecond, 1800)
}

// GetBundleDownloadTTLMillis returns the default signed URL TTL.
func GetBundleDownloadTTLMillis() int {
	return getInt(bundleDownloadTTLMillis, 300000)
}

// GetS3Bucket returns the S3 bucket for bundle artifacts.
func GetS3Bucket() string {
	return getString(s3Bucket, "")
}

// GetS3Endpoint returns the S3 endpoint override.
func GetS3Endpoint() string {
	return getString(s3Endpoint, "")
}

// GetS3Region returns the S3 region.
func GetS3Region() string {
	return getString(s3Region, "")
}

// GetS3AccessKey returns the S3 access key.
func GetS3AccessKey() string {
	return getString(s3AccessKey, "")
}

// GetS3SecretKey returns the S3 secret key.
func GetS3SecretKey() string {
	return getString(s3SecretKey, "")
}

// GetS3KeyPrefix returns the key prefix for bundle objects.
func GetS3KeyPrefix() string {
	return strings.Trim(getString(s3KeyPrefix, "job-bundles"), "/")
}

// GetPreviewBaseURL returns the preview edge base URL, empty when disabled.
func GetPreviewBaseURL() string {
	return getString(previewBaseURL, "")
}

// GetPreviewTokenSecret returns the HMAC secret for preview tokens.
func GetPreviewTokenSecret() string {
	return getString(previewTokenSecret, "")
}

// GetSandboxMaxLogs returns the per-run retained log entry cap.
func GetSandboxMaxLogs() int {
	return getInt(sandboxMaxLogs, 200)
}

// GetSandboxHostRootPrefix returns the host-root rebase prefix, empty when unset.
func GetSandboxHostRootPrefix() string {
	return getString(sandboxHostRootPrefix, "")
}

// GetSandboxNodeBinary returns the node interpreter path.
func GetSandboxNodeBinary() string {
	return getString(sandboxNodeBinary, "node")
}

// GetSandboxPythonBinary returns the python interpreter path.
func GetSandboxPythonBinary() string {
	return getString(sandboxPythonBinary, "python3")
}

// GetSandboxKillGraceMillis returns the SIGTERM-to-SIGKILL grace window.
func GetSandboxKillGraceMillis() int {
	return getInt(sandboxKillGraceMs, 2000)
}

// GetIngestCloneDepth returns the shallow clone depth.
func GetIngestCloneDepth() int {
	return getInt(ingestCloneDepth, 1)
}

// IsIngestAutoBuild returns whether a build is enqueued after ingestion.
func IsIngestAutoBuild() bool {
	return getBool(ingestAutoBuild, true)
}

// GetIngestScratchDir returns the clone scratch directory.
func GetIngestScratchDir() string {
	return getString(ingestScratchDir, "")
}

// GetIngestTimeoutSecond returns the per-repository ingestion timeout.
func GetIngestTimeoutSecond() int {
	return getInt(ingestTimeoutSeconds, 300)
}

// GetServiceHealthCron returns the service health poll schedule.
func GetServiceHealthCron() string {
	return getString(serviceHealthCron, "@every 30s")
}

// GetServiceHealthTimeoutSecond returns the health probe timeout.
func GetServiceHealthTimeoutSecond() int {
	return getInt(serviceHealthTimeoutS, 5)
}

// GetOperatorTokens returns the operator token to scope-list mapping.
func GetOperatorTokens() map[string][]string {
	if !viper.IsSet(authTokens) {
		return nil
	}
	raw := viper.GetStringMapStringSlice(authTokens)
	result := make(map[string][]string, len(raw))
	for token, scopes := range raw {
		var trimmed []string
		for _, s := range scopes {
			if v := strings.TrimSpace(s); v != "" {
				trimmed = append(trimmed, v)
			}
		}
		result[token] = trimmed
	}
	return result
}
