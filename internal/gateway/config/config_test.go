package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"configurator/internal/artifactcache"
)

func TestComputeConfigDefaults(t *testing.T) {
	t.Setenv("COMPUTE_ENDPOINT", "")
	t.Setenv("COMPUTE_TIMEOUT", "")
	t.Setenv("COMPUTE_RETRIES", "")
	cfg, err := loadComputeConfig()
	require.NoError(t, err)
	assert.Empty(t, cfg.Endpoint)
	assert.Equal(t, 5*time.Minute, cfg.Timeout)
	assert.Equal(t, 3, cfg.Retries)
}

func TestComputeConfigFromEnv(t *testing.T) {
	t.Setenv("COMPUTE_ENDPOINT", "http://engine:9000")
	t.Setenv("COMPUTE_TIMEOUT", "90s")
	t.Setenv("COMPUTE_RETRIES", "5")
	t.Setenv("COMPUTE_SERVE", "true")
	cfg, err := loadComputeConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://engine:9000", cfg.Endpoint)
	assert.Equal(t, 90*time.Second, cfg.Timeout)
	assert.Equal(t, 5, cfg.Retries)
	assert.True(t, cfg.Serve)

	t.Setenv("COMPUTE_RETRIES", "0")
	_, err = loadComputeConfig()
	assert.Error(t, err)
}

func TestCacheConfigPolicy(t *testing.T) {
	t.Setenv("CACHE_CONTENTION_POLICY", "")
	cfg, err := loadCacheConfig()
	require.NoError(t, err)
	assert.Equal(t, artifactcache.PolicyWait, cfg.Policy)

	t.Setenv("CACHE_CONTENTION_POLICY", "FAIL")
	cfg, err = loadCacheConfig()
	require.NoError(t, err)
	assert.Equal(t, artifactcache.PolicyFail, cfg.Policy)

	t.Setenv("CACHE_CONTENTION_POLICY", "queue")
	_, err = loadCacheConfig()
	assert.Error(t, err)
}

func TestDispatcherConfigRejectsBadNumbers(t *testing.T) {
	t.Setenv("JOB_WORKERS", "many")
	_, err := loadDispatcherConfig()
	assert.Error(t, err)

	t.Setenv("JOB_WORKERS", "2")
	t.Setenv("JOB_QUEUE_SIZE", "")
	t.Setenv("JOB_TIMEOUT", "not-a-duration")
	cfg, err := loadDispatcherConfig()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 64, cfg.QueueSize)
	assert.Equal(t, 10*time.Minute, cfg.JobTimeout)
}

func TestArtifactConfig(t *testing.T) {
	t.Setenv("ARTIFACT_S3_ENDPOINT", "")
	assert.False(t, loadArtifactConfig().Enabled)

	t.Setenv("ARTIFACT_S3_ENDPOINT", "s3.example.com")
	t.Setenv("ARTIFACT_S3_USE_SSL", "")
	t.Setenv("ARTIFACT_S3_BUCKET", "")
	cfg := loadArtifactConfig()
	assert.True(t, cfg.Enabled)
	assert.True(t, cfg.UseSSL)
	assert.Equal(t, "configurator-artifacts", cfg.Bucket)
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "  ", "b", "c"))
	assert.Equal(t, "", firstNonEmpty())
}

func TestFromEnvProduction(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://db/configurator")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("ARTIFACT_S3_ENDPOINT", "")
	t.Setenv("JANITOR_SCHEDULE", "off")
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Port)
	assert.Equal(t, "postgres://db/configurator", cfg.DatabaseURL)
	assert.False(t, cfg.Redis.Enabled())
	assert.False(t, cfg.Artifact.CanUseS3())
	assert.Empty(t, cfg.Janitor.Schedule)
}

func TestFromEnvLocalDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "local")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("ARTIFACT_MINIO_ENDPOINT", "")
	t.Setenv("JANITOR_SCHEDULE", "")
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "minio:9000", cfg.Artifact.Endpoint)
	assert.True(t, cfg.Artifact.CanUseS3())
	assert.Equal(t, "@every 15m", cfg.Janitor.Schedule)
}
