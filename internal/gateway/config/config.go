package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"configurator/internal/artifactcache"
)

type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	BlobDir     string
	Artifact    ArtifactConfig
	Redis       RedisConfig
	Compute     ComputeConfig
	Dispatcher  DispatcherConfig
	Cache       CacheConfig
	Janitor     JanitorConfig
}

type ArtifactConfig struct {
	Enabled   bool
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	URLExpiry time.Duration
}

// CanUseS3 reports whether the S3 settings are complete.
func (c ArtifactConfig) CanUseS3() bool {
	return c.Enabled && c.Endpoint != "" && c.AccessKey != "" && c.SecretKey != "" && c.Bucket != ""
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Enabled reports whether production markers are shared through redis.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type ComputeConfig struct {
	// Endpoint of a remote compute service. Empty runs the in-process
	// engine.
	Endpoint     string
	PollInterval time.Duration
	Timeout      time.Duration
	Retries      int
	Backoff      time.Duration
	// BreakerTimeout is how long an open breaker rejects calls.
	BreakerTimeout time.Duration
	// Serve mounts the in-process engine on the gateway.
	Serve bool
}

type DispatcherConfig struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
	JobTTL     time.Duration
}

type CacheConfig struct {
	Policy       artifactcache.Policy
	MarkerTTL    time.Duration
	ReadyEntries int
	BlobEntries  int
	BlobTTL      time.Duration
}

type JanitorConfig struct {
	// Schedule is a cron spec; empty disables the sweep.
	Schedule string
}

func Load() (*Config, error) {
	port := flag.String("port", ":8081", "server port")
	flag.Parse()

	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}
	if cfg.Port == "" {
		cfg.Port = *port
	}
	return cfg, nil
}

// FromEnv reads the configuration from the environment and .env without
// touching command line flags.
func FromEnv() (*Config, error) {
	_ = godotenv.Load()

	env := strings.TrimSpace(os.Getenv("APP_ENV"))
	if env == "" {
		env = "local"
	}

	var cfg Config
	if strings.EqualFold(env, "local") {
		cfg = localConfig()
	} else {
		cfg = Config{
			DatabaseURL: getenv("DATABASE_URL"),
			Artifact:    loadArtifactConfig(),
			Redis:       loadRedisConfig(""),
		}
	}
	cfg.Env = env
	cfg.BlobDir = getenv("BLOB_DIR")
	if envPort := getenv("PORT"); envPort != "" {
		if strings.HasPrefix(envPort, ":") {
			cfg.Port = envPort
		} else {
			cfg.Port = ":" + envPort
		}
	}

	var err error
	if cfg.Compute, err = loadComputeConfig(); err != nil {
		return nil, err
	}
	if cfg.Dispatcher, err = loadDispatcherConfig(); err != nil {
		return nil, err
	}
	if cfg.Cache, err = loadCacheConfig(); err != nil {
		return nil, err
	}
	cfg.Janitor = JanitorConfig{Schedule: firstNonEmpty(getenv("JANITOR_SCHEDULE"), "@every 15m")}
	if strings.EqualFold(cfg.Janitor.Schedule, "off") {
		cfg.Janitor.Schedule = ""
	}
	return &cfg, nil
}

func loadArtifactConfig() ArtifactConfig {
	endpoint := getenv("ARTIFACT_S3_ENDPOINT")
	return ArtifactConfig{
		Enabled:   endpoint != "",
		Endpoint:  endpoint,
		Region:    firstNonEmpty(getenv("ARTIFACT_S3_REGION"), "us-east-1"),
		AccessKey: firstNonEmpty(getenv("ARTIFACT_S3_ACCESS_KEY"), getenv("MINIO_ROOT_USER")),
		SecretKey: firstNonEmpty(getenv("ARTIFACT_S3_SECRET_KEY"), getenv("MINIO_ROOT_PASSWORD")),
		Bucket:    firstNonEmpty(getenv("ARTIFACT_S3_BUCKET"), "configurator-artifacts"),
		UseSSL:    resolveBool("ARTIFACT_S3_USE_SSL", true),
		URLExpiry: resolveDuration("ARTIFACT_URL_EXPIRY", time.Hour),
	}
}

func loadRedisConfig(fallbackAddr string) RedisConfig {
	db, err := strconv.Atoi(firstNonEmpty(getenv("REDIS_DB"), "0"))
	if err != nil {
		db = 0
	}
	return RedisConfig{
		Addr:      firstNonEmpty(getenv("REDIS_ADDR"), fallbackAddr),
		Password:  getenv("REDIS_PASSWORD"),
		DB:        db,
		KeyPrefix: firstNonEmpty(getenv("REDIS_KEY_PREFIX"), "configurator"),
	}
}

func loadComputeConfig() (ComputeConfig, error) {
	retries, err := strconv.Atoi(firstNonEmpty(getenv("COMPUTE_RETRIES"), "3"))
	if err != nil || retries < 1 {
		return ComputeConfig{}, fmt.Errorf("COMPUTE_RETRIES must be a positive integer")
	}
	return ComputeConfig{
		Endpoint:       getenv("COMPUTE_ENDPOINT"),
		PollInterval:   resolveDuration("COMPUTE_POLL_INTERVAL", time.Second),
		Timeout:        resolveDuration("COMPUTE_TIMEOUT", 5*time.Minute),
		Retries:        retries,
		Backoff:        resolveDuration("COMPUTE_BACKOFF", 500*time.Millisecond),
		BreakerTimeout: resolveDuration("COMPUTE_BREAKER_TIMEOUT", 30*time.Second),
		Serve:          resolveBool("COMPUTE_SERVE", false),
	}, nil
}

func loadDispatcherConfig() (DispatcherConfig, error) {
	workers, err := strconv.Atoi(firstNonEmpty(getenv("JOB_WORKERS"), "4"))
	if err != nil || workers < 1 {
		return DispatcherConfig{}, fmt.Errorf("JOB_WORKERS must be a positive integer")
	}
	queue, err := strconv.Atoi(firstNonEmpty(getenv("JOB_QUEUE_SIZE"), "64"))
	if err != nil || queue < 1 {
		return DispatcherConfig{}, fmt.Errorf("JOB_QUEUE_SIZE must be a positive integer")
	}
	return DispatcherConfig{
		Workers:    workers,
		QueueSize:  queue,
		JobTimeout: resolveDuration("JOB_TIMEOUT", 10*time.Minute),
		JobTTL:     resolveDuration("JOB_TTL", 24*time.Hour),
	}, nil
}

func loadCacheConfig() (CacheConfig, error) {
	policy, err := artifactcache.ParsePolicy(getenv("CACHE_CONTENTION_POLICY"))
	if err != nil {
		return CacheConfig{}, err
	}
	ready, err := strconv.Atoi(firstNonEmpty(getenv("CACHE_READY_ENTRIES"), "1024"))
	if err != nil {
		return CacheConfig{}, fmt.Errorf("CACHE_READY_ENTRIES: %w", err)
	}
	blobs, err := strconv.Atoi(firstNonEmpty(getenv("CACHE_BLOB_ENTRIES"), "256"))
	if err != nil {
		return CacheConfig{}, fmt.Errorf("CACHE_BLOB_ENTRIES: %w", err)
	}
	return CacheConfig{
		Policy:       policy,
		MarkerTTL:    resolveDuration("CACHE_MARKER_TTL", 2*time.Minute),
		ReadyEntries: ready,
		BlobEntries:  blobs,
		BlobTTL:      resolveDuration("CACHE_BLOB_TTL", 5*time.Minute),
	}, nil
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func resolveBool(key string, def bool) bool {
	raw := getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func resolveDuration(key string, def time.Duration) time.Duration {
	raw := getenv(key)
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
