package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"configurator/internal/artifactcache"
	blobcache "configurator/internal/cache/blob"
	"configurator/internal/gateway/config"
	"configurator/internal/gateway/repository/blob"
	"configurator/internal/jobs"
)

type gatewayStores struct {
	blob   blob.Store
	jobs   jobs.Store
	marker *artifactcache.RedisMarker
	db     *sql.DB
}

func (s *gatewayStores) Close() {
	if s.marker != nil {
		_ = s.marker.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

func initStores(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*gatewayStores, error) {
	stores := &gatewayStores{}
	s3Factory := newArtifactS3StoreFactory(cfg, log)

	var fallback blob.Store
	fallbackLabel := "in-memory"
	if dsn := strings.TrimSpace(cfg.DatabaseURL); dsn != "" {
		db, err := blob.OpenPostgres(dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open db: %w", err)
		}
		stores.db = db
		fallback = blob.NewPostgresStore(db)
		fallbackLabel = "postgres"
		stores.jobs = jobs.NewPostgresStore(db)
	} else {
		stores.jobs = jobs.NewMemoryStore(0, cfg.Dispatcher.JobTTL)
		if cfg.BlobDir != "" {
			fallback = blob.NewDiskStore(cfg.BlobDir)
			fallbackLabel = "disk"
		} else {
			fallback = blob.NewMemoryStore()
		}
	}

	store, err := chooseBlobStore(cfg, fallback, fallbackLabel, s3Factory, log)
	if err != nil {
		stores.Close()
		return nil, err
	}
	stores.blob = store

	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		marker := artifactcache.NewRedisMarker(rdb, cfg.Redis.KeyPrefix)
		if err := marker.Ping(ctx); err != nil {
			log.WithError(err).WithField("addr", cfg.Redis.Addr).Warn("redis unavailable; production markers stay in-process")
			_ = marker.Close()
		} else {
			stores.marker = marker
			log.WithField("addr", cfg.Redis.Addr).Info("production markers: redis")
		}
	}
	return stores, nil
}

func newArtifactS3StoreFactory(cfg *config.Config, log logrus.FieldLogger) func() (blob.Store, error) {
	return func() (blob.Store, error) {
		s3Cfg := blob.S3Config{
			Endpoint:  cfg.Artifact.Endpoint,
			Region:    cfg.Artifact.Region,
			AccessKey: cfg.Artifact.AccessKey,
			SecretKey: cfg.Artifact.SecretKey,
			Bucket:    cfg.Artifact.Bucket,
			UseSSL:    cfg.Artifact.UseSSL,
			URLExpiry: cfg.Artifact.URLExpiry,
		}
		s3Store, err := blob.NewS3Store(s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize artifact s3 store: %w", err)
		}
		log.WithFields(logrus.Fields{"bucket": s3Cfg.Bucket, "endpoint": s3Cfg.Endpoint}).Info("blob store: s3")
		return s3Store, nil
	}
}

func chooseBlobStore(
	cfg *config.Config,
	fallback blob.Store,
	fallbackLabel string,
	s3Factory func() (blob.Store, error),
	log logrus.FieldLogger,
) (blob.Store, error) {
	var origin blob.Store
	if cfg.Artifact.CanUseS3() {
		s3Store, err := s3Factory()
		if err != nil {
			return nil, err
		}
		origin = s3Store
	} else {
		if cfg.Artifact.Enabled {
			log.Warnf("blob store: using %s fallback (s3 config incomplete)", fallbackLabel)
		} else {
			log.Infof("blob store: %s", fallbackLabel)
		}
		origin = fallback
	}
	if origin == nil {
		return nil, fmt.Errorf("blob origin store is nil")
	}
	cacheCfg := blobcache.DefaultCacheConfig()
	if cfg.Cache.BlobEntries > 0 {
		cacheCfg.BlobMaxEntries = cfg.Cache.BlobEntries
	}
	if cfg.Cache.BlobTTL > 0 {
		cacheCfg.BlobTTL = cfg.Cache.BlobTTL
	}
	return blobcache.NewCachedStore(origin, cacheCfg), nil
}
