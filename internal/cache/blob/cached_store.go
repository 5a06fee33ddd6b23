package blob

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	blobrepo "configurator/internal/gateway/repository/blob"
)

type Store = blobrepo.Store

type CacheConfig struct {
	BlobTTL        time.Duration
	BlobMaxEntries int
	// Blobs larger than this are passed through uncached.
	BlobMaxBytes int

	URLTTL        time.Duration
	URLMaxEntries int
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		BlobTTL:        5 * time.Minute,
		BlobMaxEntries: 256,
		BlobMaxBytes:   8 * 1024 * 1024, // 8MiB
		URLTTL:         5 * time.Minute,
		URLMaxEntries:  1024,
	}
}

type MetricsSnapshot struct {
	BlobHits       uint64
	BlobMisses     uint64
	URLHits        uint64
	URLMisses      uint64
	OriginReads    uint64
	OriginWrites   uint64
	OriginReadErr  uint64
	OriginWriteErr uint64
}

type Metrics struct {
	blobHits       atomic.Uint64
	blobMisses     atomic.Uint64
	urlHits        atomic.Uint64
	urlMisses      atomic.Uint64
	originReads    atomic.Uint64
	originWrites   atomic.Uint64
	originReadErr  atomic.Uint64
	originWriteErr atomic.Uint64
}

func (m *Metrics) snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		BlobHits:       m.blobHits.Load(),
		BlobMisses:     m.blobMisses.Load(),
		URLHits:        m.urlHits.Load(),
		URLMisses:      m.urlMisses.Load(),
		OriginReads:    m.originReads.Load(),
		OriginWrites:   m.originWrites.Load(),
		OriginReadErr:  m.originReadErr.Load(),
		OriginWriteErr: m.originWriteErr.Load(),
	}
}

// CachedStore is a read-through cache in front of a blob store. Committed
// artifacts are never rewritten in place, so cached reads stay valid until
// the blob is deleted through this store or the TTL passes. Listings always
// go to the origin.
type CachedStore struct {
	origin   Store
	maxBytes int

	blobCache *expirable.LRU[string, []byte]
	urlCache  *expirable.LRU[string, string]
	metrics   Metrics
}

func NewCachedStore(origin Store, cfg CacheConfig) *CachedStore {
	def := DefaultCacheConfig()
	if cfg.BlobTTL <= 0 {
		cfg.BlobTTL = def.BlobTTL
	}
	if cfg.BlobMaxEntries <= 0 {
		cfg.BlobMaxEntries = def.BlobMaxEntries
	}
	if cfg.BlobMaxBytes <= 0 {
		cfg.BlobMaxBytes = def.BlobMaxBytes
	}
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = def.URLTTL
	}
	if cfg.URLMaxEntries <= 0 {
		cfg.URLMaxEntries = def.URLMaxEntries
	}

	return &CachedStore{
		origin:    origin,
		maxBytes:  cfg.BlobMaxBytes,
		blobCache: expirable.NewLRU[string, []byte](cfg.BlobMaxEntries, nil, cfg.BlobTTL),
		urlCache:  expirable.NewLRU[string, string](cfg.URLMaxEntries, nil, cfg.URLTTL),
	}
}

func (s *CachedStore) Put(ctx context.Context, name string, content []byte) error {
	s.metrics.originWrites.Add(1)
	if err := s.origin.Put(ctx, name, content); err != nil {
		s.metrics.originWriteErr.Add(1)
		return err
	}
	s.remember(name, content)
	s.urlCache.Remove(name)
	return nil
}

func (s *CachedStore) Get(ctx context.Context, name string) ([]byte, error) {
	if raw, ok := s.blobCache.Get(name); ok {
		s.metrics.blobHits.Add(1)
		return append([]byte(nil), raw...), nil
	}
	s.metrics.blobMisses.Add(1)
	s.metrics.originReads.Add(1)

	raw, err := s.origin.Get(ctx, name)
	if err != nil {
		s.metrics.originReadErr.Add(1)
		return nil, err
	}
	s.remember(name, raw)
	return append([]byte(nil), raw...), nil
}

func (s *CachedStore) GetURL(ctx context.Context, name string) (string, error) {
	if cached, ok := s.urlCache.Get(name); ok {
		s.metrics.urlHits.Add(1)
		return cached, nil
	}
	s.metrics.urlMisses.Add(1)
	s.metrics.originReads.Add(1)

	url, err := s.origin.GetURL(ctx, name)
	if err != nil {
		s.metrics.originReadErr.Add(1)
		return "", err
	}
	if url != "" {
		s.urlCache.Add(name, url)
	}
	return url, nil
}

func (s *CachedStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.metrics.originReads.Add(1)
	names, err := s.origin.List(ctx, prefix)
	if err != nil {
		s.metrics.originReadErr.Add(1)
	}
	return names, err
}

func (s *CachedStore) Delete(ctx context.Context, name string) error {
	s.blobCache.Remove(name)
	s.urlCache.Remove(name)
	s.metrics.originWrites.Add(1)
	if err := s.origin.Delete(ctx, name); err != nil {
		s.metrics.originWriteErr.Add(1)
		return err
	}
	return nil
}

func (s *CachedStore) remember(name string, content []byte) {
	if len(content) > s.maxBytes {
		s.blobCache.Remove(name)
		return
	}
	s.blobCache.Add(name, append([]byte(nil), content...))
}

func (s *CachedStore) Metrics() MetricsSnapshot {
	if s == nil {
		return MetricsSnapshot{}
	}
	return s.metrics.snapshot()
}
