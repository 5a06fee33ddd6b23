// Package artifactcache is a content-addressed cache of computed artifacts
// kept in the blob store. An entry is ready once its manifest exists; at most
// one producer computes an entry at a time.
package artifactcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"configurator/internal/gateway/repository/blob"
	"configurator/internal/naming"
)

// Artifact roles recorded in the manifest.
const (
	RoleCurrentModel = "currentModel"
	RoleModelView    = "modelView"
	RoleParameters   = "parameters"
	RoleRfa          = "rfa"
	RoleDownloads    = "downloads"
)

var (
	ErrAlreadyInProgress = errors.New("computation already in flight")
	ErrNotInProgress     = errors.New("no computation in flight")
	ErrProducerFailed    = errors.New("producer failed")
	ErrTokenReleased     = errors.New("production token already released")
	ErrAborted           = errors.New("production aborted")
)

// errForeignProducer ends a local production record when another process
// holds the marker; waiters fall back to polling.
var errForeignProducer = errors.New("producer in another process")

type Status int

const (
	StatusMiss Status = iota
	StatusPending
	StatusReady
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	default:
		return "miss"
	}
}

// Policy decides what a second producer for the same key does.
type Policy string

const (
	// PolicyWait waits for the first producer and reuses its result.
	PolicyWait Policy = "wait"
	// PolicyFail fails immediately with ErrAlreadyInProgress.
	PolicyFail Policy = "fail"
)

func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyWait:
		return PolicyWait, nil
	case PolicyFail:
		return PolicyFail, nil
	default:
		return "", fmt.Errorf("unknown contention policy %q", raw)
	}
}

// Entry describes one cache key.
type Entry struct {
	Project string
	Key     string
	Status  Status
	// Paths maps artifact role to blob name. Set only when ready.
	Paths map[string]string
}

// Artifact is one blob produced for an entry. Name must live under the
// entry's cache prefix.
type Artifact struct {
	Role    string
	Name    string
	Content []byte
}

type manifest struct {
	Project     string            `json:"project"`
	Key         string            `json:"key"`
	Paths       map[string]string `json:"paths"`
	CommittedAt time.Time         `json:"committedAt"`
}

type Config struct {
	Policy       Policy
	MarkerTTL    time.Duration
	PollInterval time.Duration
	ReadyEntries int
}

func DefaultConfig() Config {
	return Config{
		Policy:       PolicyWait,
		MarkerTTL:    2 * time.Minute,
		PollInterval: 500 * time.Millisecond,
		ReadyEntries: 1024,
	}
}

type MetricsSnapshot struct {
	Hits       uint64
	Misses     uint64
	Produced   uint64
	Waited     uint64
	Contention uint64
	Aborted    uint64
}

type metrics struct {
	hits       atomic.Uint64
	misses     atomic.Uint64
	produced   atomic.Uint64
	waited     atomic.Uint64
	contention atomic.Uint64
	aborted    atomic.Uint64
}

type production struct {
	done  chan struct{}
	entry Entry
	err   error
}

// Token grants the right to produce one entry. It is released by exactly one
// of Commit or Abort.
type Token struct {
	ID    string
	names naming.CacheNames
	p     *production
	stop  chan struct{}

	mu       sync.Mutex
	released bool
}

func (t *Token) Project() string { return t.names.Project() }
func (t *Token) Key() string     { return t.names.Key() }

// Names returns the blob names for the entry being produced.
func (t *Token) Names() naming.CacheNames { return t.names }

type Cache struct {
	store  blob.Store
	marker Marker
	cfg    Config
	log    logrus.FieldLogger

	mu       sync.Mutex
	inflight map[string]*production
	ready    *lru.Cache[string, Entry]
	metrics  metrics
}

// New builds a cache over store. marker may be nil, in which case only
// producers inside this process are coordinated.
func New(store blob.Store, marker Marker, cfg Config, logger logrus.FieldLogger) (*Cache, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	def := DefaultConfig()
	if cfg.Policy == "" {
		cfg.Policy = def.Policy
	}
	if cfg.MarkerTTL <= 0 {
		cfg.MarkerTTL = def.MarkerTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ReadyEntries <= 0 {
		cfg.ReadyEntries = def.ReadyEntries
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ready, err := lru.New[string, Entry](cfg.ReadyEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{
		store:    store,
		marker:   marker,
		cfg:      cfg,
		log:      logger.WithField("component", "artifactcache"),
		inflight: make(map[string]*production),
		ready:    ready,
	}, nil
}

func (c *Cache) Policy() Policy { return c.cfg.Policy }

func entryID(project, key string) string {
	return project + "/" + key
}

// Lookup reports the state of (project, key) without blocking on producers.
func (c *Cache) Lookup(ctx context.Context, project, key string) (Entry, error) {
	names, err := naming.ForCache(project, key)
	if err != nil {
		return Entry{}, err
	}
	if e, ok, err := c.readyEntry(ctx, names); err != nil || ok {
		if ok {
			c.metrics.hits.Add(1)
		}
		return e, err
	}
	pending, err := c.InProgress(ctx, project, key)
	if err != nil {
		return Entry{}, err
	}
	if pending {
		return Entry{Project: project, Key: key, Status: StatusPending}, nil
	}
	c.metrics.misses.Add(1)
	return Entry{Project: project, Key: key, Status: StatusMiss}, nil
}

// InProgress reports whether any producer holds (project, key).
func (c *Cache) InProgress(ctx context.Context, project, key string) (bool, error) {
	c.mu.Lock()
	_, local := c.inflight[entryID(project, key)]
	c.mu.Unlock()
	if local {
		return true, nil
	}
	if c.marker == nil {
		return false, nil
	}
	return c.marker.Held(ctx, entryID(project, key))
}

func (c *Cache) readyEntry(ctx context.Context, names naming.CacheNames) (Entry, bool, error) {
	id := entryID(names.Project(), names.Key())
	if e, ok := c.ready.Get(id); ok {
		return e, true, nil
	}
	raw, err := c.store.Get(ctx, names.Manifest())
	if errors.Is(err, blob.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Entry{}, false, fmt.Errorf("decode manifest %s: %w", names.Manifest(), err)
	}
	e := Entry{Project: names.Project(), Key: names.Key(), Status: StatusReady, Paths: m.Paths}
	c.ready.Add(id, e)
	return e, true, nil
}

// BeginProduce claims (project, key) for the caller. It returns
// ErrAlreadyInProgress when another producer holds the key.
func (c *Cache) BeginProduce(ctx context.Context, project, key string) (*Token, error) {
	names, err := naming.ForCache(project, key)
	if err != nil {
		return nil, err
	}
	id := entryID(project, key)

	c.mu.Lock()
	if _, ok := c.inflight[id]; ok {
		c.mu.Unlock()
		c.metrics.contention.Add(1)
		return nil, ErrAlreadyInProgress
	}
	p := &production{done: make(chan struct{})}
	c.inflight[id] = p
	c.mu.Unlock()

	tok := &Token{ID: uuid.NewString(), names: names, p: p}

	if c.marker != nil {
		ok, err := c.marker.Acquire(ctx, id, tok.ID, c.cfg.MarkerTTL)
		if err != nil || !ok {
			c.finish(tok, Entry{}, errForeignProducer)
			if err != nil {
				return nil, fmt.Errorf("acquire production marker: %w", err)
			}
			c.metrics.contention.Add(1)
			return nil, ErrAlreadyInProgress
		}
		tok.stop = make(chan struct{})
		go c.keepAlive(tok)
	}

	c.log.WithFields(logrus.Fields{"project": project, "cache_key": key, "token": tok.ID}).Debug("production started")
	return tok, nil
}

func (c *Cache) keepAlive(tok *Token) {
	interval := c.cfg.MarkerTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	id := entryID(tok.Project(), tok.Key())
	for {
		select {
		case <-tok.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if err := c.marker.Refresh(ctx, id, tok.ID, c.cfg.MarkerTTL); err != nil {
				c.log.WithError(err).WithField("cache_key", tok.Key()).Warn("refresh production marker failed")
			}
			cancel()
		}
	}
}

// Commit writes every artifact and then the manifest. Readers see the entry
// only after the manifest is stored. On any failure the written blobs are
// removed and the token is aborted.
func (c *Cache) Commit(ctx context.Context, tok *Token, artifacts []Artifact) (Entry, error) {
	if tok == nil {
		return Entry{}, fmt.Errorf("token is nil")
	}
	tok.mu.Lock()
	released := tok.released
	tok.mu.Unlock()
	if released {
		return Entry{}, ErrTokenReleased
	}

	prefix := tok.names.Prefix()
	paths := make(map[string]string, len(artifacts))
	for _, a := range artifacts {
		if !strings.HasPrefix(a.Name, prefix) || a.Name == tok.names.Manifest() {
			err := fmt.Errorf("artifact %q is outside %s", a.Name, prefix)
			c.Abort(ctx, tok, err)
			return Entry{}, err
		}
		if a.Role != "" {
			paths[a.Role] = a.Name
		}
	}

	var (
		writtenMu sync.Mutex
		written   []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range artifacts {
		a := a
		g.Go(func() error {
			if err := c.store.Put(gctx, a.Name, a.Content); err != nil {
				return fmt.Errorf("write %s: %w", a.Name, err)
			}
			writtenMu.Lock()
			written = append(written, a.Name)
			writtenMu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		var raw []byte
		raw, err = json.Marshal(manifest{
			Project:     tok.Project(),
			Key:         tok.Key(),
			Paths:       paths,
			CommittedAt: time.Now().UTC(),
		})
		if err == nil {
			err = c.store.Put(ctx, tok.names.Manifest(), raw)
		}
	}
	if err != nil {
		c.removeBlobs(written)
		c.Abort(ctx, tok, err)
		return Entry{}, err
	}

	e := Entry{Project: tok.Project(), Key: tok.Key(), Status: StatusReady, Paths: paths}
	c.ready.Add(entryID(tok.Project(), tok.Key()), e)
	c.metrics.produced.Add(1)
	c.finish(tok, e, nil)
	c.log.WithFields(logrus.Fields{"project": tok.Project(), "cache_key": tok.Key(), "artifacts": len(artifacts)}).Info("cache entry committed")
	return e, nil
}

// Abort releases the token without registering an entry. Waiters receive
// cause. Aborting a released token is a no-op.
func (c *Cache) Abort(_ context.Context, tok *Token, cause error) {
	if tok == nil {
		return
	}
	if cause == nil {
		cause = ErrAborted
	}
	if c.finish(tok, Entry{}, cause) {
		c.metrics.aborted.Add(1)
		c.log.WithFields(logrus.Fields{"project": tok.Project(), "cache_key": tok.Key()}).WithError(cause).Warn("production aborted")
	}
}

func (c *Cache) finish(tok *Token, e Entry, err error) bool {
	tok.mu.Lock()
	if tok.released {
		tok.mu.Unlock()
		return false
	}
	tok.released = true
	tok.mu.Unlock()

	if tok.stop != nil {
		close(tok.stop)
	}
	id := entryID(tok.Project(), tok.Key())
	if c.marker != nil && !errors.Is(err, errForeignProducer) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if rerr := c.marker.Release(ctx, id, tok.ID); rerr != nil {
			c.log.WithError(rerr).WithField("cache_key", tok.Key()).Warn("release production marker failed")
		}
		cancel()
	}

	c.mu.Lock()
	if c.inflight[id] == tok.p {
		delete(c.inflight, id)
	}
	c.mu.Unlock()

	tok.p.entry = e
	tok.p.err = err
	close(tok.p.done)
	return true
}

// removeBlobs runs detached from the caller's context, which may already be
// cancelled when a commit fails on timeout.
func (c *Cache) removeBlobs(names []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, name := range names {
		if err := c.store.Delete(ctx, name); err != nil && !errors.Is(err, blob.ErrNotFound) {
			c.log.WithError(err).WithField("blob", name).Warn("cleanup of partial artifact failed")
		}
	}
}

// Forget drops memoized ready entries for project, used after its blobs are
// deleted.
func (c *Cache) Forget(project string) {
	prefix := project + "/"
	for _, id := range c.ready.Keys() {
		if strings.HasPrefix(id, prefix) {
			c.ready.Remove(id)
		}
	}
}

func (c *Cache) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		Hits:       c.metrics.hits.Load(),
		Misses:     c.metrics.misses.Load(),
		Produced:   c.metrics.produced.Load(),
		Waited:     c.metrics.waited.Load(),
		Contention: c.metrics.contention.Load(),
		Aborted:    c.metrics.aborted.Load(),
	}
}
