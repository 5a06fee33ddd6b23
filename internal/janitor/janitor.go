// Package janitor removes cache blobs left behind by producers that died
// before committing their manifest.
package janitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"configurator/internal/artifactcache"
	"configurator/internal/gateway/repository/blob"
	"configurator/internal/naming"
)

// Report summarizes one sweep.
type Report struct {
	Groups  int
	Orphans int
	Removed []string
	// Cache is the cache activity seen at the end of the sweep.
	Cache artifactcache.MetricsSnapshot
}

type group struct {
	project  string
	key      string
	names    []string
	manifest bool
}

// Janitor sweeps the cache folder on a cron schedule. A group of cache blobs
// sharing a key is orphaned when it has no manifest and no producer holds
// the key.
type Janitor struct {
	store blob.Store
	cache *artifactcache.Cache
	log   logrus.FieldLogger

	mu    sync.Mutex
	cron  *cron.Cron
	entry cron.EntryID
}

func New(store blob.Store, cache *artifactcache.Cache, logger logrus.FieldLogger) *Janitor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Janitor{store: store, cache: cache, log: logger.WithField("component", "janitor")}
}

// Start schedules Sweep with a standard cron spec such as "@every 15m".
func (j *Janitor) Start(spec string) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("janitor schedule %q: %w", spec, err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return nil
	}
	j.cron = cron.New()
	j.entry = j.cron.Schedule(schedule, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := j.Sweep(ctx); err != nil {
			j.log.WithError(err).Warn("cache sweep failed")
		}
	}))
	j.cron.Start()
	j.log.WithField("schedule", spec).Info("cache janitor started")
	return nil
}

// Stop unschedules the sweep and waits for a running one.
func (j *Janitor) Stop() {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// Sweep deletes every orphaned cache group.
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	names, err := j.store.List(ctx, naming.CacheFolder+"-")
	if err != nil {
		return Report{}, fmt.Errorf("list cache: %w", err)
	}
	groups := make(map[string]*group)
	for _, name := range names {
		rest := strings.TrimPrefix(name, naming.CacheFolder+"-")
		project, _, _ := strings.Cut(rest, "-")
		key, suffix, ok := naming.SplitCacheName(project, name)
		if !ok {
			continue
		}
		id := project + "/" + key
		g := groups[id]
		if g == nil {
			g = &group{project: project, key: key}
			groups[id] = g
		}
		g.names = append(g.names, name)
		if suffix == naming.Manifest {
			g.manifest = true
		}
	}

	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	report := Report{Groups: len(groups)}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		g := groups[id]
		if g.manifest {
			continue
		}
		busy, err := j.cache.InProgress(ctx, g.project, g.key)
		if err != nil {
			return report, fmt.Errorf("check %s: %w", id, err)
		}
		if busy {
			continue
		}
		// A producer may have committed since the listing. Commit writes the
		// manifest before releasing the key.
		committed, err := j.committed(ctx, g)
		if err != nil {
			return report, fmt.Errorf("check %s: %w", id, err)
		}
		if committed {
			continue
		}
		report.Orphans++
		log := j.log.WithFields(logrus.Fields{"project": g.project, "cache_key": g.key})
		for _, name := range g.names {
			if err := j.store.Delete(ctx, name); err != nil {
				log.WithError(err).WithField("blob", name).Warn("delete orphan failed")
				continue
			}
			report.Removed = append(report.Removed, name)
		}
		log.WithField("blobs", len(g.names)).Info("orphaned cache group removed")
	}
	report.Cache = j.cache.Metrics()
	j.log.WithFields(logrus.Fields{
		"groups":     report.Groups,
		"orphans":    report.Orphans,
		"hits":       report.Cache.Hits,
		"misses":     report.Cache.Misses,
		"produced":   report.Cache.Produced,
		"waited":     report.Cache.Waited,
		"contention": report.Cache.Contention,
		"aborted":    report.Cache.Aborted,
	}).Info("cache sweep finished")
	return report, nil
}

func (j *Janitor) committed(ctx context.Context, g *group) (bool, error) {
	names, err := naming.ForCache(g.project, g.key)
	if err != nil {
		return false, err
	}
	return blob.Exists(ctx, j.store, names.Manifest())
}
