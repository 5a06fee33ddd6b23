package artifactcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"configurator/internal/naming"
)

// Outcome says how GetOrProduce obtained its entry.
type Outcome int

const (
	OutcomeHit Outcome = iota
	OutcomeProduced
	OutcomeWaited
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProduced:
		return "produced"
	case OutcomeWaited:
		return "waited"
	default:
		return "hit"
	}
}

// ProduceFunc computes the artifacts for a token's entry.
type ProduceFunc func(ctx context.Context, tok *Token) ([]Artifact, error)

// Wait blocks until the producer of (project, key) finishes and returns its
// entry. It fails with ErrProducerFailed when the producer aborted and with
// ErrNotInProgress when nothing is producing the key and no entry exists.
func (c *Cache) Wait(ctx context.Context, project, key string) (Entry, error) {
	names, err := naming.ForCache(project, key)
	if err != nil {
		return Entry{}, err
	}
	id := entryID(project, key)
	for {
		if e, ok, err := c.readyEntry(ctx, names); err != nil || ok {
			return e, err
		}

		c.mu.Lock()
		p := c.inflight[id]
		c.mu.Unlock()
		if p != nil {
			select {
			case <-ctx.Done():
				return Entry{}, ctx.Err()
			case <-p.done:
			}
			if p.err == nil {
				return p.entry, nil
			}
			if !errors.Is(p.err, errForeignProducer) {
				return Entry{}, fmt.Errorf("%w: %v", ErrProducerFailed, p.err)
			}
			continue
		}

		if c.marker == nil {
			return c.finalCheck(ctx, names)
		}
		held, err := c.marker.Held(ctx, id)
		if err != nil {
			return Entry{}, fmt.Errorf("check production marker: %w", err)
		}
		if !held {
			return c.finalCheck(ctx, names)
		}
		timer := time.NewTimer(c.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Entry{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// finalCheck covers a producer that committed between the last manifest read
// and the marker check.
func (c *Cache) finalCheck(ctx context.Context, names naming.CacheNames) (Entry, error) {
	e, ok, err := c.readyEntry(ctx, names)
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, ErrNotInProgress
	}
	return e, nil
}

// GetOrProduce returns the ready entry for (project, key), producing it with
// produce on a miss. A concurrent producer for the same key is handled per
// the cache policy: PolicyWait reuses its result, PolicyFail returns
// ErrAlreadyInProgress. produce is never run twice concurrently for one key.
func (c *Cache) GetOrProduce(ctx context.Context, project, key string, produce ProduceFunc) (Entry, Outcome, error) {
	log := c.log.WithFields(logrus.Fields{"project": project, "cache_key": key})
	for {
		e, err := c.Lookup(ctx, project, key)
		if err != nil {
			return Entry{}, OutcomeHit, err
		}
		if e.Status == StatusReady {
			return e, OutcomeHit, nil
		}

		tok, err := c.BeginProduce(ctx, project, key)
		switch {
		case err == nil:
			return c.produceWith(ctx, tok, produce)
		case !errors.Is(err, ErrAlreadyInProgress):
			return Entry{}, OutcomeHit, err
		case c.cfg.Policy == PolicyFail:
			return Entry{}, OutcomeHit, err
		}

		log.Info("waiting for in-flight production")
		e, err = c.Wait(ctx, project, key)
		if errors.Is(err, ErrNotInProgress) {
			// producer vanished between our claim attempt and the wait
			continue
		}
		if err != nil {
			return Entry{}, OutcomeWaited, err
		}
		c.metrics.waited.Add(1)
		return e, OutcomeWaited, nil
	}
}

func (c *Cache) produceWith(ctx context.Context, tok *Token, produce ProduceFunc) (Entry, Outcome, error) {
	// another producer may have committed between Lookup and BeginProduce
	if e, ok, err := c.readyEntry(ctx, tok.names); err != nil || ok {
		if err != nil {
			c.Abort(ctx, tok, err)
			return Entry{}, OutcomeHit, err
		}
		c.finish(tok, e, nil)
		return e, OutcomeHit, nil
	}

	artifacts, err := c.safeProduce(ctx, tok, produce)
	if err != nil {
		c.Abort(ctx, tok, err)
		return Entry{}, OutcomeProduced, err
	}
	e, err := c.Commit(ctx, tok, artifacts)
	if err != nil {
		return Entry{}, OutcomeProduced, err
	}
	return e, OutcomeProduced, nil
}

func (c *Cache) safeProduce(ctx context.Context, tok *Token, produce ProduceFunc) (artifacts []Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("produce panicked: %v", r)
		}
	}()
	return produce(ctx, tok)
}
