package artifactcache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"configurator/internal/gateway/repository/blob"
)

const testKey = "0123456789abcdef0123456789abcdef01234567"

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestCache(t *testing.T, store blob.Store, marker Marker, policy Policy) *Cache {
	t.Helper()
	c, err := New(store, marker, Config{Policy: policy, PollInterval: 10 * time.Millisecond, MarkerTTL: time.Second}, quietLogger())
	require.NoError(t, err)
	return c
}

func artifactsFor(tok *Token) []Artifact {
	n := tok.Names()
	return []Artifact{
		{Role: RoleModelView, Name: n.ModelView(), Content: []byte("view")},
		{Role: RoleParameters, Name: n.Parameters(), Content: []byte(`{}`)},
		{Role: RoleCurrentModel, Name: n.CurrentModel(false), Content: []byte("ipt")},
	}
}

func TestGetOrProduceThenHit(t *testing.T) {
	store := blob.NewMemoryStore()
	c := newTestCache(t, store, nil, PolicyWait)
	ctx := context.Background()

	var calls atomic.Int32
	produce := func(_ context.Context, tok *Token) ([]Artifact, error) {
		calls.Add(1)
		return artifactsFor(tok), nil
	}

	e, outcome, err := c.GetOrProduce(ctx, "Wheel", testKey, produce)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProduced, outcome)
	assert.Equal(t, StatusReady, e.Status)
	assert.Equal(t, "cache-Wheel-"+testKey+"-model-view.zip", e.Paths[RoleModelView])

	e2, outcome, err := c.GetOrProduce(ctx, "Wheel", testKey, produce)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, outcome)
	assert.Equal(t, e.Paths, e2.Paths)
	assert.EqualValues(t, 1, calls.Load())

	// a fresh cache over the same store sees the committed manifest
	other := newTestCache(t, store, nil, PolicyWait)
	got, err := other.Lookup(ctx, "Wheel", testKey)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, got.Status)
	assert.Equal(t, e.Paths, got.Paths)
}

func TestConcurrentProducersShareOneComputation(t *testing.T) {
	c := newTestCache(t, blob.NewMemoryStore(), nil, PolicyWait)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32
	produce := func(_ context.Context, tok *Token) ([]Artifact, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return artifactsFor(tok), nil
	}

	var wg sync.WaitGroup
	results := make([]Entry, 2)
	outcomes := make([]Outcome, 2)
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], outcomes[0], errs[0] = c.GetOrProduce(ctx, "Wheel", testKey, produce)
	}()
	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], outcomes[1], errs[1] = c.GetOrProduce(ctx, "Wheel", testKey, produce)
	}()

	require.Eventually(t, func() bool { return c.Metrics().Contention >= 1 }, time.Second, 5*time.Millisecond)
	pending, err := c.Lookup(ctx, "Wheel", testKey)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, pending.Status)

	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, results[0].Paths, results[1].Paths)
	assert.ElementsMatch(t, []Outcome{OutcomeProduced, OutcomeWaited}, outcomes)
}

func TestPolicyFailRejectsSecondProducer(t *testing.T) {
	c := newTestCache(t, blob.NewMemoryStore(), nil, PolicyFail)
	ctx := context.Background()

	tok, err := c.BeginProduce(ctx, "Wheel", testKey)
	require.NoError(t, err)

	_, _, err = c.GetOrProduce(ctx, "Wheel", testKey, func(context.Context, *Token) ([]Artifact, error) {
		t.Fatal("second producer must not run")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrAlreadyInProgress)

	c.Abort(ctx, tok, nil)
	e, err := c.Lookup(ctx, "Wheel", testKey)
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, e.Status)
}

func TestFailedProductionReleasesKey(t *testing.T) {
	c := newTestCache(t, blob.NewMemoryStore(), nil, PolicyWait)
	ctx := context.Background()
	boom := errors.New("remote timeout")

	release := make(chan struct{})
	started := make(chan struct{})
	waitErr := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrProduce(ctx, "Wheel", testKey, func(context.Context, *Token) ([]Artifact, error) {
			close(started)
			<-release
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)
	}()
	<-started
	go func() {
		_, err := c.Wait(ctx, "Wheel", testKey)
		waitErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case err := <-waitErr:
		assert.ErrorIs(t, err, ErrProducerFailed)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}

	require.Eventually(t, func() bool {
		e, err := c.Lookup(ctx, "Wheel", testKey)
		return err == nil && e.Status == StatusMiss
	}, time.Second, 5*time.Millisecond)

	_, outcome, err := c.GetOrProduce(ctx, "Wheel", testKey, func(_ context.Context, tok *Token) ([]Artifact, error) {
		return artifactsFor(tok), nil
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProduced, outcome)
}

func TestWaitWithoutProducer(t *testing.T) {
	c := newTestCache(t, blob.NewMemoryStore(), nil, PolicyWait)
	_, err := c.Wait(context.Background(), "Wheel", testKey)
	assert.ErrorIs(t, err, ErrNotInProgress)
}

type flakyStore struct {
	*blob.MemoryStore
	failSuffix string
}

func (s *flakyStore) Put(ctx context.Context, name string, content []byte) error {
	if strings.HasSuffix(name, s.failSuffix) {
		return errors.New("disk full")
	}
	return s.MemoryStore.Put(ctx, name, content)
}

func TestCommitIsAllOrNothing(t *testing.T) {
	store := &flakyStore{MemoryStore: blob.NewMemoryStore(), failSuffix: "parameters.json"}
	c := newTestCache(t, store, nil, PolicyWait)
	ctx := context.Background()

	_, _, err := c.GetOrProduce(ctx, "Wheel", testKey, func(_ context.Context, tok *Token) ([]Artifact, error) {
		return artifactsFor(tok), nil
	})
	require.Error(t, err)

	names, err := store.List(ctx, "cache-Wheel-")
	require.NoError(t, err)
	assert.Empty(t, names)

	e, err := c.Lookup(ctx, "Wheel", testKey)
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, e.Status)
}

func TestCommitRejectsForeignNames(t *testing.T) {
	c := newTestCache(t, blob.NewMemoryStore(), nil, PolicyWait)
	ctx := context.Background()
	tok, err := c.BeginProduce(ctx, "Wheel", testKey)
	require.NoError(t, err)

	_, err = c.Commit(ctx, tok, []Artifact{{Role: RoleModelView, Name: "cache-Other-" + testKey + "-model-view.zip"}})
	require.Error(t, err)

	_, err = c.Commit(ctx, tok, nil)
	assert.ErrorIs(t, err, ErrTokenReleased)
}

func TestPanickingProducerReleasesKey(t *testing.T) {
	c := newTestCache(t, blob.NewMemoryStore(), nil, PolicyWait)
	ctx := context.Background()
	_, _, err := c.GetOrProduce(ctx, "Wheel", testKey, func(context.Context, *Token) ([]Artifact, error) {
		panic("engine crashed")
	})
	require.Error(t, err)

	busy, err := c.InProgress(ctx, "Wheel", testKey)
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestRedisMarkerCoordinatesInstances(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	store := blob.NewMemoryStore()
	newMarker := func() Marker {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		return NewRedisMarker(rdb, "test")
	}
	a := newTestCache(t, store, newMarker(), PolicyWait)
	b := newTestCache(t, store, newMarker(), PolicyWait)
	ctx := context.Background()

	tok, err := a.BeginProduce(ctx, "Wheel", testKey)
	require.NoError(t, err)

	_, err = b.BeginProduce(ctx, "Wheel", testKey)
	assert.ErrorIs(t, err, ErrAlreadyInProgress)

	e, err := b.Lookup(ctx, "Wheel", testKey)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, e.Status)

	done := make(chan Entry, 1)
	go func() {
		got, err := b.Wait(ctx, "Wheel", testKey)
		assert.NoError(t, err)
		done <- got
	}()

	committed, err := a.Commit(ctx, tok, artifactsFor(tok))
	require.NoError(t, err)

	select {
	case got := <-done:
		assert.Equal(t, committed.Paths, got.Paths)
	case <-time.After(2 * time.Second):
		t.Fatal("remote waiter did not observe commit")
	}
	assert.False(t, mr.Exists("test:produce:Wheel/"+testKey))
}

func TestRedisMarkerOnlyOwnerReleases(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	m := NewRedisMarker(rdb, "test")
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "p/k", "owner-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.Release(ctx, "p/k", "owner-2"))
	held, err := m.Held(ctx, "p/k")
	require.NoError(t, err)
	assert.True(t, held)

	assert.ErrorIs(t, m.Refresh(ctx, "p/k", "owner-2", time.Minute), errMarkerLost)
	require.NoError(t, m.Refresh(ctx, "p/k", "owner-1", time.Minute))

	require.NoError(t, m.Release(ctx, "p/k", "owner-1"))
	held, err = m.Held(ctx, "p/k")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyWait, p)
	p, err = ParsePolicy("FAIL")
	require.NoError(t, err)
	assert.Equal(t, PolicyFail, p)
	_, err = ParsePolicy("retry")
	assert.Error(t, err)
}
