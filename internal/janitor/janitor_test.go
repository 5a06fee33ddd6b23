package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"configurator/internal/artifactcache"
	"configurator/internal/gateway/repository/blob"
	"configurator/internal/naming"
)

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

const (
	keyReady  = "aaaaaaaaaaaaaaaa"
	keyOrphan = "bbbbbbbbbbbbbbbb"
	keyBusy   = "cccccccccccccccc"
)

func setup(t *testing.T) (*blob.MemoryStore, *artifactcache.Cache) {
	t.Helper()
	store := blob.NewMemoryStore()
	cache, err := artifactcache.New(store, nil, artifactcache.Config{}, quiet())
	require.NoError(t, err)
	return store, cache
}

func TestSweepRemovesOnlyOrphans(t *testing.T) {
	store, cache := setup(t)
	ctx := context.Background()

	tok, err := cache.BeginProduce(ctx, "Wheel", keyReady)
	require.NoError(t, err)
	_, err = cache.Commit(ctx, tok, []artifactcache.Artifact{
		{Role: artifactcache.RoleParameters, Name: tok.Names().Parameters(), Content: []byte(`{}`)},
	})
	require.NoError(t, err)

	orphan, err := naming.ForCache("Wheel", keyOrphan)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, orphan.ModelView(), []byte("zip")))
	require.NoError(t, store.Put(ctx, orphan.Parameters(), []byte("{}")))

	busy, err := cache.BeginProduce(ctx, "Wheel", keyBusy)
	require.NoError(t, err)
	defer cache.Abort(ctx, busy, nil)
	require.NoError(t, store.Put(ctx, busy.Names().ModelView(), []byte("zip")))

	other, err := naming.ForCache("Gear", keyOrphan)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, other.Parameters(), []byte("{}")))
	require.NoError(t, store.Put(ctx, naming.ProjectObjectName("Wheel"), []byte("{}")))

	j := New(store, cache, quiet())
	report, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Groups)
	assert.Equal(t, 2, report.Orphans)
	assert.ElementsMatch(t, []string{orphan.ModelView(), orphan.Parameters(), other.Parameters()}, report.Removed)

	entry, err := cache.Lookup(ctx, "Wheel", keyReady)
	require.NoError(t, err)
	assert.Equal(t, artifactcache.StatusReady, entry.Status)
	ok, err := blob.Exists(ctx, store, busy.Names().ModelView())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = blob.Exists(ctx, store, naming.ProjectObjectName("Wheel"))
	require.NoError(t, err)
	assert.True(t, ok)
}

// commitOnList commits a pending producer right after the first listing.
type commitOnList struct {
	*blob.MemoryStore
	commit func()
}

func (s *commitOnList) List(ctx context.Context, prefix string) ([]string, error) {
	names, err := s.MemoryStore.List(ctx, prefix)
	if s.commit != nil {
		s.commit()
		s.commit = nil
	}
	return names, err
}

func TestSweepKeepsGroupCommittedDuringSweep(t *testing.T) {
	mem := blob.NewMemoryStore()
	store := &commitOnList{MemoryStore: mem}
	cache, err := artifactcache.New(store, nil, artifactcache.Config{}, quiet())
	require.NoError(t, err)
	ctx := context.Background()

	tok, err := cache.BeginProduce(ctx, "Wheel", keyReady)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, tok.Names().Parameters(), []byte(`{}`)))
	store.commit = func() {
		_, err := cache.Commit(ctx, tok, []artifactcache.Artifact{
			{Role: artifactcache.RoleParameters, Name: tok.Names().Parameters(), Content: []byte(`{}`)},
		})
		require.NoError(t, err)
	}

	report, err := New(store, cache, quiet()).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Groups)
	assert.Zero(t, report.Orphans)
	assert.Empty(t, report.Removed)
	assert.Equal(t, uint64(1), report.Cache.Produced)

	entry, err := cache.Lookup(ctx, "Wheel", keyReady)
	require.NoError(t, err)
	assert.Equal(t, artifactcache.StatusReady, entry.Status)
	content, err := store.Get(ctx, entry.Paths[artifactcache.RoleParameters])
	require.NoError(t, err)
	assert.Equal(t, []byte(`{}`), content)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	store, cache := setup(t)
	j := New(store, cache, quiet())
	assert.Error(t, j.Start("every now and then"))
}

func TestScheduledSweep(t *testing.T) {
	store, cache := setup(t)
	ctx := context.Background()
	orphan, err := naming.ForCache("Wheel", keyOrphan)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, orphan.Parameters(), []byte("{}")))

	j := New(store, cache, quiet())
	require.NoError(t, j.Start("@every 1s"))
	defer j.Stop()
	assert.Eventually(t, func() bool {
		ok, err := blob.Exists(ctx, store, orphan.Parameters())
		return err == nil && !ok
	}, 5*time.Second, 50*time.Millisecond)
}
