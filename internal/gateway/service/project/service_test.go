package project

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"configurator/internal/artifactcache"
	"configurator/internal/cad"
	"configurator/internal/compute"
	"configurator/internal/gateway/repository/blob"
	"configurator/internal/naming"
	"configurator/internal/params"
)

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newService(t *testing.T) (*Service, *blob.MemoryStore, *compute.LocalEngine) {
	t.Helper()
	store := blob.NewMemoryStore()
	cache, err := artifactcache.New(store, nil, artifactcache.Config{PollInterval: 5 * time.Millisecond}, quiet())
	require.NoError(t, err)
	engine := compute.NewLocalEngine(quiet(), 0)
	return New(store, cache, engine, Config{ComputeTimeout: 5 * time.Second}, quiet()), store, engine
}

func model(t *testing.T, name string) []byte {
	t.Helper()
	m, err := cad.NewModel(cad.ModelSpec{Name: name, Parameters: []cad.ParameterSpec{
		{Name: "Width", Unit: "mm", Expression: "10 mm"},
	}})
	require.NoError(t, err)
	raw, err := m.Marshal()
	require.NoError(t, err)
	return raw
}

func TestAdopt(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()

	meta, err := svc.Adopt(ctx, "Wheel", false, model(t, "Wheel"), "https://models.example/wheel")
	require.NoError(t, err)
	assert.Equal(t, "Wheel", meta.Name)

	_, err = svc.Adopt(ctx, "Wheel", false, model(t, "Wheel"), "")
	assert.ErrorIs(t, err, ErrProjectExists)
	_, err = svc.Adopt(ctx, "bad-name", false, model(t, "x"), "")
	assert.ErrorIs(t, err, naming.ErrInvalidProjectName)

	got, err := svc.Metadata(ctx, "Wheel")
	require.NoError(t, err)
	assert.Equal(t, "https://models.example/wheel", got.SourceURL)

	attrs, err := naming.ForAttributes("Wheel")
	require.NoError(t, err)
	for _, name := range []string{attrs.SourceModel(), attrs.Thumbnail(), attrs.Metadata(), naming.ProjectObjectName("Wheel")} {
		ok, err := blob.Exists(ctx, store, name)
		require.NoError(t, err)
		assert.True(t, ok, name)
	}
}

func TestUpdateReusesCachedResult(t *testing.T) {
	svc, _, engine := newService(t)
	ctx := context.Background()
	_, err := svc.Adopt(ctx, "Wheel", false, model(t, "Wheel"), "")
	require.NoError(t, err)

	set := params.NewSet(params.Expression{Name: "Width", Value: "15 mm"})
	first, err := svc.Update(ctx, "Wheel", set)
	require.NoError(t, err)
	assert.Equal(t, artifactcache.OutcomeProduced, first.Outcome)
	assert.Equal(t, "/blobs/"+first.Entry.Paths[artifactcache.RoleModelView], first.Project.Svf)
	assert.Equal(t, params.Hash(set), first.Project.Hash)

	second, err := svc.Update(ctx, "Wheel", params.NewSet(params.Expression{Name: "Width", Value: "15mm"}))
	require.NoError(t, err)
	assert.Equal(t, artifactcache.OutcomeHit, second.Outcome)
	assert.Equal(t, first.Project.Svf, second.Project.Svf)
	assert.Equal(t, 1, engine.Runs())

	meta, err := svc.Metadata(ctx, "Wheel")
	require.NoError(t, err)
	assert.Equal(t, first.Project.Hash, meta.Hash)
}

func TestUpdateUnknownProject(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Update(context.Background(), "Nope", params.NewSet())
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestShowParametersChangedDefaultsToTrue(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	v, err := svc.ShowParametersChanged(ctx)
	require.NoError(t, err)
	assert.True(t, v)

	require.NoError(t, svc.SetShowParametersChanged(ctx, false))
	v, err = svc.ShowParametersChanged(ctx)
	require.NoError(t, err)
	assert.False(t, v)
}

func TestThumbnailIsStable(t *testing.T) {
	a, err := renderThumbnail("Wheel")
	require.NoError(t, err)
	b, err := renderThumbnail("Wheel")
	require.NoError(t, err)
	c, err := renderThumbnail("Gear")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
