package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"allura.org/internal/bus"
	"allura.org/internal/config"
	"allura.org/internal/docstore"
	"allura.org/internal/model"
	"allura.org/internal/project"
	"allura.org/internal/reqctx"
	"allura.org/internal/security"
	"allura.org/internal/stream"
)

func testForge(t *testing.T) *Forge {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.TokenSecret = "test-secret"
	f, err := Build(cfg, docstore.NewMemory(), bus.NewMemory(), nil)
	require.NoError(t, err)
	require.NoError(t, f.EnsureIndexes(context.Background()))
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	_, err := OpenStore(config.Store{Driver: "sqlite"})
	assert.Error(t, err)

	s, err := OpenStore(config.Store{Driver: "memory"})
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}

func TestIndexSetsCoverForgeComponents(t *testing.T) {
	f := testForge(t)
	names := map[string]bool{}
	for _, set := range IndexSets(f.Tools.Tools()) {
		assert.NotEmpty(t, set.Indexes, set.Name)
		names[set.Name] = true
	}
	for _, want := range []string{"forge", "artifacts", "webhooks"} {
		assert.True(t, names[want], want)
	}

	ctx := context.Background()
	u := &model.User{ID: "u1", Username: "dup"}
	require.NoError(t, f.Store.Insert(ctx, model.Users, u.ID, u))
	u.ID = "u2"
	assert.ErrorIs(t, f.Store.Insert(ctx, model.Users, u.ID, u), docstore.ErrDuplicate)
}

func TestBootstrapIsIdempotent(t *testing.T) {
	f := testForge(t)
	ctx := context.Background()

	n1, err := f.Bootstrap(ctx, "/p/")
	require.NoError(t, err)
	n2, err := f.Bootstrap(ctx, "/p/")
	require.NoError(t, err)
	assert.Equal(t, n1.ID, n2.ID)
	assert.True(t, f.Bus.Len() > 0, "services bind handlers")
}

func TestRegisteredProjectReachesStream(t *testing.T) {
	f := testForge(t)
	ctx := context.Background()
	n, err := f.Bootstrap(ctx, "/p/")
	require.NoError(t, err)
	require.NoError(t, f.Store.Insert(ctx, model.Users, "u1", &model.User{ID: "u1", Username: "ivan"}))

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := f.Stream.Subscribe(subCtx, stream.Filter{Key: bus.KeyProjectUpdated})

	sc, sctx := reqctx.Begin(ctx, f.Store, &reqctx.State{
		Subject:      security.Subject{UserID: "u1"},
		Neighborhood: n,
	}, f.Extensions()...)
	p, err := f.Projects.Register(sctx, n, project.Request{Shortname: "demo", Name: "Demo"})
	require.NoError(t, err)
	require.NoError(t, sc.Commit(sctx))

	select {
	case ev := <-events:
		assert.Equal(t, p.ID, ev.ProjectID)
	case <-time.After(time.Second):
		t.Fatal("no project_updated event")
	}

	w := f.Worker()
	_, err = w.Drain(ctx, bus.React)
	require.NoError(t, err)
	_, err = w.Drain(ctx, bus.Audit)
	require.NoError(t, err)
}

func TestRunBackgroundStopsWithContext(t *testing.T) {
	f := testForge(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.RunBackground(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("background workers did not stop")
	}
}
