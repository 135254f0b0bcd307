package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"allura.org/internal/apperr"
	"allura.org/internal/bus"
	"allura.org/internal/docstore"
	"allura.org/internal/model"
)

// instantClock fires every timer immediately and records the delays asked for.
type instantClock struct {
	clock.Clock
	now time.Time

	mu     sync.Mutex
	delays []time.Duration
}

func (c *instantClock) Now() time.Time { return c.now }

func (c *instantClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- c.now.Add(d)
	return ch
}

type fixture struct {
	store     *docstore.Memory
	transport *bus.Memory
	clock     *instantClock
	svc       *Service
	app       *model.AppConfig
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:     docstore.NewMemory(),
		transport: bus.NewMemory(),
		clock:     &instantClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
		app:       &model.AppConfig{ID: "app-x", ProjectID: "p1", ToolName: "git", Options: model.Options{"mount_point": "code"}},
	}
	cfg := Config{
		Store:       f.store,
		Publisher:   bus.NewPublisher(f.transport),
		Clock:       f.clock,
		RetryDelays: []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second},
		Timeout:     5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.svc = NewService(cfg)
	require.NoError(t, f.svc.EnsureIndexes(ctx))
	require.NoError(t, f.store.Insert(ctx, model.AppConfigs, f.app.ID, f.app))
	return f
}

func TestSignatureRoundTrip(t *testing.T) {
	payloads := []map[string]any{
		{},
		{"size": 1, "commits": []any{"abc"}},
		{"ref": "refs/heads/main", "pushed_at": time.Unix(1700000000, 0)},
	}
	for _, p := range payloads {
		body, err := Canonical(p)
		require.NoError(t, err)
		sig := Sign(body, "s3cret")
		assert.NoError(t, VerifySignature(body, "s3cret", sig))
		assert.Error(t, VerifySignature(body, "other", sig))
		assert.Error(t, VerifySignature(append(body, ' '), "s3cret", sig))
	}
	assert.Error(t, VerifySignature([]byte("{}"), "s3cret", "md5=00"))
}

func TestCanonicalIsStable(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 999, time.FixedZone("CET", 3600))
	body, err := Canonical(map[string]any{"b": 1, "a": at, "c": []any{at}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"2024-01-02T02:04:05Z","b":1,"c":["2024-01-02T02:04:05Z"]}`, string(body))
}

func TestCreateRejectsDuplicate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	hook, err := f.svc.Create(ctx, f.app, "repo-push", "http://example.com/hook", "")
	require.NoError(t, err)
	assert.Len(t, hook.Secret, 32)

	_, err = f.svc.Create(ctx, f.app, "repo-push", "http://example.com/hook", "")
	verr, ok := apperr.AsValidation(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, "webhook already exists", verr.Message)
	assert.Empty(t, verr.Field)
}

func TestCreateValidates(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxPerType = 2 })
	ctx := context.Background()
	cases := []struct {
		name string
		app  *model.AppConfig
		typ  string
		url  string
	}{
		{"bad scheme", f.app, "repo-push", "ftp://example.com"},
		{"no host", f.app, "repo-push", "http://"},
		{"unknown type", f.app, "ticket-change", "http://example.com"},
		{"wrong tool", &model.AppConfig{ID: "w", ToolName: "wiki"}, "repo-push", "http://example.com"},
	}
	for _, tc := range cases {
		_, err := f.svc.Create(ctx, tc.app, tc.typ, tc.url, "")
		assert.ErrorIs(t, err, apperr.ErrInvalidInput, tc.name)
	}

	_, err := f.svc.Create(ctx, f.app, "repo-push", "http://a.example.com", "k")
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, f.app, "repo-push", "http://b.example.com", "k")
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, f.app, "repo-push", "http://c.example.com", "k")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	hooks, err := f.svc.List(ctx, f.app.ID)
	require.NoError(t, err)
	assert.Len(t, hooks, 2)
}

func TestDeliverRetriesOnPersistentFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newFixture(t, nil)
	ctx := context.Background()
	hook, err := f.svc.Create(ctx, f.app, "repo-push", srv.URL, "k")
	require.NoError(t, err)

	attempts, err := f.svc.Deliver(ctx, hook.ID, map[string]any{"size": 0})
	require.NoError(t, err)
	assert.Equal(t, 4, attempts)
	assert.Equal(t, int32(4), hits.Load())
	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute}, f.clock.delays)

	stored, err := f.svc.Get(ctx, hook.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LastSent)
}

func TestDeliverSucceedsAfterTransientFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := newFixture(t, nil)
	ctx := context.Background()
	hook, err := f.svc.Create(ctx, f.app, "repo-push", srv.URL, "k")
	require.NoError(t, err)
	attempts, err := f.svc.Deliver(ctx, hook.ID, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	stored, err := f.svc.Get(ctx, hook.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastSent)
	assert.True(t, stored.LastSent.Equal(f.clock.now))
}

func TestDeliverSendsSignedJSON(t *testing.T) {
	type seen struct {
		body              []byte
		sig, ctype, agent string
	}
	got := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- seen{body, r.Header.Get(SignatureHeader), r.Header.Get("Content-Type"), r.Header.Get("User-Agent")}
	}))
	defer srv.Close()

	f := newFixture(t, nil)
	ctx := context.Background()
	hook, err := f.svc.Create(ctx, f.app, "repo-push", srv.URL, "topsecret")
	require.NoError(t, err)
	attempts, err := f.svc.Deliver(ctx, hook.ID, map[string]any{"ref": "refs/heads/main", "size": 2})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	s := <-got
	assert.Equal(t, `{"ref":"refs/heads/main","size":2}`, string(s.body))
	assert.Equal(t, "application/json", s.ctype)
	assert.Equal(t, UserAgent, s.agent)
	assert.NoError(t, VerifySignature(s.body, "topsecret", s.sig))
}

func TestDeliverToDeletedHookIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	attempts, err := f.svc.Deliver(context.Background(), "gone", map[string]any{})
	require.NoError(t, err)
	assert.Zero(t, attempts)
}

func TestDeliverDoesNotRestoreHookDeletedMidFlight(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	var hookID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := f.svc.Delete(r.Context(), hookID); err != nil {
			t.Errorf("Delete: %v", err)
		}
	}))
	defer srv.Close()

	hook, err := f.svc.Create(ctx, f.app, "repo-push", srv.URL, "k")
	require.NoError(t, err)
	hookID = hook.ID
	attempts, err := f.svc.Deliver(ctx, hook.ID, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	_, err = f.svc.Get(ctx, hook.ID)
	assert.ErrorIs(t, err, docstore.ErrNotFound)
	hooks, err := f.svc.List(ctx, f.app.ID)
	require.NoError(t, err)
	assert.Empty(t, hooks)
}

func TestDeliverKeepsEditsMadeMidFlight(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	var hookID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := f.svc.Update(r.Context(), hookID, "", "rotated"); err != nil {
			t.Errorf("Update: %v", err)
		}
	}))
	defer srv.Close()

	hook, err := f.svc.Create(ctx, f.app, "repo-push", srv.URL, "k")
	require.NoError(t, err)
	hookID = hook.ID
	_, err = f.svc.Deliver(ctx, hook.ID, map[string]any{})
	require.NoError(t, err)

	stored, err := f.svc.Get(ctx, hook.ID)
	require.NoError(t, err)
	assert.Equal(t, "rotated", stored.Secret)
	require.NotNil(t, stored.LastSent)
}

func TestSendQueuesOneTaskPerHookAndPayload(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, u := range []string{"http://a.example.com", "http://b.example.com"} {
		_, err := f.svc.Create(ctx, f.app, "repo-push", u, "k")
		require.NoError(t, err)
	}
	n, err := f.svc.Send(ctx, RepoPush{}, f.app,
		map[string]any{"commit_ids": []string{"a1"}},
		map[string]any{"commit_ids": []string{"b1", "b2"}},
	)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, f.transport.Len(bus.Audit))

	msg, ok, err := f.transport.Receive(ctx, bus.Audit, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KeySend, msg.RoutingKey)
	var task SendTask
	require.NoError(t, msg.Decode(&task))
	assert.EqualValues(t, 1, task.Payload["size"])
}

func TestSendDropsPayloadsOverRate(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RateBurst = 1 })
	ctx := context.Background()
	_, err := f.svc.Create(ctx, f.app, "repo-push", "http://a.example.com", "k")
	require.NoError(t, err)
	n, err := f.svc.Send(ctx, RepoPush{}, f.app, map[string]any{}, map[string]any{}, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSendRateIsSharedAcrossProcesses(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RateBurst = 2 })
	ctx := context.Background()
	hook, err := f.svc.Create(ctx, f.app, "repo-push", "http://a.example.com", "k")
	require.NoError(t, err)
	// A second web process sharing the store sees the same window.
	other := NewService(Config{
		Store:     f.store,
		Publisher: bus.NewPublisher(f.transport),
		Clock:     f.clock,
		RateBurst: 2,
	})

	n, err := f.svc.Send(ctx, RepoPush{}, f.app, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = other.Send(ctx, RepoPush{}, f.app, map[string]any{}, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, f.transport.Len(bus.Audit))

	// The window is RateBurst/RatePerMinute minutes: 4s with the defaults.
	f.clock.now = f.clock.now.Add(5 * time.Second)
	n, err = other.Send(ctx, RepoPush{}, f.app, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, f.svc.Delete(ctx, hook.ID))
	assert.Zero(t, f.store.Count(SendsCollection))
}

func TestWorkerDeliversQueuedTask(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.Create(ctx, f.app, "repo-push", srv.URL, "k")
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, RepoPush{}, f.app, map[string]any{"commit_ids": []string{"abc"}})
	require.NoError(t, err)

	reg := bus.NewRegistry()
	reg.MustRegister(f.svc.Bindings()...)
	w := bus.NewWorker(bus.WorkerConfig{Transport: f.transport, Registry: reg, Publisher: bus.NewPublisher(f.transport), Store: f.store})
	n, err := w.Drain(ctx, bus.Audit)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), hits.Load())
}
