// Package app assembles a forge from configuration. The web and worker
// binaries share it so both tiers see the same store, bus and tools.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"allura.org/internal/artifact"
	"allura.org/internal/auth"
	"allura.org/internal/bus"
	"allura.org/internal/config"
	"allura.org/internal/docstore"
	"allura.org/internal/docstore/mongostore"
	"allura.org/internal/docstore/pgstore"
	"allura.org/internal/importer"
	"allura.org/internal/mfa"
	"allura.org/internal/migrate"
	"allura.org/internal/model"
	"allura.org/internal/notify"
	"allura.org/internal/obs"
	"allura.org/internal/project"
	"allura.org/internal/security"
	"allura.org/internal/stream"
	"allura.org/internal/tool"
	"allura.org/internal/tools/wiki"
	"allura.org/internal/webhook"
)

// Forge holds every long-lived service.
type Forge struct {
	Config    config.Config
	Clock     clock.Clock
	Store     docstore.Store
	Transport bus.Transport
	Publisher *bus.Publisher
	Bus       *bus.Registry
	Scheduler *bus.Scheduler
	Artifacts *artifact.Registry
	Resolver  *security.Resolver
	Tools     *tool.Manager
	Projects  *project.Service
	Notify    *notify.Service
	Webhooks  *webhook.Service
	MFA       *mfa.Service
	Auth      *auth.Service
	Importer  *importer.Service
	Stream    *stream.Stream

	log zerolog.Logger
}

// OpenStore connects the document store named by cfg.
func OpenStore(cfg config.Store) (docstore.Store, error) {
	switch cfg.Driver {
	case "memory":
		return docstore.NewMemory(), nil
	case "postgres":
		return pgstore.Open(cfg.DSN)
	case "mongo":
		return mongostore.Dial(cfg.DSN, cfg.Database, 10*time.Second)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// OpenTransport connects the message transport named by cfg.
func OpenTransport(cfg config.Bus) bus.Transport {
	if cfg.Transport == "redis" {
		return bus.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	}
	return bus.NewMemory()
}

func openCache(cfg config.Cache) artifact.Cache {
	if cfg.Driver == "memcached" {
		return artifact.NewMemcache(cfg.TTL, cfg.MemcachedAddr)
	}
	return artifact.NewMemoryCache(cfg.TTL)
}

// Build wires a forge over an open store and transport. Tools are taken
// from the default registry, so binaries import the tool packages they
// serve.
func Build(cfg config.Config, store docstore.Store, transport bus.Transport, clk clock.Clock) (*Forge, error) {
	if clk == nil {
		clk = clock.WallClock
	}
	f := &Forge{
		Config:    cfg,
		Clock:     clk,
		Store:     store,
		Transport: transport,
		Publisher: bus.NewPublisher(transport, bus.WithClock(clk)),
		Bus:       bus.NewRegistry(),
		Stream:    stream.New(),
		log:       obs.Component("app"),
	}
	f.Scheduler = bus.NewScheduler(store, f.Publisher, clk, cfg.Bus.SchedulerInterval)
	f.Artifacts = artifact.NewRegistry(store, openCache(cfg.Cache))
	f.Resolver = security.NewResolver(model.NewRepo(store))
	f.Tools = tool.NewManager(tool.Config{
		Tools:      tool.Default(),
		Store:      store,
		Artifacts:  f.Artifacts,
		Publisher:  f.Publisher,
		Resolver:   f.Resolver,
		MinStatus:  tool.Status(cfg.Tools.MinStatus),
		Extensions: f.Extensions,
	})
	f.Projects = project.NewService(project.Config{
		Store:      store,
		Tools:      f.Tools,
		Resolver:   f.Resolver,
		Publisher:  f.Publisher,
		Clock:      clk,
		Extensions: f.Extensions,
	})
	f.Notify = notify.NewService(store, clk)

	delays := make([]time.Duration, 0, len(cfg.Webhook.RetryDelays))
	for _, s := range cfg.Webhook.RetryDelays {
		delays = append(delays, time.Duration(s)*time.Second)
	}
	f.Webhooks = webhook.NewService(webhook.Config{
		Store:         store,
		Publisher:     f.Publisher,
		Clock:         clk,
		RetryDelays:   delays,
		Timeout:       cfg.Webhook.Timeout,
		MaxPerType:    cfg.Webhook.MaxPerType,
		RatePerMinute: cfg.Webhook.RatePerMinute,
		RateBurst:     cfg.Webhook.RateBurst,
	}, webhook.RepoPush{})

	backend, err := mfa.NewBackend(cfg.MFA, store)
	if err != nil {
		return nil, err
	}
	f.MFA = mfa.NewService(cfg.MFA, backend, clk)
	tokens, err := auth.NewTokens(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL, clk)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	f.Auth = auth.NewService(store, tokens, f.MFA, clk)

	imports := importer.NewRegistry()
	if t, ok := f.Tools.Tools().Get("wiki"); ok {
		if w, ok := t.(*wiki.Tool); ok {
			if err := imports.Register(wiki.NewImporter(w, f.Tools)); err != nil {
				return nil, err
			}
		}
	}
	f.Importer = importer.NewService(imports, f.Publisher)

	if err := f.Tools.Tools().WireBus(f.Bus); err != nil {
		return nil, err
	}
	var bindings []bus.Binding
	bindings = append(bindings, f.Artifacts.Bindings(artifact.LogSink{})...)
	bindings = append(bindings, f.Webhooks.Bindings()...)
	bindings = append(bindings, f.Notify.Bindings()...)
	bindings = append(bindings, f.Importer.Bindings()...)
	for _, b := range bindings {
		if err := f.Bus.Register(b); err != nil {
			return nil, err
		}
	}
	f.Stream.Attach(f.Publisher)
	return f, nil
}

// Extensions returns the session extensions of every unit of work.
func (f *Forge) Extensions() []docstore.Extension {
	return []docstore.Extension{artifact.NewIndexer(f.Artifacts, f.Publisher)}
}

// IndexSets lists the index declarations of the forge components and of
// every registered tool that declares any.
func IndexSets(tools *tool.Registry) []migrate.IndexSet {
	sets := []migrate.IndexSet{
		{Name: "forge", Indexes: model.Indexes()},
		{Name: "artifacts", Indexes: artifact.Indexes()},
		{Name: "webhooks", Indexes: webhook.Indexes()},
	}
	for _, t := range tools.All() {
		if d, ok := t.(tool.IndexDeclarer); ok {
			sets = append(sets, migrate.IndexSet{Name: "tool:" + t.Name(), Indexes: d.Indexes()})
		}
	}
	return sets
}

// EnsureIndexes creates the indexes of every collection the forge uses.
func (f *Forge) EnsureIndexes(ctx context.Context) error {
	var errs []error
	for _, set := range IndexSets(f.Tools.Tools()) {
		for _, idx := range set.Indexes {
			if err := f.Store.EnsureIndex(ctx, idx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", set.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Bootstrap creates the default neighborhood when the store has none.
func (f *Forge) Bootstrap(ctx context.Context, prefix string) (*model.Neighborhood, error) {
	repo := model.NewRepo(f.Store)
	n, err := repo.NeighborhoodByPrefix(ctx, prefix)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, docstore.ErrNotFound) {
		return nil, err
	}
	n = &model.Neighborhood{
		ID:        "nbhd-projects",
		Name:      "Projects",
		URLPrefix: prefix,
		ACL:       security.ACL{security.AllowACE(security.Authenticated, security.PermRegister)},
		ProjectTemplate: &model.ProjectTemplate{
			Tools: []model.TemplateTool{{ToolName: "wiki", MountPoint: "wiki", MountLabel: "Wiki"}},
		},
	}
	if err := f.Store.Insert(ctx, model.Neighborhoods, n.ID, n); err != nil {
		return nil, err
	}
	f.log.Info().Str("url_prefix", prefix).Msg("created default neighborhood")
	return n, nil
}

// Worker returns a worker over the forge bus.
func (f *Forge) Worker() *bus.Worker {
	return bus.NewWorker(bus.WorkerConfig{
		Transport:   f.Transport,
		Registry:    f.Bus,
		Publisher:   f.Publisher,
		Store:       f.Store,
		PollTimeout: f.Config.Bus.PollTimeout,
		Extensions:  f.Extensions,
	})
}

// RunBackground runs one worker per exchange and the scheduler until ctx
// is done. It returns the first error other than cancellation.
func (f *Forge) RunBackground(ctx context.Context, exchanges ...string) error {
	if len(exchanges) == 0 {
		exchanges = []string{bus.Audit, bus.React}
	}
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		first error
	)
	record := func(err error) {
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		mu.Lock()
		if first == nil {
			first = err
		}
		mu.Unlock()
	}
	for _, ex := range exchanges {
		w := f.Worker()
		wg.Add(1)
		go func(ex string) {
			defer wg.Done()
			record(w.Run(ctx, ex))
		}(ex)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		record(f.Scheduler.Run(ctx))
	}()
	wg.Wait()
	return first
}

// Close releases the store and transport.
func (f *Forge) Close() error {
	return errors.Join(f.Transport.Close(), f.Store.Close())
}
