package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"allura.org/internal/app"
	"allura.org/internal/config"
	"allura.org/internal/httpapi"
	"allura.org/internal/obs"

	_ "allura.org/internal/tools/tickets"
	_ "allura.org/internal/tools/wiki"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("ALLURA_CONFIG"), "path to YAML configuration")
	prefix := pflag.String("neighborhood", "/p/", "URL prefix of the served neighborhood")
	pflag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit, "web")
	log := obs.Component("web")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := obs.SetLevel(cfg.Server.LogLevel); err != nil {
		log.Fatal().Err(err).Msg("log level")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Trace.Enabled {
		shutdown, err := obs.SetupTracing(ctx, "allura-web", cfg.Trace.Endpoint)
		if err != nil {
			log.Fatal().Err(err).Msg("tracing")
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	store, err := app.OpenStore(cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("open store")
	}
	forge, err := app.Build(cfg, store, app.OpenTransport(cfg.Bus), nil)
	if err != nil {
		log.Fatal().Err(err).Msg("build forge")
	}
	defer forge.Close()

	if err := forge.EnsureIndexes(ctx); err != nil {
		log.Fatal().Err(err).Msg("ensure indexes")
	}
	if _, err := forge.Bootstrap(ctx, *prefix); err != nil {
		log.Fatal().Err(err).Msg("bootstrap neighborhood")
	}

	// A memory transport is only visible to this process, so it drains its
	// own queues.
	if cfg.Bus.Transport != "redis" {
		go func() {
			if err := forge.RunBackground(ctx); err != nil {
				log.Error().Err(err).Msg("background worker stopped")
			}
		}()
	}

	api := httpapi.New(httpapi.Config{
		Version:            version,
		Store:              forge.Store,
		Tools:              forge.Tools,
		Projects:           forge.Projects,
		Artifacts:          forge.Artifacts,
		Resolver:           forge.Resolver,
		Auth:               forge.Auth,
		MFA:                forge.MFA,
		Webhooks:           forge.Webhooks,
		Importer:           forge.Importer,
		Notify:             forge.Notify,
		Stream:             forge.Stream,
		Extensions:         forge.Extensions,
		NeighborhoodPrefix: *prefix,
		RateBurst:          cfg.Server.RateBurst,
		RatePerSecond:      cfg.Server.RatePerSecond,
		MaxBodyBytes:       cfg.Server.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.RequestTimeout,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info().Str("version", version).Str("addr", srv.Addr).Msg("starting allura-web")

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("stopped")
}
