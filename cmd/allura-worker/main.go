package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"allura.org/internal/app"
	"allura.org/internal/bus"
	"allura.org/internal/config"
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
	exchanges := pflag.StringSlice("exchange", []string{bus.Audit, bus.React}, "exchanges to consume")
	pflag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit, "worker")
	log := obs.Component("worker")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := obs.SetLevel(cfg.Server.LogLevel); err != nil {
		log.Fatal().Err(err).Msg("log level")
	}
	if cfg.Bus.Transport != "redis" {
		log.Fatal().Str("transport", cfg.Bus.Transport).Msg("a standalone worker needs the redis transport")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Trace.Enabled {
		shutdown, err := obs.SetupTracing(ctx, "allura-worker", cfg.Trace.Endpoint)
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

	log.Info().Str("version", version).Strs("exchanges", *exchanges).Msg("starting allura-worker")
	if err := forge.RunBackground(ctx, *exchanges...); err != nil {
		log.Error().Err(err).Msg("worker stopped")
		return
	}
	log.Info().Msg("stopped")
}
