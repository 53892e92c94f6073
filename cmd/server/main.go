package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/org/secretprov/internal/api"
	"github.com/org/secretprov/internal/audit"
	"github.com/org/secretprov/internal/auth"
	"github.com/org/secretprov/internal/backend"
	"github.com/org/secretprov/internal/config"
	"github.com/org/secretprov/internal/policy"
	"github.com/org/secretprov/internal/provision"
	"github.com/org/secretprov/internal/registry"
	"github.com/org/secretprov/internal/secret"
	"github.com/org/secretprov/internal/storage"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfgFile := "config.yaml"
	if v := os.Getenv("SECRETPROV_CONFIG"); v != "" {
		cfgFile = v
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx := context.Background()

	var store storage.Store
	switch cfg.Storage {
	case config.KindPostgres:
		pg, err := storage.NewPostgresBackend(ctx, cfg.DBUrl)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		if err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		log.Info().Msg("migrations applied")
		store = pg
	default:
		log.Warn().Msg("using in-memory storage, metadata is lost on restart")
		store = storage.NewMemoryBackend()
	}
	defer store.Close()

	var reg registry.Registry
	if cfg.Registry == config.KindPostgres {
		reg = registry.NewPersistent(store)
	} else {
		reg = registry.NewMemory()
	}

	client, err := backend.NewClient(backend.Config{
		Address:         cfg.Backend.Address,
		RootToken:       cfg.Backend.RootToken,
		PolicyPath:      cfg.Backend.PolicyPath,
		TokenCreatePath: cfg.Backend.TokenCreatePath,
		TokenRevokePath: cfg.Backend.TokenRevokePath,
		Timeout:         cfg.Backend.Timeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create backend client")
	}

	namer := policy.NewNamer(cfg.Backend.SecretPath)
	mirror := secret.NewMirror(client, namer)
	journal := audit.NewJournal(store)
	prov := provision.New(provision.Config{
		Store:            store,
		Policies:         client,
		Tokens:           auth.NewTokenManager(client, reg),
		Mirror:           mirror,
		Namer:            namer,
		Journal:          journal,
		EnvironmentTypes: cfg.EnvironmentTypes,
	})

	srv := api.NewServer(prov, mirror, journal, api.Config{
		ListenAddr:     cfg.ListenAddr,
		TLSCertFile:    cfg.TLSCertFile,
		TLSKeyFile:     cfg.TLSKeyFile,
		AdminTokenHash: cfg.AdminTokenHash,
		RateLimitRPS:   cfg.RateLimit.RPS,
		RateLimitBurst: cfg.RateLimit.Burst,
	})
	if cfg.AdminTokenHash == "" {
		log.Warn().Msg("admin_token_hash not set, API is unauthenticated")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().
		Str("addr", cfg.ListenAddr).
		Str("backend", client.Address()).
		Str("storage", cfg.Storage).
		Str("registry", cfg.Registry).
		Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}
