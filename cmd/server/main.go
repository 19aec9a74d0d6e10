// Package main is the entry point for the EIDA statistics webservice.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/eida/eidastats/internal/api"
	"github.com/eida/eidastats/internal/auth"
	"github.com/eida/eidastats/internal/config"
	"github.com/eida/eidastats/internal/storage"
	"github.com/eida/eidastats/internal/storage/postgres"
	"github.com/eida/eidastats/internal/storage/sqlite"
)

func main() {
	configPath := flag.String("config", os.Getenv("EIDASTATS_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("loading configuration failed")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Database.Backend).Msg("opening store failed")
	}
	log.Info().Str("backend", cfg.Database.Backend).Msg("store opened")

	var verifier *auth.Verifier
	if cfg.KeyringPath != "" {
		verifier, err = auth.NewVerifier(cfg.KeyringPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.KeyringPath).Msg("loading keyring failed")
		}
		log.Info().Str("path", cfg.KeyringPath).Msg("keyring loaded")
	} else {
		log.Warn().Msg("no keyring configured, restricted endpoints will reject every token")
	}

	server := api.NewServer(api.Config{
		Addr:         cfg.ListenAddr,
		Prefix:       cfg.URLPrefix,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, store, verifier, log)

	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("prefix", cfg.URLPrefix).Msg("server listening")
		errChan <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Fatal().Err(err).Msg("server error")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	if err := store.Close(); err != nil {
		log.Error().Err(err).Msg("closing store failed")
	}
	log.Info().Msg("shutdown complete")
}

// openStore selects the storage backend. The sqlite and postgres packages
// both satisfy storage.Store; the switch lives here to keep them decoupled.
func openStore(cfg config.Config) (storage.Store, error) {
	if cfg.Database.Backend == "postgres" {
		return postgres.New(cfg.Database.DSN, cfg.Database.MaxOpenConns)
	}
	return sqlite.New(cfg.Database.DSN)
}
