// Package app wires configuration, storage, the session registry, and the
// HTTP surface into a runnable server.
package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"jamgrid/internal/config"
	"jamgrid/internal/httpapi"
	"jamgrid/internal/session"
	"jamgrid/internal/store"
	"jamgrid/internal/telemetry"
)

const shutdownGrace = 10 * time.Second

// Run starts the server and blocks until ctx is cancelled, then drains
// connections and flushes session documents before returning.
func Run(ctx context.Context, cfg config.Config) error {
	logger := newLogger(cfg)

	st, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	counters := telemetry.NewCounters()

	sessCfg := session.DefaultConfig()
	sessCfg.PruneInterval = cfg.PruneInterval
	sessCfg.StalenessThreshold = cfg.StalenessThreshold
	sessCfg.HashProbeInterval = cfg.HashProbeInterval
	sessCfg.PersistDebounce = cfg.PersistDebounce
	sessCfg.SendQueueDepth = cfg.SendQueueDepth
	sessCfg.EvictAfter = cfg.EvictAfter

	registry := session.NewRegistry(sessCfg, st, counters, logger)
	go registry.RunEviction(ctx)

	api := httpapi.NewServer(registry, counters, logger)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	registry.Close(shutdownCtx)
	return nil
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func newStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Info().Msg("no database configured, using in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Msg("using postgres store")
	return pg, pg.Close, nil
}
