package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/ksuid"

	"github.com/shep95/maldek-sub002/internal/config"
	"github.com/shep95/maldek-sub002/internal/otelutil"
	"github.com/shep95/maldek-sub002/internal/registry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
		logger = log.Logger // plain JSON output in release
	}
	if cfg.Secret == "" {
		if cfg.Mode == "release" {
			logger.Fatal().Msg("MDK_SECRET must be set in release mode")
		}
		cfg.Secret = ksuid.New().String()
		logger.Warn().Msg("no secret configured, generated an ephemeral one")
	}

	// Tracing is optional; absence of an exporter is not an error worth dying for.
	_ = otelutil.Init()
	defer otelutil.Flush()

	var store registry.Store
	if cfg.DatabaseURL != "" {
		pool, err := registry.ConnectPg(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect postgres")
		}
		defer pool.Close()
		pg := registry.NewPgStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("apply schema")
		}
		store = pg
		logger.Info().Msg("using postgres store")
	} else {
		store = registry.NewMemStore()
		logger.Info().Msg("using in-memory store")
	}

	server := NewServer(cfg, store, logger)
	server.Start()
	defer server.Stop()

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: server.Handler()}

	go func() {
		logger.Info().Str("addr", addr).Msg("maldek spaces server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
	}
	logger.Info().Msg("server exited")
}
