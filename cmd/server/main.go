// Package main is the entry point for the market simulator. It wires the
// template store, creation pipeline, instance controller, push bus, and HTTP
// server, then runs until interrupted.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/quantsim/marketsim/internal/config"
	"github.com/quantsim/marketsim/internal/database"
	"github.com/quantsim/marketsim/internal/factory"
	"github.com/quantsim/marketsim/internal/market"
	"github.com/quantsim/marketsim/internal/push"
	"github.com/quantsim/marketsim/internal/server"
	"github.com/quantsim/marketsim/internal/templates"
	"github.com/quantsim/marketsim/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	log.Info().Int("port", cfg.Port).Int("fps", cfg.TickFPS).Msg("Starting marketsim")

	db, err := database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "templates.db"),
		Name: "templates",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open template database")
	}
	defer db.Close()

	store, err := templates.NewSQLStore(db, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize template store")
	}

	tracker := factory.NewTracker(cfg.ProgressTTL, log)
	defer tracker.Close()

	pipeline := factory.NewPipeline(store, tracker, factory.Config{
		Workers:         cfg.WorkerPoolSize,
		ReadingTimeout:  cfg.ReadingTemplatesTimeout,
		CreatingTimeout: cfg.CreatingObjectsTimeout,
		Log:             log,
	})

	bus := push.NewBus(cfg.SubscriberBufferSize, log)

	controller := market.NewController(store, pipeline, tracker, bus, market.Config{
		FPS:                cfg.TickFPS,
		MaxErrorsPerObject: cfg.MaxErrorsPerObject,
		Retention:          cfg.RetentionBucketsPerGranularity,
		TradeLogCap:        cfg.TradeLogSize,
		Log:                log,
	})

	srv := server.New(server.Config{
		Port:       cfg.Port,
		DevMode:    cfg.DevMode,
		Log:        log,
		Controller: controller,
		Templates:  store,
		Bus:        bus,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown did not complete cleanly")
	}

	controller.Shutdown()
	log.Info().Msg("Shutdown complete")
}
