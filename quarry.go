package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/quarry/admin"
	"github.com/maxpert/quarry/broker"
	"github.com/maxpert/quarry/cfg"
	"github.com/maxpert/quarry/db"
	"github.com/maxpert/quarry/notify"
	"github.com/maxpert/quarry/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("broker_id", cfg.Config.BrokerID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Quarry - durable message store")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	hub := notify.NewHub()
	defer hub.Close()

	opts := db.DefaultOptions()
	opts.Notifier = hub

	log.Info().Str("data_dir", cfg.Config.DataDir).Str("store", cfg.Config.Store.Name).Msg("Opening index manager")
	mgr, err := db.Open(cfg.Config.DataDir, cfg.Config.Store.Name, db.ModeReadWrite, 0, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open index manager")
		return
	}

	b := broker.New(mgr, hub, broker.DefaultOptions())

	collector := telemetry.NewMetricsCollector(mgr, 10*time.Second)
	collector.Start()

	var adminServer *http.Server
	if cfg.Config.Admin.Enabled {
		adminServer = startAdmin(mgr, b)
	}

	log.Info().
		Uint64("broker_id", cfg.Config.BrokerID).
		Str("data_dir", cfg.Config.DataDir).
		Int("admin_port", cfg.Config.Admin.Port).
		Msg("Broker is operational")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	// Best effort from here on: every step runs even if an earlier one failed
	if adminServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adminServer.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Admin server shutdown failed")
		}
		cancel()
	}

	collector.Stop()

	if err := b.Close(); err != nil {
		log.Warn().Err(err).Msg("Broker close reported failures")
	}
	if err := mgr.Close(); err != nil {
		log.Warn().Err(err).Msg("Index manager close reported failures")
	}

	log.Info().Msg("Stopped")
}

func startAdmin(mgr *db.Manager, b *broker.Broker) *http.Server {
	mux := http.NewServeMux()
	admin.RegisterRoutes(mux, admin.NewAdminHandlers(mgr, b))

	addr := fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Admin server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()

	return srv
}
