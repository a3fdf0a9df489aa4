package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/illmade-knight/go-edgegateway/pkg/config"
	"github.com/illmade-knight/go-edgegateway/pkg/gateway"
	"github.com/illmade-knight/go-edgegateway/pkg/logging"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the gateway YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.New(logging.Config{}, nil).Fatal().Err(err).Str("path", *configPath).Msg("Failed to load config")
	}
	logger := logging.New(cfg.Config, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create edge gateway")
	}
	if err := gw.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start edge gateway")
	}

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	// The processor drain has its own budget; the extra time covers the
	// intake sources and the HTTP server.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout+5*time.Second)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Edge gateway did not shut down cleanly")
		os.Exit(1)
	}
}
