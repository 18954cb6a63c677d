package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/printwatch/printwatch/internal/config"
	"github.com/printwatch/printwatch/internal/push"
	"github.com/printwatch/printwatch/internal/server"
	"github.com/printwatch/printwatch/internal/store"
	"github.com/rs/zerolog"
)

func main() {
	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	// Load configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}

	// Initialize database
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer func() { _ = st.Close() }()

	gateway := push.NewGateway(push.Config{
		BaseURL: cfg.PushGatewayURL,
		APIKey:  cfg.PushGatewayKey,
	})

	// Create server
	srv, err := server.New(cfg, st, gateway, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create server")
	}

	// Handle shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("shutting down...")
		srv.Shutdown()
		os.Exit(0)
	}()

	// Run server
	if err := srv.Run(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}
