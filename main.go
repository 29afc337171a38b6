package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"
)

const shutdownGracePeriod = 15 * time.Second

func main() {
	debug := flag.Bool("debug", false, "enable debug logging regardless of TB_LOG_LEVEL")
	flag.Parse()

	// Temporary logger until config is loaded, matching the teacher's
	// bootstrap sequence.
	bootLogger := log.New(os.Stderr, "", log.LstdFlags)

	cfg, err := LoadConfig()
	if err != nil {
		bootLogger.Fatalf("failed to load configuration: %v", err)
	}

	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := NewLogger(LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	server, err := NewServer(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server exited unexpectedly")
		}
		cancel()
		return
	}

	cancel()

	if err := server.Shutdown(shutdownGracePeriod); err != nil {
		logger.Error().Err(err).Msg("error during graceful shutdown")
	}

	logger.Info().Msg("telemetry bridge stopped")
}
