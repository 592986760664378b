// Package main is the entry point for the headless ad engine harness
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/thenexusengine/tne_appylar/internal/config"
	"github.com/thenexusengine/tne_appylar/pkg/logger"
)

func main() {
	// Initialize structured logger
	logger.Init(logger.DefaultConfig())
	log := logger.Log

	cfg, err := ParseConfig(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	harness, err := NewHarness(cfg, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create harness")
	}

	go func() {
		if err := harness.Start(); err != nil {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()
	harness.Run()

	// SIGUSR1/SIGUSR2 play the host going to the background and back
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

	for sig := range signals {
		switch sig {
		case syscall.SIGUSR1:
			log.Info().Msg("Suspending ad engine")
			harness.engine.Suspend()
			continue
		case syscall.SIGUSR2:
			log.Info().Msg("Resuming ad engine")
			harness.engine.Resume()
			continue
		}

		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		break
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()

	if err := harness.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Harness forced to shutdown")
	}
}
