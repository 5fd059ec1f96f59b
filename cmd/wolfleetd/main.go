// Command wolfleetd runs the wake-on-LAN fleet command-and-control
// core: node session transport, host aggregation, command routing, and
// the wake schedule worker behind one HTTP listener.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfleet/wolfleet/internal/ccserver"
	"github.com/wolfleet/wolfleet/internal/config"
	"github.com/wolfleet/wolfleet/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("wolfleetd", "info").Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logging.New("wolfleetd", cfg.LogLevel)

	server, err := ccserver.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize server")
	}

	server.Start()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-shutdownCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			log.Fatal().Err(err).Msg("server error")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
		os.Exit(1)
	}

	log.Info().Msg("server shutdown complete")
}
