// Package main runs the trading arena: a roster of LLM agents competing on
// the same historical A-share tape, with an HTTP API and live feed over the
// results.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lharena/arena/internal/config"
	"github.com/lharena/arena/internal/di"
	"github.com/lharena/arena/internal/server"
	"github.com/lharena/arena/internal/store"
	"github.com/lharena/arena/internal/supervisor"
	"github.com/lharena/arena/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
	})
	logger.SetGlobalLogger(log)
	for _, warning := range cfg.Warnings {
		log.Warn().Msg(warning)
	}

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	st := store.New(log)
	for _, m := range cfg.Arena.Models {
		if m.Enabled {
			st.RegisterModel(m.Name, m.Color)
		}
	}

	sup := supervisor.New(supervisor.Deps{
		Config:     cfg,
		NewManager: container.NewArenaManager,
		Store:      st,
		Sessions:   container.Sessions,
		States:     container.ModelStates,
		Trades:     container.Trades,
		Curve:      container.DailyAssets,
		Holdings:   container.Holdings,
		Logs:       container.AILogs,
		Backups:    container.Backups,
	}, log)

	// Signal-driven shutdown; POST /shutdown feeds the same channel.
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	srv := server.New(server.Config{
		Log:     log,
		Port:    cfg.Server.Port,
		DevMode: cfg.Server.DevMode,
		Arena: server.NewArenaHandlers(
			cfg,
			st,
			sup,
			container.Sessions,
			container.Trades,
			container.DailyAssets,
			container.Backups,
			log,
		),
		System: server.NewSystemHandlers(cfg.Storage.DataDir, log),
		Feed:   server.NewFeedHandler(st, log),
		Shutdown: func() {
			select {
			case shutdownCh <- syscall.SIGTERM:
			default:
			}
		},
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
			select {
			case shutdownCh <- syscall.SIGTERM:
			default:
			}
		}
	}()

	if container.Scheduler != nil {
		container.Scheduler.Start()
	}

	// The competition starts immediately with the configured date range,
	// resuming the latest unfinished session if one exists. The API can
	// stop and restart it at will.
	if cfg.Trading.StartDate != "" && cfg.Trading.EndDate != "" {
		if err := sup.Start("", ""); err != nil {
			log.Error().Err(err).Msg("Failed to start arena run")
		}
	} else {
		log.Info().Msg("No date range configured, waiting for POST /api/arena/start")
	}

	sig := <-shutdownCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Arena did not stop cleanly")
	}
	if container.Scheduler != nil {
		container.Scheduler.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server did not stop cleanly")
	}
	log.Info().Msg("Goodbye")
}
