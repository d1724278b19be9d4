package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/internal/api"
	"github.com/pointdeck/pointdeck/internal/connection"
	"github.com/pointdeck/pointdeck/internal/liveness"
	"github.com/pointdeck/pointdeck/internal/router"
	"github.com/pointdeck/pointdeck/internal/session"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	clock := clockwork.NewRealClock()

	// All state is in-memory and lost on restart.
	sessions := session.NewRegistry(clock, session.RemovalPolicy(cfg.RemovalPolicy))
	conns := connection.NewRegistry(clock)
	eventRouter := router.NewRouter(sessions, conns, clock)
	monitor := liveness.NewMonitor(sessions, conns, eventRouter, clock, cfg.livenessConfig())

	wsHandler := router.NewWebSocketHandler(eventRouter, router.DefaultTransportConfig())
	apiHandler := api.NewHandler(sessions, conns, clock)
	server := setupServer(cfg, apiHandler, wsHandler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go eventRouter.Run(ctx)
	go monitor.Run(ctx)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("coordinator listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
