package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/agentdash/backend/internal/api"
	"github.com/agentdash/backend/internal/cache"
	"github.com/agentdash/backend/internal/config"
	"github.com/agentdash/backend/internal/metrics"
	"github.com/agentdash/backend/internal/monitor"
	"github.com/agentdash/backend/internal/state"
	"github.com/agentdash/backend/internal/ws"
)

func main() {
	defaultConfig := os.Getenv("AGENTDASH_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	configPath := flag.String("config", defaultConfig, "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	projectsDir := flag.String("projects-dir", "", "Override conversation projects directory")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *projectsDir != "" {
		cfg.Monitor.ProjectsDir = *projectsDir
	}
	if cfg.Monitor.ProjectsDir == "" {
		dir, err := monitor.DefaultProjectsDir()
		if err != nil {
			log.Fatal().Err(err).Msg("cannot resolve projects directory")
		}
		cfg.Monitor.ProjectsDir = dir
	}

	mm := metrics.New(cfg.Metrics)
	dataCache := cache.New(cfg.Cache, mm, log)
	calc := state.NewCalculator(cfg.Monitor.RecentThreshold, cfg.Monitor.IdleThreshold)

	wsServer := ws.NewServer(cfg.WS, mm, log)
	wsServer.SetConsoleResponder(func(payload json.RawMessage) {
		// No interactive console is attached in server mode; responses
		// are logged for diagnosis instead of dropped silently.
		log.Info().RawJSON("payload", payload).Msg("console response received")
	})
	wsServer.Start()

	registry := monitor.NewRegistry()
	mon := monitor.New(cfg.Monitor, dataCache, calc, registry, mm, wsServer, cfg.Cache.SweepInterval, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Start(ctx)

	apiServer := api.New(registry, dataCache, mm, wsServer, log)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           apiServer.Router(cfg.WS.Path),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutting down")
		cancel()
		wsServer.Close()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown error")
		}
	}()

	log.Info().
		Str("addr", httpServer.Addr).
		Str("ws_path", cfg.WS.Path).
		Str("projects_dir", cfg.Monitor.ProjectsDir).
		Msg("server listening")

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server error")
	}
}
