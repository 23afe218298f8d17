package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexasec/shadowbot/internal/api"
	"github.com/nexasec/shadowbot/internal/app"
	"github.com/nexasec/shadowbot/internal/config"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	engine, err := app.Build(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}

	server := api.NewServer(cfg, api.Deps{
		Store:        engine.Store,
		Orchestrator: engine.Orchestrator,
		Scheduler:    engine.Scheduler,
		Tracker:      engine.Tracker,
		Graph:        engine.Graph,
	}, api.WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
	}()

	log.Printf("Starting shadowbot server on %s:%d", cfg.Server.Host, cfg.Server.Port)
	err = server.Run(ctx)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	engine.Close(closeCtx)

	if err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
