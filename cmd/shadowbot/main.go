package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nexasec/shadowbot/internal/app"
	"github.com/nexasec/shadowbot/internal/config"
	"github.com/nexasec/shadowbot/internal/models"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	checkConfig := flag.Bool("check", false, "Validate configuration and exit")
	orgFlag := flag.String("org", "", "Run one discovery pass for the organization and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("shadowbot v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *checkConfig {
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Config invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Config OK")
		os.Exit(0)
	}

	if *orgFlag == "" {
		fmt.Fprintln(os.Stderr, "Usage: shadowbot -org <organization-id> [-config path]")
		os.Exit(2)
	}

	orgID, err := uuid.Parse(*orgFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid organization ID: %v\n", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	engine, err := app.Build(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build engine: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		cancel()
	}()

	exitCode := runOnce(ctx, engine, orgID)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	engine.Close(closeCtx)

	os.Exit(exitCode)
}

// runOnce triggers a discovery run and polls until it reaches a terminal
// state, mirroring what the scheduler does unattended.
func runOnce(ctx context.Context, engine *app.App, orgID uuid.UUID) int {
	run, started, err := engine.Orchestrator.TriggerRun(ctx, orgID, "cli")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to trigger run: %v\n", err)
		return 1
	}
	if !started {
		fmt.Printf("Attached to run %s already in flight\n", run.ID)
	} else {
		fmt.Printf("Run %s started\n", run.ID)
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "Cancelled; run continues server-side until its deadline")
			return 1
		case <-ticker.C:
			current, err := engine.Store.GetRun(ctx, run.ID)
			if err != nil || current == nil {
				continue
			}
			if current.CompletedAt == nil {
				continue
			}

			fmt.Printf("Run %s finished: %s\n", current.ID, current.Status)
			for key, detail := range current.Errors {
				fmt.Printf("  %s: %v\n", key, detail)
			}
			if current.Status == models.RunFailed {
				return 1
			}
			return 0
		}
	}
}
