package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nexasec/shadowbot/internal/config"
	"github.com/nexasec/shadowbot/internal/connectors"
	"github.com/nexasec/shadowbot/internal/connectors/gworkspace"
	"github.com/nexasec/shadowbot/internal/connectors/openai"
	"github.com/nexasec/shadowbot/internal/connectors/slack"
	"github.com/nexasec/shadowbot/internal/correlation"
	"github.com/nexasec/shadowbot/internal/credentials"
	"github.com/nexasec/shadowbot/internal/discovery"
	"github.com/nexasec/shadowbot/internal/events"
	"github.com/nexasec/shadowbot/internal/graph"
	"github.com/nexasec/shadowbot/internal/models"
	"github.com/nexasec/shadowbot/internal/notifications"
	"github.com/nexasec/shadowbot/internal/risk"
	"github.com/nexasec/shadowbot/internal/runtrack"
	"github.com/nexasec/shadowbot/internal/store"
)

// App wires the engine together: store, credential handling, connectors,
// scoring, correlation, and the discovery orchestrator. Both binaries build
// the same graph and differ only in what they run on top of it.
type App struct {
	Config       *config.Config
	Store        *store.Store
	Tracker      *runtrack.Tracker
	Emitter      events.Emitter
	Graph        *graph.Graph
	Orchestrator *discovery.Orchestrator
	Scheduler    *discovery.Scheduler
	Logger       *slog.Logger
}

func Build(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	tracker, err := runtrack.New(runtrack.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("initializing run tracker: %w", err)
	}

	sealer, err := credentials.NewSealer(cfg.Credentials.SealKey)
	if err != nil {
		st.Close()
		tracker.Close()
		return nil, fmt.Errorf("initializing credential sealer: %w", err)
	}
	credStore := credentials.NewStore(st, sealer, cfg.Platforms, logger)

	factory := connectors.NewFactory(cfg.Platforms)
	factory.Register(models.PlatformSlack, slack.New)
	factory.Register(models.PlatformGoogleWorkspace, gworkspace.New)
	factory.Register(models.PlatformOpenAI, openai.New)

	var emitter events.Emitter
	if cfg.Kafka.Enabled {
		emitter, err = events.NewKafkaEmitter(cfg.Kafka, logger)
		if err != nil {
			st.Close()
			tracker.Close()
			return nil, fmt.Errorf("initializing event emitter: %w", err)
		}
	} else {
		emitter = events.NewLogEmitter(logger)
	}

	var graphMirror *graph.Graph
	if cfg.Graph.Enabled {
		graphMirror, err = graph.New(graph.Config{
			URI:      cfg.Graph.URI,
			Username: cfg.Graph.User,
			Password: cfg.Graph.Password,
		})
		if err != nil {
			// The mirror is optional; run without it rather than refuse to start.
			logger.Error("graph mirror unavailable, continuing without it", "error", err)
			graphMirror = nil
		}
	}

	policy, err := risk.NewPolicy(cfg.Policy)
	if err != nil {
		st.Close()
		tracker.Close()
		return nil, err
	}

	opts := discovery.Options{
		Config:     cfg.Discovery,
		Lookahead:  cfg.Credentials.RefreshLookahead,
		Inactivity: cfg.Policy.InactivityWindow,
		Store:      st,
		Creds:      credStore,
		Factory:    factory,
		Coord:      tracker,
		Engine:     risk.NewEngine(policy),
		Policy:     policy,
		Correlator: correlation.NewEngine(cfg.Policy.CorrelationWindow),
		Emitter:    emitter,
		Notifier:   notifications.NewService(cfg.Notifications.Webhook, logger),
		Logger:     logger,
	}
	if graphMirror != nil {
		opts.Graph = graphMirror
	}

	orchestrator := discovery.New(opts)
	scheduler := discovery.NewScheduler(orchestrator, st, cfg.Discovery.Schedule, logger)

	return &App{
		Config:       cfg,
		Store:        st,
		Tracker:      tracker,
		Emitter:      emitter,
		Graph:        graphMirror,
		Orchestrator: orchestrator,
		Scheduler:    scheduler,
		Logger:       logger,
	}, nil
}

func (a *App) Close(ctx context.Context) {
	if err := a.Emitter.Close(); err != nil {
		a.Logger.Error("closing event emitter", "error", err)
	}
	if a.Graph != nil {
		if err := a.Graph.Close(ctx); err != nil {
			a.Logger.Error("closing graph driver", "error", err)
		}
	}
	if err := a.Tracker.Close(); err != nil {
		a.Logger.Error("closing run tracker", "error", err)
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Error("closing store", "error", err)
	}
}
