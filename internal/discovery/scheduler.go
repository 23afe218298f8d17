package discovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// OrgLister yields the organizations eligible for scheduled discovery.
type OrgLister interface {
	ListOrganizationIDs(ctx context.Context) ([]uuid.UUID, error)
}

// Scheduler fans scheduled discovery runs out across organizations. Each
// tick triggers one run per organization; coalescing in the orchestrator
// makes overlapping ticks harmless.
type Scheduler struct {
	cron         *cron.Cron
	orchestrator *Orchestrator
	orgs         OrgLister
	schedule     string
	logger       *slog.Logger
}

func NewScheduler(orchestrator *Orchestrator, orgs OrgLister, schedule string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		orchestrator: orchestrator,
		orgs:         orgs,
		schedule:     schedule,
		logger:       logger,
	}
}

func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.tick); err != nil {
		return fmt.Errorf("invalid discovery schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.logger.Info("discovery scheduler started", "schedule", s.schedule)
	return nil
}

func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) tick() {
	ctx := context.Background()

	orgIDs, err := s.orgs.ListOrganizationIDs(ctx)
	if err != nil {
		s.logger.Error("failed to list organizations for scheduled discovery", "error", err)
		return
	}

	for _, orgID := range orgIDs {
		run, started, err := s.orchestrator.TriggerRun(ctx, orgID, "schedule")
		if err != nil {
			s.logger.Error("failed to trigger scheduled run",
				"organization_id", orgID, "error", err)
			continue
		}
		if !started {
			s.logger.Info("scheduled run coalesced onto active run",
				"organization_id", orgID, "run_id", run.ID)
		}
	}
}
