package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/nexasec/shadowbot/internal/config"
	"github.com/nexasec/shadowbot/internal/connectors"
	"github.com/nexasec/shadowbot/internal/correlation"
	"github.com/nexasec/shadowbot/internal/events"
	"github.com/nexasec/shadowbot/internal/models"
	"github.com/nexasec/shadowbot/internal/risk"
	"github.com/nexasec/shadowbot/internal/runtrack"
)

// Store is the slice of the database layer discovery needs.
type Store interface {
	ListConnections(ctx context.Context, orgID uuid.UUID, status *models.ConnectionStatus) ([]models.Connection, error)
	UpdateConnectionStatus(ctx context.Context, connectionID uuid.UUID, status models.ConnectionStatus, message string) error
	UpdateConnectionLastRun(ctx context.Context, connectionID uuid.UUID, runStart time.Time, runStatus string) error

	CreateRun(ctx context.Context, run *models.DiscoveryRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*models.DiscoveryRun, error)
	MarkRunStarted(ctx context.Context, id uuid.UUID, totalJobs int) error
	CompleteRun(ctx context.Context, id uuid.UUID, status models.RunStatus, errs models.JSONB) error

	UpsertAutomation(ctx context.Context, record *models.AutomationRecord) error
	ListOrgAutomations(ctx context.Context, orgID uuid.UUID) ([]models.AutomationRecord, error)
	SweepDormant(ctx context.Context, orgID uuid.UUID, cutoff time.Time) (int64, error)

	InsertAssessment(ctx context.Context, a *models.RiskAssessment) error
	LatestAssessments(ctx context.Context, orgID uuid.UUID) (map[uuid.UUID]*models.RiskAssessment, error)

	ReplaceChains(ctx context.Context, orgID uuid.UUID, chains []*models.AutomationChain) error
}

// CredentialSource provides live tokens, refreshing proactively.
type CredentialSource interface {
	RefreshIfExpiring(ctx context.Context, conn *models.Connection, window time.Duration) (*models.Credential, error)
}

// Coordinator serializes runs across processes: at most one active run per
// organization, at most one in-flight job per connection.
type Coordinator interface {
	AcquireOrgRun(ctx context.Context, orgID, runID uuid.UUID, ttl time.Duration) (uuid.UUID, bool, error)
	ReleaseOrgRun(ctx context.Context, orgID uuid.UUID) error
	AcquireConnectionLock(ctx context.Context, connectionID, runID uuid.UUID, ttl time.Duration) (bool, error)
	ReleaseConnectionLock(ctx context.Context, connectionID uuid.UUID) error
	UpdateProgress(ctx context.Context, progress *runtrack.RunProgress) error
}

// GraphMirror is the optional neo4j projection of discovered automations.
type GraphMirror interface {
	UpsertAutomation(ctx context.Context, record *models.AutomationRecord) error
	SyncChains(ctx context.Context, orgID uuid.UUID, chains []*models.AutomationChain) error
}

// Notifier receives risk escalations for out-of-band alerting.
type Notifier interface {
	RiskEscalated(ctx context.Context, record *models.AutomationRecord, assessment *models.RiskAssessment)
}

// Orchestrator drives organization-wide discovery runs: one job per active
// connection, bounded per-platform concurrency, partial-failure containment,
// then an organization-level scoring and correlation pass over the results.
type Orchestrator struct {
	cfg        config.DiscoveryConfig
	lookahead  time.Duration
	inactivity time.Duration

	store      Store
	creds      CredentialSource
	factory    *connectors.Factory
	coord      Coordinator
	engine     *risk.Engine
	policy     *risk.Policy
	correlator *correlation.Engine
	emitter    events.Emitter
	graph      GraphMirror
	notifier   Notifier
	logger     *slog.Logger

	mu   sync.Mutex
	sems map[models.Platform]*semaphore.Weighted
}

type Options struct {
	Config     config.DiscoveryConfig
	Lookahead  time.Duration
	Inactivity time.Duration
	Store      Store
	Creds      CredentialSource
	Factory    *connectors.Factory
	Coord      Coordinator
	Engine     *risk.Engine
	Policy     *risk.Policy
	Correlator *correlation.Engine
	Emitter    events.Emitter
	Graph      GraphMirror // optional
	Notifier   Notifier    // optional
	Logger     *slog.Logger
}

func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		cfg:        opts.Config,
		lookahead:  opts.Lookahead,
		inactivity: opts.Inactivity,
		store:      opts.Store,
		creds:      opts.Creds,
		factory:    opts.Factory,
		coord:      opts.Coord,
		engine:     opts.Engine,
		policy:     opts.Policy,
		correlator: opts.Correlator,
		emitter:    opts.Emitter,
		graph:      opts.Graph,
		notifier:   opts.Notifier,
		logger:     opts.Logger,
		sems:       make(map[models.Platform]*semaphore.Weighted),
	}
}

// semFor returns the per-platform concurrency gate. Platforms rate-limit
// per workspace; the cap keeps one noisy tenant from starving the rest.
func (o *Orchestrator) semFor(platform models.Platform) *semaphore.Weighted {
	o.mu.Lock()
	defer o.mu.Unlock()
	sem, ok := o.sems[platform]
	if !ok {
		sem = semaphore.NewWeighted(int64(o.cfg.PlatformConcurrency))
		o.sems[platform] = sem
	}
	return sem
}

// TriggerRun starts a discovery run for the organization, or coalesces onto
// the run already in flight. The second return reports whether a new run was
// started.
func (o *Orchestrator) TriggerRun(ctx context.Context, orgID uuid.UUID, triggeredBy string) (*models.DiscoveryRun, bool, error) {
	runID := uuid.New()

	holder, acquired, err := o.coord.AcquireOrgRun(ctx, orgID, runID, o.cfg.RunTimeout)
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		existing, err := o.store.GetRun(ctx, holder)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
		// The lock outlived its run row; treat as free and claim again.
		if err := o.coord.ReleaseOrgRun(ctx, orgID); err != nil {
			return nil, false, err
		}
		return o.TriggerRun(ctx, orgID, triggeredBy)
	}

	run := &models.DiscoveryRun{
		ID:             runID,
		OrganizationID: orgID,
		Status:         models.RunPending,
		TriggeredBy:    triggeredBy,
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		_ = o.coord.ReleaseOrgRun(ctx, orgID)
		return nil, false, fmt.Errorf("creating run: %w", err)
	}

	go o.execute(run)

	return run, true, nil
}

func (o *Orchestrator) execute(run *models.DiscoveryRun) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.RunTimeout)
	defer cancel()
	defer func() {
		// Release under a fresh context so a timed-out run still unlocks.
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer releaseCancel()
		if err := o.coord.ReleaseOrgRun(releaseCtx, run.OrganizationID); err != nil {
			o.logger.Error("failed to release org run lock",
				"organization_id", run.OrganizationID, "error", err)
		}
	}()

	runStart := time.Now()
	logger := o.logger.With("run_id", run.ID, "organization_id", run.OrganizationID)
	logger.Info("discovery run starting", "triggered_by", run.TriggeredBy)

	conns, err := o.store.ListConnections(ctx, run.OrganizationID, nil)
	if err != nil {
		logger.Error("failed to list connections", "error", err)
		o.finishRun(run, models.RunFailed, models.JSONB{"run": err.Error()}, nil, runStart)
		return
	}

	if err := o.store.MarkRunStarted(ctx, run.ID, len(conns)); err != nil {
		logger.Error("failed to mark run started", "error", err)
	}

	progress := &runtrack.RunProgress{
		RunID:          run.ID,
		OrganizationID: run.OrganizationID,
		Status:         models.RunRunning,
		TotalJobs:      len(conns),
		StartedAt:      &runStart,
	}
	_ = o.coord.UpdateProgress(ctx, progress)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []models.ConnectionJobResult
		stats   = make(map[uuid.UUID]windowStat)
	)

	for i := range conns {
		conn := conns[i]
		wg.Add(1)
		go func() {
			defer wg.Done()

			result, jobStats := o.runConnection(ctx, run, runStart, &conn)

			mu.Lock()
			results = append(results, result)
			for id, st := range jobStats {
				stats[id] = st
			}
			progress.CompletedJobs++
			progress.Discovered += result.Discovered
			progress.Jobs = append(progress.Jobs, result)
			// The coordinator serializes the struct it receives; publish a
			// private copy so sibling jobs cannot mutate it mid-marshal.
			snapshot := *progress
			snapshot.Jobs = append([]models.ConnectionJobResult(nil), progress.Jobs...)
			mu.Unlock()

			_ = o.coord.UpdateProgress(ctx, &snapshot)
		}()
	}
	wg.Wait()

	// Score and correlate whatever the jobs produced; a platform outage must
	// not suppress findings from the platforms that answered.
	if err := o.assessOrganization(ctx, run, stats); err != nil {
		logger.Error("organization assessment failed", "error", err)
	}

	if swept, err := o.store.SweepDormant(ctx, run.OrganizationID, runStart.Add(-o.inactivity)); err != nil {
		logger.Error("dormancy sweep failed", "error", err)
	} else if swept > 0 {
		logger.Info("marked automations dormant", "count", swept)
	}

	status, errs := aggregateResults(results, ctx.Err())
	o.finishRun(run, status, errs, progress, runStart)

	logger.Info("discovery run finished",
		"status", status,
		"jobs", len(results),
		"duration", time.Since(runStart))
}

func (o *Orchestrator) finishRun(run *models.DiscoveryRun, status models.RunStatus, errs models.JSONB, progress *runtrack.RunProgress, runStart time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := o.store.CompleteRun(ctx, run.ID, status, errs); err != nil {
		o.logger.Error("failed to complete run", "run_id", run.ID, "error", err)
	}

	if progress != nil {
		now := time.Now()
		progress.Status = status
		progress.CompletedAt = &now
		_ = o.coord.UpdateProgress(ctx, progress)
	}
}

// aggregateResults folds per-connection outcomes into the run status. A run
// with zero failed jobs succeeds; all jobs failed means the run failed; any
// mix is a partial failure. Context expiry fails the run outright but keeps
// the per-job detail.
func aggregateResults(results []models.ConnectionJobResult, ctxErr error) (models.RunStatus, models.JSONB) {
	var succeeded, failed int
	errs := models.JSONB{}

	for _, r := range results {
		switch r.Status {
		case models.JobSucceeded:
			succeeded++
		case models.JobFailed:
			failed++
			errs[r.ConnectionID.String()] = r.Error
		}
	}

	if ctxErr != nil {
		errs["run"] = "run deadline exceeded"
		if succeeded > 0 {
			return models.RunPartiallyFailed, errs
		}
		return models.RunFailed, errs
	}

	switch {
	case failed == 0:
		return models.RunSucceeded, nil
	case succeeded == 0:
		return models.RunFailed, errs
	default:
		return models.RunPartiallyFailed, errs
	}
}
