package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/nexasec/shadowbot/internal/connectors"
	"github.com/nexasec/shadowbot/internal/credentials"
	"github.com/nexasec/shadowbot/internal/models"
	"github.com/nexasec/shadowbot/internal/normalizer"
)

// windowStat is the per-automation activity observed inside this run's
// activity window, attributed by the automation's platform-native ID.
type windowStat struct {
	Events   int64
	OffHours int64
}

// actorStat accumulates activity per native actor before records exist.
type actorStat struct {
	windowEvents   int64
	windowOffHours int64
	newEvents      int64
	newOffHours    int64
	lastAt         time.Time
}

func (o *Orchestrator) runConnection(ctx context.Context, run *models.DiscoveryRun, runStart time.Time, conn *models.Connection) (models.ConnectionJobResult, map[uuid.UUID]windowStat) {
	result := models.ConnectionJobResult{
		ConnectionID: conn.ID,
		Platform:     conn.Platform,
		Status:       models.JobSkipped,
	}
	logger := o.logger.With(
		"run_id", run.ID,
		"connection_id", conn.ID,
		"platform", conn.Platform)

	if conn.Status != models.ConnectionActive {
		result.Error = fmt.Sprintf("connection is %s", conn.Status)
		return result, nil
	}

	sem := o.semFor(conn.Platform)
	if err := sem.Acquire(ctx, 1); err != nil {
		result.Status = models.JobFailed
		result.Error = "run cancelled before job started"
		return result, nil
	}
	defer sem.Release(1)

	acquired, err := o.coord.AcquireConnectionLock(ctx, conn.ID, run.ID, o.cfg.RunTimeout)
	if err != nil {
		result.Status = models.JobFailed
		result.Error = err.Error()
		return result, nil
	}
	if !acquired {
		result.Error = "discovery already in flight for connection"
		logger.Info("coalescing onto in-flight job")
		return result, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = o.coord.ReleaseConnectionLock(releaseCtx, conn.ID)
	}()

	cred, err := o.creds.RefreshIfExpiring(ctx, conn, o.lookahead)
	if err != nil {
		result.Error = err.Error()
		var refreshErr *credentials.RefreshError
		if errors.As(err, &refreshErr) {
			// The credential store already marked the connection expired;
			// the job is skipped as recoverable rather than failed.
			logger.Warn("credential refresh failed, connection marked expired", "error", err)
		} else {
			result.Status = models.JobFailed
			logger.Error("credential load failed", "error", err)
		}
		return result, nil
	}

	connector, err := o.factory.New(ctx, conn, cred)
	if err != nil {
		result.Status = models.JobFailed
		result.Error = err.Error()
		logger.Error("connector construction failed", "error", err)
		return result, nil
	}
	defer connector.Close()

	lister, ok := connector.(connectors.AutomationLister)
	if !ok {
		result.Error = fmt.Sprintf("platform %s cannot enumerate automations", conn.Platform)
		logger.Warn("automation listing unsupported")
		return result, nil
	}

	var since time.Time
	if conn.LastRunAt != nil {
		since = *conn.LastRunAt
	}

	raw, attempts, err := o.listAutomations(ctx, lister, since)
	result.Attempts = attempts
	if err != nil {
		result.Status, result.Error = o.classifyJobFailure(ctx, conn, err, logger)
		return result, nil
	}

	actors, activityErr := o.collectActivity(ctx, connector, conn, runStart, logger)
	if activityErr != nil {
		// Activity is an enrichment input; discovery proceeds without it and
		// the job surfaces the degradation rather than discarding records.
		logger.Warn("activity collection failed, scoring without window activity", "error", activityErr)
	}

	stats := make(map[uuid.UUID]windowStat)
	for _, event := range raw {
		record, err := normalizer.Normalize(conn.Platform, event)
		if err != nil {
			result.Skipped++
			logger.Warn("skipping unnormalizable event", "native_id", event.NativeID, "error", err)
			continue
		}

		record.ConnectionID = conn.ID
		record.OrganizationID = conn.OrganizationID

		if st, ok := actors[record.NativeID]; ok {
			record.EventCount = st.newEvents
			record.EventsOffHours = st.newOffHours
			if st.lastAt.After(record.LastSeenAt) {
				record.LastSeenAt = st.lastAt
			}
		}
		if record.LastSeenAt.IsZero() {
			record.LastSeenAt = runStart
		}

		if err := o.store.UpsertAutomation(ctx, record); err != nil {
			result.Status = models.JobFailed
			result.Error = fmt.Sprintf("persisting automation %s: %v", record.NativeID, err)
			logger.Error("automation upsert failed", "native_id", record.NativeID, "error", err)
			return result, stats
		}

		if st, ok := actors[record.NativeID]; ok {
			stats[record.ID] = windowStat{Events: st.windowEvents, OffHours: st.windowOffHours}
		}

		result.Discovered++
		if !record.FirstSeenAt.Before(runStart) {
			o.emitter.AutomationDiscovered(ctx, record, run.ID)
		}
	}

	result.Status = models.JobSucceeded
	if activityErr != nil {
		result.Error = fmt.Sprintf("activity degraded: %v", activityErr)
	}

	if err := o.store.UpdateConnectionLastRun(ctx, conn.ID, runStart, string(models.JobSucceeded)); err != nil {
		logger.Error("failed to advance watermark", "error", err)
	}

	logger.Info("connection job finished",
		"discovered", result.Discovered,
		"skipped", result.Skipped)

	return result, stats
}

// listAutomations walks the cursor-keyed page sequence with retries. The
// watermark bounds the listing so each run reads only what changed. The
// attempt count is the worst page's; 1 means no retries were needed.
func (o *Orchestrator) listAutomations(ctx context.Context, lister connectors.AutomationLister, since time.Time) ([]connectors.RawAutomationEvent, int, error) {
	var all []connectors.RawAutomationEvent
	attempts := 1
	cursor := ""
	for {
		var page *connectors.AutomationPage
		tries, err := o.withRetry(ctx, func() error {
			var err error
			page, err = lister.ListAutomations(ctx, since, cursor)
			return err
		})
		if tries > attempts {
			attempts = tries
		}
		if err != nil {
			return nil, attempts, err
		}

		all = append(all, page.Events...)
		if page.NextCursor == "" {
			return all, attempts, nil
		}
		cursor = page.NextCursor
	}
}

// collectActivity reads the platform's activity stream over the run's
// window and folds it into per-actor counters. A platform without an
// activity surface degrades to zero window activity, not to failure.
func (o *Orchestrator) collectActivity(ctx context.Context, connector connectors.Connector, conn *models.Connection, runStart time.Time, logger *slog.Logger) (map[string]*actorStat, error) {
	activityLister, ok := connector.(connectors.ActivityLister)
	if !ok {
		return nil, nil
	}

	window := connectors.ActivityWindow{
		Start: runStart.Add(-o.cfg.ActivityWindow),
		End:   runStart,
	}

	var watermark time.Time
	if conn.LastRunAt != nil {
		watermark = *conn.LastRunAt
	}

	actors := make(map[string]*actorStat)
	cursor := ""
	for {
		var page *connectors.ActivityPage
		_, err := o.withRetry(ctx, func() error {
			var err error
			page, err = activityLister.ListActivity(ctx, window, cursor)
			return err
		})
		if connectors.IsUnsupported(err) {
			logger.Warn("activity listing unsupported for platform", "platform", conn.Platform)
			return nil, nil
		}
		if err != nil {
			return actors, err
		}

		for _, event := range page.Events {
			actor := event.ActorID
			if actor == "" {
				actor = event.NativeID
			}
			st, ok := actors[actor]
			if !ok {
				st = &actorStat{}
				actors[actor] = st
			}

			offHours := o.policy.IsOffHours(event.Timestamp)
			st.windowEvents++
			if offHours {
				st.windowOffHours++
			}
			// Lifetime counters only accumulate events past the watermark,
			// so re-observed activity is never double-counted.
			if event.Timestamp.After(watermark) {
				st.newEvents++
				if offHours {
					st.newOffHours++
				}
			}
			if event.Timestamp.After(st.lastAt) {
				st.lastAt = event.Timestamp
			}
		}

		if page.NextCursor == "" {
			return actors, nil
		}
		cursor = page.NextCursor
	}
}

// classifyJobFailure maps a terminal listing error onto the connection and
// job state. Auth failures poison the connection until reauthorized;
// everything else fails only this job.
func (o *Orchestrator) classifyJobFailure(ctx context.Context, conn *models.Connection, err error, logger *slog.Logger) (models.JobStatus, string) {
	switch {
	case connectors.IsAuth(err):
		logger.Warn("platform rejected credentials", "error", err)
		if uerr := o.store.UpdateConnectionStatus(ctx, conn.ID, models.ConnectionError, err.Error()); uerr != nil {
			logger.Error("failed to mark connection errored", "error", uerr)
		}
		return models.JobFailed, err.Error()
	case connectors.IsUnsupported(err):
		logger.Warn("listing unsupported", "error", err)
		return models.JobSkipped, err.Error()
	default:
		logger.Error("listing failed", "error", err)
		return models.JobFailed, err.Error()
	}
}

// withRetry retries transient upstream failures with jittered exponential
// backoff, honoring any Retry-After hint the platform supplied. Auth and
// unsupported-operation errors fail immediately. The count returned is the
// number of calls actually made.
func (o *Orchestrator) withRetry(ctx context.Context, fn func() error) (int, error) {
	var err error
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := o.backoff(attempt, err)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return attempt, ctx.Err()
			}
		}

		err = fn()
		if err == nil {
			return attempt + 1, nil
		}
		if !connectors.IsTransient(err) {
			return attempt + 1, err
		}
	}
	return o.cfg.MaxRetries + 1, fmt.Errorf("retries exhausted: %w", err)
}

func (o *Orchestrator) backoff(attempt int, err error) time.Duration {
	if hint, ok := connectors.RetryAfterHint(err); ok && hint > 0 {
		return hint
	}

	wait := o.cfg.InitialBackoff << (attempt - 1)
	if wait > o.cfg.MaxBackoff {
		wait = o.cfg.MaxBackoff
	}
	// Full jitter on the upper half keeps retry herds apart.
	return wait/2 + time.Duration(rand.Int63n(int64(wait/2)+1))
}
