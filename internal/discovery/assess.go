package discovery

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nexasec/shadowbot/internal/models"
	"github.com/nexasec/shadowbot/internal/risk"
)

// assessOrganization is the run's second phase: score every live automation,
// correlate the full set into chains, then persist assessments carrying the
// chain component. Scoring happens after correlation so one assessment per
// automation per run reflects the complete picture.
func (o *Orchestrator) assessOrganization(ctx context.Context, run *models.DiscoveryRun, stats map[uuid.UUID]windowStat) error {
	orgID := run.OrganizationID

	records, err := o.store.ListOrgAutomations(ctx, orgID)
	if err != nil {
		return fmt.Errorf("listing automations: %w", err)
	}
	if len(records) == 0 {
		return o.store.ReplaceChains(ctx, orgID, nil)
	}

	// Preliminary scores feed the chain computation; chain risk is derived
	// from member risk, so members are scored first without the chain term.
	prelim := make(map[uuid.UUID]int, len(records))
	recordPtrs := make([]*models.AutomationRecord, len(records))
	for i := range records {
		record := &records[i]
		recordPtrs[i] = record
		st := stats[record.ID]
		prelim[record.ID] = o.engine.Score(risk.Input{
			Record:         record,
			Window:         o.cfg.ActivityWindow,
			WindowEvents:   st.Events,
			WindowOffHours: st.OffHours,
		}).Score
	}

	chains := o.correlator.Correlate(orgID, run.ID, recordPtrs, prelim)

	chainScores := make(map[uuid.UUID]int)
	for _, chain := range chains {
		for _, member := range chain.MemberIDs {
			id, err := uuid.Parse(member)
			if err != nil {
				continue
			}
			if chain.RiskScore > chainScores[id] {
				chainScores[id] = chain.RiskScore
			}
		}
	}

	previous, err := o.store.LatestAssessments(ctx, orgID)
	if err != nil {
		return fmt.Errorf("loading prior assessments: %w", err)
	}

	for _, record := range recordPtrs {
		st := stats[record.ID]
		assessment := o.engine.Score(risk.Input{
			Record:         record,
			Window:         o.cfg.ActivityWindow,
			WindowEvents:   st.Events,
			WindowOffHours: st.OffHours,
			ChainScore:     chainScores[record.ID],
		})
		assessment.RunID = run.ID

		if err := o.store.InsertAssessment(ctx, assessment); err != nil {
			return fmt.Errorf("persisting assessment for %s: %w", record.ID, err)
		}

		prev := previous[record.ID]
		if prev != nil && assessment.Level.Rank() > prev.Level.Rank() {
			o.emitter.RiskEscalated(ctx, record, prev, assessment)
			if o.notifier != nil {
				o.notifier.RiskEscalated(ctx, record, assessment)
			}
		}
	}

	if err := o.store.ReplaceChains(ctx, orgID, chains); err != nil {
		return fmt.Errorf("persisting chains: %w", err)
	}
	for _, chain := range chains {
		o.emitter.ChainDetected(ctx, chain)
	}

	o.mirrorGraph(ctx, orgID, recordPtrs, chains)

	return nil
}

// mirrorGraph projects records and chains into neo4j. Mirror failures are
// logged, never fatal; the relational store is authoritative.
func (o *Orchestrator) mirrorGraph(ctx context.Context, orgID uuid.UUID, records []*models.AutomationRecord, chains []*models.AutomationChain) {
	if o.graph == nil {
		return
	}

	for _, record := range records {
		if err := o.graph.UpsertAutomation(ctx, record); err != nil {
			o.logger.Error("graph mirror upsert failed",
				"automation_id", record.ID, "error", err)
			return
		}
	}

	if err := o.graph.SyncChains(ctx, orgID, chains); err != nil {
		o.logger.Error("graph chain sync failed",
			"organization_id", orgID, "error", err)
	}
}
