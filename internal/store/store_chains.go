package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nexasec/shadowbot/internal/models"
)

// ReplaceChains swaps the organization's chain set for the freshly computed
// one in a single transaction. Chains are derived data; recomputing from
// scratch each run avoids stale edges from automations that stopped
// co-occurring.
func (s *Store) ReplaceChains(ctx context.Context, orgID uuid.UUID, chains []*models.AutomationChain) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning chain transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM automation_chains WHERE organization_id = $1`, orgID); err != nil {
		return fmt.Errorf("clearing prior chains: %w", err)
	}

	insert := `
		INSERT INTO automation_chains (id, organization_id, run_id, member_ids, basis, risk_score, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for _, chain := range chains {
		if chain.ID == uuid.Nil {
			chain.ID = uuid.New()
		}
		if chain.DetectedAt.IsZero() {
			chain.DetectedAt = time.Now()
		}
		if _, err := tx.ExecContext(ctx, insert,
			chain.ID, chain.OrganizationID, chain.RunID,
			chain.MemberIDs, chain.Basis, chain.RiskScore, chain.DetectedAt,
		); err != nil {
			return fmt.Errorf("inserting chain %s: %w", chain.ID, err)
		}
	}

	return tx.Commit()
}

func (s *Store) ListChains(ctx context.Context, orgID uuid.UUID) ([]models.AutomationChain, error) {
	query := `SELECT * FROM automation_chains WHERE organization_id = $1 ORDER BY risk_score DESC, detected_at DESC`
	var chains []models.AutomationChain
	err := s.db.SelectContext(ctx, &chains, query, orgID)
	return chains, err
}
