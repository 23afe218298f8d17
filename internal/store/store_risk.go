package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/nexasec/shadowbot/internal/models"
)

// InsertAssessment appends a new risk assessment. Assessments are immutable
// history; there is no update path.
func (s *Store) InsertAssessment(ctx context.Context, a *models.RiskAssessment) error {
	query := `
		INSERT INTO risk_assessments (
			id, automation_id, organization_id, run_id, score, level,
			permission_score, anomaly_score, ai_score, chain_score,
			confidence, evidence, assessed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.AssessedAt.IsZero() {
		a.AssessedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.AutomationID, a.OrganizationID, a.RunID, a.Score, a.Level,
		a.PermissionScore, a.AnomalyScore, a.AIScore, a.ChainScore,
		a.Confidence, a.Evidence, a.AssessedAt,
	)
	return err
}

// LatestAssessment returns the most recent assessment for one automation,
// or nil when the automation has never been scored.
func (s *Store) LatestAssessment(ctx context.Context, automationID uuid.UUID) (*models.RiskAssessment, error) {
	var a models.RiskAssessment
	query := `
		SELECT * FROM risk_assessments
		WHERE automation_id = $1
		ORDER BY assessed_at DESC, id DESC
		LIMIT 1
	`
	err := s.db.GetContext(ctx, &a, query, automationID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &a, err
}

// LatestAssessments returns the newest assessment per automation for the
// organization, keyed by automation ID.
func (s *Store) LatestAssessments(ctx context.Context, orgID uuid.UUID) (map[uuid.UUID]*models.RiskAssessment, error) {
	query := `
		SELECT DISTINCT ON (automation_id) * FROM risk_assessments
		WHERE organization_id = $1
		ORDER BY automation_id, assessed_at DESC, id DESC
	`
	var rows []models.RiskAssessment
	if err := s.db.SelectContext(ctx, &rows, query, orgID); err != nil {
		return nil, err
	}

	out := make(map[uuid.UUID]*models.RiskAssessment, len(rows))
	for i := range rows {
		out[rows[i].AutomationID] = &rows[i]
	}
	return out, nil
}

func (s *Store) ListAssessmentHistory(ctx context.Context, automationID uuid.UUID, limit int) ([]models.RiskAssessment, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT * FROM risk_assessments
		WHERE automation_id = $1
		ORDER BY assessed_at DESC, id DESC
		LIMIT $2
	`
	var rows []models.RiskAssessment
	err := s.db.SelectContext(ctx, &rows, query, automationID, limit)
	return rows, err
}
