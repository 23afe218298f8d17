package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nexasec/shadowbot/internal/models"
)

// UpsertAutomation inserts or re-observes an automation. Identity is
// (connection_id, native_id); a re-observation refreshes the descriptive
// fields, advances last_seen_at, accumulates the activity counters, and
// clears the dormant flag. first_seen_at and created_at survive the update.
func (s *Store) UpsertAutomation(ctx context.Context, record *models.AutomationRecord) error {
	query := `
		INSERT INTO automations (
			id, connection_id, organization_id, platform, native_id, type,
			display_name, permissions, creator_id, first_seen_at, last_seen_at,
			event_count, events_off_hours, ai_providers, dormant, raw_metadata,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18
		)
		ON CONFLICT (connection_id, native_id) DO UPDATE SET
			type = EXCLUDED.type,
			display_name = EXCLUDED.display_name,
			permissions = EXCLUDED.permissions,
			creator_id = EXCLUDED.creator_id,
			last_seen_at = GREATEST(automations.last_seen_at, EXCLUDED.last_seen_at),
			event_count = automations.event_count + EXCLUDED.event_count,
			events_off_hours = automations.events_off_hours + EXCLUDED.events_off_hours,
			ai_providers = EXCLUDED.ai_providers,
			dormant = false,
			raw_metadata = EXCLUDED.raw_metadata,
			updated_at = EXCLUDED.updated_at
		RETURNING id, first_seen_at, event_count, events_off_hours
	`

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	now := time.Now()
	record.CreatedAt = now
	record.UpdatedAt = now
	if record.FirstSeenAt.IsZero() {
		record.FirstSeenAt = now
	}
	if record.LastSeenAt.IsZero() {
		record.LastSeenAt = now
	}

	row := s.db.QueryRowxContext(ctx, query,
		record.ID, record.ConnectionID, record.OrganizationID, record.Platform, record.NativeID, record.Type,
		record.DisplayName, record.Permissions, record.CreatorID, record.FirstSeenAt, record.LastSeenAt,
		record.EventCount, record.EventsOffHours, record.AIProviders, record.Dormant, record.RawMetadata,
		record.CreatedAt, record.UpdatedAt,
	)
	// Read back the authoritative identity and lifetime counters so callers
	// score against accumulated history, not just this run's slice.
	return row.Scan(&record.ID, &record.FirstSeenAt, &record.EventCount, &record.EventsOffHours)
}

func (s *Store) GetAutomation(ctx context.Context, id uuid.UUID) (*models.AutomationRecord, error) {
	var record models.AutomationRecord
	query := `SELECT * FROM automations WHERE id = $1`
	err := s.db.GetContext(ctx, &record, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &record, err
}

type ListAutomationFilters struct {
	Platform     *models.Platform
	Type         *models.AutomationType
	CreatorID    *string
	Dormant      *bool
	AITaggedOnly bool
	Limit        int
	Offset       int
}

// ListAutomations returns one organization's automations plus the total
// matching count. Every query is scoped by organization_id; there is no
// unscoped variant.
func (s *Store) ListAutomations(ctx context.Context, orgID uuid.UUID, filters ListAutomationFilters) ([]models.AutomationRecord, int, error) {
	baseQuery := `FROM automations WHERE organization_id = $1`
	args := []interface{}{orgID}
	argIdx := 2

	if filters.Platform != nil {
		baseQuery += fmt.Sprintf(" AND platform = $%d", argIdx)
		args = append(args, *filters.Platform)
		argIdx++
	}
	if filters.Type != nil {
		baseQuery += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, *filters.Type)
		argIdx++
	}
	if filters.CreatorID != nil {
		baseQuery += fmt.Sprintf(" AND creator_id = $%d", argIdx)
		args = append(args, *filters.CreatorID)
		argIdx++
	}
	if filters.Dormant != nil {
		baseQuery += fmt.Sprintf(" AND dormant = $%d", argIdx)
		args = append(args, *filters.Dormant)
		argIdx++
	}
	if filters.AITaggedOnly {
		baseQuery += " AND cardinality(ai_providers) > 0"
	}

	var total int
	countQuery := "SELECT COUNT(*) " + baseQuery
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	selectQuery := "SELECT * " + baseQuery + " ORDER BY last_seen_at DESC, id"
	if filters.Limit > 0 {
		selectQuery += fmt.Sprintf(" LIMIT %d", filters.Limit)
	}
	if filters.Offset > 0 {
		selectQuery += fmt.Sprintf(" OFFSET %d", filters.Offset)
	}

	var records []models.AutomationRecord
	if err := s.db.SelectContext(ctx, &records, selectQuery, args...); err != nil {
		return nil, 0, err
	}

	return records, total, nil
}

// ListOrgAutomations returns every non-dormant automation for the
// organization; the correlation pass consumes the full set.
func (s *Store) ListOrgAutomations(ctx context.Context, orgID uuid.UUID) ([]models.AutomationRecord, error) {
	query := `SELECT * FROM automations WHERE organization_id = $1 AND dormant = false ORDER BY last_seen_at, id`
	var records []models.AutomationRecord
	err := s.db.SelectContext(ctx, &records, query, orgID)
	return records, err
}

// SweepDormant marks automations with no activity since the cutoff as
// dormant. Records are never hard-deleted; dormant history still feeds
// trend queries and re-activates on the next sighting.
func (s *Store) SweepDormant(ctx context.Context, orgID uuid.UUID, cutoff time.Time) (int64, error) {
	query := `
		UPDATE automations SET dormant = true, updated_at = $1
		WHERE organization_id = $2 AND dormant = false AND last_seen_at < $3
	`
	res, err := s.db.ExecContext(ctx, query, time.Now(), orgID, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
