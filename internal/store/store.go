package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/nexasec/shadowbot/internal/credentials"
	"github.com/nexasec/shadowbot/internal/models"
)

type Store struct {
	db *sqlx.DB
}

type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

func New(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) GetConnection(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	var conn models.Connection
	query := `SELECT * FROM connections WHERE id = $1`
	err := s.db.GetContext(ctx, &conn, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &conn, err
}

func (s *Store) ListConnections(ctx context.Context, orgID uuid.UUID, status *models.ConnectionStatus) ([]models.Connection, error) {
	query := `SELECT * FROM connections WHERE organization_id = $1`
	args := []interface{}{orgID}

	if status != nil {
		query += " AND status = $2"
		args = append(args, *status)
	}

	query += " ORDER BY created_at"

	var conns []models.Connection
	err := s.db.SelectContext(ctx, &conns, query, args...)
	return conns, err
}

// ListOrganizationIDs returns every organization holding at least one
// active connection; the scheduler fans runs out across them.
func (s *Store) ListOrganizationIDs(ctx context.Context) ([]uuid.UUID, error) {
	query := `SELECT DISTINCT organization_id FROM connections WHERE status = $1 ORDER BY organization_id`
	var ids []uuid.UUID
	err := s.db.SelectContext(ctx, &ids, query, models.ConnectionActive)
	return ids, err
}

func (s *Store) UpdateConnectionStatus(ctx context.Context, connectionID uuid.UUID, status models.ConnectionStatus, message string) error {
	query := `UPDATE connections SET status = $1, status_message = $2, updated_at = $3 WHERE id = $4`
	_, err := s.db.ExecContext(ctx, query, status, message, time.Now(), connectionID)
	return err
}

// UpdateConnectionLastRun advances the connection's discovery watermark. The
// watermark is the start time of the last successful run, so events landing
// while a run is in flight are re-read by the next run rather than lost.
func (s *Store) UpdateConnectionLastRun(ctx context.Context, connectionID uuid.UUID, runStart time.Time, runStatus string) error {
	query := `UPDATE connections SET last_run_at = $1, last_run_status = $2, updated_at = $3 WHERE id = $4`
	_, err := s.db.ExecContext(ctx, query, runStart, runStatus, time.Now(), connectionID)
	return err
}

// GetCredential implements credentials.Persistence.
func (s *Store) GetCredential(ctx context.Context, connectionID uuid.UUID) (*credentials.SealedCredential, error) {
	var cred credentials.SealedCredential
	query := `SELECT * FROM connection_credentials WHERE connection_id = $1`
	err := s.db.GetContext(ctx, &cred, query, connectionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &cred, err
}

// PutCredential implements credentials.Persistence. One live credential per
// connection; a new token replaces the old row atomically.
func (s *Store) PutCredential(ctx context.Context, cred *credentials.SealedCredential) error {
	query := `
		INSERT INTO connection_credentials (connection_id, sealed, token_type, scopes, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (connection_id) DO UPDATE SET
			sealed = EXCLUDED.sealed,
			token_type = EXCLUDED.token_type,
			scopes = EXCLUDED.scopes,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		cred.ConnectionID,
		cred.Sealed,
		cred.TokenType,
		cred.Scopes,
		cred.ExpiresAt,
		cred.UpdatedAt,
	)
	return err
}

func (s *Store) CreateRun(ctx context.Context, run *models.DiscoveryRun) error {
	query := `
		INSERT INTO discovery_runs (id, organization_id, status, triggered_by, total_jobs, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	run.CreatedAt = time.Now()
	if run.Status == "" {
		run.Status = models.RunPending
	}

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.OrganizationID,
		run.Status,
		run.TriggeredBy,
		run.TotalJobs,
		run.CreatedAt,
	)
	return err
}

func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*models.DiscoveryRun, error) {
	var run models.DiscoveryRun
	query := `SELECT * FROM discovery_runs WHERE id = $1`
	err := s.db.GetContext(ctx, &run, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &run, err
}

func (s *Store) MarkRunStarted(ctx context.Context, id uuid.UUID, totalJobs int) error {
	query := `UPDATE discovery_runs SET status = $1, total_jobs = $2, started_at = $3 WHERE id = $4`
	_, err := s.db.ExecContext(ctx, query, models.RunRunning, totalJobs, time.Now(), id)
	return err
}

// CompleteRun records the terminal status plus the per-connection error
// detail so partial failures remain diagnosable after the run.
func (s *Store) CompleteRun(ctx context.Context, id uuid.UUID, status models.RunStatus, errs models.JSONB) error {
	query := `UPDATE discovery_runs SET status = $1, errors = $2, completed_at = $3 WHERE id = $4`
	_, err := s.db.ExecContext(ctx, query, status, errs, time.Now(), id)
	return err
}

func (s *Store) ListRuns(ctx context.Context, orgID uuid.UUID, limit int) ([]models.DiscoveryRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT * FROM discovery_runs WHERE organization_id = $1 ORDER BY created_at DESC LIMIT $2`
	var runs []models.DiscoveryRun
	err := s.db.SelectContext(ctx, &runs, query, orgID, limit)
	return runs, err
}
