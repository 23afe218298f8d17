package runtrack

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nexasec/shadowbot/internal/models"
)

const (
	OrgRunLockPrefix     = "shadowbot:lock:org:"
	ConnectionLockPrefix = "shadowbot:lock:connection:"
	RunProgressPrefix    = "shadowbot:run:progress:"
	ActiveRunPrefix      = "shadowbot:run:active:"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

// Tracker coordinates discovery runs across processes: per-connection
// coalescing locks and live run progress live in redis so an API replica
// can answer status queries for a run executing elsewhere.
type Tracker struct {
	client *redis.Client
}

func New(cfg Config) (*Tracker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Tracker{client: client}, nil
}

func (t *Tracker) Close() error {
	return t.client.Close()
}

// RunProgress is the live view of one discovery run. It mirrors the
// database row but updates per-job, so operators watch runs in flight.
type RunProgress struct {
	RunID          uuid.UUID                    `json:"run_id"`
	OrganizationID uuid.UUID                    `json:"organization_id"`
	Status         models.RunStatus             `json:"status"`
	TotalJobs      int                          `json:"total_jobs"`
	CompletedJobs  int                          `json:"completed_jobs"`
	Discovered     int                          `json:"discovered"`
	Jobs           []models.ConnectionJobResult `json:"jobs,omitempty"`
	StartedAt      *time.Time                   `json:"started_at,omitempty"`
	UpdatedAt      time.Time                    `json:"updated_at"`
	CompletedAt    *time.Time                   `json:"completed_at,omitempty"`
}

// AcquireConnectionLock claims a connection for one discovery job. The lock
// is the coalescing mechanism: a second trigger while a job is in flight
// fails to claim and attaches to the running job instead of duplicating it.
// The TTL bounds the damage of a crashed worker holding a claim.
func (t *Tracker) AcquireConnectionLock(ctx context.Context, connectionID, runID uuid.UUID, ttl time.Duration) (bool, error) {
	key := ConnectionLockPrefix + connectionID.String()
	ok, err := t.client.SetNX(ctx, key, runID.String(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring connection lock: %w", err)
	}
	return ok, nil
}

func (t *Tracker) ReleaseConnectionLock(ctx context.Context, connectionID uuid.UUID) error {
	return t.client.Del(ctx, ConnectionLockPrefix+connectionID.String()).Err()
}

// HoldingRun returns the run currently holding the connection's lock, or
// uuid.Nil when the connection is idle.
func (t *Tracker) HoldingRun(ctx context.Context, connectionID uuid.UUID) (uuid.UUID, error) {
	val, err := t.client.Get(ctx, ConnectionLockPrefix+connectionID.String()).Result()
	if err == redis.Nil {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("reading connection lock: %w", err)
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parsing lock holder: %w", err)
	}
	return id, nil
}

// AcquireOrgRun registers a run as the organization's active one. A second
// trigger while a run is active returns the existing run's ID so the caller
// can coalesce onto it.
func (t *Tracker) AcquireOrgRun(ctx context.Context, orgID, runID uuid.UUID, ttl time.Duration) (uuid.UUID, bool, error) {
	key := ActiveRunPrefix + orgID.String()
	ok, err := t.client.SetNX(ctx, key, runID.String(), ttl).Result()
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("registering active run: %w", err)
	}
	if ok {
		return runID, true, nil
	}

	val, err := t.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// Holder expired between SetNX and Get; try once more.
		return t.AcquireOrgRun(ctx, orgID, runID, ttl)
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("reading active run: %w", err)
	}
	existing, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("parsing active run: %w", err)
	}
	return existing, false, nil
}

func (t *Tracker) ReleaseOrgRun(ctx context.Context, orgID uuid.UUID) error {
	return t.client.Del(ctx, ActiveRunPrefix+orgID.String()).Err()
}

func (t *Tracker) UpdateProgress(ctx context.Context, progress *RunProgress) error {
	progress.UpdatedAt = time.Now()
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshaling progress: %w", err)
	}

	key := RunProgressPrefix + progress.RunID.String()
	if err := t.client.Set(ctx, key, string(data), 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("updating progress: %w", err)
	}

	return nil
}

func (t *Tracker) GetProgress(ctx context.Context, runID uuid.UUID) (*RunProgress, error) {
	key := RunProgressPrefix + runID.String()
	data, err := t.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting progress: %w", err)
	}

	var progress RunProgress
	if err := json.Unmarshal([]byte(data), &progress); err != nil {
		return nil, fmt.Errorf("unmarshaling progress: %w", err)
	}

	return &progress, nil
}
