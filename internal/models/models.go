package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// StringArray is an alias for pq.StringArray to handle PostgreSQL arrays
type StringArray = pq.StringArray

type Platform string

const (
	PlatformSlack           Platform = "slack"
	PlatformGoogleWorkspace Platform = "google_workspace"
	PlatformOpenAI          Platform = "openai"
)

type ConnectionStatus string

const (
	ConnectionActive  ConnectionStatus = "active"
	ConnectionError   ConnectionStatus = "error"
	ConnectionExpired ConnectionStatus = "expired"
	ConnectionRevoked ConnectionStatus = "revoked"
)

type AutomationType string

const (
	AutomationBot            AutomationType = "bot"
	AutomationWorkflow       AutomationType = "workflow"
	AutomationScript         AutomationType = "script"
	AutomationOAuthApp       AutomationType = "oauth_app"
	AutomationServiceAccount AutomationType = "service_account"
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk bands for escalation comparisons.
func (l RiskLevel) Rank() int {
	switch l {
	case RiskCritical:
		return 4
	case RiskHigh:
		return 3
	case RiskMedium:
		return 2
	case RiskLow:
		return 1
	}
	return 0
}

// RiskLevelForScore maps a 0-100 score onto a risk band.
func RiskLevelForScore(score int) RiskLevel {
	switch {
	case score >= 90:
		return RiskCritical
	case score >= 60:
		return RiskHigh
	case score >= 30:
		return RiskMedium
	default:
		return RiskLow
	}
}

type RunStatus string

const (
	RunPending         RunStatus = "pending"
	RunRunning         RunStatus = "running"
	RunSucceeded       RunStatus = "succeeded"
	RunFailed          RunStatus = "failed"
	RunPartiallyFailed RunStatus = "partially_failed"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobSkipped   JobStatus = "skipped"
)

type CorrelationBasis string

const (
	BasisSharedIdentity    CorrelationBasis = "shared_identity"
	BasisTimeWindow        CorrelationBasis = "time_window"
	BasisDataFlowInference CorrelationBasis = "data_flow_inference"
)

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// Connection is one organization's authorized link to an external platform.
// Connection rows are provisioned by the OAuth collaborator; the engine only
// reads them and maintains status and the discovery watermark.
type Connection struct {
	ID             uuid.UUID        `json:"id" db:"id"`
	OrganizationID uuid.UUID        `json:"organization_id" db:"organization_id"`
	Platform       Platform         `json:"platform" db:"platform"`
	DisplayName    string           `json:"display_name" db:"display_name"`
	Scopes         StringArray      `json:"scopes" db:"scopes"`
	Status         ConnectionStatus `json:"status" db:"status"`
	StatusMessage  string           `json:"status_message,omitempty" db:"status_message"`
	LastRunAt      *time.Time       `json:"last_run_at,omitempty" db:"last_run_at"`
	LastRunStatus  string           `json:"last_run_status,omitempty" db:"last_run_status"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at" db:"updated_at"`
}

// Credential holds the OAuth-derived token material for one connection.
// Exactly one live credential exists per connection ID. Token fields are
// sealed at rest and never serialized to JSON.
type Credential struct {
	ConnectionID uuid.UUID   `json:"-" db:"connection_id"`
	AccessToken  string      `json:"-" db:"-"`
	RefreshToken string      `json:"-" db:"-"`
	TokenType    string      `json:"-" db:"token_type"`
	Scopes       StringArray `json:"-" db:"scopes"`
	ExpiresAt    time.Time   `json:"-" db:"expires_at"`
	UpdatedAt    time.Time   `json:"-" db:"updated_at"`
}

// Expiring reports whether the credential expires within the window.
func (c *Credential) Expiring(window time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Until(c.ExpiresAt) <= window
}

// AutomationRecord is the canonical representation of a discovered bot,
// workflow, script, OAuth app, or service account. Unique per
// (connection_id, native_id). Never hard-deleted; marked dormant instead.
type AutomationRecord struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	ConnectionID   uuid.UUID      `json:"connection_id" db:"connection_id"`
	OrganizationID uuid.UUID      `json:"organization_id" db:"organization_id"`
	Platform       Platform       `json:"platform" db:"platform"`
	NativeID       string         `json:"native_id" db:"native_id"`
	Type           AutomationType `json:"type" db:"type"`
	DisplayName    string         `json:"display_name" db:"display_name"`
	Permissions    StringArray    `json:"permissions" db:"permissions"`
	CreatorID      string         `json:"creator_id,omitempty" db:"creator_id"`
	FirstSeenAt    time.Time      `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt     time.Time      `json:"last_seen_at" db:"last_seen_at"`
	EventCount     int64          `json:"event_count" db:"event_count"`
	EventsOffHours int64          `json:"events_off_hours" db:"events_off_hours"`
	AIProviders    StringArray    `json:"ai_providers" db:"ai_providers"`
	Dormant        bool           `json:"dormant" db:"dormant"`
	RawMetadata    JSONB          `json:"raw_metadata,omitempty" db:"raw_metadata"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// RiskAssessment is a point-in-time score for one automation. Rows are
// append-only; history is retained for trend analysis.
type RiskAssessment struct {
	ID              uuid.UUID   `json:"id" db:"id"`
	AutomationID    uuid.UUID   `json:"automation_id" db:"automation_id"`
	OrganizationID  uuid.UUID   `json:"organization_id" db:"organization_id"`
	RunID           uuid.UUID   `json:"run_id" db:"run_id"`
	Score           int         `json:"score" db:"score"`
	Level           RiskLevel   `json:"level" db:"level"`
	PermissionScore int         `json:"permission_score" db:"permission_score"`
	AnomalyScore    int         `json:"anomaly_score" db:"anomaly_score"`
	AIScore         int         `json:"ai_score" db:"ai_score"`
	ChainScore      int         `json:"chain_score" db:"chain_score"`
	Confidence      int         `json:"confidence" db:"confidence"`
	Evidence        StringArray `json:"evidence" db:"evidence"`
	AssessedAt      time.Time   `json:"assessed_at" db:"assessed_at"`
}

// AutomationChain links two or more automations believed to participate in
// one coordinated workflow, possibly across platforms. Chains are recomputed
// from scratch each run.
type AutomationChain struct {
	ID             uuid.UUID        `json:"id" db:"id"`
	OrganizationID uuid.UUID        `json:"organization_id" db:"organization_id"`
	RunID          uuid.UUID        `json:"run_id" db:"run_id"`
	MemberIDs      StringArray      `json:"member_ids" db:"member_ids"`
	Basis          CorrelationBasis `json:"basis" db:"basis"`
	RiskScore      int              `json:"risk_score" db:"risk_score"`
	DetectedAt     time.Time        `json:"detected_at" db:"detected_at"`
}

// DiscoveryRun tracks one organization-wide discovery run.
type DiscoveryRun struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	OrganizationID uuid.UUID  `json:"organization_id" db:"organization_id"`
	Status         RunStatus  `json:"status" db:"status"`
	TriggeredBy    string     `json:"triggered_by" db:"triggered_by"`
	TotalJobs      int        `json:"total_jobs" db:"total_jobs"`
	Errors         JSONB      `json:"errors,omitempty" db:"errors"`
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// ConnectionJobResult is the per-connection outcome of a discovery run,
// preserved so operators can tell "platform X misbehaved" from "discovery
// broken".
type ConnectionJobResult struct {
	ConnectionID uuid.UUID `json:"connection_id"`
	Platform     Platform  `json:"platform"`
	Status       JobStatus `json:"status"`
	Discovered   int       `json:"discovered"`
	Skipped      int       `json:"skipped"`
	Attempts     int       `json:"attempts"`
	Error        string    `json:"error,omitempty"`
}
