package risk

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/nexasec/shadowbot/internal/models"
)

// Weights are the composite scoring weights. They sum to 1.0.
type Weights struct {
	Permission float64
	Anomaly    float64
	AI         float64
	Chain      float64
}

// DefaultWeights is the baseline policy weighting: permission exposure 40%,
// activity anomaly 30%, AI-provider exposure 20%, chain factor 10%.
func DefaultWeights() Weights {
	return Weights{
		Permission: 0.40,
		Anomaly:    0.30,
		AI:         0.20,
		Chain:      0.10,
	}
}

// Engine computes risk assessments. Scoring is a pure in-memory pass over
// already-normalized data; a failure here is a bug, not a runtime condition.
type Engine struct {
	policy  *Policy
	weights Weights
}

func NewEngine(policy *Policy) *Engine {
	return &Engine{policy: policy, weights: DefaultWeights()}
}

func NewEngineWithWeights(policy *Policy, weights Weights) *Engine {
	return &Engine{policy: policy, weights: weights}
}

// Input is everything one assessment depends on. WindowEvents and
// WindowOffHours describe activity observed inside the current discovery
// window; the record's lifetime counters provide the rolling baseline.
type Input struct {
	Record         *models.AutomationRecord
	Window         time.Duration
	WindowEvents   int64
	WindowOffHours int64
	// ChainScore is filled by the correlation pass (0 when the automation
	// is not part of any chain).
	ChainScore int
}

// Score produces a new assessment. Assessments are append-only: callers
// persist the result as a new row and never mutate history.
func (e *Engine) Score(in Input) *models.RiskAssessment {
	var evidence []string

	permission := e.permissionExposure(in.Record, &evidence)
	anomaly := e.activityAnomaly(in, &evidence)
	ai := e.aiExposure(in.Record, &evidence)
	chain := clamp(in.ChainScore)
	if chain > 0 {
		evidence = append(evidence, fmt.Sprintf(
			"chain: participates in a correlated automation chain (chain score %d)", chain))
	}

	weighted := e.weights.Permission*float64(permission) +
		e.weights.Anomaly*float64(anomaly) +
		e.weights.AI*float64(ai) +
		e.weights.Chain*float64(chain)

	score := clamp(int(math.Round(weighted)))

	return &models.RiskAssessment{
		AutomationID:    in.Record.ID,
		OrganizationID:  in.Record.OrganizationID,
		Score:           score,
		Level:           models.RiskLevelForScore(score),
		PermissionScore: permission,
		AnomalyScore:    anomaly,
		AIScore:         ai,
		ChainScore:      chain,
		Confidence:      e.confidence(in),
		Evidence:        evidence,
		AssessedAt:      time.Now(),
	}
}

// permissionExposure scores the breadth and sensitivity of granted scopes:
// the highest-ranked scope sets the floor and every additional scope
// escalates it in proportion to its own sensitivity.
func (e *Engine) permissionExposure(record *models.AutomationRecord, evidence *[]string) int {
	if len(record.Permissions) == 0 {
		*evidence = append(*evidence, "permission: no scopes granted")
		return 0
	}

	ranks := make([]int, 0, len(record.Permissions))
	for _, scope := range record.Permissions {
		ranks = append(ranks, e.policy.SensitivityOf(scope))
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ranks)))

	score := ranks[0]
	highest := ranks[0]
	for _, rank := range ranks[1:] {
		switch {
		case rank >= 80:
			score += 15
		case rank >= 60:
			score += 8
		default:
			score += 3
		}
	}
	score = clamp(score)

	*evidence = append(*evidence, fmt.Sprintf(
		"permission: %d scopes granted [%s], highest sensitivity rank %d",
		len(record.Permissions), strings.Join(record.Permissions, ", "), highest))

	return score
}

// activityAnomaly scores deviation from the automation's rolling baseline
// plus the share of activity occurring off-hours. An automation with no
// observable history scores its volume as fully unexplained.
func (e *Engine) activityAnomaly(in Input, evidence *[]string) int {
	if in.WindowEvents == 0 {
		return 0
	}

	volume := 0
	priorEvents := in.Record.EventCount - in.WindowEvents
	if priorEvents > 0 && !in.Record.FirstSeenAt.IsZero() {
		days := math.Max(1, time.Since(in.Record.FirstSeenAt).Hours()/24)
		dailyRate := float64(priorEvents) / days
		expected := dailyRate * math.Max(in.Window.Hours()/24, 1.0/24)
		if expected > 0 {
			factor := float64(in.WindowEvents) / expected
			if factor > 1 {
				volume = int(math.Min(40, math.Round((factor-1)*20)))
				if volume > 0 {
					*evidence = append(*evidence, fmt.Sprintf(
						"anomaly: activity volume %.1fx the rolling baseline (%d events observed)",
						factor, in.WindowEvents))
				}
			}
		}
	} else {
		volume = 40
		*evidence = append(*evidence, fmt.Sprintf(
			"anomaly: %d events with no established baseline", in.WindowEvents))
	}

	offHours := 0
	if in.WindowOffHours > 0 {
		share := float64(in.WindowOffHours) / float64(in.WindowEvents)
		offHours = int(math.Round(share * 60))
		*evidence = append(*evidence, fmt.Sprintf(
			"anomaly: %d of %d events occurred off-hours (%02d:00-%02d:00 %s)",
			in.WindowOffHours, in.WindowEvents,
			e.policy.OffHoursStart, e.policy.OffHoursEnd, e.policy.Location))
	}

	return clamp(volume + offHours)
}

// aiExposure is nonzero only when AI-provider tags are present, scaled by
// the data sensitivity of the automation's scopes: an AI-connected bot with
// read access to files or messages is the primary exfiltration concern.
func (e *Engine) aiExposure(record *models.AutomationRecord, evidence *[]string) int {
	if len(record.AIProviders) == 0 {
		return 0
	}

	maxSens := 0
	for _, scope := range record.Permissions {
		if rank := e.policy.SensitivityOf(scope); rank > maxSens {
			maxSens = rank
		}
	}

	score := clamp(50 + int(math.Round(float64(maxSens)*0.6)))

	*evidence = append(*evidence, fmt.Sprintf(
		"ai: provider tags [%s] with scope sensitivity up to %d",
		strings.Join(record.AIProviders, ", "), maxSens))

	return score
}

// confidence reflects input completeness, not risk.
func (e *Engine) confidence(in Input) int {
	conf := 100
	if in.Record.CreatorID == "" {
		conf -= 20
	}
	if in.Record.EventCount == in.WindowEvents {
		conf -= 30 // no history to baseline against
	}
	if in.WindowEvents == 0 {
		conf -= 10
	}
	return clamp(conf)
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
