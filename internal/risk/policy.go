package risk

import (
	"fmt"
	"time"

	"github.com/nexasec/shadowbot/internal/config"
)

// Policy is the organizational scoring context: the ranked scope-sensitivity
// table and the local business-hours definition.
type Policy struct {
	ScopeSensitivity map[string]int
	Location         *time.Location
	OffHoursStart    int
	OffHoursEnd      int
}

func NewPolicy(cfg config.PolicyConfig) (*Policy, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, &config.ValidationError{Field: "policy.timezone", Reason: fmt.Sprintf("unknown timezone %q", cfg.Timezone)}
	}
	return &Policy{
		ScopeSensitivity: cfg.ScopeSensitivity,
		Location:         loc,
		OffHoursStart:    cfg.OffHoursStart,
		OffHoursEnd:      cfg.OffHoursEnd,
	}, nil
}

// IsOffHours reports whether t falls outside the organization's business
// hours. The off-hours band wraps midnight (default 19:00-07:00 local).
func (p *Policy) IsOffHours(t time.Time) bool {
	hour := t.In(p.Location).Hour()
	if p.OffHoursStart > p.OffHoursEnd {
		return hour >= p.OffHoursStart || hour < p.OffHoursEnd
	}
	return hour >= p.OffHoursStart && hour < p.OffHoursEnd
}

// SensitivityOf returns the ranked sensitivity of a canonical scope.
// Unranked scopes default to a conservative midpoint.
func (p *Policy) SensitivityOf(scope string) int {
	if rank, ok := p.ScopeSensitivity[scope]; ok {
		return rank
	}
	return 50
}
