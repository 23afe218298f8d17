package correlation

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nexasec/shadowbot/internal/models"
)

func record(orgID uuid.UUID, creator string, lastSeen time.Time, providers ...string) *models.AutomationRecord {
	return &models.AutomationRecord{
		ID:             uuid.New(),
		OrganizationID: orgID,
		CreatorID:      creator,
		LastSeenAt:     lastSeen,
		AIProviders:    providers,
	}
}

func TestCorrelate_SharedIdentity(t *testing.T) {
	orgID := uuid.New()
	runID := uuid.New()
	e := NewEngine(5 * time.Minute)

	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	a := record(orgID, "U123", base)
	b := record(orgID, "U123", base.Add(3*time.Hour)) // far outside the time window
	c := record(orgID, "U999", base.Add(24*time.Hour))

	chains := e.Correlate(orgID, runID, []*models.AutomationRecord{a, b, c}, map[uuid.UUID]int{
		a.ID: 40, b.ID: 70, c.ID: 20,
	})

	if len(chains) != 1 {
		t.Fatalf("got %d chains, want 1", len(chains))
	}
	chain := chains[0]
	if chain.Basis != models.BasisSharedIdentity {
		t.Errorf("basis = %s, want shared_identity", chain.Basis)
	}
	if len(chain.MemberIDs) != 2 {
		t.Errorf("got %d members, want 2", len(chain.MemberIDs))
	}
	if chain.RiskScore != 80 {
		t.Errorf("chain risk = %d, want max member 70 + 10", chain.RiskScore)
	}
	if chain.RunID != runID {
		t.Errorf("chain run = %s, want %s", chain.RunID, runID)
	}
}

func TestCorrelate_TimeWindowBoundary(t *testing.T) {
	orgID := uuid.New()
	window := 5 * time.Minute
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		delta  time.Duration
		chains int
	}{
		{"well inside window", time.Minute, 1},
		{"exactly at window boundary", window, 1},
		{"one second past window", window + time.Second, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(window)
			a := record(orgID, "U1", base)
			b := record(orgID, "U2", base.Add(tt.delta))

			chains := e.Correlate(orgID, uuid.New(), []*models.AutomationRecord{a, b}, nil)
			if len(chains) != tt.chains {
				t.Errorf("got %d chains, want %d", len(chains), tt.chains)
			}
			if tt.chains == 1 && chains[0].Basis != models.BasisTimeWindow {
				t.Errorf("basis = %s, want time_window", chains[0].Basis)
			}
		})
	}
}

func TestCorrelate_DataFlowInference(t *testing.T) {
	orgID := uuid.New()
	e := NewEngine(5 * time.Minute)
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	a := record(orgID, "U1", base, "openai")
	b := record(orgID, "U2", base.Add(time.Minute), "openai", "anthropic")

	chains := e.Correlate(orgID, uuid.New(), []*models.AutomationRecord{a, b}, nil)
	if len(chains) != 1 {
		t.Fatalf("got %d chains, want 1", len(chains))
	}
	if chains[0].Basis != models.BasisDataFlowInference {
		t.Errorf("basis = %s, want data_flow_inference", chains[0].Basis)
	}
}

func TestCorrelate_BasisPrecedence(t *testing.T) {
	// Same creator and overlapping activity: shared_identity must win.
	orgID := uuid.New()
	e := NewEngine(5 * time.Minute)
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	a := record(orgID, "U1", base, "openai")
	b := record(orgID, "U1", base.Add(time.Minute), "openai")

	chains := e.Correlate(orgID, uuid.New(), []*models.AutomationRecord{a, b}, nil)
	if len(chains) != 1 {
		t.Fatalf("got %d chains, want 1", len(chains))
	}
	if chains[0].Basis != models.BasisSharedIdentity {
		t.Errorf("basis = %s, want shared_identity to dominate", chains[0].Basis)
	}
}

func TestCorrelate_TenantIsolation(t *testing.T) {
	// Colliding creator identities across organizations must never link.
	orgA := uuid.New()
	orgB := uuid.New()
	e := NewEngine(5 * time.Minute)
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	a := record(orgA, "shared-creator", base)
	b := record(orgB, "shared-creator", base.Add(time.Minute))
	c := record(orgB, "shared-creator", base.Add(2*time.Minute))

	chains := e.Correlate(orgA, uuid.New(), []*models.AutomationRecord{a, b, c}, nil)
	if len(chains) != 0 {
		t.Fatalf("got %d chains for org A, want 0: singleton plus foreign records", len(chains))
	}

	chains = e.Correlate(orgB, uuid.New(), []*models.AutomationRecord{a, b, c}, nil)
	if len(chains) != 1 {
		t.Fatalf("got %d chains for org B, want 1", len(chains))
	}
	if len(chains[0].MemberIDs) != 2 {
		t.Errorf("org B chain has %d members, want 2", len(chains[0].MemberIDs))
	}
	for _, id := range chains[0].MemberIDs {
		if id == a.ID.String() {
			t.Errorf("org A record leaked into org B chain")
		}
	}
}

func TestCorrelate_ChainScoreCap(t *testing.T) {
	orgID := uuid.New()
	e := NewEngine(5 * time.Minute)
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	a := record(orgID, "U1", base)
	b := record(orgID, "U1", base.Add(time.Hour))

	chains := e.Correlate(orgID, uuid.New(), []*models.AutomationRecord{a, b}, map[uuid.UUID]int{
		a.ID: 97, b.ID: 30,
	})
	if len(chains) != 1 {
		t.Fatalf("got %d chains, want 1", len(chains))
	}
	if chains[0].RiskScore != 100 {
		t.Errorf("chain risk = %d, want capped at 100", chains[0].RiskScore)
	}
}

func TestCorrelate_MemberOrderDeterministic(t *testing.T) {
	orgID := uuid.New()
	e := NewEngine(time.Hour)
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	a := record(orgID, "U1", base.Add(10*time.Minute))
	b := record(orgID, "U1", base)
	c := record(orgID, "U1", base.Add(5*time.Minute))

	first := e.Correlate(orgID, uuid.New(), []*models.AutomationRecord{a, b, c}, nil)
	second := e.Correlate(orgID, uuid.New(), []*models.AutomationRecord{c, a, b}, nil)

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("got %d and %d chains, want 1 each", len(first), len(second))
	}

	want := []string{b.ID.String(), c.ID.String(), a.ID.String()}
	for i, id := range first[0].MemberIDs {
		if id != want[i] {
			t.Errorf("member %d = %s, want earliest-first ordering", i, id)
		}
	}
	for i, id := range second[0].MemberIDs {
		if id != first[0].MemberIDs[i] {
			t.Errorf("member order depends on input order at index %d", i)
		}
	}
}

func TestCorrelate_FewerThanTwoRecords(t *testing.T) {
	orgID := uuid.New()
	e := NewEngine(5 * time.Minute)

	if chains := e.Correlate(orgID, uuid.New(), nil, nil); len(chains) != 0 {
		t.Errorf("got %d chains for empty input, want 0", len(chains))
	}

	single := record(orgID, "U1", time.Now())
	if chains := e.Correlate(orgID, uuid.New(), []*models.AutomationRecord{single}, nil); len(chains) != 0 {
		t.Errorf("got %d chains for a single record, want 0", len(chains))
	}
}
