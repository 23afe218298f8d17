package correlation

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nexasec/shadowbot/internal/models"
)

// chainBonus is the fixed escalation added to a chain's max member score,
// reflecting the elevated risk of coordinated cross-platform automation.
const chainBonus = 10

// Engine links automations into chains within one organization. The
// correlation index is run-scoped: Correlate builds it, uses it, and
// discards it, so concurrent runs for different organizations never share
// state. Chains are fully recomputed each run rather than incrementally
// patched, which keeps results deterministic and free of stale edges.
type Engine struct {
	window time.Duration
}

func NewEngine(window time.Duration) *Engine {
	return &Engine{window: window}
}

type edge struct {
	a, b  int
	basis models.CorrelationBasis
}

// basisRank orders correlation bases by strength; a chain reports the
// strongest basis among its edges. shared_identity always wins over
// time-proximity signals.
func basisRank(b models.CorrelationBasis) int {
	switch b {
	case models.BasisSharedIdentity:
		return 3
	case models.BasisDataFlowInference:
		return 2
	case models.BasisTimeWindow:
		return 1
	}
	return 0
}

// Correlate computes the organization's chains for this run. scores maps
// automation ID to the risk score from the first scoring pass; chain risk is
// max(member scores) + chainBonus, capped at 100. Records belonging to any
// other organization are dropped before indexing, so correlation never
// crosses the tenancy boundary even when creator identities collide.
func (e *Engine) Correlate(orgID, runID uuid.UUID, records []*models.AutomationRecord, scores map[uuid.UUID]int) []*models.AutomationChain {
	members := make([]*models.AutomationRecord, 0, len(records))
	for _, r := range records {
		if r.OrganizationID == orgID {
			members = append(members, r)
		}
	}
	if len(members) < 2 {
		return nil
	}

	// Deterministic ordering: earliest last-seen first, ties by ID.
	sort.Slice(members, func(i, j int) bool {
		if !members[i].LastSeenAt.Equal(members[j].LastSeenAt) {
			return members[i].LastSeenAt.Before(members[j].LastSeenAt)
		}
		return members[i].ID.String() < members[j].ID.String()
	})

	edges := e.buildEdges(members)
	if len(edges) == 0 {
		return nil
	}

	parent := make([]int, len(members))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b int) {
		parent[find(a)] = find(b)
	}

	strongest := make(map[int]models.CorrelationBasis)
	for _, ed := range edges {
		union(ed.a, ed.b)
	}
	for _, ed := range edges {
		root := find(ed.a)
		if basisRank(ed.basis) > basisRank(strongest[root]) {
			strongest[root] = ed.basis
		}
	}

	groups := make(map[int][]int)
	for i := range members {
		root := find(i)
		groups[root] = append(groups[root], i)
	}

	roots := make([]int, 0, len(groups))
	for root, idxs := range groups {
		if len(idxs) >= 2 {
			roots = append(roots, root)
		}
	}
	sort.Ints(roots)

	now := time.Now()
	chains := make([]*models.AutomationChain, 0, len(roots))
	for _, root := range roots {
		idxs := groups[root]
		sort.Ints(idxs) // members slice is already time-ordered

		memberIDs := make([]string, 0, len(idxs))
		maxScore := 0
		for _, i := range idxs {
			memberIDs = append(memberIDs, members[i].ID.String())
			if s := scores[members[i].ID]; s > maxScore {
				maxScore = s
			}
		}

		riskScore := maxScore + chainBonus
		if riskScore > 100 {
			riskScore = 100
		}

		chains = append(chains, &models.AutomationChain{
			ID:             uuid.New(),
			OrganizationID: orgID,
			RunID:          runID,
			MemberIDs:      memberIDs,
			Basis:          strongest[root],
			RiskScore:      riskScore,
			DetectedAt:     now,
		})
	}

	return chains
}

// buildEdges produces the pairwise correlation edges. shared_identity links
// records created by the same identity; data_flow_inference links records
// carrying a common AI-provider call signature whose activity overlaps in
// time; time_window links records whose last-seen activity falls within the
// configured window (boundary-inclusive).
func (e *Engine) buildEdges(members []*models.AutomationRecord) []edge {
	var edges []edge

	byIdentity := make(map[string][]int)
	for i, r := range members {
		if r.CreatorID != "" {
			byIdentity[r.CreatorID] = append(byIdentity[r.CreatorID], i)
		}
	}
	for _, idxs := range byIdentity {
		for i := 0; i < len(idxs); i++ {
			for j := i + 1; j < len(idxs); j++ {
				edges = append(edges, edge{a: idxs[i], b: idxs[j], basis: models.BasisSharedIdentity})
			}
		}
	}

	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			a, b := members[i], members[j]
			if a.LastSeenAt.IsZero() || b.LastSeenAt.IsZero() {
				continue
			}
			delta := b.LastSeenAt.Sub(a.LastSeenAt)
			if delta < 0 {
				delta = -delta
			}
			if delta > e.window {
				continue
			}
			if sharedAIProvider(a, b) {
				edges = append(edges, edge{a: i, b: j, basis: models.BasisDataFlowInference})
			} else {
				edges = append(edges, edge{a: i, b: j, basis: models.BasisTimeWindow})
			}
		}
	}

	return edges
}

func sharedAIProvider(a, b *models.AutomationRecord) bool {
	if len(a.AIProviders) == 0 || len(b.AIProviders) == 0 {
		return false
	}
	set := make(map[string]bool, len(a.AIProviders))
	for _, p := range a.AIProviders {
		set[p] = true
	}
	for _, p := range b.AIProviders {
		if set[p] {
			return true
		}
	}
	return false
}
