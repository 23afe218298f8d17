package graph

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/nexasec/shadowbot/internal/models"
)

// Graph mirrors discovered automations and their chain links into neo4j for
// path analysis across platforms. The mirror is advisory: callers log graph
// failures and continue, the relational store stays the source of truth.
type Graph struct {
	driver neo4j.DriverWithContext
}

type Config struct {
	URI      string
	Username string
	Password string
}

func New(cfg Config) (*Graph, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}

	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("verifying neo4j connectivity: %w", err)
	}

	g := &Graph{driver: driver}

	if err := g.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return g, nil
}

func (g *Graph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

func (g *Graph) createIndexes(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS FOR (n:Automation) ON (n.id)",
		"CREATE INDEX IF NOT EXISTS FOR (n:Automation) ON (n.organizationId)",
		"CREATE INDEX IF NOT EXISTS FOR (n:Identity) ON (n.id)",
	}

	for _, idx := range indexes {
		_, err := session.Run(ctx, idx, nil)
		if err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
	}

	return nil
}

func (g *Graph) UpsertAutomation(ctx context.Context, record *models.AutomationRecord) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	query := `
		MERGE (a:Automation {id: $id})
		SET a.organizationId = $organizationId,
			a.platform = $platform,
			a.nativeId = $nativeId,
			a.type = $type,
			a.displayName = $displayName,
			a.aiProviders = $aiProviders,
			a.dormant = $dormant,
			a.lastSeenAt = $lastSeenAt
	`

	params := map[string]interface{}{
		"id":             record.ID.String(),
		"organizationId": record.OrganizationID.String(),
		"platform":       string(record.Platform),
		"nativeId":       record.NativeID,
		"type":           string(record.Type),
		"displayName":    record.DisplayName,
		"aiProviders":    []string(record.AIProviders),
		"dormant":        record.Dormant,
		"lastSeenAt":     record.LastSeenAt,
	}

	if _, err := session.Run(ctx, query, params); err != nil {
		return err
	}

	if record.CreatorID == "" {
		return nil
	}

	creatorQuery := `
		MERGE (i:Identity {id: $creatorId, organizationId: $organizationId})
		WITH i
		MATCH (a:Automation {id: $id})
		MERGE (i)-[:CREATED]->(a)
	`

	_, err := session.Run(ctx, creatorQuery, map[string]interface{}{
		"id":             record.ID.String(),
		"creatorId":      record.CreatorID,
		"organizationId": record.OrganizationID.String(),
	})
	return err
}

// SyncChains replaces the organization's LINKED edges with the current
// chain set. Edges carry the correlation basis and chain score so graph
// queries can filter by evidence strength.
func (g *Graph) SyncChains(ctx context.Context, orgID uuid.UUID, chains []*models.AutomationChain) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	clear := `
		MATCH (a:Automation {organizationId: $organizationId})-[r:LINKED]->()
		DELETE r
	`
	if _, err := session.Run(ctx, clear, map[string]interface{}{
		"organizationId": orgID.String(),
	}); err != nil {
		return fmt.Errorf("clearing chain edges: %w", err)
	}

	link := `
		MATCH (a:Automation {id: $fromId})
		MATCH (b:Automation {id: $toId})
		MERGE (a)-[r:LINKED]->(b)
		SET r.chainId = $chainId,
			r.basis = $basis,
			r.riskScore = $riskScore
	`

	for _, chain := range chains {
		// Members are time-ordered; link consecutive pairs.
		for i := 0; i+1 < len(chain.MemberIDs); i++ {
			_, err := session.Run(ctx, link, map[string]interface{}{
				"fromId":    chain.MemberIDs[i],
				"toId":      chain.MemberIDs[i+1],
				"chainId":   chain.ID.String(),
				"basis":     string(chain.Basis),
				"riskScore": chain.RiskScore,
			})
			if err != nil {
				return fmt.Errorf("linking chain %s: %w", chain.ID, err)
			}
		}
	}

	return nil
}

// LinkedAutomation is one hop in a cross-platform automation path.
type LinkedAutomation struct {
	ID          string `json:"id"`
	Platform    string `json:"platform"`
	DisplayName string `json:"display_name"`
	Basis       string `json:"basis"`
	RiskScore   int    `json:"risk_score"`
}

// FindLinked returns automations reachable from the given one over LINKED
// edges, up to maxHops away.
func (g *Graph) FindLinked(ctx context.Context, automationID uuid.UUID, maxHops int) ([]LinkedAutomation, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	if maxHops <= 0 {
		maxHops = 3
	}

	query := fmt.Sprintf(`
		MATCH (a:Automation {id: $id})-[r:LINKED*1..%d]-(b:Automation)
		WHERE b.id <> $id
		RETURN DISTINCT b.id as id,
			   b.platform as platform,
			   b.displayName as displayName,
			   last(r).basis as basis,
			   last(r).riskScore as riskScore
		LIMIT 100
	`, maxHops)

	result, err := session.Run(ctx, query, map[string]interface{}{
		"id": automationID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}

	var linked []LinkedAutomation
	for result.Next(ctx) {
		rec := result.Record()
		id, _ := rec.Get("id")
		platform, _ := rec.Get("platform")
		displayName, _ := rec.Get("displayName")
		basis, _ := rec.Get("basis")
		riskScore, _ := rec.Get("riskScore")

		item := LinkedAutomation{
			ID:          id.(string),
			Platform:    platform.(string),
			DisplayName: displayName.(string),
		}
		if s, ok := basis.(string); ok {
			item.Basis = s
		}
		if n, ok := riskScore.(int64); ok {
			item.RiskScore = int(n)
		}

		linked = append(linked, item)
	}

	return linked, nil
}
