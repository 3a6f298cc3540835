// Package graph stores the evidence graph in Neo4j. Entities and relations
// are upserted with MERGE so repeated collection runs converge on a single
// node per real-world object.
package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/rs/zerolog/log"

	"github.com/incidentops/evidence-graph/internal/models"
)

// Relation types used across the graph.
const (
	RelAffects         = "AFFECTS"
	RelScheduledOn     = "SCHEDULED_ON"
	RelHasRecentChange = "HAS_RECENT_CHANGE"
	RelCorrelatesWith  = "CORRELATES_WITH"
)

// Subgraph is the JSON shape returned for an incident's evidence graph.
type Subgraph struct {
	Nodes         []SubgraphNode     `json:"nodes"`
	Relationships []SubgraphRelation `json:"relationships"`
}

// SubgraphNode is one node of a rendered subgraph.
type SubgraphNode struct {
	ID         string                 `json:"id"`
	Labels     []string               `json:"labels"`
	Properties map[string]interface{} `json:"properties"`
}

// SubgraphRelation is one edge of a rendered subgraph.
type SubgraphRelation struct {
	Type       string                 `json:"type"`
	Source     string                 `json:"source"`
	Target     string                 `json:"target"`
	Properties map[string]interface{} `json:"properties"`
}

// Service wraps the Neo4j driver with evidence-graph operations.
type Service struct {
	driver neo4j.DriverWithContext
}

// New connects to Neo4j.
func New(uri, user, password string) (*Service, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	log.Info().Str("uri", uri).Msg("Neo4j driver initialized")
	return &Service{driver: driver}, nil
}

// Close shuts down the driver.
func (s *Service) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Ping reports whether Neo4j is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

func (s *Service) session(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: "neo4j"})
}

// InitConstraints creates uniqueness constraints and indexes. Failures are
// logged and skipped so an already-initialized database is not an error.
func (s *Service) InitConstraints(ctx context.Context) {
	statements := []string{
		"CREATE CONSTRAINT incident_id IF NOT EXISTS FOR (i:Incident) REQUIRE i.id IS UNIQUE",
		"CREATE CONSTRAINT pod_id IF NOT EXISTS FOR (p:Pod) REQUIRE p.id IS UNIQUE",
		"CREATE CONSTRAINT deployment_id IF NOT EXISTS FOR (d:Deployment) REQUIRE d.id IS UNIQUE",
		"CREATE CONSTRAINT service_id IF NOT EXISTS FOR (s:Service) REQUIRE s.id IS UNIQUE",
		"CREATE CONSTRAINT node_id IF NOT EXISTS FOR (n:Node) REQUIRE n.id IS UNIQUE",
		"CREATE CONSTRAINT change_id IF NOT EXISTS FOR (c:ChangeEvent) REQUIRE c.id IS UNIQUE",
		"CREATE INDEX incident_fingerprint IF NOT EXISTS FOR (i:Incident) ON (i.fingerprint)",
		"CREATE INDEX pod_namespace IF NOT EXISTS FOR (p:Pod) ON (p.namespace)",
	}
	session := s.session(ctx)
	defer session.Close(ctx)
	for _, stmt := range statements {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			log.Debug().Err(err).Msg("Constraint creation skipped")
		}
	}
	log.Info().Msg("Neo4j constraints initialized")
}

// UpsertEntity merges a single node by id and overlays its properties.
func (s *Service) UpsertEntity(ctx context.Context, entity models.GraphEntity) error {
	session := s.session(ctx)
	defer session.Close(ctx)
	return upsertEntity(ctx, session, entity)
}

func upsertEntity(ctx context.Context, session neo4j.SessionWithContext, entity models.GraphEntity) error {
	props := make(map[string]interface{}, len(entity.Properties)+1)
	for k, v := range entity.Properties {
		props[k] = v
	}
	props["id"] = entity.ID

	query := fmt.Sprintf("MERGE (n:%s {id: $id}) SET n += $properties", entity.Type)
	if _, err := session.Run(ctx, query, map[string]interface{}{
		"id":         entity.ID,
		"properties": props,
	}); err != nil {
		return fmt.Errorf("upsert entity %s: %w", entity.ID, err)
	}
	return nil
}

// UpsertEntities merges a batch of nodes and returns how many succeeded.
func (s *Service) UpsertEntities(ctx context.Context, entities []models.GraphEntity) (int, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	count := 0
	for _, entity := range entities {
		if err := upsertEntity(ctx, session, entity); err != nil {
			return count, err
		}
		count++
	}
	log.Debug().Int("count", count).Msg("Upserted graph entities")
	return count, nil
}

// UpsertRelation merges one edge between two existing nodes. A relation
// whose endpoints are missing is a no-op, not an error.
func (s *Service) UpsertRelation(ctx context.Context, rel models.GraphRelation) error {
	session := s.session(ctx)
	defer session.Close(ctx)
	return upsertRelation(ctx, session, rel)
}

func upsertRelation(ctx context.Context, session neo4j.SessionWithContext, rel models.GraphRelation) error {
	props := rel.Properties
	if props == nil {
		props = map[string]interface{}{}
	}
	query := fmt.Sprintf(`
		MATCH (source {id: $source_id})
		MATCH (target {id: $target_id})
		MERGE (source)-[r:%s]->(target)
		SET r += $properties`, rel.Type)
	if _, err := session.Run(ctx, query, map[string]interface{}{
		"source_id":  rel.SourceID,
		"target_id":  rel.TargetID,
		"properties": props,
	}); err != nil {
		return fmt.Errorf("upsert relation %s-[%s]->%s: %w", rel.SourceID, rel.Type, rel.TargetID, err)
	}
	return nil
}

// UpsertRelations merges a batch of edges and returns how many succeeded.
func (s *Service) UpsertRelations(ctx context.Context, relations []models.GraphRelation) (int, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	count := 0
	for _, rel := range relations {
		if err := upsertRelation(ctx, session, rel); err != nil {
			return count, err
		}
		count++
	}
	log.Debug().Int("count", count).Msg("Upserted graph relations")
	return count, nil
}

// IncidentSubgraph renders the evidence graph around an incident up to the
// given depth. A missing incident yields an empty graph.
func (s *Service) IncidentSubgraph(ctx context.Context, incidentID string, depth int) (*Subgraph, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	const query = `
		MATCH (i:Incident {id: $incident_id})
		CALL apoc.path.subgraphAll(i, {maxLevel: $depth}) YIELD nodes, relationships
		RETURN [n IN nodes | {id: n.id, labels: labels(n), properties: properties(n)}] AS nodes,
		       [r IN relationships | {type: type(r), source: startNode(r).id, target: endNode(r).id, properties: properties(r)}] AS relationships`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"incident_id": incidentID,
		"depth":       depth,
	})
	if err != nil {
		return nil, fmt.Errorf("subgraph query: %w", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return &Subgraph{Nodes: []SubgraphNode{}, Relationships: []SubgraphRelation{}}, nil
	}

	sub := &Subgraph{Nodes: []SubgraphNode{}, Relationships: []SubgraphRelation{}}
	if raw, ok := record.Get("nodes"); ok {
		for _, item := range raw.([]interface{}) {
			m := item.(map[string]interface{})
			node := SubgraphNode{Properties: map[string]interface{}{}}
			if id, ok := m["id"].(string); ok {
				node.ID = id
			}
			if labels, ok := m["labels"].([]interface{}); ok {
				for _, l := range labels {
					node.Labels = append(node.Labels, fmt.Sprint(l))
				}
			}
			if props, ok := m["properties"].(map[string]interface{}); ok {
				node.Properties = props
			}
			sub.Nodes = append(sub.Nodes, node)
		}
	}
	if raw, ok := record.Get("relationships"); ok {
		for _, item := range raw.([]interface{}) {
			m := item.(map[string]interface{})
			rel := SubgraphRelation{Properties: map[string]interface{}{}}
			if t, ok := m["type"].(string); ok {
				rel.Type = t
			}
			if src, ok := m["source"].(string); ok {
				rel.Source = src
			}
			if dst, ok := m["target"].(string); ok {
				rel.Target = dst
			}
			if props, ok := m["properties"].(map[string]interface{}); ok {
				rel.Properties = props
			}
			sub.Relationships = append(sub.Relationships, rel)
		}
	}
	return sub, nil
}

// CleanupIncident detach-deletes everything reachable from an incident.
func (s *Service) CleanupIncident(ctx context.Context, incidentID string) (int, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	const query = `
		MATCH (i:Incident {id: $incident_id})
		CALL apoc.path.subgraphAll(i, {maxLevel: 10}) YIELD nodes
		UNWIND nodes AS n
		DETACH DELETE n
		RETURN count(*) AS deleted`

	result, err := session.Run(ctx, query, map[string]interface{}{"incident_id": incidentID})
	if err != nil {
		return 0, fmt.Errorf("cleanup incident graph: %w", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return 0, nil
	}
	deleted := 0
	if raw, ok := record.Get("deleted"); ok {
		if n, ok := raw.(int64); ok {
			deleted = int(n)
		}
	}
	log.Info().Str("incident_id", incidentID).Int("deleted", deleted).Msg("Cleaned up incident graph")
	return deleted, nil
}
