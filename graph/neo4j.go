// Package graph maintains the entity graph in Neo4j. Nodes are entities
// scoped by owner, edges are weighted relations, and memories link to the
// entities they mention. Like the vector index, the graph follows the
// relational store and tolerates rebuilds.
package graph

import (
	"context"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/pkg/errors"

	"github.com/t0ken-ai/memoryx/internal/profile"
)

// Entity is a node in the graph.
type Entity struct {
	Name      string
	Type      string
	Community string
}

// Relation is a weighted edge between two entities of one owner.
type Relation struct {
	Source string
	Target string
	Type   string
	Weight int64
}

// MemoryHop is a memory reached during neighborhood expansion, annotated
// with its minimum hop distance from the seed entities and the weight of
// the path that reached it. Each edge on the path contributes its weight
// normalized by the total relation weight at the edge's start entity; a
// direct mention has weight 1.
type MemoryHop struct {
	MemoryID string
	Hops     int
	Weight   float64
}

// Graph wraps the Neo4j driver.
type Graph struct {
	driver neo4j.DriverWithContext
}

// NewGraph connects to the bolt endpoint in the profile.
func NewGraph(profile *profile.Profile) (*Graph, error) {
	driver, err := neo4j.NewDriverWithContext(profile.Neo4jURI, neo4j.BasicAuth(profile.Neo4jUser, profile.Neo4jPassword, ""))
	if err != nil {
		return nil, errors.Wrap(err, "connect neo4j")
	}
	return &Graph{driver: driver}, nil
}

func (g *Graph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// Ping verifies connectivity, used by the health endpoint.
func (g *Graph) Ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}

// canonical lowercases and collapses whitespace so "New York" and
// "new  york" merge into one node.
func canonical(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// UpsertEntity merges an entity node by canonical name and owner. A known
// type never degrades back to unknown.
func (g *Graph) UpsertEntity(ctx context.Context, userID, name, entityType string) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, `
			MERGE (e:Entity {owner: $owner, name: $name})
			ON CREATE SET e.type = $type, e.display = $display
			ON MATCH SET e.type = CASE WHEN $type <> 'unknown' THEN $type ELSE e.type END`,
			map[string]any{
				"owner":   userID,
				"name":    canonical(name),
				"display": name,
				"type":    entityType,
			})
	})
	return errors.Wrap(err, "upsert entity")
}

// BumpRelation merges the edge between two entities and increments its
// weight. Both endpoints are merged first so a relation can never dangle.
func (g *Graph) BumpRelation(ctx context.Context, userID, source, target, relType string) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, `
			MERGE (a:Entity {owner: $owner, name: $source})
			MERGE (b:Entity {owner: $owner, name: $target})
			MERGE (a)-[r:RELATES {type: $type}]->(b)
			SET r.weight = coalesce(r.weight, 0) + 1`,
			map[string]any{
				"owner":  userID,
				"source": canonical(source),
				"target": canonical(target),
				"type":   relType,
			})
	})
	return errors.Wrap(err, "bump relation")
}

// LinkMemory connects a memory node to every entity it mentions.
func (g *Graph) LinkMemory(ctx context.Context, userID, memoryID string, entityNames []string) error {
	if len(entityNames) == 0 {
		return nil
	}
	names := make([]string, 0, len(entityNames))
	for _, n := range entityNames {
		names = append(names, canonical(n))
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, `
			MERGE (m:Memory {id: $memoryID})
			SET m.owner = $owner
			WITH m
			UNWIND $names AS name
			MERGE (e:Entity {owner: $owner, name: name})
			MERGE (m)-[:MENTIONS]->(e)`,
			map[string]any{
				"owner":    userID,
				"memoryID": memoryID,
				"names":    names,
			})
	})
	return errors.Wrap(err, "link memory")
}

// UnlinkMemory detaches and removes the memory node. Entities stay; they
// may still be referenced by other memories.
func (g *Graph) UnlinkMemory(ctx context.Context, memoryID string) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, `
			MATCH (m:Memory {id: $memoryID})
			DETACH DELETE m`,
			map[string]any{"memoryID": memoryID})
	})
	return errors.Wrap(err, "unlink memory")
}

// Neighborhood returns memories reachable from the seed entities within
// maxHops relation steps, each with its minimum hop distance and best
// normalized path weight. Hop 0 means the memory mentions a seed entity
// directly.
func (g *Graph) Neighborhood(ctx context.Context, userID string, seedNames []string, maxHops int) ([]MemoryHop, error) {
	if len(seedNames) == 0 {
		return nil, nil
	}
	if maxHops < 0 {
		maxHops = 0
	}
	if maxHops > 2 {
		maxHops = 2
	}
	names := make([]string, 0, len(seedNames))
	for _, n := range seedNames {
		names = append(names, canonical(n))
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx, `
			MATCH (seed:Entity {owner: $owner})
			WHERE seed.name IN $names
			MATCH path = (seed)-[:RELATES*0..`+hopRange(maxHops)+`]-(e:Entity {owner: $owner})
			MATCH (m:Memory {owner: $owner})-[:MENTIONS]->(e)
			WITH m, length(path) AS hops,
			     reduce(w = 1.0, r IN relationships(path) |
			       w * toFloat(coalesce(r.weight, 1)) /
			           reduce(t = 0.0, x IN [(startNode(r))-[y:RELATES]-(:Entity) | toFloat(coalesce(y.weight, 1))] | t + x)) AS weight
			RETURN m.id AS id, min(hops) AS hops, max(weight) AS weight`,
			map[string]any{
				"owner": userID,
				"names": names,
			})
		if err != nil {
			return nil, err
		}
		var hops []MemoryHop
		for records.Next(ctx) {
			record := records.Record()
			id, _ := record.Get("id")
			n, _ := record.Get("hops")
			w, _ := record.Get("weight")
			memoryID, ok := id.(string)
			if !ok {
				continue
			}
			hopCount, _ := n.(int64)
			pathWeight, _ := w.(float64)
			hops = append(hops, MemoryHop{MemoryID: memoryID, Hops: int(hopCount), Weight: pathWeight})
		}
		return hops, records.Err()
	})
	if err != nil {
		return nil, errors.Wrap(err, "graph neighborhood")
	}
	hops, _ := result.([]MemoryHop)
	return hops, nil
}

func hopRange(maxHops int) string {
	switch maxHops {
	case 0:
		return "0"
	case 1:
		return "1"
	default:
		return "2"
	}
}

// EntityNames lists the known entity names for an owner, fed to the
// extractor so new facts resolve against existing entities.
func (g *Graph) EntityNames(ctx context.Context, userID string, limit int) ([]string, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx, `
			MATCH (e:Entity {owner: $owner})
			RETURN e.name AS name
			ORDER BY e.name
			LIMIT $limit`,
			map[string]any{"owner": userID, "limit": limit})
		if err != nil {
			return nil, err
		}
		var names []string
		for records.Next(ctx) {
			if name, ok := records.Record().Get("name"); ok {
				if s, ok := name.(string); ok {
					names = append(names, s)
				}
			}
		}
		return names, records.Err()
	})
	if err != nil {
		return nil, errors.Wrap(err, "list entity names")
	}
	names, _ := result.([]string)
	return names, nil
}

// AssignCommunities runs a bounded label-propagation pass for one owner.
// Each entity starts as its own community and adopts the smallest label in
// its neighborhood; a handful of rounds converges on the small graphs a
// single owner produces.
func (g *Graph) AssignCommunities(ctx context.Context, userID string, rounds int) error {
	if rounds <= 0 {
		rounds = 5
	}
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MATCH (e:Entity {owner: $owner})
			SET e.community = e.name`,
			map[string]any{"owner": userID}); err != nil {
			return nil, err
		}
		for i := 0; i < rounds; i++ {
			if _, err := tx.Run(ctx, `
				MATCH (e:Entity {owner: $owner})-[:RELATES]-(n:Entity {owner: $owner})
				WITH e, min(n.community) AS neighborMin
				WHERE neighborMin < e.community
				SET e.community = neighborMin`,
				map[string]any{"owner": userID}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return errors.Wrap(err, "assign communities")
}

// DeleteOwner removes every node of one owner. Used by account deletion.
func (g *Graph) DeleteOwner(ctx context.Context, userID string) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MATCH (e:Entity {owner: $owner}) DETACH DELETE e`,
			map[string]any{"owner": userID}); err != nil {
			return nil, err
		}
		return tx.Run(ctx, `
			MATCH (m:Memory {owner: $owner}) DETACH DELETE m`,
			map[string]any{"owner": userID})
	})
	return errors.Wrap(err, "delete owner graph")
}
