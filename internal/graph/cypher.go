package graph

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
)

// Runner executes declarative query statements against the external graph
// endpoint. Only per-statement durability is assumed; a failed statement
// does not undo earlier ones.
type Runner interface {
	Run(ctx context.Context, statement string) error
}

// CypherClient implements Store by rendering batched MERGE / MATCH /
// DETACH DELETE statements and handing them to a Runner.
type CypherClient struct {
	runner Runner
	logger *log.Logger
}

// NewCypherClient creates a client. If logger is nil, a default stderr
// logger is used.
func NewCypherClient(runner Runner, logger *log.Logger) *CypherClient {
	if logger == nil {
		logger = log.New(os.Stderr, "[cypher] ", log.LstdFlags)
	}
	return &CypherClient{runner: runner, logger: logger}
}

// UpsertNodes implements Store.
func (c *CypherClient) UpsertNodes(ctx context.Context, nodes []NodeUpsert) error {
	for _, n := range nodes {
		stmt := fmt.Sprintf("MERGE (n:Entity {id: '%s'})%s",
			EscapeString(n.ID), renderSet("n", n.Props))
		if err := c.runner.Run(ctx, stmt); err != nil {
			return fmt.Errorf("upsert node %s: %w", n.ID, err)
		}
	}
	return nil
}

// RemoveNodes implements Store.
func (c *CypherClient) RemoveNodes(ctx context.Context, ids []string) error {
	for _, id := range ids {
		stmt := fmt.Sprintf("MATCH (n:Entity {id: '%s'}) DETACH DELETE n", EscapeString(id))
		if err := c.runner.Run(ctx, stmt); err != nil {
			return fmt.Errorf("remove node %s: %w", id, err)
		}
	}
	return nil
}

// UpsertEdges implements Store.
func (c *CypherClient) UpsertEdges(ctx context.Context, edges []EdgeUpsert) error {
	for _, e := range edges {
		var stmt string
		if e.SourceID == "" || e.TargetID == "" {
			// Property-only upsert against an existing edge.
			stmt = fmt.Sprintf("MATCH ()-[r {id: '%s'}]->()%s",
				EscapeString(e.ID), renderSet("r", e.Props))
		} else {
			relType := e.RelType
			if relType == "" {
				relType = "RELATED"
			}
			stmt = fmt.Sprintf(
				"MATCH (a:Entity {id: '%s'}), (b:Entity {id: '%s'}) MERGE (a)-[r:%s {id: '%s'}]->(b)%s",
				EscapeString(e.SourceID), EscapeString(e.TargetID),
				sanitizeRelType(relType), EscapeString(e.ID), renderSet("r", e.Props))
		}
		if err := c.runner.Run(ctx, stmt); err != nil {
			return fmt.Errorf("upsert edge %s: %w", e.ID, err)
		}
	}
	return nil
}

// RemoveEdges implements Store.
func (c *CypherClient) RemoveEdges(ctx context.Context, ids []string) error {
	for _, id := range ids {
		stmt := fmt.Sprintf("MATCH ()-[r {id: '%s'}]->() DELETE r", EscapeString(id))
		if err := c.runner.Run(ctx, stmt); err != nil {
			return fmt.Errorf("remove edge %s: %w", id, err)
		}
	}
	return nil
}

// renderSet renders a deterministic SET clause for the given properties.
// Property order is sorted so repeated runs emit identical statements.
func renderSet(alias string, props map[string]any) string {
	if len(props) == 0 {
		return ""
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		if k == "id" {
			continue // id is the merge key, never a SET target
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(" SET ")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s.%s = %s", alias, sanitizeProp(k), renderValue(props[k]))
	}
	return sb.String()
}

// sanitizeProp backtick-quotes property names that are not plain
// identifiers.
func sanitizeProp(name string) string {
	for _, r := range name {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return "`" + strings.ReplaceAll(name, "`", "``") + "`"
		}
	}
	return name
}

// sanitizeRelType restricts relationship types to identifier characters;
// anything else is mapped to underscore.
func sanitizeRelType(relType string) string {
	var sb strings.Builder
	for _, r := range strings.ToUpper(relType) {
		if r == '_' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('_')
		}
	}
	return sb.String()
}
