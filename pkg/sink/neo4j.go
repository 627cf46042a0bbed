package sink

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/perch-labs/graphsync/pkg/common"
	"github.com/perch-labs/graphsync/pkg/logger"
)

// Neo4jSink implements Sink on a Neo4j server via the official driver.
type Neo4jSink struct {
	driver   neo4j.DriverWithContext
	database string
}

// Neo4jParams configures the connection. Database may be empty for the
// server default.
type Neo4jParams struct {
	URI      string
	Username string
	Password string
	Database string
}

func NewNeo4j(ctx context.Context, params Neo4jParams) (*Neo4jSink, error) {
	driver, err := neo4j.NewDriverWithContext(params.URI, neo4j.BasicAuth(params.Username, params.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	logger.Debug("[Sink][NewNeo4j] Connected", "uri", params.URI, "database", params.Database)
	return &Neo4jSink{
		driver:   driver,
		database: params.Database,
	}, nil
}

func (s *Neo4jSink) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Neo4jSink) session(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
}

func (s *Neo4jSink) EnsureIndexes(ctx context.Context, labels []string) error {
	session := s.session(ctx)
	defer session.Close(ctx)

	// The base-label indexes serve relationship endpoint matching and
	// scope scans; the per-label ones serve label-scoped lookups.
	statements := []string{baseIDIndexCypher, baseScopeIndexCypher}
	for _, label := range labels {
		cypher, err := createIndexCypher(label)
		if err != nil {
			return err
		}
		statements = append(statements, cypher)
	}

	for _, cypher := range statements {
		if _, err := neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (any, error) {
			_, err := tx.Run(ctx, cypher, nil)
			return nil, err
		}); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

func (s *Neo4jSink) ClearScope(ctx context.Context, scope common.Scope) error {
	session := s.session(ctx)
	defer session.Close(ctx)

	_, err := neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, clearScopeCypher, map[string]any{"scope": scope.Tag()})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("clear scope %s: %w", scope.Tag(), err)
	}
	logger.Debug("[Sink][ClearScope] Cleared", "scope", scope.Tag())
	return nil
}

func (s *Neo4jSink) WriteNodes(ctx context.Context, label string, scope common.Scope, nodes []Node) error {
	if len(nodes) == 0 {
		return nil
	}
	cypher, err := mergeNodeCypher(label)
	if err != nil {
		return err
	}

	session := s.session(ctx)
	defer session.Close(ctx)

	_, err = neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, n := range nodes {
			result, err := tx.Run(ctx, cypher, map[string]any{
				"id":    n.ID,
				"props": n.Props,
				"scope": scope.Tag(),
			})
			if err != nil {
				return nil, fmt.Errorf("merge node %s: %w", n.ID, err)
			}
			if _, err := result.Consume(ctx); err != nil {
				return nil, fmt.Errorf("merge node %s: %w", n.ID, err)
			}
		}
		return nil, nil
	})
	return err
}

func (s *Neo4jSink) WriteRelationships(ctx context.Context, scope common.Scope, rels []Rel) ([]common.RecordFailure, error) {
	if len(rels) == 0 {
		return nil, nil
	}

	session := s.session(ctx)
	defer session.Close(ctx)

	failures, err := neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) ([]common.RecordFailure, error) {
		var fails []common.RecordFailure
		for _, r := range rels {
			cypher, err := mergeRelCypher(r.Type)
			if err != nil {
				return nil, err
			}
			result, err := tx.Run(ctx, cypher, map[string]any{
				"id":    r.ID,
				"src":   r.SourceID,
				"tgt":   r.TargetID,
				"props": r.Props,
				"scope": scope.Tag(),
			})
			if err != nil {
				return nil, fmt.Errorf("merge relationship %s: %w", r.ID, err)
			}
			records, err := result.Collect(ctx)
			if err != nil {
				return nil, fmt.Errorf("merge relationship %s: %w", r.ID, err)
			}
			if len(records) == 0 {
				fails = append(fails, common.RecordFailure{
					RecordID: r.ID,
					Kind:     common.FailureDangling,
					Reason:   fmt.Sprintf("endpoint %s or %s not found in scope", r.SourceID, r.TargetID),
				})
			}
		}
		return fails, nil
	})
	if err != nil {
		return nil, err
	}
	return failures, nil
}

func (s *Neo4jSink) CountNodes(ctx context.Context, scope common.Scope) (int64, error) {
	return s.count(ctx, countNodesCypher, scope)
}

func (s *Neo4jSink) CountRelationships(ctx context.Context, scope common.Scope) (int64, error) {
	return s.count(ctx, countRelsCypher, scope)
}

func (s *Neo4jSink) count(ctx context.Context, cypher string, scope common.Scope) (int64, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	total, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) (int64, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{"scope": scope.Tag()})
		if err != nil {
			return 0, err
		}
		record, err := result.Single(ctx)
		if err != nil {
			return 0, err
		}
		total, _, err := neo4j.GetRecordValue[int64](record, "total")
		return total, err
	})
	if err != nil {
		return 0, fmt.Errorf("count in scope %s: %w", scope.Tag(), err)
	}
	return total, nil
}

func (s *Neo4jSink) FetchNodes(ctx context.Context, scope common.Scope, ids []string) (map[string]NodeRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	session := s.session(ctx)
	defer session.Close(ctx)

	return neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) (map[string]NodeRecord, error) {
		result, err := tx.Run(ctx, fetchNodesCypher, map[string]any{
			"scope": scope.Tag(),
			"ids":   ids,
		})
		if err != nil {
			return nil, fmt.Errorf("fetch nodes: %w", err)
		}
		out := make(map[string]NodeRecord, len(ids))
		for result.Next(ctx) {
			record := result.Record()
			id, _, err := neo4j.GetRecordValue[string](record, "id")
			if err != nil {
				return nil, err
			}
			rawLabels, _ := record.Get("labels")
			rawProps, _ := record.Get("props")
			out[id] = NodeRecord{
				ID:     id,
				Labels: toStringSlice(rawLabels),
				Props:  toPropMap(rawProps),
			}
		}
		return out, result.Err()
	})
}

func (s *Neo4jSink) FetchRelationships(ctx context.Context, scope common.Scope, ids []string) (map[string]RelRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	session := s.session(ctx)
	defer session.Close(ctx)

	return neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) (map[string]RelRecord, error) {
		result, err := tx.Run(ctx, fetchRelsCypher, map[string]any{
			"scope": scope.Tag(),
			"ids":   ids,
		})
		if err != nil {
			return nil, fmt.Errorf("fetch relationships: %w", err)
		}
		out := make(map[string]RelRecord, len(ids))
		for result.Next(ctx) {
			record := result.Record()
			id, _, err := neo4j.GetRecordValue[string](record, "id")
			if err != nil {
				return nil, err
			}
			relType, _, _ := neo4j.GetRecordValue[string](record, "type")
			src, _, _ := neo4j.GetRecordValue[string](record, "src")
			tgt, _, _ := neo4j.GetRecordValue[string](record, "tgt")
			rawProps, _ := record.Get("props")
			out[id] = RelRecord{
				ID:       id,
				Type:     relType,
				SourceID: src,
				TargetID: tgt,
				Props:    toPropMap(rawProps),
			}
		}
		return out, result.Err()
	})
}

func toStringSlice(raw any) []string {
	values, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toPropMap(raw any) map[string]any {
	props, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	return props
}
