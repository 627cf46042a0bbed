package pgx

import (
	"context"
	"fmt"
	"strings"

	"github.com/perch-labs/graphsync/pkg/codec"
	"github.com/perch-labs/graphsync/pkg/common"
	"github.com/perch-labs/graphsync/pkg/logger"
	"github.com/perch-labs/graphsync/pkg/store"
)

const stageChunkSize = 500

// StageEntities upserts a batch of entities into the relational store.
// Attribute maps are flattened through the codec and land in the jsonb
// column via the registered rewrite, one transaction per chunk.
func (s *Store) StageEntities(ctx context.Context, scope common.Scope, entities []common.Entity) error {
	if len(entities) == 0 {
		return nil
	}

	return store.ChunkRange(len(entities), stageChunkSize, func(start, end int) error {
		chunk := entities[start:end]

		tx, err := s.conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin stage entities: %w", err)
		}
		defer tx.Rollback(ctx)

		values := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*6)
		for i, e := range chunk {
			attrs, err := codec.EncodeMap(e.Attributes)
			if err != nil {
				return fmt.Errorf("encode attributes for entity %s: %w", e.ID, err)
			}
			base := i * 6
			values = append(values, fmt.Sprintf("($%d, $%d, NULLIF($%d, ''), $%d, $%d, $%d)",
				base+1, base+2, base+3, base+4, base+5, base+6))
			args = append(args, e.ID, scope.ProjectID, e.SourceFileID, e.Type, e.DisplayName, attrs)
		}

		sql := `INSERT INTO entities (id, project_id, source_file_id, entity_type, display_name, attributes)
VALUES ` + strings.Join(values, ", ") + `
ON CONFLICT (id) DO UPDATE SET
	entity_type = EXCLUDED.entity_type,
	display_name = EXCLUDED.display_name,
	attributes = EXCLUDED.attributes`

		sql, args, err = s.rewriter.Rewrite(sql, args)
		if err != nil {
			return fmt.Errorf("rewrite stage entities: %w", err)
		}
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("stage entities: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit stage entities: %w", err)
		}
		logger.Debug("[Store][StageEntities] Staged chunk", "count", len(chunk), "scope", scope.Tag())
		return nil
	})
}

// StageRelationships upserts a batch of relationships. Endpoint existence
// is not enforced here; dangling references surface during export.
func (s *Store) StageRelationships(ctx context.Context, scope common.Scope, rels []common.Relationship) error {
	if len(rels) == 0 {
		return nil
	}

	return store.ChunkRange(len(rels), stageChunkSize, func(start, end int) error {
		chunk := rels[start:end]

		tx, err := s.conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin stage relationships: %w", err)
		}
		defer tx.Rollback(ctx)

		values := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*7)
		for i, r := range chunk {
			attrs, err := codec.EncodeMap(r.Attributes)
			if err != nil {
				return fmt.Errorf("encode attributes for relationship %s: %w", r.ID, err)
			}
			base := i * 7
			values = append(values, fmt.Sprintf("($%d, $%d, NULLIF($%d, ''), $%d, $%d, $%d, $%d)",
				base+1, base+2, base+3, base+4, base+5, base+6, base+7))
			args = append(args, r.ID, scope.ProjectID, scope.SourceFileID, r.Type, r.SourceEntityID, r.TargetEntityID, attrs)
		}

		sql := `INSERT INTO relationships (id, project_id, source_file_id, relationship_type, source_entity_id, target_entity_id, attributes)
VALUES ` + strings.Join(values, ", ") + `
ON CONFLICT (id) DO UPDATE SET
	relationship_type = EXCLUDED.relationship_type,
	source_entity_id = EXCLUDED.source_entity_id,
	target_entity_id = EXCLUDED.target_entity_id,
	attributes = EXCLUDED.attributes`

		sql, args, err = s.rewriter.Rewrite(sql, args)
		if err != nil {
			return fmt.Errorf("rewrite stage relationships: %w", err)
		}
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("stage relationships: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit stage relationships: %w", err)
		}
		logger.Debug("[Store][StageRelationships] Staged chunk", "count", len(chunk), "scope", scope.Tag())
		return nil
	})
}
