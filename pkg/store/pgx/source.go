// Package pgx implements the relational store interfaces on PostgreSQL via
// pgx/v5, with attribute payloads held in a jsonb column.
package pgx

import (
	"context"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/perch-labs/graphsync/pkg/codec"
	"github.com/perch-labs/graphsync/pkg/common"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// Store implements store.Source and store.Stager against the entities and
// relationships tables. All write statements pass through the codec
// rewriter before execution, so the semi-structured attributes column is
// handled in one place.
type Store struct {
	conn     pgxIConn
	rewriter *codec.Rewriter
}

// NewStore wraps an existing pgx connection or pool. The rewrite hook for
// the semi-structured columns is installed here; callers of the staging
// API never see it.
func NewStore(conn pgxIConn) *Store {
	rw := codec.NewRewriter("CAST(%s AS jsonb)")
	rw.Register("entities", "attributes")
	rw.Register("relationships", "attributes")
	return &Store{
		conn:     conn,
		rewriter: rw,
	}
}

// scopeFilter builds the WHERE fragment bounding a query to one scope.
// Placeholders start at $1; the returned args line up with them.
func scopeFilter(scope common.Scope) (string, []any) {
	if scope.SourceFileID == "" {
		return "project_id = $1", []any{scope.ProjectID}
	}
	return "project_id = $1 AND source_file_id = $2", []any{scope.ProjectID, scope.SourceFileID}
}

func (s *Store) CountEntities(ctx context.Context, scope common.Scope) (int64, error) {
	where, args := scopeFilter(scope)
	var count int64
	err := s.conn.QueryRow(ctx, "SELECT count(*) FROM entities WHERE "+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count entities: %w", err)
	}
	return count, nil
}

func (s *Store) CountRelationships(ctx context.Context, scope common.Scope) (int64, error) {
	where, args := scopeFilter(scope)
	var count int64
	err := s.conn.QueryRow(ctx, "SELECT count(*) FROM relationships WHERE "+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count relationships: %w", err)
	}
	return count, nil
}

func (s *Store) DistinctEntityTypes(ctx context.Context, scope common.Scope) ([]string, error) {
	where, args := scopeFilter(scope)
	rows, err := s.conn.Query(ctx, "SELECT DISTINCT entity_type FROM entities WHERE "+where+" ORDER BY entity_type", args...)
	if err != nil {
		return nil, fmt.Errorf("distinct entity types: %w", err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

func (s *Store) ListEntities(
	ctx context.Context,
	scope common.Scope,
	types []string,
	offset, limit int,
) ([]common.Entity, error) {
	where, args := scopeFilter(scope)
	sql := `SELECT id, entity_type, COALESCE(display_name, ''), attributes, COALESCE(source_file_id, '')
FROM entities WHERE ` + where
	if len(types) > 0 {
		args = append(args, types)
		sql += fmt.Sprintf(" AND entity_type = ANY($%d)", len(args))
	}
	args = append(args, limit, offset)
	sql += fmt.Sprintf(" ORDER BY id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

func (s *Store) ListRelationships(
	ctx context.Context,
	scope common.Scope,
	offset, limit int,
) ([]common.Relationship, error) {
	where, args := scopeFilter(scope)
	args = append(args, limit, offset)
	sql := fmt.Sprintf(`SELECT id, relationship_type, source_entity_id, target_entity_id, attributes
FROM relationships WHERE %s ORDER BY id LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()
	return scanRelationships(rows)
}

func (s *Store) GetEntitiesByIDs(ctx context.Context, ids []string) ([]common.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.conn.Query(ctx, `SELECT id, entity_type, COALESCE(display_name, ''), attributes, COALESCE(source_file_id, '')
FROM entities WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get entities by ids: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

func (s *Store) GetRelationshipsByIDs(ctx context.Context, ids []string) ([]common.Relationship, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.conn.Query(ctx, `SELECT id, relationship_type, source_entity_id, target_entity_id, attributes
FROM relationships WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get relationships by ids: %w", err)
	}
	defer rows.Close()
	return scanRelationships(rows)
}

func (s *Store) SampleEntities(ctx context.Context, scope common.Scope, n int) ([]common.Entity, error) {
	if n <= 0 {
		return nil, nil
	}
	where, args := scopeFilter(scope)
	args = append(args, n)
	sql := fmt.Sprintf(`SELECT id, entity_type, COALESCE(display_name, ''), attributes, COALESCE(source_file_id, '')
FROM entities WHERE %s ORDER BY random() LIMIT $%d`, where, len(args))

	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("sample entities: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

func (s *Store) SampleRelationships(ctx context.Context, scope common.Scope, n int) ([]common.Relationship, error) {
	if n <= 0 {
		return nil, nil
	}
	where, args := scopeFilter(scope)
	args = append(args, n)
	sql := fmt.Sprintf(`SELECT id, relationship_type, source_entity_id, target_entity_id, attributes
FROM relationships WHERE %s ORDER BY random() LIMIT $%d`, where, len(args))

	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("sample relationships: %w", err)
	}
	defer rows.Close()
	return scanRelationships(rows)
}

func scanEntities(rows pgxv5.Rows) ([]common.Entity, error) {
	var out []common.Entity
	for rows.Next() {
		var e common.Entity
		var attrs any
		if err := rows.Scan(&e.ID, &e.Type, &e.DisplayName, &attrs, &e.SourceFileID); err != nil {
			return nil, err
		}
		e.Attributes = codec.DecodeMap(attrs)
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanRelationships(rows pgxv5.Rows) ([]common.Relationship, error) {
	var out []common.Relationship
	for rows.Next() {
		var r common.Relationship
		var attrs any
		if err := rows.Scan(&r.ID, &r.Type, &r.SourceEntityID, &r.TargetEntityID, &attrs); err != nil {
			return nil, err
		}
		r.Attributes = codec.DecodeMap(attrs)
		out = append(out, r)
	}
	return out, rows.Err()
}
