// Package store defines the relational side of the sync core: paged,
// bounded read access to entity and relationship records, plus the staging
// write path the upstream extraction pipeline loads records through.
package store

import (
	"context"

	"github.com/perch-labs/graphsync/pkg/common"
)

// Source is the read interface the orchestrator and verifier consume.
// Every read is bounded: listings page by offset/limit, samples cap at n.
// Implementations never mutate source data.
type Source interface {
	CountEntities(ctx context.Context, scope common.Scope) (int64, error)
	CountRelationships(ctx context.Context, scope common.Scope) (int64, error)

	// DistinctEntityTypes returns every raw entity_type value present in
	// the scope. The orchestrator derives the canonical label set from it
	// before any data loads.
	DistinctEntityTypes(ctx context.Context, scope common.Scope) ([]string, error)

	// ListEntities pages through entities of the given raw types in a
	// stable order. An empty types slice means all types.
	ListEntities(ctx context.Context, scope common.Scope, types []string, offset, limit int) ([]common.Entity, error)
	ListRelationships(ctx context.Context, scope common.Scope, offset, limit int) ([]common.Relationship, error)

	GetEntitiesByIDs(ctx context.Context, ids []string) ([]common.Entity, error)
	GetRelationshipsByIDs(ctx context.Context, ids []string) ([]common.Relationship, error)

	SampleEntities(ctx context.Context, scope common.Scope, n int) ([]common.Entity, error)
	SampleRelationships(ctx context.Context, scope common.Scope, n int) ([]common.Relationship, error)
}

// Stager is the staging write path. It exists for the upstream loader and
// for tests; the export path itself never writes to the relational store.
type Stager interface {
	StageEntities(ctx context.Context, scope common.Scope, entities []common.Entity) error
	StageRelationships(ctx context.Context, scope common.Scope, relations []common.Relationship) error
}
