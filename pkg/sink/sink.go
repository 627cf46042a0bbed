// Package sink writes synchronized entities and relationships into the
// graph database and reads them back for verification.
package sink

import (
	"context"

	"github.com/perch-labs/graphsync/pkg/common"
)

// Node is one graph node ready to be merged. Props are already encoded
// to plain values.
type Node struct {
	ID    string
	Props map[string]any
}

// Rel is one graph relationship ready to be merged. Type must be a
// normalized relationship type.
type Rel struct {
	ID       string
	Type     string
	SourceID string
	TargetID string
	Props    map[string]any
}

// NodeRecord is a node read back from the graph.
type NodeRecord struct {
	ID     string
	Labels []string
	Props  map[string]any
}

// RelRecord is a relationship read back from the graph.
type RelRecord struct {
	ID       string
	Type     string
	SourceID string
	TargetID string
	Props    map[string]any
}

// Sink is the graph-side contract used by the exporter and verifier.
// Writes are idempotent: merging the same id twice leaves one element.
type Sink interface {
	// EnsureIndexes creates an id index per label if missing. Indexes are
	// created before any node of that label is written.
	EnsureIndexes(ctx context.Context, labels []string) error

	// ClearScope detaches and deletes every element tagged with the scope.
	ClearScope(ctx context.Context, scope common.Scope) error

	// WriteNodes merges one page of same-label nodes inside a single
	// transaction. A returned error means the whole page failed.
	WriteNodes(ctx context.Context, label string, scope common.Scope, nodes []Node) error

	// WriteRelationships merges one page of relationships inside a single
	// transaction. Relationships whose endpoints are missing from the
	// scope are skipped and reported as failures; a returned error means
	// the whole page failed.
	WriteRelationships(ctx context.Context, scope common.Scope, rels []Rel) ([]common.RecordFailure, error)

	CountNodes(ctx context.Context, scope common.Scope) (int64, error)
	CountRelationships(ctx context.Context, scope common.Scope) (int64, error)

	// FetchNodes returns scope nodes by id, keyed by id. Absent ids are
	// simply missing from the result.
	FetchNodes(ctx context.Context, scope common.Scope, ids []string) (map[string]NodeRecord, error)

	// FetchRelationships returns scope relationships by id, keyed by id.
	FetchRelationships(ctx context.Context, scope common.Scope, ids []string) (map[string]RelRecord, error)

	Close(ctx context.Context) error
}
