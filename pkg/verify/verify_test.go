package verify

import (
	"context"
	"testing"

	"github.com/perch-labs/graphsync/pkg/common"
	"github.com/perch-labs/graphsync/pkg/sink"
)

type stubSource struct {
	entities []common.Entity
	rels     []common.Relationship
}

func (s *stubSource) CountEntities(_ context.Context, _ common.Scope) (int64, error) {
	return int64(len(s.entities)), nil
}

func (s *stubSource) CountRelationships(_ context.Context, _ common.Scope) (int64, error) {
	return int64(len(s.rels)), nil
}

func (s *stubSource) DistinctEntityTypes(_ context.Context, _ common.Scope) ([]string, error) {
	return nil, nil
}

func (s *stubSource) ListEntities(_ context.Context, _ common.Scope, _ []string, _, _ int) ([]common.Entity, error) {
	return s.entities, nil
}

func (s *stubSource) ListRelationships(_ context.Context, _ common.Scope, _, _ int) ([]common.Relationship, error) {
	return s.rels, nil
}

func (s *stubSource) GetEntitiesByIDs(_ context.Context, _ []string) ([]common.Entity, error) {
	return s.entities, nil
}

func (s *stubSource) GetRelationshipsByIDs(_ context.Context, _ []string) ([]common.Relationship, error) {
	return s.rels, nil
}

func (s *stubSource) SampleEntities(_ context.Context, _ common.Scope, n int) ([]common.Entity, error) {
	if n > len(s.entities) {
		n = len(s.entities)
	}
	return s.entities[:n], nil
}

func (s *stubSource) SampleRelationships(_ context.Context, _ common.Scope, n int) ([]common.Relationship, error) {
	if n > len(s.rels) {
		n = len(s.rels)
	}
	return s.rels[:n], nil
}

type stubGraph struct {
	nodeCount int64
	relCount  int64
	nodes     map[string]sink.NodeRecord
	rels      map[string]sink.RelRecord
}

func (g *stubGraph) EnsureIndexes(_ context.Context, _ []string) error { return nil }
func (g *stubGraph) ClearScope(_ context.Context, _ common.Scope) error { return nil }
func (g *stubGraph) Close(_ context.Context) error { return nil }
func (g *stubGraph) WriteNodes(_ context.Context, _ string, _ common.Scope, _ []sink.Node) error {
	return nil
}

func (g *stubGraph) WriteRelationships(_ context.Context, _ common.Scope, _ []sink.Rel) ([]common.RecordFailure, error) {
	return nil, nil
}

func (g *stubGraph) CountNodes(_ context.Context, _ common.Scope) (int64, error) {
	return g.nodeCount, nil
}

func (g *stubGraph) CountRelationships(_ context.Context, _ common.Scope) (int64, error) {
	return g.relCount, nil
}

func (g *stubGraph) FetchNodes(_ context.Context, _ common.Scope, ids []string) (map[string]sink.NodeRecord, error) {
	out := map[string]sink.NodeRecord{}
	for _, id := range ids {
		if n, ok := g.nodes[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

func (g *stubGraph) FetchRelationships(_ context.Context, _ common.Scope, ids []string) (map[string]sink.RelRecord, error) {
	out := map[string]sink.RelRecord{}
	for _, id := range ids {
		if r, ok := g.rels[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func testScope() common.Scope {
	return common.Scope{ProjectID: "proj-9"}
}

func TestCountCheck(t *testing.T) {
	source := &stubSource{
		entities: []common.Entity{{ID: "e1"}, {ID: "e2"}},
		rels:     []common.Relationship{{ID: "r1"}},
	}

	t.Run("in sync", func(t *testing.T) {
		v := New(source, &stubGraph{nodeCount: 2, relCount: 1})
		report, err := v.CountCheck(context.Background(), testScope())
		if err != nil {
			t.Fatalf("count check failed: %v", err)
		}
		if !report.InSync {
			t.Errorf("report not in sync: %+v", report)
		}
	})

	t.Run("node count diverges", func(t *testing.T) {
		v := New(source, &stubGraph{nodeCount: 1, relCount: 1})
		report, err := v.CountCheck(context.Background(), testScope())
		if err != nil {
			t.Fatalf("count check failed: %v", err)
		}
		if report.InSync {
			t.Error("diverging counts reported in sync")
		}
		if report.ExpectedNodes != 2 || report.ActualNodes != 1 {
			t.Errorf("node counts = %d/%d, want 2/1", report.ExpectedNodes, report.ActualNodes)
		}
	})
}

func TestContentCheck_Clean(t *testing.T) {
	source := &stubSource{
		entities: []common.Entity{
			{ID: "e1", Type: "research_paper", DisplayName: "Sketchpad",
				Attributes: map[string]any{"year": 1963, "tags": []any{"graphics"}}},
		},
		rels: []common.Relationship{
			{ID: "r1", Type: "authored-by", SourceEntityID: "e1", TargetEntityID: "e2"},
		},
	}
	graph := &stubGraph{
		nodeCount: 1,
		relCount:  1,
		nodes: map[string]sink.NodeRecord{
			// The graph holds the number as float64 and the list as JSON
			// text, the way a driver round-trip leaves them.
			"e1": {ID: "e1", Labels: []string{"ResearchPaper"},
				Props: map[string]any{"display_name": "Sketchpad", "year": float64(1963), "tags": `["graphics"]`}},
		},
		rels: map[string]sink.RelRecord{
			"r1": {ID: "r1", Type: "AUTHORED_BY", SourceID: "e1", TargetID: "e2"},
		},
	}

	report, err := New(source, graph).ContentCheck(context.Background(), testScope(), 10)
	if err != nil {
		t.Fatalf("content check failed: %v", err)
	}
	if !report.Clean() {
		t.Errorf("expected clean report, got mismatches %+v", report.Mismatches)
	}
	if report.Sampled != 2 {
		t.Errorf("sampled = %d, want 2", report.Sampled)
	}
}

func TestContentCheck_Mismatches(t *testing.T) {
	source := &stubSource{
		entities: []common.Entity{
			{ID: "e1", Type: "person", DisplayName: "Ada", Attributes: map[string]any{"age": 36}},
			{ID: "e2", Type: "person", DisplayName: "Grace", Attributes: nil},
		},
		rels: []common.Relationship{
			{ID: "r1", Type: "knows", SourceEntityID: "e1", TargetEntityID: "e2"},
		},
	}
	graph := &stubGraph{
		nodeCount: 2,
		relCount:  1,
		nodes: map[string]sink.NodeRecord{
			"e1": {ID: "e1", Labels: []string{"Organization"},
				Props: map[string]any{"display_name": "Ada", "age": float64(99)}},
			// e2 missing from the graph entirely.
		},
		rels: map[string]sink.RelRecord{
			"r1": {ID: "r1", Type: "KNOWS", SourceID: "e1", TargetID: "wrong"},
		},
	}

	report, err := New(source, graph).ContentCheck(context.Background(), testScope(), 10)
	if err != nil {
		t.Fatalf("content check failed: %v", err)
	}
	if report.Clean() {
		t.Fatal("expected mismatches")
	}

	fields := map[string]bool{}
	for _, m := range report.Mismatches {
		fields[m.RecordID+"/"+m.Field] = true
	}
	for _, want := range []string{"e1/label", "e1/age", "e2/presence", "r1/target"} {
		if !fields[want] {
			t.Errorf("missing mismatch %s in %+v", want, report.Mismatches)
		}
	}
}

func TestValuesMatch(t *testing.T) {
	cases := []struct {
		name     string
		expected any
		actual   any
		want     bool
	}{
		{"identical strings", "a", "a", true},
		{"int vs float", 42, float64(42), true},
		{"nested map vs json text", map[string]any{"k": 1}, `{"k": 1}`, true},
		{"string stays string", "42", "42", true},
		{"string vs number", "42", float64(42), false},
		{"different values", 1, 2, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := valuesMatch(tc.expected, tc.actual); got != tc.want {
				t.Errorf("valuesMatch(%v, %v) = %v, want %v", tc.expected, tc.actual, got, tc.want)
			}
		})
	}
}
