package export

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/perch-labs/graphsync/pkg/common"
	"github.com/perch-labs/graphsync/pkg/leaselock"
	"github.com/perch-labs/graphsync/pkg/sink"
	"github.com/perch-labs/graphsync/pkg/verify"
)

// fakeSource serves entities and relationships from memory with the same
// paging contract as the pgx store.
type fakeSource struct {
	entities []common.Entity
	rels     []common.Relationship
	listErr  error
}

func (f *fakeSource) CountEntities(_ context.Context, _ common.Scope) (int64, error) {
	return int64(len(f.entities)), nil
}

func (f *fakeSource) CountRelationships(_ context.Context, _ common.Scope) (int64, error) {
	return int64(len(f.rels)), nil
}

func (f *fakeSource) DistinctEntityTypes(_ context.Context, _ common.Scope) ([]string, error) {
	seen := map[string]bool{}
	var types []string
	for _, e := range f.entities {
		if !seen[e.Type] {
			seen[e.Type] = true
			types = append(types, e.Type)
		}
	}
	sort.Strings(types)
	return types, nil
}

func (f *fakeSource) ListEntities(_ context.Context, _ common.Scope, types []string, offset, limit int) ([]common.Entity, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	wanted := map[string]bool{}
	for _, t := range types {
		wanted[t] = true
	}
	var matched []common.Entity
	for _, e := range f.entities {
		if len(types) == 0 || wanted[e.Type] {
			matched = append(matched, e)
		}
	}
	return pageOf(matched, offset, limit), nil
}

func (f *fakeSource) ListRelationships(_ context.Context, _ common.Scope, offset, limit int) ([]common.Relationship, error) {
	return pageOf(f.rels, offset, limit), nil
}

func (f *fakeSource) GetEntitiesByIDs(_ context.Context, ids []string) ([]common.Entity, error) {
	var out []common.Entity
	for _, e := range f.entities {
		for _, id := range ids {
			if e.ID == id {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (f *fakeSource) GetRelationshipsByIDs(_ context.Context, ids []string) ([]common.Relationship, error) {
	var out []common.Relationship
	for _, r := range f.rels {
		for _, id := range ids {
			if r.ID == id {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (f *fakeSource) SampleEntities(_ context.Context, _ common.Scope, n int) ([]common.Entity, error) {
	if n > len(f.entities) {
		n = len(f.entities)
	}
	return f.entities[:n], nil
}

func (f *fakeSource) SampleRelationships(_ context.Context, _ common.Scope, n int) ([]common.Relationship, error) {
	if n > len(f.rels) {
		n = len(f.rels)
	}
	return f.rels[:n], nil
}

func pageOf[T any](all []T, offset, limit int) []T {
	if offset >= len(all) {
		return nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end]
}

type fakeNode struct {
	label string
	props map[string]any
}

type fakeRel struct {
	relType string
	srcID   string
	tgtID   string
	props   map[string]any
}

// fakeSink is an in-memory graph keyed by id. Writes merge, so repeated
// export runs leave one element per id.
type fakeSink struct {
	mu      sync.Mutex
	nodes   map[string]fakeNode
	rels    map[string]fakeRel
	indexed []string
	cleared int

	failNodeLabel string
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		nodes: map[string]fakeNode{},
		rels:  map[string]fakeRel{},
	}
}

func (f *fakeSink) EnsureIndexes(_ context.Context, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, labels...)
	return nil
}

func (f *fakeSink) ClearScope(_ context.Context, _ common.Scope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes = map[string]fakeNode{}
	f.rels = map[string]fakeRel{}
	f.cleared++
	return nil
}

func (f *fakeSink) WriteNodes(ctx context.Context, label string, _ common.Scope, nodes []sink.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if label == f.failNodeLabel {
		return fmt.Errorf("write refused for %s", label)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range nodes {
		f.nodes[n.ID] = fakeNode{label: label, props: n.Props}
	}
	return nil
}

func (f *fakeSink) WriteRelationships(ctx context.Context, _ common.Scope, rels []sink.Rel) ([]common.RecordFailure, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var fails []common.RecordFailure
	for _, r := range rels {
		if _, ok := f.nodes[r.SourceID]; !ok {
			fails = append(fails, common.RecordFailure{RecordID: r.ID, Kind: common.FailureDangling, Reason: "missing source " + r.SourceID})
			continue
		}
		if _, ok := f.nodes[r.TargetID]; !ok {
			fails = append(fails, common.RecordFailure{RecordID: r.ID, Kind: common.FailureDangling, Reason: "missing target " + r.TargetID})
			continue
		}
		f.rels[r.ID] = fakeRel{relType: r.Type, srcID: r.SourceID, tgtID: r.TargetID, props: r.Props}
	}
	return fails, nil
}

func (f *fakeSink) CountNodes(_ context.Context, _ common.Scope) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.nodes)), nil
}

func (f *fakeSink) CountRelationships(_ context.Context, _ common.Scope) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.rels)), nil
}

func (f *fakeSink) FetchNodes(_ context.Context, _ common.Scope, ids []string) (map[string]sink.NodeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]sink.NodeRecord{}
	for _, id := range ids {
		if n, ok := f.nodes[id]; ok {
			out[id] = sink.NodeRecord{ID: id, Labels: []string{n.label}, Props: n.props}
		}
	}
	return out, nil
}

func (f *fakeSink) FetchRelationships(_ context.Context, _ common.Scope, ids []string) (map[string]sink.RelRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]sink.RelRecord{}
	for _, id := range ids {
		if r, ok := f.rels[id]; ok {
			out[id] = sink.RelRecord{ID: id, Type: r.relType, SourceID: r.srcID, TargetID: r.tgtID, Props: r.props}
		}
	}
	return out, nil
}

func (f *fakeSink) Close(_ context.Context) error { return nil }

type fakeLocker struct {
	busy bool
}

func (f *fakeLocker) WithLease(ctx context.Context, _ string, _ leaselock.Options, fn func(ctx context.Context) error) error {
	if f.busy {
		return leaselock.ErrBusy
	}
	return fn(ctx)
}

func testScope() common.Scope {
	return common.Scope{ProjectID: "proj-1"}
}

func scenarioSource() *fakeSource {
	return &fakeSource{
		entities: []common.Entity{
			{ID: "e1", Type: "Person", DisplayName: "Ada", Attributes: map[string]any{"age": 36}},
			{ID: "e2", Type: "person", DisplayName: "Grace", Attributes: map[string]any{"age": 45}},
			{ID: "e3", Type: "research_paper", DisplayName: "On Computable Numbers", Attributes: map[string]any{"year": 1936}},
			{ID: "e4", Type: "Research-Paper", DisplayName: "A Logical Calculus", Attributes: map[string]any{"year": 1943}},
			{ID: "e5", Type: "ML-Model", DisplayName: "Perceptron", Attributes: map[string]any{"params": map[string]any{"layers": 1}}},
		},
		rels: []common.Relationship{
			{ID: "r1", Type: "works-at", SourceEntityID: "e1", TargetEntityID: "e3", Attributes: map[string]any{"since": 1935}},
			{ID: "r2", Type: "WORKS_AT", SourceEntityID: "e2", TargetEntityID: "e4", Attributes: nil},
			{ID: "r3", Type: "collaborates with", SourceEntityID: "e1", TargetEntityID: "e2", Attributes: nil},
		},
	}
}

func TestExport_EndToEnd(t *testing.T) {
	source := scenarioSource()
	graph := newFakeSink()
	orch := New(source, graph, &fakeLocker{})

	report, err := orch.Export(context.Background(), testScope(), Options{BatchSize: 2})
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	if report.NodesSucceeded != 5 || report.NodesFailed != 0 {
		t.Errorf("nodes succeeded/failed = %d/%d, want 5/0", report.NodesSucceeded, report.NodesFailed)
	}
	if report.RelsSucceeded != 3 || report.RelsFailed != 0 {
		t.Errorf("rels succeeded/failed = %d/%d, want 3/0", report.RelsSucceeded, report.RelsFailed)
	}
	if got, want := report.Labels, []string{"MlModel", "Person", "ResearchPaper"}; !equalStrings(got, want) {
		t.Errorf("labels = %v, want %v", got, want)
	}
	if got, want := report.RelationshipTypes, []string{"COLLABORATES_WITH", "WORKS_AT"}; !equalStrings(got, want) {
		t.Errorf("relationship types = %v, want %v", got, want)
	}
	if report.Cancelled {
		t.Error("run reported cancelled")
	}
	if report.RunID == "" {
		t.Error("missing run id")
	}

	// Convergent raw types share one node label.
	if graph.nodes["e1"].label != "Person" || graph.nodes["e2"].label != "Person" {
		t.Errorf("person nodes got labels %q, %q", graph.nodes["e1"].label, graph.nodes["e2"].label)
	}
	if graph.nodes["e5"].label != "MlModel" {
		t.Errorf("ML-Model node got label %q", graph.nodes["e5"].label)
	}

	// A full-sample verification over the same stores comes back clean.
	vr, err := verify.New(source, graph).ContentCheck(context.Background(), testScope(), 100)
	if err != nil {
		t.Fatalf("content check failed: %v", err)
	}
	if !vr.Clean() {
		t.Errorf("verification not clean: counts=%+v mismatches=%+v", vr.Counts, vr.Mismatches)
	}
	if vr.Sampled != 8 {
		t.Errorf("sampled = %d, want 8", vr.Sampled)
	}
}

func TestExport_IdempotentRetry(t *testing.T) {
	source := scenarioSource()
	graph := newFakeSink()
	orch := New(source, graph, &fakeLocker{})

	for run := 0; run < 2; run++ {
		report, err := orch.Export(context.Background(), testScope(), Options{})
		if err != nil {
			t.Fatalf("run %d failed: %v", run, err)
		}
		if report.NodesSucceeded != 5 || report.RelsSucceeded != 3 {
			t.Fatalf("run %d: nodes=%d rels=%d", run, report.NodesSucceeded, report.RelsSucceeded)
		}
	}

	if len(graph.nodes) != 5 {
		t.Errorf("graph holds %d nodes after retry, want 5", len(graph.nodes))
	}
	if len(graph.rels) != 3 {
		t.Errorf("graph holds %d relationships after retry, want 3", len(graph.rels))
	}
}

func TestExport_DanglingRelationshipIsolated(t *testing.T) {
	source := scenarioSource()
	source.rels = append(source.rels, common.Relationship{
		ID: "r4", Type: "cites", SourceEntityID: "e3", TargetEntityID: "missing",
	})
	graph := newFakeSink()
	orch := New(source, graph, &fakeLocker{})

	report, err := orch.Export(context.Background(), testScope(), Options{})
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	if report.RelsSucceeded != 3 || report.RelsFailed != 1 {
		t.Errorf("rels succeeded/failed = %d/%d, want 3/1", report.RelsSucceeded, report.RelsFailed)
	}
	if len(report.Failures) != 1 {
		t.Fatalf("failures = %+v, want exactly one", report.Failures)
	}
	f := report.Failures[0]
	if f.RecordID != "r4" || f.Kind != common.FailureDangling {
		t.Errorf("failure = %+v, want dangling r4", f)
	}
	for _, rt := range report.RelationshipTypes {
		if rt == "CITES" {
			t.Error("dangling relationship type reported as written")
		}
	}
}

func TestExport_EncodingFailureIsolated(t *testing.T) {
	source := scenarioSource()
	source.entities = append(source.entities, common.Entity{
		ID: "e6", Type: "Person", DisplayName: "Broken",
		Attributes: map[string]any{"ch": make(chan int)},
	})
	graph := newFakeSink()
	orch := New(source, graph, &fakeLocker{})

	report, err := orch.Export(context.Background(), testScope(), Options{})
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	if report.NodesSucceeded != 5 || report.NodesFailed != 1 {
		t.Errorf("nodes succeeded/failed = %d/%d, want 5/1", report.NodesSucceeded, report.NodesFailed)
	}
	found := false
	for _, f := range report.Failures {
		if f.RecordID == "e6" && f.Kind == common.FailureEncoding {
			found = true
		}
	}
	if !found {
		t.Errorf("no encoding failure for e6 in %+v", report.Failures)
	}
	if _, ok := graph.nodes["e6"]; ok {
		t.Error("unencodable entity reached the graph")
	}
}

func TestExport_PageFailureReported(t *testing.T) {
	source := scenarioSource()
	graph := newFakeSink()
	graph.failNodeLabel = "ResearchPaper"
	orch := New(source, graph, &fakeLocker{})

	report, err := orch.Export(context.Background(), testScope(), Options{})
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	if report.NodesFailed != 2 {
		t.Errorf("nodes failed = %d, want 2", report.NodesFailed)
	}
	if report.NodesSucceeded != 3 {
		t.Errorf("nodes succeeded = %d, want 3", report.NodesSucceeded)
	}
	if len(report.FailedPages) != 1 {
		t.Errorf("failed pages = %v, want one entry", report.FailedPages)
	}
	for _, l := range report.Labels {
		if l == "ResearchPaper" {
			t.Error("failed label reported as written")
		}
	}
}

// dirtyTypeSource reports duplicate and empty entity types, as a source
// with unvalidated upstream writes might.
type dirtyTypeSource struct {
	*fakeSource
}

func (d *dirtyTypeSource) DistinctEntityTypes(_ context.Context, _ common.Scope) ([]string, error) {
	return []string{"Person", "", "Person", "person"}, nil
}

func TestExport_DirtyTypeList(t *testing.T) {
	source := &dirtyTypeSource{fakeSource: &fakeSource{
		entities: []common.Entity{
			{ID: "e1", Type: "Person", DisplayName: "Ada"},
			{ID: "e2", Type: "person", DisplayName: "Grace"},
		},
	}}
	graph := newFakeSink()
	orch := New(source, graph, &fakeLocker{})

	report, err := orch.Export(context.Background(), testScope(), Options{})
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if report.NodesSucceeded != 2 {
		t.Errorf("nodes succeeded = %d, want 2", report.NodesSucceeded)
	}
	if got, want := report.Labels, []string{"Person"}; !equalStrings(got, want) {
		t.Errorf("labels = %v, want %v", got, want)
	}
	// The empty type must not produce a sentinel label group.
	if got, want := graph.indexed, []string{"Person"}; !equalStrings(got, want) {
		t.Errorf("indexed labels = %v, want %v", got, want)
	}
}

func TestExport_Cancellation(t *testing.T) {
	source := scenarioSource()
	graph := newFakeSink()
	orch := New(source, graph, &fakeLocker{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := orch.Export(ctx, testScope(), Options{})
	if err != nil {
		t.Fatalf("export returned error on cancellation: %v", err)
	}
	if !report.Cancelled {
		t.Error("report not marked cancelled")
	}
	if report.RelsAttempted != 0 {
		t.Errorf("relationships attempted after cancellation: %d", report.RelsAttempted)
	}
}

func TestExport_SourceErrorNotCancelled(t *testing.T) {
	source := scenarioSource()
	source.listErr = errors.New("connection reset")
	graph := newFakeSink()
	orch := New(source, graph, &fakeLocker{})

	report, err := orch.Export(context.Background(), testScope(), Options{})
	if err == nil {
		t.Fatal("expected error from failing source")
	}
	// A sibling goroutine's failure tears down the group, but the run
	// itself was never cancelled and must not report as such.
	if report != nil && report.Cancelled {
		t.Error("failed run reported as cancelled")
	}
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	if opts.BatchSize != 1000 {
		t.Errorf("BatchSize = %d, want 1000", opts.BatchSize)
	}
	if opts.BatchTimeout != time.Minute {
		t.Errorf("BatchTimeout = %v, want 1m; page writes must always be bounded", opts.BatchTimeout)
	}
	if opts.MaxParallelLabels != 4 {
		t.Errorf("MaxParallelLabels = %d, want 4", opts.MaxParallelLabels)
	}

	custom := Options{BatchSize: 50, BatchTimeout: 5 * time.Second, MaxParallelLabels: 1}.withDefaults()
	if custom.BatchSize != 50 || custom.BatchTimeout != 5*time.Second || custom.MaxParallelLabels != 1 {
		t.Errorf("explicit options overridden: %+v", custom)
	}
}

func TestExport_ScopeBusy(t *testing.T) {
	orch := New(scenarioSource(), newFakeSink(), &fakeLocker{busy: true})

	_, err := orch.Export(context.Background(), testScope(), Options{})
	if !errors.Is(err, ErrScopeBusy) {
		t.Fatalf("err = %v, want ErrScopeBusy", err)
	}
	if !strings.Contains(err.Error(), "proj-1") {
		t.Errorf("error does not name the scope: %v", err)
	}
}

func TestExport_ClearExisting(t *testing.T) {
	source := scenarioSource()
	graph := newFakeSink()
	graph.nodes["stale"] = fakeNode{label: "Person"}
	orch := New(source, graph, &fakeLocker{})

	if _, err := orch.Export(context.Background(), testScope(), Options{ClearExisting: true}); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if graph.cleared != 1 {
		t.Errorf("clear called %d times, want 1", graph.cleared)
	}
	if _, ok := graph.nodes["stale"]; ok {
		t.Error("stale node survived ClearExisting")
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
