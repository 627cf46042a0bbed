// Package export drives the relational-to-graph synchronization run: it
// pages entities and relationships out of the relational store, normalizes
// their types, and merges them into the graph under a scope lease.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/perch-labs/graphsync/pkg/codec"
	"github.com/perch-labs/graphsync/pkg/common"
	"github.com/perch-labs/graphsync/pkg/ident"
	"github.com/perch-labs/graphsync/pkg/leaselock"
	"github.com/perch-labs/graphsync/pkg/logger"
	"github.com/perch-labs/graphsync/pkg/sink"
	"github.com/perch-labs/graphsync/pkg/store"
)

// ErrScopeBusy is returned when another run already holds the scope lease.
var ErrScopeBusy = errors.New("export scope is busy")

// Locker is the slice of the lease client the orchestrator needs.
// *leaselock.Client satisfies it.
type Locker interface {
	WithLease(ctx context.Context, key string, opts leaselock.Options, fn func(ctx context.Context) error) error
}

// Options tunes one export run. Zero values fall back to defaults.
type Options struct {
	// BatchSize is the page size for both entity and relationship export.
	// Defaults to 1000.
	BatchSize int

	// ClearExisting removes all graph data carrying the scope tag before
	// loading. Relational rows are never touched.
	ClearExisting bool

	// BatchTimeout bounds each page write. A timed-out page counts as
	// failed and the run continues. Defaults to a minute.
	BatchTimeout time.Duration

	// MaxParallelLabels bounds concurrent per-label node export.
	// Defaults to 4.
	MaxParallelLabels int
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = time.Minute
	}
	if o.MaxParallelLabels <= 0 {
		o.MaxParallelLabels = 4
	}
	return o
}

// Orchestrator coordinates export runs. It is safe for concurrent use;
// runs on the same scope serialize on the lease.
type Orchestrator struct {
	source store.Source
	graph  sink.Sink
	locks  Locker
	lease  leaselock.Options
}

func New(source store.Source, graph sink.Sink, locks Locker) *Orchestrator {
	return &Orchestrator{
		source: source,
		graph:  graph,
		locks:  locks,
	}
}

// Export runs one full synchronization of the scope and returns its report.
// Nodes are written before any relationship; retrying a partially failed
// run is safe because every write is a merge on a stable id. Cancellation
// is honored at page boundaries and surfaces as Cancelled on the report,
// not as an error.
func (o *Orchestrator) Export(ctx context.Context, scope common.Scope, opts Options) (*common.RunReport, error) {
	opts = opts.withDefaults()
	started := time.Now()

	report := &common.RunReport{
		RunID: uuid.NewString(),
		Scope: scope,
	}
	logger.Info("[Export][Run] Starting", "run_id", report.RunID, "scope", scope.Tag())

	err := o.locks.WithLease(ctx, scope.LockKey(), o.lease, func(ctx context.Context) error {
		return o.run(ctx, scope, opts, report)
	})
	report.Elapsed = time.Since(started)

	if errors.Is(err, leaselock.ErrBusy) {
		return nil, fmt.Errorf("%w: %s", ErrScopeBusy, scope.Tag())
	}
	if err != nil {
		return report, err
	}
	logger.Info("[Export][Run] Finished",
		"run_id", report.RunID,
		"nodes", report.NodesSucceeded,
		"relationships", report.RelsSucceeded,
		"failed", report.NodesFailed+report.RelsFailed,
		"cancelled", report.Cancelled,
		"elapsed", report.Elapsed)
	return report, nil
}

// runState accumulates report mutations from concurrent label exporters.
// parent is the run's own context: Cancelled is only set when it is done,
// so an errgroup torn down by a sibling's error does not masquerade as a
// cancelled run.
type runState struct {
	mu       sync.Mutex
	report   *common.RunReport
	labels   map[string]bool
	relTypes map[string]bool
	parent   context.Context
	pageSeq  atomic.Int64
}

func (s *runState) nextPage() int {
	return int(s.pageSeq.Add(1)) - 1
}

func (o *Orchestrator) run(ctx context.Context, scope common.Scope, opts Options, report *common.RunReport) error {
	if opts.ClearExisting {
		if err := o.graph.ClearScope(ctx, scope); err != nil {
			return fmt.Errorf("clear existing graph data: %w", err)
		}
	}

	rawTypes, err := o.source.DistinctEntityTypes(ctx, scope)
	if err != nil {
		return fmt.Errorf("list entity types: %w", err)
	}

	// Distinct raw types can collide on one canonical label; they export
	// as a single group so the page sequence stays consistent per label.
	groups := make(map[string][]string)
	for _, raw := range store.DedupeStrings(rawTypes) {
		label := ident.Label(raw)
		groups[label] = append(groups[label], raw)
	}
	labels := make([]string, 0, len(groups))
	for label := range groups {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	if err := o.graph.EnsureIndexes(ctx, labels); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}

	state := &runState{
		report:   report,
		labels:   make(map[string]bool),
		relTypes: make(map[string]bool),
		parent:   ctx,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.MaxParallelLabels)
	for _, label := range labels {
		g.Go(func() error {
			return o.exportLabel(gctx, scope, label, groups[label], opts, state)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if !report.Cancelled {
		if err := o.exportRelationships(ctx, scope, opts, state); err != nil {
			return err
		}
	}

	report.Labels = sortedKeys(state.labels)
	report.RelationshipTypes = sortedKeys(state.relTypes)
	return nil
}

func (o *Orchestrator) exportLabel(
	ctx context.Context,
	scope common.Scope,
	label string,
	rawTypes []string,
	opts Options,
	state *runState,
) error {
	offset := 0
	for {
		if ctx.Err() != nil {
			state.markCancelled()
			return nil
		}

		entities, err := o.source.ListEntities(ctx, scope, rawTypes, offset, opts.BatchSize)
		if err != nil {
			return fmt.Errorf("list entities for label %s: %w", label, err)
		}
		if len(entities) == 0 {
			return nil
		}

		page := state.nextPage()
		nodes, encodeFails := encodeNodes(entities)

		writeErr := o.writePage(ctx, opts, func(pctx context.Context) error {
			return o.graph.WriteNodes(pctx, label, scope, nodes)
		})

		state.mu.Lock()
		state.report.NodesAttempted += len(entities)
		state.report.NodesFailed += len(encodeFails)
		state.report.Failures = append(state.report.Failures, encodeFails...)
		switch {
		case writeErr != nil && ctx.Err() != nil:
			state.mu.Unlock()
			state.markCancelled()
			return nil
		case writeErr != nil:
			state.report.NodesFailed += len(nodes)
			state.report.FailedPages = append(state.report.FailedPages, page)
			state.mu.Unlock()
			logger.Warn("[Export][Nodes] Page failed", "label", label, "page", page, "error", writeErr)
		default:
			state.report.NodesSucceeded += len(nodes)
			if len(nodes) > 0 {
				state.labels[label] = true
			}
			state.mu.Unlock()
			logger.Debug("[Export][Nodes] Page done", "label", label, "page", page, "count", len(nodes))
		}

		if len(entities) < opts.BatchSize {
			return nil
		}
		offset += opts.BatchSize
	}
}

func (o *Orchestrator) exportRelationships(
	ctx context.Context,
	scope common.Scope,
	opts Options,
	state *runState,
) error {
	offset := 0
	for {
		if ctx.Err() != nil {
			state.markCancelled()
			return nil
		}

		rels, err := o.source.ListRelationships(ctx, scope, offset, opts.BatchSize)
		if err != nil {
			return fmt.Errorf("list relationships: %w", err)
		}
		if len(rels) == 0 {
			return nil
		}

		page := state.nextPage()
		prepared, encodeFails := encodeRels(rels)

		var dangling []common.RecordFailure
		writeErr := o.writePage(ctx, opts, func(pctx context.Context) error {
			var err error
			dangling, err = o.graph.WriteRelationships(pctx, scope, prepared)
			return err
		})

		state.mu.Lock()
		state.report.RelsAttempted += len(rels)
		state.report.RelsFailed += len(encodeFails)
		state.report.Failures = append(state.report.Failures, encodeFails...)
		switch {
		case writeErr != nil && ctx.Err() != nil:
			state.mu.Unlock()
			state.markCancelled()
			return nil
		case writeErr != nil:
			state.report.RelsFailed += len(prepared)
			state.report.FailedPages = append(state.report.FailedPages, page)
			state.mu.Unlock()
			logger.Warn("[Export][Relationships] Page failed", "page", page, "error", writeErr)
		default:
			failed := make(map[string]bool, len(dangling))
			for _, f := range dangling {
				failed[f.RecordID] = true
			}
			state.report.RelsFailed += len(dangling)
			state.report.RelsSucceeded += len(prepared) - len(dangling)
			state.report.Failures = append(state.report.Failures, dangling...)
			for _, r := range prepared {
				if !failed[r.ID] {
					state.relTypes[r.Type] = true
				}
			}
			state.mu.Unlock()
			logger.Debug("[Export][Relationships] Page done", "page", page, "count", len(prepared), "dangling", len(dangling))
		}

		if len(rels) < opts.BatchSize {
			return nil
		}
		offset += opts.BatchSize
	}
}

// writePage applies the per-page timeout around one sink write.
func (o *Orchestrator) writePage(ctx context.Context, opts Options, fn func(ctx context.Context) error) error {
	pctx, cancel := context.WithTimeout(ctx, opts.BatchTimeout)
	defer cancel()
	return fn(pctx)
}

func (s *runState) markCancelled() {
	if s.parent.Err() == nil {
		return
	}
	s.mu.Lock()
	s.report.Cancelled = true
	s.mu.Unlock()
}

func encodeNodes(entities []common.Entity) ([]sink.Node, []common.RecordFailure) {
	nodes := make([]sink.Node, 0, len(entities))
	var fails []common.RecordFailure
	for _, e := range entities {
		props, err := nodeProps(e)
		if err != nil {
			fails = append(fails, common.RecordFailure{
				RecordID: e.ID,
				Kind:     common.FailureEncoding,
				Reason:   err.Error(),
			})
			continue
		}
		nodes = append(nodes, sink.Node{ID: e.ID, Props: props})
	}
	return nodes, fails
}

func encodeRels(rels []common.Relationship) ([]sink.Rel, []common.RecordFailure) {
	prepared := make([]sink.Rel, 0, len(rels))
	var fails []common.RecordFailure
	for _, r := range rels {
		props, err := relProps(r)
		if err != nil {
			fails = append(fails, common.RecordFailure{
				RecordID: r.ID,
				Kind:     common.FailureEncoding,
				Reason:   err.Error(),
			})
			continue
		}
		prepared = append(prepared, sink.Rel{
			ID:       r.ID,
			Type:     ident.RelationshipType(r.Type),
			SourceID: r.SourceEntityID,
			TargetID: r.TargetEntityID,
			Props:    props,
		})
	}
	return prepared, fails
}

func nodeProps(e common.Entity) (map[string]any, error) {
	attrs, err := codec.EncodeMap(e.Attributes)
	if err != nil {
		return nil, err
	}
	props := make(map[string]any, len(attrs)+3)
	for k, v := range attrs {
		props[k] = graphValue(v)
	}
	props["display_name"] = e.DisplayName
	props["entity_type"] = e.Type
	if e.SourceFileID != "" {
		props["source_file_id"] = e.SourceFileID
	}
	return props, nil
}

func relProps(r common.Relationship) (map[string]any, error) {
	attrs, err := codec.EncodeMap(r.Attributes)
	if err != nil {
		return nil, err
	}
	props := make(map[string]any, len(attrs)+1)
	for k, v := range attrs {
		props[k] = graphValue(v)
	}
	props["relationship_type"] = r.Type
	return props, nil
}

// graphValue converts an encoded attribute into something the graph can
// hold as a property. Composite values become their JSON text; the
// verifier decodes them back before comparing.
func graphValue(v any) any {
	switch v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	default:
		return v
	}
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
