package common

import "time"

// Entity represents one row of the relational store that becomes a graph
// node. Records are produced by the upstream extraction pipeline and are
// read-only from the sync core's perspective.
//
// Type is free-form: any casing or punctuation convention may appear
// ("research_paper", "ML-Model", "API Endpoint"). The canonical node label
// is derived from it at export time.
type Entity struct {
	ID           string         `json:"id"`
	Type         string         `json:"entity_type"`
	DisplayName  string         `json:"display_name,omitempty"`
	Attributes   map[string]any `json:"attributes"`
	SourceFileID string         `json:"source_file_id,omitempty"`
}

// Relationship represents one directed edge between two entities. Both
// endpoints must resolve to entities visible in the same export run; a
// dangling reference is a detectable per-record failure, never silently
// dropped.
type Relationship struct {
	ID             string         `json:"id"`
	Type           string         `json:"relationship_type"`
	SourceEntityID string         `json:"source_entity_id"`
	TargetEntityID string         `json:"target_entity_id"`
	Attributes     map[string]any `json:"attributes"`
}

// Scope bounds one export or verification run: a whole project, or a single
// source file within it.
type Scope struct {
	ProjectID    string `json:"project_id"`
	SourceFileID string `json:"source_file_id,omitempty"`
}

// Tag returns the opaque scope identifier written onto every exported node
// and relationship. Verification matches graph data back to the relational
// store by this tag.
func (s Scope) Tag() string {
	if s.SourceFileID == "" {
		return "project:" + s.ProjectID
	}
	return "project:" + s.ProjectID + "/file:" + s.SourceFileID
}

// LockKey returns the advisory-lock key guarding the scope. All runs for
// the same project contend on one key so that a file-scoped export cannot
// race a project-scoped clear.
func (s Scope) LockKey() string {
	return "graphsync:" + s.ProjectID
}

// FailureKind classifies a per-record export failure.
type FailureKind string

const (
	FailureEncoding FailureKind = "encoding"
	FailureDangling FailureKind = "dangling_reference"
	FailureWrite    FailureKind = "write"
)

// RecordFailure describes a single record that could not be exported. The
// batch containing it continues; the failure is reported as data.
type RecordFailure struct {
	RecordID string      `json:"record_id"`
	Kind     FailureKind `json:"kind"`
	Reason   string      `json:"reason"`
}

// RunReport summarizes one orchestrator invocation. It is created when the
// export call starts and finalized when it returns; it is not persisted by
// the core itself.
type RunReport struct {
	RunID string `json:"run_id"`
	Scope Scope  `json:"scope"`

	NodesAttempted int `json:"nodes_attempted"`
	NodesSucceeded int `json:"nodes_succeeded"`
	NodesFailed    int `json:"nodes_failed"`

	RelsAttempted int `json:"relationships_attempted"`
	RelsSucceeded int `json:"relationships_succeeded"`
	RelsFailed    int `json:"relationships_failed"`

	// Distinct canonical identifiers actually written during the run.
	Labels            []string `json:"labels"`
	RelationshipTypes []string `json:"relationship_types"`

	Failures    []RecordFailure `json:"failures,omitempty"`
	FailedPages []int           `json:"failed_pages,omitempty"`

	Cancelled bool          `json:"cancelled"`
	Elapsed   time.Duration `json:"elapsed"`
}

// CountReport holds the node/relationship counts of both stores for one
// scope.
type CountReport struct {
	Scope Scope `json:"scope"`

	ExpectedNodes int64 `json:"expected_nodes"`
	ActualNodes   int64 `json:"actual_nodes"`
	ExpectedRels  int64 `json:"expected_relationships"`
	ActualRels    int64 `json:"actual_relationships"`

	InSync bool `json:"in_sync"`
}

// Mismatch describes one divergence found by a content check.
type Mismatch struct {
	RecordID string `json:"record_id"`
	Field    string `json:"field"`
	Expected any    `json:"expected"`
	Actual   any    `json:"actual"`
}

// VerificationReport combines the count check with sampled content checks.
// Mismatches are data for the caller to act on, never errors.
type VerificationReport struct {
	Counts     CountReport `json:"counts"`
	Sampled    int         `json:"sampled"`
	Mismatches []Mismatch  `json:"mismatches,omitempty"`
}

// Clean reports whether the verification found full agreement between the
// two stores.
func (r VerificationReport) Clean() bool {
	return r.Counts.InSync && len(r.Mismatches) == 0
}
