package queue

import "github.com/perch-labs/graphsync/pkg/common"

// ExportMsg asks the worker to synchronize one scope into the graph.
type ExportMsg struct {
	ProjectID     string `json:"project_id"`
	SourceFileID  string `json:"source_file_id,omitempty"`
	ClearExisting bool   `json:"clear_existing,omitempty"`
	BatchSize     int    `json:"batch_size,omitempty"`
}

// VerifyMsg asks the worker to check a scope. SampleSize zero means a
// count check only.
type VerifyMsg struct {
	ProjectID    string `json:"project_id"`
	SourceFileID string `json:"source_file_id,omitempty"`
	SampleSize   int    `json:"sample_size,omitempty"`
}

func (m ExportMsg) Scope() common.Scope {
	return common.Scope{ProjectID: m.ProjectID, SourceFileID: m.SourceFileID}
}

func (m VerifyMsg) Scope() common.Scope {
	return common.Scope{ProjectID: m.ProjectID, SourceFileID: m.SourceFileID}
}
