// Package runlog keeps a history of export runs in the relational store,
// so operators can see what a worker did after the report left the queue.
package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perch-labs/graphsync/pkg/common"
)

const insertRunSQL = `INSERT INTO sync_runs (
	run_id, project_id, source_file_id,
	nodes_attempted, nodes_succeeded, nodes_failed,
	rels_attempted, rels_succeeded, rels_failed,
	cancelled, elapsed_ms, report
) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12)`

func RecordRun(ctx context.Context, conn *pgxpool.Pool, report *common.RunReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode run report: %w", err)
	}

	_, err = conn.Exec(ctx, insertRunSQL,
		report.RunID,
		report.Scope.ProjectID,
		report.Scope.SourceFileID,
		report.NodesAttempted,
		report.NodesSucceeded,
		report.NodesFailed,
		report.RelsAttempted,
		report.RelsSucceeded,
		report.RelsFailed,
		report.Cancelled,
		report.Elapsed.Milliseconds(),
		body,
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", report.RunID, err)
	}
	return nil
}

// LastRun returns the most recent recorded run for a scope, or nil when
// the scope has never been exported.
func LastRun(ctx context.Context, conn *pgxpool.Pool, scope common.Scope) (*common.RunReport, error) {
	sql := `SELECT report FROM sync_runs
WHERE project_id = $1 AND ($2 = '' OR source_file_id = $2)
ORDER BY created_at DESC LIMIT 1`

	var body []byte
	err := conn.QueryRow(ctx, sql, scope.ProjectID, scope.SourceFileID).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load last run for %s: %w", scope.Tag(), err)
	}

	report := new(common.RunReport)
	if err := json.Unmarshal(body, report); err != nil {
		return nil, fmt.Errorf("decode last run for %s: %w", scope.Tag(), err)
	}
	return report, nil
}
