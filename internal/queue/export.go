package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rabbitmq/amqp091-go"

	"github.com/perch-labs/graphsync/internal/runlog"
	"github.com/perch-labs/graphsync/internal/util"
	"github.com/perch-labs/graphsync/pkg/export"
	"github.com/perch-labs/graphsync/pkg/logger"
)

// ProcessExportMessage runs one export request and publishes the run
// report. A busy scope is retried through the retry queue rather than
// dead-lettered immediately.
func ProcessExportMessage(
	ctx context.Context,
	orch *export.Orchestrator,
	ch *amqp091.Channel,
	conn *pgxpool.Pool,
	msg string,
) error {
	data := new(ExportMsg)
	if err := json.Unmarshal([]byte(msg), data); err != nil {
		return fmt.Errorf("decode export message: %w", err)
	}
	if data.ProjectID == "" {
		return errors.New("export message without project_id")
	}

	scope := data.Scope()
	opts := export.Options{
		BatchSize:         data.BatchSize,
		ClearExisting:     data.ClearExisting,
		BatchTimeout:      time.Duration(util.GetEnvInt("SYNC_BATCH_TIMEOUT_SECONDS", 60)) * time.Second,
		MaxParallelLabels: util.GetEnvInt("SYNC_MAX_PARALLEL_LABELS", 4),
	}

	report, err := orch.Export(ctx, scope, opts)
	if err != nil {
		return fmt.Errorf("export scope %s: %w", scope.Tag(), err)
	}

	logger.Info("[Queue][Export] Run complete",
		"run_id", report.RunID,
		"scope", scope.Tag(),
		"nodes", report.NodesSucceeded,
		"relationships", report.RelsSucceeded,
		"failed", report.NodesFailed+report.RelsFailed,
		"cancelled", report.Cancelled)

	if err := util.RetryErrWithContext(ctx, 3, func(ctx context.Context) error {
		return runlog.RecordRun(ctx, conn, report)
	}); err != nil {
		logger.Warn("[Queue][Export] Failed to record run", "run_id", report.RunID, "err", err)
	}

	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode run report: %w", err)
	}
	if err := PublishReport(ch, "sync.export."+data.ProjectID, body); err != nil {
		logger.Warn("[Queue][Export] Failed to publish report", "run_id", report.RunID, "err", err)
	}
	return nil
}
