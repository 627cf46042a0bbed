package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rabbitmq/amqp091-go"

	"github.com/perch-labs/graphsync/internal/runlog"
	"github.com/perch-labs/graphsync/pkg/common"
	"github.com/perch-labs/graphsync/pkg/logger"
	"github.com/perch-labs/graphsync/pkg/verify"
)

// VerifyReport is the payload published after a verification: the check
// outcome paired with the recorded run it most likely verified, so a
// consumer can tell a drifted store from a scope that was never exported.
type VerifyReport struct {
	Counts  *common.CountReport        `json:"counts,omitempty"`
	Content *common.VerificationReport `json:"content,omitempty"`
	LastRun *common.RunReport          `json:"last_run,omitempty"`
}

// ProcessVerifyMessage runs a count or content check and publishes the
// outcome.
func ProcessVerifyMessage(
	ctx context.Context,
	verifier *verify.Verifier,
	ch *amqp091.Channel,
	conn *pgxpool.Pool,
	msg string,
) error {
	data := new(VerifyMsg)
	if err := json.Unmarshal([]byte(msg), data); err != nil {
		return fmt.Errorf("decode verify message: %w", err)
	}
	if data.ProjectID == "" {
		return errors.New("verify message without project_id")
	}

	scope := data.Scope()
	out := new(VerifyReport)

	if data.SampleSize > 0 {
		report, err := verifier.ContentCheck(ctx, scope, data.SampleSize)
		if err != nil {
			return fmt.Errorf("content check %s: %w", scope.Tag(), err)
		}
		logger.Info("[Queue][Verify] Content check complete",
			"scope", scope.Tag(),
			"sampled", report.Sampled,
			"clean", report.Clean())
		out.Content = report
	} else {
		report, err := verifier.CountCheck(ctx, scope)
		if err != nil {
			return fmt.Errorf("count check %s: %w", scope.Tag(), err)
		}
		logger.Info("[Queue][Verify] Count check complete",
			"scope", scope.Tag(),
			"in_sync", report.InSync)
		out.Counts = report
	}

	lastRun, err := runlog.LastRun(ctx, conn, scope)
	if err != nil {
		logger.Warn("[Queue][Verify] Failed to load last run", "scope", scope.Tag(), "err", err)
	} else {
		out.LastRun = lastRun
	}

	body, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode verify report: %w", err)
	}
	if err := PublishReport(ch, "sync.verify."+data.ProjectID, body); err != nil {
		logger.Warn("[Queue][Verify] Failed to publish report", "scope", scope.Tag(), "err", err)
	}
	return nil
}
