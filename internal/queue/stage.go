package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rabbitmq/amqp091-go"

	"github.com/perch-labs/graphsync/pkg/common"
	"github.com/perch-labs/graphsync/pkg/logger"
	"github.com/perch-labs/graphsync/pkg/store"
)

// StageMsg carries extracted records from the upstream pipeline into the
// relational store. ExportAfter chains an export of the staged scope once
// the batch is in.
type StageMsg struct {
	ProjectID     string                `json:"project_id"`
	SourceFileID  string                `json:"source_file_id,omitempty"`
	Entities      []common.Entity       `json:"entities,omitempty"`
	Relationships []common.Relationship `json:"relationships,omitempty"`
	ExportAfter   bool                  `json:"export_after,omitempty"`
}

func (m StageMsg) Scope() common.Scope {
	return common.Scope{ProjectID: m.ProjectID, SourceFileID: m.SourceFileID}
}

// ExportRequest derives the follow-up export message for a staged batch.
// The export covers the whole scope, not just this batch's records.
func (m StageMsg) ExportRequest() ExportMsg {
	return ExportMsg{
		ProjectID:    m.ProjectID,
		SourceFileID: m.SourceFileID,
	}
}

// ProcessStageMessage upserts one batch of extracted records and, when
// requested, enqueues the follow-up export.
func ProcessStageMessage(
	ctx context.Context,
	stager store.Stager,
	ch *amqp091.Channel,
	msg string,
) error {
	data := new(StageMsg)
	if err := json.Unmarshal([]byte(msg), data); err != nil {
		return fmt.Errorf("decode stage message: %w", err)
	}
	if data.ProjectID == "" {
		return errors.New("stage message without project_id")
	}

	scope := data.Scope()
	if err := stager.StageEntities(ctx, scope, data.Entities); err != nil {
		return fmt.Errorf("stage entities for %s: %w", scope.Tag(), err)
	}
	if err := stager.StageRelationships(ctx, scope, data.Relationships); err != nil {
		return fmt.Errorf("stage relationships for %s: %w", scope.Tag(), err)
	}

	logger.Info("[Queue][Stage] Batch staged",
		"scope", scope.Tag(),
		"entities", len(data.Entities),
		"relationships", len(data.Relationships))

	if data.ExportAfter {
		body, err := json.Marshal(data.ExportRequest())
		if err != nil {
			return fmt.Errorf("encode export request for %s: %w", scope.Tag(), err)
		}
		if err := PublishFIFO(ch, ExportQueue, body); err != nil {
			return fmt.Errorf("enqueue export for %s: %w", scope.Tag(), err)
		}
		logger.Info("[Queue][Stage] Export enqueued", "scope", scope.Tag())
	}
	return nil
}
