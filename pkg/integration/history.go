package integration

import (
	"context"
	"encoding/json"
	"time"

	"github.com/autoflow/autoflow/pkg/stores"
	"github.com/autoflow/autoflow/pkg/workflow"
)

// History failures are logged and never fail a run.

func (p *Pipeline) persistStart(ctx context.Context, rc *runContext, startedAt time.Time) {
	if p.store == nil {
		return
	}

	metadata, _ := json.Marshal(map[string]interface{}{
		"source": rc.def.Source,
		"steps":  len(rc.def.Steps),
	})
	err := p.store.CreateRun(ctx, &stores.Run{
		ID:        rc.workflowID,
		Workflow:  rc.def.Name,
		Operation: string(rc.def.Operation),
		Status:    stores.RunStatusRunning,
		StartedAt: startedAt,
		Metadata:  string(metadata),
	})
	if err != nil {
		p.logger.Error().Err(err).Str("workflow_id", rc.workflowID).Msg("Failed to record run start")
	}
}

func (p *Pipeline) persistRecovery(ctx context.Context, rc *runContext, rec RecoveryRecord) {
	if p.store == nil {
		return
	}

	event := &stores.RecoveryEvent{
		RunID:      rc.workflowID,
		Node:       rec.Step,
		ErrorType:  string(rec.ErrorType),
		Strategy:   string(rec.Strategy),
		Success:    rec.Success,
		Message:    rec.Message,
		OccurredAt: rec.OccurredAt,
	}
	if rec.Error != "" {
		msg := rec.Error
		event.Error = &msg
	}
	if err := p.store.RecordRecoveryEvent(ctx, event); err != nil {
		p.logger.Error().Err(err).Str("workflow_id", rc.workflowID).Msg("Failed to record recovery event")
	}
}

func (p *Pipeline) persistFinish(ctx context.Context, rc *runContext, report *Report) {
	if p.store == nil {
		return
	}
	logger := p.logger.With().Str("workflow_id", rc.workflowID).Logger()

	run := report.Run
	for node, status := range run.NodeStatus {
		result := &stores.NodeResult{
			RunID:      rc.workflowID,
			Node:       node,
			Status:     string(status),
			Attempts:   run.Attempts[node],
			RecordedAt: run.CompletedAt,
		}
		if o, ok := report.Steps[node]; ok {
			code := o.ExitCode
			result.Backend = o.Backend
			result.ExitCode = &code
			if o.Stdout != "" {
				out := o.Stdout
				result.Output = &out
			}
		}
		if nodeErr, ok := run.Errors[node]; ok {
			msg := nodeErr.Message
			result.Error = &msg
		}
		if err := p.store.RecordNodeResult(ctx, result); err != nil {
			logger.Error().Err(err).Str("node", node).Msg("Failed to record node result")
		}
	}

	if len(report.Changes) > 0 {
		records := make([]*stores.ChangeRecord, 0, len(report.Changes))
		for _, c := range report.Changes {
			records = append(records, &stores.ChangeRecord{
				Type:          c.Type,
				Target:        c.Target,
				Revertible:    c.Revertible,
				BackupFile:    c.BackupFile,
				RevertCommand: c.RevertCommand,
			})
		}
		if err := p.store.RecordChanges(ctx, rc.workflowID, records); err != nil {
			logger.Error().Err(err).Msg("Failed to record changes")
		}
	}

	var errMsg *string
	if report.Status != workflow.RunStatusSucceeded && run.Failed() {
		msg := firstError(rc, run)
		if report.Aborted {
			msg = report.AbortReason
		}
		errMsg = &msg
	}
	if err := p.store.FinishRun(ctx, rc.workflowID, storeStatus(report.Status), run.Duration, errMsg); err != nil {
		logger.Error().Err(err).Msg("Failed to record run result")
	}
}

// firstError returns the message of the first failed step in definition order.
func firstError(rc *runContext, run *workflow.Run) string {
	for _, step := range rc.def.Steps {
		e, ok := run.Errors[step.Name]
		if ok && !e.Optional && e.Kind != workflow.KindDependencyBlocked {
			return e.Message
		}
	}
	if e, ok := run.Errors[NodeRollback]; ok {
		return e.Message
	}
	return "run failed"
}

func storeStatus(s workflow.RunStatus) stores.RunStatus {
	switch s {
	case workflow.RunStatusSucceeded:
		return stores.RunStatusSucceeded
	case workflow.RunStatusPartial:
		return stores.RunStatusPartial
	case workflow.RunStatusCancelled:
		return stores.RunStatusCancelled
	default:
		return stores.RunStatusFailed
	}
}
