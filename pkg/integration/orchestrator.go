package integration

import (
	"context"
	"time"

	"github.com/autoflow/autoflow/pkg/workflow"
)

// RollbackChanges reverts every change recorded so far by the run.
func (p *Pipeline) RollbackChanges(ctx context.Context, workflowID string, state *workflow.State) (*workflow.State, error) {
	rc, err := p.lookup(workflowID)
	if err != nil {
		return nil, err
	}
	if _, err := p.rollback(ctx, rc); err != nil {
		return nil, err
	}
	return state, nil
}

// RetryStep runs step again. Its result or error is kept for the step
// handler that asked for the retry.
func (p *Pipeline) RetryStep(ctx context.Context, workflowID, step string, state *workflow.State) (*workflow.State, error) {
	rc, err := p.lookup(workflowID)
	if err != nil {
		return nil, err
	}
	s, ok := rc.def.StepByName(step)
	if !ok {
		return nil, workflow.NewPermanentError("unknown step "+step, nil).WithCode(workflow.ErrCodeNotFound)
	}

	p.logger.Info().
		Str("workflow_id", workflowID).
		Str("step", step).
		Int("retry", state.RetryCount()).
		Msg("Retrying step")

	res, runErr := p.runStep(ctx, rc, s)

	rc.mu.Lock()
	defer rc.mu.Unlock()
	if runErr != nil {
		rc.retryErrs[step] = runErr
		return nil, runErr
	}
	rc.retried[step] = res
	return state, nil
}

// ContinueWorkflow accepts the handled error.
func (p *Pipeline) ContinueWorkflow(ctx context.Context, workflowID string, state *workflow.State) (*workflow.State, error) {
	if _, err := p.lookup(workflowID); err != nil {
		return nil, err
	}
	return state, nil
}

// AbortWorkflow accepts the abort. Steps that have not started yet fail
// once the shared state is marked aborted.
func (p *Pipeline) AbortWorkflow(ctx context.Context, workflowID string, state *workflow.State) (*workflow.State, error) {
	if _, err := p.lookup(workflowID); err != nil {
		return nil, err
	}
	p.logger.Warn().Str("workflow_id", workflowID).Str("reason", state.AbortReason()).Msg("Aborting workflow")
	return state, nil
}

// NodeStarted implements workflow.Observer.
func (p *Pipeline) NodeStarted(runID, node string, attempt int) {
	p.starts.Store(runID+"/"+node, time.Now())
	if p.events != nil && attempt == 1 {
		_ = p.events.PublishNodeStarted(runID, node)
	}
}

// NodeRetrying implements workflow.Observer.
func (p *Pipeline) NodeRetrying(runID, node string, attempt int, err *workflow.NodeError) {
	if p.events != nil {
		_ = p.events.PublishNodeRetrying(runID, node, attempt, err.Message)
	}
}

// NodeFinished implements workflow.Observer.
func (p *Pipeline) NodeFinished(runID, node string, status workflow.NodeStatus, err *workflow.NodeError) {
	var elapsed time.Duration
	if v, ok := p.starts.LoadAndDelete(runID + "/" + node); ok {
		elapsed = time.Since(v.(time.Time))
	}
	if p.events == nil {
		return
	}
	if status == workflow.NodeStatusSucceeded {
		_ = p.events.PublishNodeCompleted(runID, node, elapsed)
		return
	}
	reason := string(status)
	if err != nil {
		reason = err.Message
	}
	_ = p.events.PublishNodeFailed(runID, node, string(status), reason)
}
