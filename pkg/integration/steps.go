package integration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/autoflow/autoflow/pkg/changes"
	"github.com/autoflow/autoflow/pkg/isolation"
	"github.com/autoflow/autoflow/pkg/policy"
	"github.com/autoflow/autoflow/pkg/recovery"
	"github.com/autoflow/autoflow/pkg/telemetry"
	"github.com/autoflow/autoflow/pkg/workflow"
)

// Result keys of a script step.
const (
	ResultBackend      = "backend"
	ResultExitCode     = "exit_code"
	ResultStdout       = "stdout"
	ResultStderr       = "stderr"
	ResultChanges      = "changes"
	ResultHandledError = "handled_error"
)

// stderrTail is how much stderr is kept in a step error message.
const stderrTail = 512

// stepHandler runs the script of step. Executor-level retries see the plain
// error; once the last attempt fails the recovery coordinator takes over.
func (p *Pipeline) stepHandler(rc *runContext, step Step) workflow.Handler {
	return func(ctx context.Context, state *workflow.State, cfg workflow.Config) (workflow.Result, error) {
		if state.Aborted() {
			rc.markFailed()
			return nil, workflow.NewPermanentError("workflow aborted: "+state.AbortReason(), nil).
				WithCode(workflow.ErrCodeCancelled).
				WithNode(step.Name)
		}
		state.SetCurrentStep(step.Name)

		res, err := p.runStep(ctx, rc, step)
		if err == nil {
			return res, nil
		}
		if !workflow.FinalAttempt(ctx) || ctx.Err() != nil {
			if ctx.Err() != nil {
				rc.markFailed()
			}
			return nil, err
		}
		return p.recover(ctx, rc, step, err)
	}
}

// recover hands err to the coordinator until a strategy resolves it. RETRY
// re-runs the step through RetryStep; a failed retry feeds its own error back
// in, and the coordinator's retry budget bounds the loop.
func (p *Pipeline) recover(ctx context.Context, rc *runContext, step Step, err error) (workflow.Result, error) {
	for {
		view := rc.state.Clone()
		view.SetCurrentStep(step.Name)

		res := p.coordinator.HandleError(ctx, rc.workflowID, err, view, step.OnFailure)
		p.recordRecovery(ctx, rc, step.Name, res)

		switch res.Strategy {
		case recovery.StrategyRetry:
			rc.state.SetRetryCount(rc.state.RetryCount() + 1)
			rc.state.SetLastError(err.Error())
			if res.Success {
				rc.mu.Lock()
				out := rc.retried[step.Name]
				delete(rc.retried, step.Name)
				rc.mu.Unlock()
				return out, nil
			}
			rc.mu.Lock()
			next := rc.retryErrs[step.Name]
			delete(rc.retryErrs, step.Name)
			rc.mu.Unlock()
			if next == nil || ctx.Err() != nil {
				rc.markFailed()
				return nil, err
			}
			err = next

		case recovery.StrategyContinue:
			if !res.Success {
				rc.markFailed()
				return nil, err
			}
			rc.state.AddHandledError(err.Error())
			return workflow.Result{ResultHandledError: err.Error()}, nil

		case recovery.StrategyAbort:
			reason := err.Error()
			if res.State != nil && res.State.AbortReason() != "" {
				reason = res.State.AbortReason()
			}
			rc.state.Abort(reason)
			rc.markFailed()
			return nil, err

		default:
			// rollback has already run, or failed, by now
			rc.markFailed()
			if !res.Success {
				return nil, fmt.Errorf("%w (recovery failed: %s)", err, res.Error)
			}
			return nil, err
		}
	}
}

func (p *Pipeline) recordRecovery(ctx context.Context, rc *runContext, step string, res recovery.Result) {
	rec := RecoveryRecord{
		Step:       step,
		ErrorType:  res.ErrorType,
		Strategy:   res.Strategy,
		Success:    res.Success,
		Message:    res.Message,
		Error:      res.Error,
		Original:   res.OriginalError,
		OccurredAt: time.Now(),
	}
	rc.mu.Lock()
	rc.recovery = append(rc.recovery, rec)
	rc.mu.Unlock()

	if p.events != nil {
		_ = p.events.PublishRecoveryDecision(rc.workflowID, string(res.ErrorType), string(res.Strategy))
	}
	p.persistRecovery(ctx, rc, rec)
}

// runStep runs the script of step once: policy gate, backend run, change
// parsing. A script that exits non-zero is a handler error.
func (p *Pipeline) runStep(ctx context.Context, rc *runContext, step Step) (workflow.Result, error) {
	backend := step.Backend
	if backend == "" {
		backend = p.defaults.Backend
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = p.defaults.Timeout
	}
	leastPrivilege := step.LeastPrivilege || p.defaults.LeastPrivilege

	logger := p.logger.With().
		Str("workflow_id", rc.workflowID).
		Str("step", step.Name).
		Str("backend", backend).
		Logger()

	if err := p.checkPolicy(ctx, rc, step, backend, leastPrivilege); err != nil {
		logger.Error().Err(err).Msg("Script rejected by policy")
		rc.setOutcome(step.Name, StepOutcome{Backend: backend, ExitCode: -1, Error: err.Error()})
		return nil, err
	}

	out, err := p.runner.Run(ctx, backend, isolation.Request{
		ScriptPath:     step.Script,
		Timeout:        timeout,
		LeastPrivilege: leastPrivilege,
		Env:            stepEnv(rc.workflowID, step),
	})
	if err != nil {
		rc.setOutcome(step.Name, StepOutcome{Backend: backend, ExitCode: out.ExitCode, Error: err.Error()})
		if errors.Is(err, isolation.ErrUnknownBackend) {
			return nil, workflow.NewPermanentError(fmt.Sprintf("step %s", step.Name), err).
				WithCode(workflow.ErrCodeValidation).
				WithNode(step.Name)
		}
		return nil, workflow.NewPermanentError(fmt.Sprintf("step %s could not run", step.Name), err).
			WithCode(workflow.ErrCodeInternal).
			WithNode(step.Name)
	}

	found := changes.Parse(out.Stdout)
	if len(found) > 0 {
		rc.state.Changes().Append(found...)
		rc.journal.Append(found...)
		for _, c := range found {
			telemetry.RecordChange(ctx, c.Type)
		}
		logger.Debug().Int("changes", len(found)).Msg("Recorded changes")
	}

	rc.setOutcome(step.Name, StepOutcome{
		Backend:  out.Backend,
		ExitCode: out.ExitCode,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		Error:    out.Error,
	})

	if out.Success {
		logger.Info().Int("changes", len(found)).Msg("Step succeeded")
		return workflow.Result{
			ResultBackend:  out.Backend,
			ResultExitCode: out.ExitCode,
			ResultStdout:   out.Stdout,
			ResultStderr:   out.Stderr,
			ResultChanges:  len(found),
		}, nil
	}

	logger.Warn().Int("exit_code", out.ExitCode).Str("error", out.Error).Msg("Step script failed")

	if out.TimedOut() {
		return nil, workflow.NewTransientError(fmt.Sprintf("step %s timed out after %s", step.Name, timeout), nil).
			WithCode(workflow.ErrCodeTimeout).
			WithNode(step.Name).
			WithDetail("backend", out.Backend)
	}
	return nil, workflow.NewPermanentError(scriptFailure(step.Name, out), nil).
		WithCode(workflow.ErrCodeHandlerFailed).
		WithNode(step.Name).
		WithDetail("backend", out.Backend).
		WithDetail("exit_code", out.ExitCode)
}

// checkPolicy evaluates the script against the policy gate, if any.
// Blocking violations become PERMISSION_DENIED errors.
func (p *Pipeline) checkPolicy(ctx context.Context, rc *runContext, step Step, backend string, leastPrivilege bool) error {
	if p.policy == nil {
		return nil
	}

	script, err := policy.ReadScript(step.Script)
	if err != nil {
		return workflow.NewPermanentError(fmt.Sprintf("step %s", step.Name), err).
			WithCode(workflow.ErrCodeNotFound).
			WithNode(step.Name)
	}

	result, err := p.policy.EvaluateScript(ctx, policy.ScriptInput{
		Script:         script,
		Workflow:       rc.def.Name,
		Step:           step.Name,
		Operation:      string(rc.def.Operation),
		Backend:        backend,
		LeastPrivilege: leastPrivilege,
	})
	if err != nil {
		return workflow.NewPermanentError(fmt.Sprintf("policy evaluation failed for step %s", step.Name), err).
			WithCode(workflow.ErrCodeInternal).
			WithNode(step.Name)
	}

	for _, w := range result.Warnings {
		p.logger.Warn().
			Str("step", step.Name).
			Str("policy", w.Policy).
			Str("line", w.Line).
			Msg(w.Message)
	}
	if result.Allowed {
		return nil
	}

	for _, v := range result.Violations {
		telemetry.RecordPolicyViolation(ctx, script.Path, v.Policy, v.Message)
		if p.events != nil {
			_ = p.events.PublishPolicyViolation(script.Path, v.Policy, v.Message)
		}
	}
	return workflow.NewPermanentError(fmt.Sprintf("permission denied by policy: %s", result.DenyReason()), nil).
		WithCode(workflow.ErrCodePermissionDenied).
		WithNode(step.Name)
}

// rollbackHandler is the handler of the rollback sink. It reverts the ledger
// only when some step failed and its changes were not already reverted.
func (p *Pipeline) rollbackHandler(rc *runContext) workflow.Handler {
	return func(ctx context.Context, state *workflow.State, cfg workflow.Config) (workflow.Result, error) {
		if !rc.hasFailed() || !state.HasChanges() {
			return workflow.Result{"skipped": true}, nil
		}

		state.SetCurrentStep(NodeRollback)
		result, err := p.rollback(ctx, rc)
		if err != nil {
			return nil, workflow.NewPermanentError("rollback failed", err).
				WithCode(workflow.ErrCodeInternal).
				WithNode(NodeRollback)
		}
		return workflow.Result{
			"status":   result.Status,
			"reverted": result.Reverted,
			"message":  result.Message,
		}, nil
	}
}

// rollback reverts the shared ledger of rc. A script that runs but fails is
// returned as an error.
func (p *Pipeline) rollback(ctx context.Context, rc *runContext) (*changes.RollbackResult, error) {
	pending := rc.state.Changes().Len()
	result, err := p.rollbacker.Rollback(ctx, rc.state.Changes())
	if err != nil {
		p.publishRollback(ctx, rc, changes.RollbackFailed, pending)
		return nil, err
	}
	p.publishRollback(ctx, rc, result.Status, pending)
	if result.Status != changes.RollbackSuccess {
		return result, errors.New(result.Message)
	}

	rc.mu.Lock()
	rc.rolledBack = true
	rc.mu.Unlock()
	return result, nil
}

func (p *Pipeline) publishRollback(ctx context.Context, rc *runContext, status string, n int) {
	telemetry.RecordRollback(ctx, rc.workflowID, status, n)
	if p.events != nil {
		_ = p.events.PublishRollback(rc.workflowID, status, n)
	}
}

// stepEnv builds the script environment: step variables sorted by key, then
// the run identifiers.
func stepEnv(workflowID string, step Step) []string {
	keys := make([]string, 0, len(step.Env))
	for k := range step.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys)+2)
	for _, k := range keys {
		env = append(env, k+"="+step.Env[k])
	}
	return append(env, "AUTOFLOW_WORKFLOW_ID="+workflowID, "AUTOFLOW_STEP="+step.Name)
}

func scriptFailure(step string, out isolation.Result) string {
	msg := fmt.Sprintf("step %s exited with code %d", step, out.ExitCode)
	detail := strings.TrimSpace(out.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(out.Error)
	}
	if len(detail) > stderrTail {
		detail = detail[len(detail)-stderrTail:]
	}
	if detail != "" {
		msg += ": " + detail
	}
	return msg
}
