package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/autoflow/autoflow/pkg/telemetry"
	"github.com/autoflow/autoflow/pkg/workflow"
)

// DefaultMaxRetries is the per-workflow, per-error-type retry budget.
const DefaultMaxRetries = 3

// Config configures a Coordinator.
type Config struct {
	MaxRetries      int      `yaml:"max_retries" validate:"gte=0"`
	DefaultStrategy Strategy `yaml:"default_strategy" validate:"omitempty,oneof=rollback retry continue abort"`
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      DefaultMaxRetries,
		DefaultStrategy: StrategyRollback,
	}
}

var errNoOrchestrator = errors.New("no orchestrator configured")

type retryKey struct {
	workflowID string
	errorType  ErrorType
}

// Coordinator classifies failures, selects a recovery strategy and delegates
// it to an Orchestrator. It is safe for concurrent use.
type Coordinator struct {
	cfg          Config
	orchestrator Orchestrator
	logger       zerolog.Logger

	mu       sync.Mutex
	handlers map[ErrorType]Handler
	retries  map[retryKey]int
}

// NewCoordinator creates a coordinator. orchestrator may be nil, in which case
// only CONTINUE can succeed.
func NewCoordinator(cfg Config, orchestrator Orchestrator, logger zerolog.Logger) *Coordinator {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if !cfg.DefaultStrategy.Valid() {
		cfg.DefaultStrategy = StrategyRollback
	}
	return &Coordinator{
		cfg:          cfg,
		orchestrator: orchestrator,
		logger:       logger.With().Str("component", "recovery").Logger(),
		handlers:     make(map[ErrorType]Handler),
		retries:      make(map[retryKey]int),
	}
}

// SetOrchestrator replaces the orchestrator.
func (c *Coordinator) SetOrchestrator(o Orchestrator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orchestrator = o
}

// RegisterHandler registers a custom hook for an error type.
func (c *Coordinator) RegisterHandler(t ErrorType, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = h
}

// RetryCount returns the current retry counter for a workflow and error type.
func (c *Coordinator) RetryCount(workflowID string, t ErrorType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries[retryKey{workflowID, t}]
}

// ResetRetryCount clears the given counters of a workflow, or all of them
// when no type is given.
func (c *Coordinator) ResetRetryCount(workflowID string, types ...ErrorType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(types) == 0 {
		for k := range c.retries {
			if k.workflowID == workflowID {
				delete(c.retries, k)
			}
		}
		return
	}
	for _, t := range types {
		delete(c.retries, retryKey{workflowID, t})
	}
}

// SelectStrategy picks the strategy for an error of type t. Selecting RETRY
// consumes one unit of the retry budget.
func (c *Coordinator) SelectStrategy(workflowID string, t ErrorType, state *workflow.State, override Strategy) Strategy {
	if override.Valid() {
		return override
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.handlers[t]; ok {
		return StrategyRollback
	}
	if t.Retryable() {
		key := retryKey{workflowID, t}
		if c.retries[key] < c.cfg.MaxRetries {
			c.retries[key]++
			return StrategyRetry
		}
	}
	if t == ErrorTypePermission {
		return StrategyRollback
	}
	if state != nil && state.HasChanges() {
		return StrategyRollback
	}
	return c.cfg.DefaultStrategy
}

// HandleError classifies err, selects a strategy and carries it out. It never
// panics; failures are reported in the result.
func (c *Coordinator) HandleError(ctx context.Context, workflowID string, err error, state *workflow.State, override Strategy) (result Result) {
	if state == nil {
		state = workflow.NewState(workflowID)
	}
	errType := Classify(err)
	original := ""
	if err != nil {
		original = err.Error()
	}

	ctx, end := telemetry.StartRecovery(ctx, workflowID, string(errType))

	strategy := c.SelectStrategy(workflowID, errType, state, override)
	telemetry.RecordRecoveryDecision(ctx, workflowID, string(errType), string(strategy))

	c.logger.Info().
		Str("workflow_id", workflowID).
		Str("error_type", string(errType)).
		Str("strategy", string(strategy)).
		Str("error", original).
		Msg("Handling workflow error")

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("workflow_id", workflowID).Msg("Recovery strategy panicked")
			result = Result{
				Strategy:      strategy,
				ErrorType:     errType,
				Error:         fmt.Sprintf("recovery panicked: %v", r),
				OriginalError: original,
				State:         state,
			}
		}
		var endErr error
		if !result.Success {
			endErr = errors.New(result.Error)
		}
		end(string(strategy), endErr)
	}()

	result = c.execute(ctx, workflowID, strategy, errType, err, state)
	result.Strategy = strategy
	result.ErrorType = errType
	result.OriginalError = original
	if result.State == nil {
		result.State = state
	}
	if !result.Success {
		c.logger.Error().
			Str("workflow_id", workflowID).
			Str("strategy", string(strategy)).
			Str("error", result.Error).
			Msg("Recovery failed")
	}
	return result
}

func (c *Coordinator) execute(ctx context.Context, workflowID string, strategy Strategy, errType ErrorType, err error, state *workflow.State) Result {
	c.mu.Lock()
	orch := c.orchestrator
	hook := c.handlers[errType]
	c.mu.Unlock()

	switch strategy {
	case StrategyRollback:
		if hook != nil {
			if hookErr := hook(ctx, workflowID, err, state); hookErr != nil {
				c.logger.Warn().Err(hookErr).Str("error_type", string(errType)).Msg("Custom recovery handler failed")
			}
		}
		return c.rollback(ctx, workflowID, orch, state)
	case StrategyRetry:
		return c.retry(ctx, workflowID, orch, err, state)
	case StrategyContinue:
		return c.continueWorkflow(ctx, workflowID, orch, err, state)
	default:
		return c.abort(ctx, workflowID, orch, err, state)
	}
}

func (c *Coordinator) rollback(ctx context.Context, workflowID string, orch Orchestrator, state *workflow.State) Result {
	if !state.HasChanges() {
		return Result{Success: true, Recovered: true, Message: "Nothing to rollback", State: state}
	}
	if orch == nil {
		return failed(errNoOrchestrator, state)
	}

	reverted := state.Changes().Len()
	next, err := orch.RollbackChanges(ctx, workflowID, state)
	if err != nil {
		telemetry.RecordRollback(ctx, workflowID, "failed", reverted)
		return failed(fmt.Errorf("rollback failed: %w", err), state)
	}
	if next == nil {
		next = state
	}
	next.Changes().Clear()
	telemetry.RecordRollback(ctx, workflowID, "success", reverted)

	return Result{
		Success:   true,
		Recovered: true,
		Message:   fmt.Sprintf("Rolled back %d changes", reverted),
		State:     next,
	}
}

func (c *Coordinator) retry(ctx context.Context, workflowID string, orch Orchestrator, err error, state *workflow.State) Result {
	step := state.CurrentStep()
	if step == "" {
		return failed(errors.New("no current step to retry"), state)
	}
	if orch == nil {
		return failed(errNoOrchestrator, state)
	}

	attempt := state.Clone()
	attempt.SetRetryCount(attempt.RetryCount() + 1)
	if err != nil {
		attempt.SetLastError(err.Error())
	}

	next, retryErr := orch.RetryStep(ctx, workflowID, step, attempt)
	if retryErr != nil {
		return failed(fmt.Errorf("retry of %s failed: %w", step, retryErr), attempt)
	}
	if next == nil {
		next = attempt
	}
	return Result{
		Success:   true,
		Recovered: true,
		Message:   fmt.Sprintf("Retrying step %s (attempt %d)", step, attempt.RetryCount()),
		State:     next,
	}
}

func (c *Coordinator) continueWorkflow(ctx context.Context, workflowID string, orch Orchestrator, err error, state *workflow.State) Result {
	next := state.Clone()
	if err != nil {
		next.AddHandledError(err.Error())
	}
	if orch == nil {
		return Result{Success: true, Recovered: true, Message: "Continuing workflow", State: next}
	}

	out, contErr := orch.ContinueWorkflow(ctx, workflowID, next)
	if contErr != nil {
		return failed(fmt.Errorf("continue failed: %w", contErr), next)
	}
	if out == nil {
		out = next
	}
	return Result{Success: true, Recovered: true, Message: "Continuing workflow", State: out}
}

// abort is best-effort: a failing delegate is reported but the workflow is
// aborted regardless.
func (c *Coordinator) abort(ctx context.Context, workflowID string, orch Orchestrator, err error, state *workflow.State) Result {
	next := state.Clone()
	reason := "workflow aborted"
	if err != nil {
		reason = err.Error()
	}
	next.Abort(reason)

	res := Result{Success: true, Recovered: false, Message: "Workflow aborted", State: next}
	if orch == nil {
		return res
	}

	out, abortErr := orch.AbortWorkflow(ctx, workflowID, next)
	if abortErr != nil {
		c.logger.Warn().Err(abortErr).Str("workflow_id", workflowID).Msg("Abort delegate failed")
		res.Error = abortErr.Error()
		return res
	}
	if out != nil {
		res.State = out
	}
	return res
}

func failed(err error, state *workflow.State) Result {
	return Result{Success: false, Recovered: false, Error: err.Error(), State: state}
}
