// Package recovery decides how a workflow responds to a failure and delegates
// the chosen response to the surrounding orchestration layer.
package recovery

import (
	"context"

	"github.com/autoflow/autoflow/pkg/workflow"
)

// Strategy is the coordinator's response to a failure.
type Strategy string

const (
	StrategyRollback Strategy = "rollback"
	StrategyRetry    Strategy = "retry"
	StrategyContinue Strategy = "continue"
	StrategyAbort    Strategy = "abort"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyRollback, StrategyRetry, StrategyContinue, StrategyAbort:
		return true
	}
	return false
}

// ErrorType is the classification of a failure.
type ErrorType string

const (
	ErrorTypePermission ErrorType = "permission_error"
	ErrorTypeNetwork    ErrorType = "network_error"
	ErrorTypeTimeout    ErrorType = "timeout_error"
	ErrorTypeNotFound   ErrorType = "not_found_error"
	ErrorTypeGeneric    ErrorType = "generic_error"
)

// Retryable reports whether failures of this type may be retried.
func (t ErrorType) Retryable() bool {
	return t == ErrorTypeNetwork || t == ErrorTypeTimeout
}

// Result is the outcome of handling one error.
type Result struct {
	// Success reports whether the strategy was carried out.
	Success bool `json:"success"`

	// Recovered reports whether the workflow can proceed.
	Recovered bool `json:"recovered"`

	Strategy  Strategy  `json:"strategy"`
	ErrorType ErrorType `json:"error_type"`
	Message   string    `json:"message,omitempty"`

	// Error is the recovery failure, if any.
	Error string `json:"error,omitempty"`

	// OriginalError is the error that triggered recovery.
	OriginalError string `json:"original_error,omitempty"`

	// State is the workflow state after the strategy ran.
	State *workflow.State `json:"-"`
}

// Orchestrator carries out the effect of a strategy. It is implemented by
// the system that owns the workflow; each method returns the resulting state.
type Orchestrator interface {
	RollbackChanges(ctx context.Context, workflowID string, state *workflow.State) (*workflow.State, error)
	RetryStep(ctx context.Context, workflowID, step string, state *workflow.State) (*workflow.State, error)
	ContinueWorkflow(ctx context.Context, workflowID string, state *workflow.State) (*workflow.State, error)
	AbortWorkflow(ctx context.Context, workflowID string, state *workflow.State) (*workflow.State, error)
}

// NoopOrchestrator accepts every strategy and returns the state unchanged.
type NoopOrchestrator struct{}

func (NoopOrchestrator) RollbackChanges(ctx context.Context, workflowID string, state *workflow.State) (*workflow.State, error) {
	return state, nil
}

func (NoopOrchestrator) RetryStep(ctx context.Context, workflowID, step string, state *workflow.State) (*workflow.State, error) {
	return state, nil
}

func (NoopOrchestrator) ContinueWorkflow(ctx context.Context, workflowID string, state *workflow.State) (*workflow.State, error) {
	return state, nil
}

func (NoopOrchestrator) AbortWorkflow(ctx context.Context, workflowID string, state *workflow.State) (*workflow.State, error) {
	return state, nil
}

// Handler is a custom hook registered for an error type. Registering one makes
// that type resolve to ROLLBACK; the hook runs before the rollback is delegated.
type Handler func(ctx context.Context, workflowID string, err error, state *workflow.State) error
