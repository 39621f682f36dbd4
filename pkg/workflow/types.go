package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/autoflow/autoflow/pkg/changes"
)

// Result is the key/value output of a node handler.
// The presence of an "error" key marks the node as failed with that message.
type Result map[string]interface{}

// ErrorKey is the result key that marks a handler result as failed.
const ErrorKey = "error"

// genericErrorMessage is reported for an "error" key without usable text.
const genericErrorMessage = "handler reported an error"

// ErrorMessage returns the failure message carried by the result, if any.
// Any "error" key marks a failure, even one holding nil or an empty string.
func (r Result) ErrorMessage() (string, bool) {
	v, ok := r[ErrorKey]
	if !ok {
		return "", false
	}
	switch msg := v.(type) {
	case string:
		if msg != "" {
			return msg, true
		}
	case error:
		if msg != nil {
			return msg.Error(), true
		}
	}
	return genericErrorMessage, true
}

// Config is the per-run configuration passed to every handler.
type Config map[string]interface{}

// String returns the string value stored under key, or def.
func (c Config) String(key, def string) string {
	if v, ok := c[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Bool returns the boolean value stored under key, or def.
func (c Config) Bool(key string, def bool) bool {
	if v, ok := c[key].(bool); ok {
		return v
	}
	return def
}

// Handler is the unit of work executed for a node.
// Handlers must honour ctx cancellation so that node timeouts can stop them.
type Handler func(ctx context.Context, state *State, cfg Config) (Result, error)

// Node is one unit of work in a workflow graph. It is immutable after Build.
type Node struct {
	// Name is the unique key of the node within the graph.
	Name string

	// Handler runs the node.
	Handler Handler

	// RetryCount is the number of attempts made after the first one fails.
	RetryCount int

	// RetryDelay is the base backoff between attempts.
	RetryDelay time.Duration

	// Timeout bounds each handler invocation. Zero means no deadline.
	Timeout time.Duration

	// Optional nodes may fail without blocking their successors.
	Optional bool

	// AlwaysRun nodes are eligible even when predecessors failed (requires_previous=false).
	// Rollback sinks are wired this way. By default a node only runs if none of its
	// non-optional predecessors failed.
	AlwaysRun bool
}

// RequiresPrevious reports whether the node is blocked by failed predecessors.
func (n *Node) RequiresPrevious() bool {
	return !n.AlwaysRun
}

// NodeStatus is the final status of a node within a run.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusSucceeded NodeStatus = "succeeded"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusBlocked   NodeStatus = "blocked"
	NodeStatusCancelled NodeStatus = "cancelled"
)

// RunStatus is the overall outcome of a run.
type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// State is the mutable workflow state shared by every node of a run.
// It is safe for concurrent use.
type State struct {
	mu sync.RWMutex

	workflowID    string
	values        map[string]interface{}
	ledger        *changes.Ledger
	currentStep   string
	retryCount    int
	lastError     string
	handledErrors []string
	aborted       bool
	abortReason   string
}

// NewState creates an empty state for the given workflow.
func NewState(workflowID string) *State {
	return &State{
		workflowID: workflowID,
		values:     make(map[string]interface{}),
		ledger:     changes.NewLedger(),
	}
}

// WorkflowID returns the workflow identifier.
func (s *State) WorkflowID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workflowID
}

// Get returns a value stored in the state.
func (s *State) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// GetString returns a string value stored in the state, or "".
func (s *State) GetString(key string) string {
	v, _ := s.Get(key)
	str, _ := v.(string)
	return str
}

// Set stores a value in the state.
func (s *State) Set(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Values returns a shallow copy of all stored values.
func (s *State) Values() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Changes returns the change ledger of the workflow.
func (s *State) Changes() *changes.Ledger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger
}

// HasChanges reports whether any change has been recorded.
func (s *State) HasChanges() bool {
	return !s.Changes().IsEmpty()
}

// CurrentStep returns the step currently being executed.
func (s *State) CurrentStep() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentStep
}

// SetCurrentStep records the step currently being executed.
func (s *State) SetCurrentStep(step string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentStep = step
}

// RetryCount returns the recovery retry count attached to the state.
func (s *State) RetryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retryCount
}

// SetRetryCount sets the recovery retry count.
func (s *State) SetRetryCount(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryCount = n
}

// LastError returns the last error attached by recovery.
func (s *State) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// SetLastError attaches an error message to the state.
func (s *State) SetLastError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = msg
}

// HandledErrors returns the errors that were handled with CONTINUE.
func (s *State) HandledErrors() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.handledErrors))
	copy(out, s.handledErrors)
	return out
}

// AddHandledError appends an error handled with CONTINUE.
func (s *State) AddHandledError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handledErrors = append(s.handledErrors, msg)
}

// Aborted reports whether the workflow was aborted.
func (s *State) Aborted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aborted
}

// AbortReason returns the reason the workflow was aborted.
func (s *State) AbortReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.abortReason
}

// Abort marks the workflow as aborted.
func (s *State) Abort(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	s.abortReason = reason
}

// Clone returns a deep copy of the state, including an independent ledger.
func (s *State) Clone() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := make(map[string]interface{}, len(s.values))
	for k, v := range s.values {
		values[k] = v
	}
	handled := make([]string, len(s.handledErrors))
	copy(handled, s.handledErrors)

	return &State{
		workflowID:    s.workflowID,
		values:        values,
		ledger:        s.ledger.Clone(),
		currentStep:   s.currentStep,
		retryCount:    s.retryCount,
		lastError:     s.lastError,
		handledErrors: handled,
		aborted:       s.aborted,
		abortReason:   s.abortReason,
	}
}

// Merge copies the recovery-relevant fields of other into s.
// The ledger is replaced by other's contents.
func (s *State) Merge(other *State) {
	if other == nil || other == s {
		return
	}
	snapshot := other.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range snapshot.values {
		s.values[k] = v
	}
	s.ledger.Clear()
	s.ledger.Append(snapshot.ledger.Changes()...)
	s.currentStep = snapshot.currentStep
	s.retryCount = snapshot.retryCount
	s.lastError = snapshot.lastError
	s.handledErrors = snapshot.handledErrors
	s.aborted = snapshot.aborted
	s.abortReason = snapshot.abortReason
}

// Run is the report of a single Execute call.
type Run struct {
	// ID is the unique run identifier.
	ID string `json:"id"`

	// Status is the overall outcome.
	Status RunStatus `json:"status"`

	// Results maps node name to the handler result of succeeded nodes.
	Results map[string]Result `json:"results"`

	// Errors maps node name to its recorded failure.
	Errors map[string]*NodeError `json:"errors"`

	// NodeStatus maps node name to its final status.
	NodeStatus map[string]NodeStatus `json:"node_status"`

	// Attempts maps node name to the number of handler invocations.
	Attempts map[string]int `json:"attempts"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run returned.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total run time.
	Duration time.Duration `json:"duration"`
}

// Failed reports whether any non-optional node failed.
func (r *Run) Failed() bool {
	for _, e := range r.Errors {
		if !e.Optional {
			return true
		}
	}
	return false
}
