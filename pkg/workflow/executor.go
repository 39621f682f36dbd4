package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/autoflow/autoflow/pkg/telemetry"
)

// DefaultMaxConcurrentTasks is the default bound on in-flight handler executions.
const DefaultMaxConcurrentTasks = 5

// Options configures an Executor.
type Options struct {
	// MaxConcurrentTasks bounds in-flight handler executions across the whole run.
	MaxConcurrentTasks int

	// BackoffMultiplier scales RetryDelay per attempt. 1 gives a constant delay.
	BackoffMultiplier float64

	// MaxRetryDelay caps the computed backoff.
	MaxRetryDelay time.Duration
}

// DefaultOptions returns the default executor options.
func DefaultOptions() Options {
	return Options{
		MaxConcurrentTasks: DefaultMaxConcurrentTasks,
		BackoffMultiplier:  2,
		MaxRetryDelay:      time.Minute,
	}
}

// Observer is notified of node lifecycle transitions. Callbacks run on the
// node's goroutine and must not block.
type Observer interface {
	NodeStarted(runID, node string, attempt int)
	NodeRetrying(runID, node string, attempt int, err *NodeError)
	NodeFinished(runID, node string, status NodeStatus, err *NodeError)
}

// Executor runs workflow graphs. A single Executor may run many graphs,
// concurrently or sequentially; every Execute call owns its own run state.
type Executor struct {
	opts      Options
	logger    zerolog.Logger
	observers []Observer
}

// NewExecutor creates a new executor.
func NewExecutor(opts Options, logger zerolog.Logger) *Executor {
	defaults := DefaultOptions()
	if opts.MaxConcurrentTasks <= 0 {
		opts.MaxConcurrentTasks = defaults.MaxConcurrentTasks
	}
	if opts.BackoffMultiplier < 1 {
		opts.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = defaults.MaxRetryDelay
	}

	return &Executor{
		opts:   opts,
		logger: logger.With().Str("component", "workflow-executor").Logger(),
	}
}

// AddObserver registers an observer for every subsequent run.
// It must be called before Execute.
func (e *Executor) AddObserver(o Observer) {
	e.observers = append(e.observers, o)
}

// MaxConcurrentTasks returns the configured concurrency bound.
func (e *Executor) MaxConcurrentTasks() int {
	return e.opts.MaxConcurrentTasks
}

// execution is the per-run state of one Execute call.
type execution struct {
	id     string
	graph  *Graph
	state  *State
	cfg    Config
	sem    *semaphore.Weighted
	logger zerolog.Logger

	// reachable is the set of nodes reachable from the start nodes
	reachable map[string]bool

	// mu protects every map below
	mu        sync.Mutex
	pending   map[string]int
	scheduled map[string]bool
	results   map[string]Result
	errors    map[string]*NodeError
	status    map[string]NodeStatus
	attempts  map[string]int

	wg sync.WaitGroup
}

// Execute runs the graph to completion and returns the run report.
// Node failures never surface as the returned error; they are recorded in
// Run.Errors. The returned error is reserved for invalid input.
// ctx is the workflow-wide cancellation signal, checked at every node boundary.
func (e *Executor) Execute(ctx context.Context, graph *Graph, state *State, cfg Config) (*Run, error) {
	if graph == nil {
		return nil, NewPermanentError("graph is nil", nil).WithCode(ErrCodeValidation)
	}
	if state == nil {
		state = NewState(uuid.New().String())
	}
	if cfg == nil {
		cfg = Config{}
	}

	run := &execution{
		id:        uuid.New().String(),
		graph:     graph,
		state:     state,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(int64(e.opts.MaxConcurrentTasks)),
		reachable: graph.reachable(),
		pending:   make(map[string]int),
		scheduled: make(map[string]bool),
		results:   make(map[string]Result),
		errors:    make(map[string]*NodeError),
		status:    make(map[string]NodeStatus),
		attempts:  make(map[string]int),
	}
	run.logger = e.logger.With().
		Str("run_id", run.id).
		Str("workflow_id", state.WorkflowID()).
		Logger()

	// Join counts only include predecessors that can actually run.
	for name := range run.reachable {
		count := 0
		for _, pred := range graph.predecessors[name] {
			if run.reachable[pred] {
				count++
			}
		}
		run.pending[name] = count
		run.status[name] = NodeStatusPending
	}

	startedAt := time.Now()
	ctx = telemetry.WithRunContext(ctx, run.id, state.WorkflowID())

	run.logger.Info().
		Int("nodes", graph.Len()).
		Strs("start_nodes", graph.startNodes).
		Int("max_concurrent_tasks", e.opts.MaxConcurrentTasks).
		Msg("Workflow run started")

	for _, name := range graph.startNodes {
		e.schedule(ctx, run, name)
	}
	run.wg.Wait()

	report := run.report(ctx, startedAt)

	var runErr error
	if report.Status != RunStatusSucceeded {
		runErr = fmt.Errorf("workflow run %s", report.Status)
	}
	telemetry.EndRunContext(ctx, run.id, string(report.Status), runErr)

	run.logger.Info().
		Str("status", string(report.Status)).
		Int("succeeded", len(report.Results)).
		Int("failed", len(report.Errors)).
		Dur("duration", report.Duration).
		Msg("Workflow run completed")

	return report, nil
}

// schedule starts a node task unless it was already scheduled in this run.
func (e *Executor) schedule(ctx context.Context, run *execution, name string) {
	run.mu.Lock()
	if run.scheduled[name] {
		run.mu.Unlock()
		return
	}
	run.scheduled[name] = true
	run.mu.Unlock()

	run.wg.Add(1)
	go func() {
		defer run.wg.Done()
		e.runNode(ctx, run, name)
		e.complete(ctx, run, name)
	}()
}

// complete releases the successors of a finished node and schedules the ones
// whose predecessors have all finished.
func (e *Executor) complete(ctx context.Context, run *execution, name string) {
	ready := make([]string, 0)

	run.mu.Lock()
	for _, succ := range run.graph.transitions[name] {
		if !run.reachable[succ] {
			continue
		}
		run.pending[succ]--
		if run.pending[succ] <= 0 && !run.scheduled[succ] {
			ready = append(ready, succ)
		}
	}
	run.mu.Unlock()

	for _, succ := range ready {
		e.schedule(ctx, run, succ)
	}
}

// runNode executes a single node with its retry policy and records the outcome.
func (e *Executor) runNode(ctx context.Context, run *execution, name string) {
	node := run.graph.nodes[name]
	logger := run.logger.With().Str("node", name).Logger()

	if blocker, blocked := run.failedPredecessor(node); blocked {
		logger.Warn().Str("predecessor", blocker).Msg("Node blocked by failed predecessor")
		run.recordFailure(&NodeError{
			Node:     name,
			Kind:     KindDependencyBlocked,
			Message:  fmt.Sprintf("required predecessor %s failed", blocker),
			Optional: node.Optional,
		}, NodeStatusBlocked)
		e.notifyFinished(run, name, NodeStatusBlocked, run.nodeError(name))
		return
	}

	nodeCtx := telemetry.WithNodeContext(ctx, run.id, name)
	startedAt := time.Now()

	var (
		result  Result
		nodeErr *NodeError
	)

	for attempt := 0; attempt <= node.RetryCount; attempt++ {
		if ctx.Err() != nil {
			nodeErr = cancelledError(node, ctx.Err())
			break
		}

		if err := run.sem.Acquire(ctx, 1); err != nil {
			nodeErr = cancelledError(node, err)
			break
		}
		run.setStatus(name, NodeStatusRunning)
		run.incrementAttempts(name)
		telemetry.AddInFlightNodes(nodeCtx, 1)
		for _, o := range e.observers {
			o.NodeStarted(run.id, name, attempt+1)
		}

		logger.Debug().Int("attempt", attempt+1).Msg("Invoking node handler")
		result, nodeErr = e.invoke(withAttempt(nodeCtx, attempt+1, node.RetryCount+1), run, node, func() {
			telemetry.AddInFlightNodes(nodeCtx, -1)
			run.sem.Release(1)
		})

		if nodeErr == nil || nodeErr.Kind == KindCancelled {
			break
		}
		if attempt >= node.RetryCount {
			break
		}

		delay := e.calculateBackoff(node, attempt)
		logger.Warn().
			Str("error", nodeErr.Message).
			Int("attempt", attempt+1).
			Int("max_attempts", node.RetryCount+1).
			Dur("delay", delay).
			Msg("Retrying node after failure")
		telemetry.RecordNodeRetry(nodeCtx, run.id, name, attempt+1, nodeErr)
		for _, o := range e.observers {
			o.NodeRetrying(run.id, name, attempt+1, nodeErr)
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
			}
		}
	}

	if nodeErr != nil {
		nodeErr.Attempts = run.attemptCount(name)
		status := NodeStatusFailed
		if nodeErr.Kind == KindCancelled {
			status = NodeStatusCancelled
		}
		run.recordFailure(nodeErr, status)
		telemetry.EndNodeContext(nodeCtx, run.id, name, string(status), nodeErr)
		e.notifyFinished(run, name, status, nodeErr)

		event := logger.Error()
		if node.Optional {
			event = logger.Warn()
		}
		event.Str("kind", string(nodeErr.Kind)).
			Str("error", nodeErr.Message).
			Int("attempts", nodeErr.Attempts).
			Bool("optional", node.Optional).
			Dur("duration", time.Since(startedAt)).
			Msg("Node failed")
		return
	}

	run.recordSuccess(name, result)
	telemetry.EndNodeContext(nodeCtx, run.id, name, string(NodeStatusSucceeded), nil)
	e.notifyFinished(run, name, NodeStatusSucceeded, nil)
	logger.Debug().Dur("duration", time.Since(startedAt)).Msg("Node succeeded")
}

func (e *Executor) notifyFinished(run *execution, name string, status NodeStatus, err *NodeError) {
	for _, o := range e.observers {
		o.NodeFinished(run.id, name, status, err)
	}
}

type attemptKey struct{}

type attemptInfo struct {
	attempt, max int
}

func withAttempt(ctx context.Context, attempt, max int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attemptInfo{attempt: attempt, max: max})
}

// AttemptFromContext returns the 1-based attempt number of the running handler
// and the total number of attempts its node allows. Outside the executor it
// reports a single attempt.
func AttemptFromContext(ctx context.Context) (attempt, maxAttempts int) {
	if info, ok := ctx.Value(attemptKey{}).(attemptInfo); ok {
		return info.attempt, info.max
	}
	return 1, 1
}

// FinalAttempt reports whether the running handler has no executor retries left.
func FinalAttempt(ctx context.Context) bool {
	attempt, max := AttemptFromContext(ctx)
	return attempt >= max
}

// outcome is the value produced by one handler invocation.
type outcome struct {
	result Result
	err    error
}

// invoke runs the handler once, applying the node deadline. A handler that
// ignores its context is abandoned when the deadline expires, but its
// concurrency slot stays taken until it returns: release is called from the
// handler goroutine, never from invoke.
func (e *Executor) invoke(ctx context.Context, run *execution, node *Node, release func()) (Result, *NodeError) {
	callCtx, cancel := context.WithCancel(ctx)
	if node.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, node.Timeout)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer release()
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		res, err := node.Handler(callCtx, run.state, run.cfg)
		done <- outcome{result: res, err: err}
	}()

	var (
		out      outcome
		returned bool
	)
	select {
	case out = <-done:
		returned = true
	case <-callCtx.Done():
	}

	// A handler that returned because its context ended is reported by why
	// the context ended, not by what the handler returned.
	if !returned || (out.err != nil && callCtx.Err() != nil) {
		if ctx.Err() != nil {
			return nil, cancelledError(node, ctx.Err())
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, &NodeError{
				Node:     node.Name,
				Kind:     KindTimeout,
				Message:  fmt.Sprintf("node %s timed out after %s", node.Name, node.Timeout),
				Optional: node.Optional,
				Err:      callCtx.Err(),
			}
		}
	}

	return interpret(node, out)
}

// interpret turns a handler outcome into a result or a handler error.
func interpret(node *Node, out outcome) (Result, *NodeError) {
	if out.err != nil {
		return nil, &NodeError{
			Node:     node.Name,
			Kind:     KindHandler,
			Message:  out.err.Error(),
			Optional: node.Optional,
			Err:      out.err,
		}
	}

	if msg, failed := out.result.ErrorMessage(); failed {
		return nil, &NodeError{
			Node:     node.Name,
			Kind:     KindHandler,
			Message:  msg,
			Optional: node.Optional,
		}
	}

	if out.result == nil {
		return Result{}, nil
	}
	return out.result, nil
}

// calculateBackoff calculates the delay before the next attempt.
func (e *Executor) calculateBackoff(node *Node, attempt int) time.Duration {
	if node.RetryDelay <= 0 {
		return 0
	}

	delay := time.Duration(float64(node.RetryDelay) * math.Pow(e.opts.BackoffMultiplier, float64(attempt)))
	if delay > e.opts.MaxRetryDelay || delay < 0 {
		delay = e.opts.MaxRetryDelay
	}
	return delay
}

// cancelledError builds the error recorded when the run is cancelled.
func cancelledError(node *Node, err error) *NodeError {
	return &NodeError{
		Node:     node.Name,
		Kind:     KindCancelled,
		Message:  fmt.Sprintf("run cancelled before node %s finished: %v", node.Name, err),
		Optional: node.Optional,
		Err:      err,
	}
}

// failedPredecessor returns the first non-optional predecessor that failed,
// if the node is sensitive to predecessor failures.
func (r *execution) failedPredecessor(node *Node) (string, bool) {
	if !node.RequiresPrevious() {
		return "", false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, pred := range r.graph.predecessors[node.Name] {
		if nodeErr, failed := r.errors[pred]; failed && !nodeErr.Optional {
			return pred, true
		}
	}
	return "", false
}

func (r *execution) setStatus(name string, status NodeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[name] = status
}

func (r *execution) incrementAttempts(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[name]++
}

func (r *execution) attemptCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[name]
}

func (r *execution) nodeError(name string) *NodeError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errors[name]
}

func (r *execution) recordSuccess(name string, result Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[name] = result
	r.status[name] = NodeStatusSucceeded
}

func (r *execution) recordFailure(nodeErr *NodeError, status NodeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors[nodeErr.Node] = nodeErr
	r.status[nodeErr.Node] = status
}

// report builds the final run report.
func (r *execution) report(ctx context.Context, startedAt time.Time) *Run {
	r.mu.Lock()
	defer r.mu.Unlock()

	completedAt := time.Now()
	report := &Run{
		ID:          r.id,
		Results:     make(map[string]Result, len(r.results)),
		Errors:      make(map[string]*NodeError, len(r.errors)),
		NodeStatus:  make(map[string]NodeStatus, len(r.status)),
		Attempts:    make(map[string]int, len(r.attempts)),
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		Duration:    completedAt.Sub(startedAt),
	}

	for k, v := range r.results {
		report.Results[k] = v
	}
	for k, v := range r.status {
		report.NodeStatus[k] = v
	}
	for k, v := range r.attempts {
		report.Attempts[k] = v
	}

	fatal := 0
	cancelled := false
	for k, v := range r.errors {
		report.Errors[k] = v
		if v.Kind == KindCancelled {
			cancelled = true
		}
		if !v.Optional {
			fatal++
		}
	}

	switch {
	case cancelled || (ctx.Err() != nil && len(r.results) < len(r.reachable)):
		report.Status = RunStatusCancelled
	case fatal == 0:
		report.Status = RunStatusSucceeded
	case len(r.results) > 0:
		report.Status = RunStatusPartial
	default:
		report.Status = RunStatusFailed
	}

	return report
}
