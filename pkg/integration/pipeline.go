package integration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/autoflow/autoflow/pkg/changes"
	"github.com/autoflow/autoflow/pkg/isolation"
	"github.com/autoflow/autoflow/pkg/policy"
	"github.com/autoflow/autoflow/pkg/recovery"
	"github.com/autoflow/autoflow/pkg/stores"
	"github.com/autoflow/autoflow/pkg/telemetry"
	"github.com/autoflow/autoflow/pkg/workflow"
)

// PolicyGate decides whether a script may run. *policy.Engine implements it.
type PolicyGate interface {
	EvaluateScript(ctx context.Context, input policy.ScriptInput) (*policy.Result, error)
}

// StepDefaults apply to steps that leave the corresponding field unset.
type StepDefaults struct {
	Backend        string
	Timeout        time.Duration
	LeastPrivilege bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPolicy gates every script through the given policy engine.
func WithPolicy(gate PolicyGate) Option {
	return func(p *Pipeline) { p.policy = gate }
}

// WithStore persists every run into the execution history.
func WithStore(store stores.Store) Option {
	return func(p *Pipeline) { p.store = store }
}

// WithEvents publishes node, recovery and policy events.
func WithEvents(events *telemetry.EventPublisher) Option {
	return func(p *Pipeline) { p.events = events }
}

// WithDefaults sets the step defaults.
func WithDefaults(d StepDefaults) Option {
	return func(p *Pipeline) { p.defaults = d }
}

// WithExecutor replaces the default executor.
func WithExecutor(e *workflow.Executor) Option {
	return func(p *Pipeline) { p.executor = e }
}

// WithRollbacker replaces the default rollbacker.
func WithRollbacker(r *changes.Rollbacker) Option {
	return func(p *Pipeline) { p.rollbacker = r }
}

// WithCoordinator replaces the default recovery coordinator. The pipeline
// becomes its orchestrator.
func WithCoordinator(c *recovery.Coordinator) Option {
	return func(p *Pipeline) { p.coordinator = c }
}

// Pipeline runs integration definitions as workflow graphs. It implements
// recovery.Orchestrator for the runs it owns and observes its executor.
type Pipeline struct {
	executor    *workflow.Executor
	runner      changes.ScriptRunner
	coordinator *recovery.Coordinator
	rollbacker  *changes.Rollbacker
	policy      PolicyGate
	store       stores.Store
	events      *telemetry.EventPublisher
	defaults    StepDefaults
	logger      zerolog.Logger

	// runs maps workflow ID to *runContext
	runs sync.Map

	// starts maps runID/node to the time of its latest attempt
	starts sync.Map
}

// NewPipeline creates a pipeline that runs scripts with runner, usually an
// *isolation.Registry.
func NewPipeline(runner changes.ScriptRunner, logger zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		runner: runner,
		defaults: StepDefaults{
			Backend: isolation.BackendDirect,
			Timeout: isolation.DefaultScriptTimeout,
		},
		logger: logger.With().Str("component", "integration").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.defaults.Backend == "" {
		p.defaults.Backend = isolation.BackendDirect
	}
	if p.executor == nil {
		p.executor = workflow.NewExecutor(workflow.DefaultOptions(), logger)
	}
	p.executor.AddObserver(p)

	if p.coordinator == nil {
		p.coordinator = recovery.NewCoordinator(recovery.DefaultConfig(), p, logger)
	} else {
		p.coordinator.SetOrchestrator(p)
	}
	if p.rollbacker == nil {
		p.rollbacker = changes.NewRollbacker(
			changes.NewRollbackScriptBuilder(""),
			runner,
			changes.WithBackend(p.defaults.Backend),
			changes.WithLogger(logger),
		)
	}
	return p
}

// Coordinator returns the recovery coordinator used by the pipeline.
func (p *Pipeline) Coordinator() *recovery.Coordinator {
	return p.coordinator
}

// RecoveryRecord is one recovery decision taken during a run.
type RecoveryRecord struct {
	Step       string             `json:"step"`
	ErrorType  recovery.ErrorType `json:"error_type"`
	Strategy   recovery.Strategy  `json:"strategy"`
	Success    bool               `json:"success"`
	Message    string             `json:"message,omitempty"`
	Error      string             `json:"error,omitempty"`
	Original   string             `json:"original_error,omitempty"`
	OccurredAt time.Time          `json:"occurred_at"`
}

// StepOutcome is the last script result of a step.
type StepOutcome struct {
	Backend  string `json:"backend"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Report is the outcome of running one definition.
type Report struct {
	// WorkflowID keys the run in the execution history.
	WorkflowID string             `json:"workflow_id"`
	Definition string             `json:"definition"`
	Operation  Operation          `json:"operation"`
	Status     workflow.RunStatus `json:"status"`
	Run        *workflow.Run      `json:"run"`

	// Changes lists every change reported during the run, reverted or not.
	Changes []changes.Change `json:"changes"`

	// Remaining lists the changes still in effect after any rollback.
	Remaining []changes.Change `json:"remaining"`

	Steps         map[string]StepOutcome `json:"steps"`
	Recovery      []RecoveryRecord       `json:"recovery,omitempty"`
	RolledBack    bool                   `json:"rolled_back"`
	HandledErrors []string               `json:"handled_errors,omitempty"`
	Aborted       bool                   `json:"aborted"`
	AbortReason   string                 `json:"abort_reason,omitempty"`
}

// Succeeded reports whether every required step succeeded.
func (r *Report) Succeeded() bool {
	return r.Status == workflow.RunStatusSucceeded
}

// runContext is the pipeline-side state of one run.
type runContext struct {
	workflowID string
	def        *Definition
	state      *workflow.State

	// journal keeps every change, including those later rolled back
	journal *changes.Ledger

	mu         sync.Mutex
	outcomes   map[string]StepOutcome
	retried    map[string]workflow.Result
	retryErrs  map[string]error
	recovery   []RecoveryRecord
	failed     bool
	rolledBack bool
}

func newRunContext(workflowID string, def *Definition) *runContext {
	return &runContext{
		workflowID: workflowID,
		def:        def,
		state:      workflow.NewState(workflowID),
		journal:    changes.NewLedger(),
		outcomes:   make(map[string]StepOutcome),
		retried:    make(map[string]workflow.Result),
		retryErrs:  make(map[string]error),
	}
}

func (rc *runContext) markFailed() {
	rc.mu.Lock()
	rc.failed = true
	rc.mu.Unlock()
}

func (rc *runContext) hasFailed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.failed
}

func (rc *runContext) setOutcome(step string, o StepOutcome) {
	rc.mu.Lock()
	rc.outcomes[step] = o
	rc.mu.Unlock()
}

// Run validates def, builds its graph and executes it. The returned error is
// reserved for invalid definitions; step failures are reported in the Report.
func (p *Pipeline) Run(ctx context.Context, def *Definition) (*Report, error) {
	if def == nil {
		return nil, workflow.NewPermanentError("definition is nil", nil).WithCode(workflow.ErrCodeValidation)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	rc := newRunContext(uuid.New().String(), def)
	graph, err := p.buildGraph(rc)
	if err != nil {
		return nil, err
	}

	p.runs.Store(rc.workflowID, rc)
	defer p.runs.Delete(rc.workflowID)
	defer p.coordinator.ResetRetryCount(rc.workflowID)

	logger := p.logger.With().
		Str("workflow_id", rc.workflowID).
		Str("definition", def.Name).
		Logger()
	logger.Info().Int("steps", len(def.Steps)).Msg("Starting integration run")

	startedAt := time.Now()
	p.persistStart(ctx, rc, startedAt)

	run, err := p.executor.Execute(ctx, graph, rc.state, workflow.Config{
		"definition": def.Name,
		"operation":  string(def.Operation),
	})
	if err != nil {
		return nil, err
	}

	report := p.report(rc, run)
	p.persistFinish(ctx, rc, report)

	if p.events != nil {
		_ = p.events.PublishRunCompleted(rc.workflowID, string(report.Status), run.Duration)
	}

	event := logger.Info()
	if report.Status != workflow.RunStatusSucceeded {
		event = logger.Warn()
	}
	event.Str("status", string(report.Status)).
		Int("changes", len(report.Changes)).
		Bool("rolled_back", report.RolledBack).
		Dur("duration", run.Duration).
		Msg("Integration run finished")

	return report, nil
}

// Graph builds the workflow graph of def without running it.
func (p *Pipeline) Graph(def *Definition) (*workflow.Graph, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return p.buildGraph(newRunContext("", def))
}

// buildGraph turns the steps into nodes and adds the rollback sink, which
// every step precedes and which runs whatever its predecessors did.
func (p *Pipeline) buildGraph(rc *runContext) (*workflow.Graph, error) {
	b := workflow.NewGraphBuilder()
	names := make([]string, 0, len(rc.def.Steps))

	for _, step := range rc.def.Steps {
		b.AddNode(workflow.Node{
			Name:       step.Name,
			Handler:    p.stepHandler(rc, step),
			RetryCount: step.Retries,
			RetryDelay: step.RetryDelay,
			Optional:   step.Optional,
		})
		names = append(names, step.Name)
		if len(step.After) == 0 {
			b.AddStartNode(step.Name)
		}
		for _, dep := range step.After {
			b.AddTransition(dep, step.Name)
		}
	}

	b.AddNode(workflow.Node{
		Name:      NodeRollback,
		Handler:   p.rollbackHandler(rc),
		AlwaysRun: true,
	})
	for _, name := range names {
		b.AddTransition(name, NodeRollback)
	}

	graph, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build graph for %s: %w", rc.def.Name, err)
	}
	return graph, nil
}

func (p *Pipeline) report(rc *runContext, run *workflow.Run) *Report {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	outcomes := make(map[string]StepOutcome, len(rc.outcomes))
	for k, v := range rc.outcomes {
		outcomes[k] = v
	}
	records := make([]RecoveryRecord, len(rc.recovery))
	copy(records, rc.recovery)

	return &Report{
		WorkflowID:    rc.workflowID,
		Definition:    rc.def.Name,
		Operation:     rc.def.Operation,
		Status:        stepStatus(rc.def, run),
		Run:           run,
		Changes:       rc.journal.Changes(),
		Remaining:     rc.state.Changes().Changes(),
		Steps:         outcomes,
		Recovery:      records,
		RolledBack:    rc.rolledBack,
		HandledErrors: rc.state.HandledErrors(),
		Aborted:       rc.state.Aborted(),
		AbortReason:   rc.state.AbortReason(),
	}
}

func (p *Pipeline) lookup(workflowID string) (*runContext, error) {
	v, ok := p.runs.Load(workflowID)
	if !ok {
		return nil, workflow.NewPermanentError(fmt.Sprintf("no active run for workflow %s", workflowID), nil).
			WithCode(workflow.ErrCodeNotFound)
	}
	return v.(*runContext), nil
}

// stepStatus is the run status over the definition steps alone. The rollback
// sink always finishes, so it must not turn a failed run into a partial one.
func stepStatus(def *Definition, run *workflow.Run) workflow.RunStatus {
	if run.Status == workflow.RunStatusCancelled {
		return run.Status
	}

	fatal, succeeded := 0, 0
	for _, step := range def.Steps {
		if e, ok := run.Errors[step.Name]; ok {
			if !e.Optional {
				fatal++
			}
			continue
		}
		if _, ok := run.Results[step.Name]; ok {
			succeeded++
		}
	}
	if _, ok := run.Errors[NodeRollback]; ok {
		fatal++
	}

	switch {
	case fatal == 0:
		return workflow.RunStatusSucceeded
	case succeeded > 0:
		return workflow.RunStatusPartial
	default:
		return workflow.RunStatusFailed
	}
}
