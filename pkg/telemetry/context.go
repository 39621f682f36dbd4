package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown shuts down all telemetry components in reverse order of initialization.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}
	return t.Metrics.StopMetricsServer(ctx)
}

type (
	runSpanKey   struct{}
	runTimerKey  struct{}
	nodeSpanKey  struct{}
	nodeTimerKey struct{}
)

// WithRunContext starts run instrumentation: a run.execute span, a run-scoped
// logger, the run-started metric and event.
func WithRunContext(ctx context.Context, runID, workflowID string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartRunSpan(ctx, runID, workflowID)
	spanCtx = tel.Logger.WithRunID(runID).WithWorkflowID(workflowID).WithContext(spanCtx)

	tel.Metrics.RecordRunStarted()
	_ = tel.Events.PublishRunStarted(runID, workflowID)

	spanCtx = context.WithValue(spanCtx, runSpanKey{}, span)
	return context.WithValue(spanCtx, runTimerKey{}, NewTimer())
}

// EndRunContext completes run instrumentation started by WithRunContext.
func EndRunContext(ctx context.Context, runID, status string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	if span, ok := ctx.Value(runSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrRunStatus.String(status))
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	var duration time.Duration
	if timer, ok := ctx.Value(runTimerKey{}).(*Timer); ok {
		duration = timer.Duration()
	}
	tel.Metrics.RecordRunCompleted(status, duration)

	if err != nil {
		_ = tel.Events.PublishRunFailed(runID, err.Error())
	} else {
		_ = tel.Events.PublishRunCompleted(runID, status, duration)
	}
}

// WithNodeContext starts node instrumentation. The span covers every attempt of the node.
func WithNodeContext(ctx context.Context, runID, node string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartNodeSpan(ctx, runID, node)
	spanCtx = tel.Logger.WithRunID(runID).WithNode(node).WithContext(spanCtx)

	_ = tel.Events.PublishNodeStarted(runID, node)

	spanCtx = context.WithValue(spanCtx, nodeSpanKey{}, span)
	return context.WithValue(spanCtx, nodeTimerKey{}, NewTimer())
}

// EndNodeContext completes node instrumentation started by WithNodeContext.
func EndNodeContext(ctx context.Context, runID, node, status string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	if span, ok := ctx.Value(nodeSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrNodeStatus.String(status))
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	var duration time.Duration
	if timer, ok := ctx.Value(nodeTimerKey{}).(*Timer); ok {
		duration = timer.Duration()
	}
	tel.Metrics.RecordNodeExecution(node, status, duration)

	if err != nil {
		var coded interface{ Code() string }
		if errors.As(err, &coded) {
			tel.Metrics.RecordError("node", coded.Code())
		}
		_ = tel.Events.PublishNodeFailed(runID, node, status, err.Error())
		return
	}
	_ = tel.Events.PublishNodeCompleted(runID, node, duration)
}

// RecordNodeRetry records a failed attempt that will be retried.
func RecordNodeRetry(ctx context.Context, runID, node string, attempt int, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	reason := ""
	if err != nil {
		reason = err.Error()
	}
	if span, ok := ctx.Value(nodeSpanKey{}).(trace.Span); ok {
		AddEvent(span, "node.retry", AttrAttempt.Int(attempt), attribute.String("error", reason))
	}
	tel.Metrics.RecordNodeRetry(node)
	_ = tel.Events.PublishNodeRetrying(runID, node, attempt, reason)
}

// AddInFlightNodes adjusts the in-flight node gauge.
func AddInFlightNodes(ctx context.Context, delta float64) {
	if tel := FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.AddNodesInFlight(delta)
	}
}

// Backend run outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeError   = "error"
)

// RecordBackendRun instruments a script execution on an isolation backend.
// fn returns the script exit code and an infrastructure error, if any.
func RecordBackendRun(ctx context.Context, backend, script string, fn func(context.Context) (int, error)) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		_, err := fn(ctx)
		return err
	}

	spanCtx, span := tel.Tracer.StartBackendSpan(ctx, backend, script)
	defer span.End()

	timer := NewTimer()
	exitCode, err := fn(spanCtx)

	outcome := OutcomeSuccess
	switch {
	case err != nil:
		outcome = OutcomeError
		RecordError(span, err)
	case exitCode != 0:
		outcome = OutcomeFailure
		span.SetAttributes(AttrExitCode.Int(exitCode))
	default:
		span.SetAttributes(AttrExitCode.Int(exitCode))
		RecordSuccess(span)
	}
	tel.Metrics.RecordBackendRun(backend, outcome, timer.Duration())

	return err
}

// RecordBackendFallback records a fallback from one backend to another.
func RecordBackendFallback(ctx context.Context, from, to, reason string) {
	if tel := FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.RecordBackendFallback(from, to)
		_ = tel.Events.PublishBackendFallback(from, to, reason)
	}
}

// StartRecovery starts a recovery.handle span when telemetry is configured.
// The returned end function must be called with the chosen strategy and outcome.
func StartRecovery(ctx context.Context, workflowID, errorType string) (context.Context, func(strategy string, err error)) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx, func(string, error) {}
	}

	spanCtx, span := tel.Tracer.StartRecoverySpan(ctx, workflowID, errorType)
	return spanCtx, func(strategy string, err error) {
		span.SetAttributes(AttrStrategy.String(strategy))
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}
}

// RecordRecoveryDecision records the strategy chosen for a failure.
func RecordRecoveryDecision(ctx context.Context, workflowID, errorType, strategy string) {
	if tel := FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.RecordRecoveryDecision(errorType, strategy)
		_ = tel.Events.PublishRecoveryDecision(workflowID, errorType, strategy)
	}
}

// RecordRollback records a rollback execution.
func RecordRollback(ctx context.Context, workflowID, status string, changes int) {
	if tel := FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.RecordRollback(status)
		_ = tel.Events.PublishRollback(workflowID, status, changes)
	}
}

// RecordChange records a change reported by a script.
func RecordChange(ctx context.Context, changeType string) {
	if tel := FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.RecordChange(changeType)
	}
}

// RecordPolicyViolation records a script denied by policy.
func RecordPolicyViolation(ctx context.Context, script, policyName, reason string) {
	if tel := FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.RecordError("policy", "POLICY_DENIED")
		_ = tel.Events.PublishPolicyViolation(script, policyName, reason)
	}
}
