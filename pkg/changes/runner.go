package changes

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/autoflow/autoflow/pkg/isolation"
)

// DefaultRollbackTimeout bounds a rollback script run.
const DefaultRollbackTimeout = 5 * time.Minute

// Rollback statuses.
const (
	RollbackSuccess = "success"
	RollbackFailed  = "failed"
)

// ScriptRunner runs a script on a named isolation backend.
// *isolation.Registry implements it.
type ScriptRunner interface {
	Run(ctx context.Context, backend string, req isolation.Request) (isolation.Result, error)
}

// RollbackResult is the outcome of one rollback attempt.
type RollbackResult struct {
	Status   string           `json:"status"`
	Message  string           `json:"message"`
	Script   string           `json:"script,omitempty"`
	Output   isolation.Result `json:"output"`
	Reverted int              `json:"reverted"`
}

// RollbackerOption configures a Rollbacker.
type RollbackerOption func(*Rollbacker)

// WithBackend sets the isolation backend rollback scripts run on. Defaults to direct.
func WithBackend(name string) RollbackerOption {
	return func(r *Rollbacker) { r.backend = name }
}

// WithTimeout sets the rollback script timeout.
func WithTimeout(d time.Duration) RollbackerOption {
	return func(r *Rollbacker) { r.timeout = d }
}

// WithTempDir sets where rollback scripts are written before running.
func WithTempDir(dir string) RollbackerOption {
	return func(r *Rollbacker) { r.tempDir = dir }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) RollbackerOption {
	return func(r *Rollbacker) { r.logger = logger }
}

// Rollbacker synthesizes a rollback script from a ledger and runs it.
type Rollbacker struct {
	builder *RollbackScriptBuilder
	runner  ScriptRunner
	backend string
	timeout time.Duration
	tempDir string
	logger  zerolog.Logger
}

// NewRollbacker creates a rollbacker that builds scripts with builder and runs them with runner.
func NewRollbacker(builder *RollbackScriptBuilder, runner ScriptRunner, opts ...RollbackerOption) *Rollbacker {
	r := &Rollbacker{
		builder: builder,
		runner:  runner,
		backend: isolation.BackendDirect,
		timeout: DefaultRollbackTimeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rollback undoes every change in l. An empty ledger is a successful no-op
// and runs nothing. The ledger is cleared only when the script succeeds.
func (r *Rollbacker) Rollback(ctx context.Context, l *Ledger) (*RollbackResult, error) {
	if l == nil || l.IsEmpty() {
		return &RollbackResult{Status: RollbackSuccess, Message: "Nothing to rollback"}, nil
	}

	recorded := l.Changes()
	script := r.builder.Build(recorded)

	f, err := os.CreateTemp(r.tempDir, "autoflow-rollback-*"+r.builder.ScriptExtension())
	if err != nil {
		return nil, fmt.Errorf("failed to create rollback script: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.WriteString(script); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write rollback script: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to write rollback script: %w", err)
	}
	if err := os.Chmod(path, 0o700); err != nil {
		return nil, fmt.Errorf("failed to make rollback script executable: %w", err)
	}

	r.logger.Info().
		Int("changes", len(recorded)).
		Str("backend", r.backend).
		Msg("Running rollback script")

	out, err := r.runner.Run(ctx, r.backend, isolation.Request{
		ScriptPath: path,
		Timeout:    r.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run rollback script: %w", err)
	}

	result := &RollbackResult{Script: script, Output: out}
	if !out.Success {
		result.Status = RollbackFailed
		result.Message = fmt.Sprintf("rollback script exited with code %d", out.ExitCode)
		r.logger.Error().
			Int("exit_code", out.ExitCode).
			Str("stderr", out.Stderr).
			Msg("Rollback script failed")
		return result, nil
	}

	l.Clear()
	result.Status = RollbackSuccess
	result.Reverted = len(recorded)
	result.Message = fmt.Sprintf("Rolled back %d changes", len(recorded))
	return result, nil
}
