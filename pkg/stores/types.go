package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// RunStatus represents the final status of a workflow run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s != RunStatusRunning
}

// Run is one recorded workflow execution
type Run struct {
	ID          string     `json:"id"`
	Workflow    string     `json:"workflow"`
	Operation   string     `json:"operation,omitempty"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
	Error       *string    `json:"error,omitempty"`
	Metadata    string     `json:"metadata"` // JSON blob
	CreatedAt   time.Time  `json:"created_at"`
}

// NodeResult is the outcome of one node within a run
type NodeResult struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Node       string    `json:"node"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	Backend    string    `json:"backend,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Output     *string   `json:"output,omitempty"`
	Error      *string   `json:"error,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ChangeRecord is a side effect reported during a run, in emission order
type ChangeRecord struct {
	ID            int64   `json:"id"`
	RunID         string  `json:"run_id"`
	Seq           int     `json:"seq"`
	Type          string  `json:"type"`
	Target        string  `json:"target"`
	Revertible    bool    `json:"revertible"`
	BackupFile    *string `json:"backup_file,omitempty"`
	RevertCommand string  `json:"revert_command,omitempty"`
}

// RecoveryEvent records one recovery decision and its outcome
type RecoveryEvent struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Node       string    `json:"node,omitempty"`
	ErrorType  string    `json:"error_type"`
	Strategy   string    `json:"strategy"`
	Success    bool      `json:"success"`
	Message    string    `json:"message,omitempty"`
	Error      *string   `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RunDetail is a run with everything recorded for it
type RunDetail struct {
	Run            *Run             `json:"run"`
	Nodes          []*NodeResult    `json:"nodes"`
	Changes        []*ChangeRecord  `json:"changes"`
	RecoveryEvents []*RecoveryEvent `json:"recovery_events"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Workflow string
	Status   RunStatus
	Limit    int
	Offset   int
}

// Store defines the interface for the execution history
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	FinishRun(ctx context.Context, id string, status RunStatus, duration time.Duration, err *string) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
	GetRunDetail(ctx context.Context, id string) (*RunDetail, error)

	// Node results
	RecordNodeResult(ctx context.Context, result *NodeResult) error
	ListNodeResults(ctx context.Context, runID string) ([]*NodeResult, error)

	// Changes
	RecordChanges(ctx context.Context, runID string, changes []*ChangeRecord) error
	ListChanges(ctx context.Context, runID string) ([]*ChangeRecord, error)

	// Recovery events
	RecordRecoveryEvent(ctx context.Context, event *RecoveryEvent) error
	ListRecoveryEvents(ctx context.Context, runID string) ([]*RecoveryEvent, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
