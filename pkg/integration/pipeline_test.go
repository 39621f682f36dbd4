package integration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/autoflow/autoflow/pkg/changes"
	"github.com/autoflow/autoflow/pkg/isolation"
	"github.com/autoflow/autoflow/pkg/policy"
	"github.com/autoflow/autoflow/pkg/recovery"
	"github.com/autoflow/autoflow/pkg/stores"
	"github.com/autoflow/autoflow/pkg/workflow"
)

// mockRunner returns queued results per script path. The last queued result
// repeats. Rollback scripts are recorded separately.
type mockRunner struct {
	mu        sync.Mutex
	results   map[string][]isolation.Result
	calls     map[string]int
	rollbacks []string
	rollback  isolation.Result
}

func newMockRunner() *mockRunner {
	return &mockRunner{
		results:  make(map[string][]isolation.Result),
		calls:    make(map[string]int),
		rollback: isolation.Result{Success: true, Backend: isolation.BackendDirect},
	}
}

func (m *mockRunner) on(script string, results ...isolation.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[script] = append(m.results[script], results...)
}

func (m *mockRunner) Run(ctx context.Context, backend string, req isolation.Request) (isolation.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if backend == "missing" {
		return isolation.Result{}, fmt.Errorf("%w: %q", isolation.ErrUnknownBackend, backend)
	}
	if strings.Contains(filepath.Base(req.ScriptPath), "autoflow-rollback-") {
		data, _ := os.ReadFile(req.ScriptPath)
		m.rollbacks = append(m.rollbacks, string(data))
		return m.rollback, nil
	}

	n := m.calls[req.ScriptPath]
	m.calls[req.ScriptPath] = n + 1

	queued := m.results[req.ScriptPath]
	if len(queued) == 0 {
		return isolation.Result{Success: true, Backend: backend}, nil
	}
	if n >= len(queued) {
		n = len(queued) - 1
	}
	res := queued[n]
	if res.Backend == "" {
		res.Backend = backend
	}
	return res, nil
}

func (m *mockRunner) callCount(script string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[script]
}

func (m *mockRunner) rollbackScripts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.rollbacks...)
}

func ok(stdout string) isolation.Result {
	return isolation.Result{Success: true, Stdout: stdout}
}

func fail(code int, stderr string) isolation.Result {
	return isolation.Result{Success: false, ExitCode: code, Stderr: stderr}
}

func marker(typ, target string) string {
	return changes.Marker(changes.Change{Type: typ, Target: target, Revertible: true}) + "\n"
}

func newTestPipeline(runner *mockRunner, opts ...Option) *Pipeline {
	return NewPipeline(runner, zerolog.Nop(), opts...)
}

func TestRun_Success(t *testing.T) {
	runner := newMockRunner()
	runner.on("install.sh", ok("installing\n"+marker(changes.TypeDirectoryCreated, "/opt/agent")))

	def, err := StandardDefinition(OperationInstall, "install.sh", "check.sh")
	if err != nil {
		t.Fatalf("StandardDefinition failed: %v", err)
	}

	report, err := newTestPipeline(runner).Run(context.Background(), def)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Status != workflow.RunStatusSucceeded {
		t.Errorf("Expected status succeeded, got %s (errors: %v)", report.Status, report.Run.Errors)
	}
	if len(report.Changes) != 1 || len(report.Remaining) != 1 {
		t.Errorf("Expected 1 recorded and remaining change, got %d/%d", len(report.Changes), len(report.Remaining))
	}
	if report.RolledBack {
		t.Error("Expected no rollback on success")
	}
	if got := report.Run.Results[NodeRollback]["skipped"]; got != true {
		t.Errorf("Expected rollback sink to be skipped, got %v", report.Run.Results[NodeRollback])
	}
	if runner.callCount("check.sh") != 1 {
		t.Errorf("Expected verify step to run once, got %d", runner.callCount("check.sh"))
	}
}

func TestRun_FailureRollsBack(t *testing.T) {
	runner := newMockRunner()
	runner.on("install.sh", isolation.Result{
		Success:  false,
		ExitCode: 1,
		Stdout:   marker(changes.TypeFileCreated, "/etc/agent.conf"),
		Stderr:   "configuration failed",
	})

	def, _ := StandardDefinition(OperationInstall, "install.sh", "check.sh")
	report, err := newTestPipeline(runner).Run(context.Background(), def)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Status != workflow.RunStatusFailed {
		t.Errorf("Expected status failed, got %s", report.Status)
	}
	if !report.RolledBack {
		t.Error("Expected changes to be rolled back")
	}
	if len(report.Remaining) != 0 {
		t.Errorf("Expected empty ledger after rollback, got %d", len(report.Remaining))
	}
	if len(report.Changes) != 1 {
		t.Errorf("Expected journal to keep the change, got %d", len(report.Changes))
	}

	scripts := runner.rollbackScripts()
	if len(scripts) != 1 || !strings.Contains(scripts[0], "/etc/agent.conf") {
		t.Errorf("Expected one rollback script removing the file, got %q", scripts)
	}
	if len(report.Recovery) != 1 || report.Recovery[0].Strategy != recovery.StrategyRollback {
		t.Errorf("Expected one rollback decision, got %+v", report.Recovery)
	}
	if status := report.Run.NodeStatus[StepVerify]; status != workflow.NodeStatusBlocked {
		t.Errorf("Expected verify to be blocked, got %s", status)
	}
}

func TestRun_TimeoutIsRetried(t *testing.T) {
	runner := newMockRunner()
	runner.on("install.sh",
		isolation.Result{ExitCode: isolation.ExitCodeTimeout, Error: "timed out"},
		ok(marker(changes.TypePackageInstalled, "agent")),
	)

	def, _ := StandardDefinition(OperationInstall, "install.sh", "")
	p := newTestPipeline(runner)
	report, err := p.Run(context.Background(), def)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Status != workflow.RunStatusSucceeded {
		t.Errorf("Expected retry to succeed, got %s (errors: %v)", report.Status, report.Run.Errors)
	}
	if runner.callCount("install.sh") != 2 {
		t.Errorf("Expected 2 script runs, got %d", runner.callCount("install.sh"))
	}
	if len(report.Recovery) != 1 || report.Recovery[0].Strategy != recovery.StrategyRetry {
		t.Errorf("Expected one retry decision, got %+v", report.Recovery)
	}
	if report.Recovery[0].ErrorType != recovery.ErrorTypeTimeout {
		t.Errorf("Expected timeout error type, got %s", report.Recovery[0].ErrorType)
	}
	if got := p.Coordinator().RetryCount(report.WorkflowID, recovery.ErrorTypeTimeout); got != 0 {
		t.Errorf("Expected retry counters to be reset, got %d", got)
	}
}

func TestRun_RetryBudgetExhausted(t *testing.T) {
	runner := newMockRunner()
	runner.on("install.sh", fail(1, "connection refused"))

	def, _ := StandardDefinition(OperationInstall, "install.sh", "")
	report, err := newTestPipeline(runner).Run(context.Background(), def)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Status != workflow.RunStatusFailed {
		t.Errorf("Expected status failed, got %s", report.Status)
	}
	// first run plus one per retry
	want := recovery.DefaultConfig().MaxRetries + 1
	if got := runner.callCount("install.sh"); got != want {
		t.Errorf("Expected %d script runs, got %d", want, got)
	}
	last := report.Recovery[len(report.Recovery)-1]
	if last.Strategy == recovery.StrategyRetry {
		t.Errorf("Expected a final non-retry decision, got %+v", last)
	}
}

func TestRun_ExecutorRetriesBeforeRecovery(t *testing.T) {
	runner := newMockRunner()
	runner.on("install.sh", fail(1, "flaky"), ok(""))

	def := &Definition{
		Name:  "flaky",
		Steps: []Step{{Name: "install", Script: "install.sh", Retries: 1}},
	}
	report, err := newTestPipeline(runner).Run(context.Background(), def)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Status != workflow.RunStatusSucceeded {
		t.Errorf("Expected status succeeded, got %s", report.Status)
	}
	if len(report.Recovery) != 0 {
		t.Errorf("Expected no recovery on a non-final attempt, got %+v", report.Recovery)
	}
	if report.Run.Attempts["install"] != 2 {
		t.Errorf("Expected 2 attempts, got %d", report.Run.Attempts["install"])
	}
}

func TestRun_ContinueOverride(t *testing.T) {
	runner := newMockRunner()
	runner.on("optional.sh", fail(2, "feature unsupported"))

	def := &Definition{
		Name: "with-extras",
		Steps: []Step{
			{Name: "extras", Script: "optional.sh", OnFailure: recovery.StrategyContinue},
			{Name: "finish", Script: "finish.sh", After: []string{"extras"}},
		},
	}
	report, err := newTestPipeline(runner).Run(context.Background(), def)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Status != workflow.RunStatusSucceeded {
		t.Errorf("Expected status succeeded, got %s", report.Status)
	}
	if len(report.HandledErrors) != 1 || !strings.Contains(report.HandledErrors[0], "feature unsupported") {
		t.Errorf("Expected handled error, got %v", report.HandledErrors)
	}
	if runner.callCount("finish.sh") != 1 {
		t.Error("Expected successor of continued step to run")
	}
}

func TestRun_AbortStopsRemainingSteps(t *testing.T) {
	runner := newMockRunner()
	runner.on("first.sh", fail(1, "boom"))

	def := &Definition{
		Name: "abortable",
		Steps: []Step{
			{Name: "first", Script: "first.sh", OnFailure: recovery.StrategyAbort},
			{Name: "second", Script: "second.sh", After: []string{"first"}, Optional: true},
		},
	}
	report, err := newTestPipeline(runner).Run(context.Background(), def)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !report.Aborted {
		t.Error("Expected run to be aborted")
	}
	if !strings.Contains(report.AbortReason, "boom") {
		t.Errorf("Expected abort reason to carry the error, got %q", report.AbortReason)
	}
	if runner.callCount("second.sh") != 0 {
		t.Error("Expected second step not to run")
	}
}

func TestRun_PolicyDenialRollsBack(t *testing.T) {
	dir := t.TempDir()
	setup := filepath.Join(dir, "setup.sh")
	wipe := filepath.Join(dir, "wipe.sh")
	if err := os.WriteFile(setup, []byte("#!/bin/sh\nmkdir -p /opt/agent\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(wipe, []byte("#!/bin/sh\nrm -rf /\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	runner := newMockRunner()
	runner.on(setup, ok(marker(changes.TypeDirectoryCreated, "/opt/agent")))

	eng, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create policy engine: %v", err)
	}
	defer eng.Close()

	def := &Definition{
		Name:      "dangerous",
		Operation: OperationCustom,
		Steps: []Step{
			{Name: "setup", Script: setup},
			{Name: "wipe", Script: wipe, After: []string{"setup"}},
		},
	}
	report, err := newTestPipeline(runner, WithPolicy(eng)).Run(context.Background(), def)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if runner.callCount(wipe) != 0 {
		t.Error("Expected denied script never to reach a backend")
	}
	if len(report.Recovery) == 0 || report.Recovery[0].ErrorType != recovery.ErrorTypePermission {
		t.Fatalf("Expected permission error, got %+v", report.Recovery)
	}
	if report.Recovery[0].Strategy != recovery.StrategyRollback {
		t.Errorf("Expected rollback strategy, got %s", report.Recovery[0].Strategy)
	}
	if !report.RolledBack {
		t.Error("Expected setup changes to be rolled back")
	}
}

func TestRun_UnknownBackend(t *testing.T) {
	runner := newMockRunner()
	def := &Definition{
		Name:  "bad-backend",
		Steps: []Step{{Name: "install", Script: "install.sh", Backend: "missing"}},
	}

	report, err := newTestPipeline(runner).Run(context.Background(), def)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	nodeErr, ok := report.Run.Errors["install"]
	if !ok {
		t.Fatal("Expected install to fail")
	}
	if workflow.CodeOf(nodeErr) != workflow.ErrCodeValidation {
		t.Errorf("Expected validation code, got %s", workflow.CodeOf(nodeErr))
	}
	if !errors.Is(nodeErr, isolation.ErrUnknownBackend) {
		t.Error("Expected error to wrap ErrUnknownBackend")
	}
}

func TestRun_FailedRollbackIsReported(t *testing.T) {
	runner := newMockRunner()
	runner.rollback = isolation.Result{Success: false, ExitCode: 3, Stderr: "cannot remove"}
	runner.on("install.sh", isolation.Result{
		ExitCode: 1,
		Stdout:   marker(changes.TypeDirectoryCreated, "/opt/agent"),
		Stderr:   "failed",
	})

	def, _ := StandardDefinition(OperationInstall, "install.sh", "")
	report, err := newTestPipeline(runner).Run(context.Background(), def)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.RolledBack {
		t.Error("Expected rollback not to be reported as done")
	}
	if len(report.Remaining) != 1 {
		t.Errorf("Expected change to remain after failed rollback, got %d", len(report.Remaining))
	}
	if report.Recovery[0].Success {
		t.Error("Expected recovery to be reported as failed")
	}
	if _, ok := report.Run.Errors[NodeRollback]; !ok {
		t.Error("Expected rollback sink to fail as well")
	}
}

func TestRun_PersistsHistory(t *testing.T) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	defer store.Close()

	runner := newMockRunner()
	runner.on("install.sh", isolation.Result{
		ExitCode: 1,
		Stdout:   marker(changes.TypeFileCreated, "/etc/a") + marker(changes.TypeFileCreated, "/etc/b"),
		Stderr:   "failed",
	})

	def, _ := StandardDefinition(OperationInstall, "install.sh", "")
	report, err := newTestPipeline(runner, WithStore(store)).Run(ctx, def)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	detail, err := store.GetRunDetail(ctx, report.WorkflowID)
	if err != nil {
		t.Fatalf("GetRunDetail failed: %v", err)
	}
	if detail.Run.Status != stores.RunStatusFailed {
		t.Errorf("Expected failed run, got %s", detail.Run.Status)
	}
	if detail.Run.Operation != string(OperationInstall) {
		t.Errorf("Expected operation install, got %s", detail.Run.Operation)
	}
	if len(detail.Changes) != 2 {
		t.Errorf("Expected 2 changes, got %d", len(detail.Changes))
	}
	if len(detail.Nodes) != 2 {
		t.Errorf("Expected execute and rollback node results, got %d", len(detail.Nodes))
	}
	if len(detail.RecoveryEvents) != 1 || detail.RecoveryEvents[0].Strategy != string(recovery.StrategyRollback) {
		t.Errorf("Unexpected recovery events: %+v", detail.RecoveryEvents)
	}
	if detail.Run.Error == nil || !strings.Contains(*detail.Run.Error, "exited with code 1") {
		t.Errorf("Expected run error to be recorded, got %v", detail.Run.Error)
	}
}

func TestGraph_AddsRollbackSink(t *testing.T) {
	def := &Definition{
		Name: "parallel",
		Steps: []Step{
			{Name: "a", Script: "a.sh"},
			{Name: "b", Script: "b.sh"},
			{Name: "c", Script: "c.sh", After: []string{"a", "b"}},
		},
	}

	graph, err := newTestPipeline(newMockRunner()).Graph(def)
	if err != nil {
		t.Fatalf("Graph failed: %v", err)
	}
	preds := graph.Predecessors(NodeRollback)
	if len(preds) != 3 {
		t.Errorf("Expected rollback to follow every step, got %v", preds)
	}
	node, _ := graph.Node(NodeRollback)
	if node.RequiresPrevious() {
		t.Error("Expected rollback sink to run regardless of failures")
	}
	if len(graph.StartNodes()) != 2 {
		t.Errorf("Expected 2 start nodes, got %v", graph.StartNodes())
	}
}
