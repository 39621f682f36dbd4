package changes

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/autoflow/autoflow/pkg/isolation"
)

// mockRunner records the scripts it is asked to run.
type mockRunner struct {
	calls   int
	backend string
	script  string
	result  isolation.Result
	err     error
}

func (m *mockRunner) Run(ctx context.Context, backend string, req isolation.Request) (isolation.Result, error) {
	m.calls++
	m.backend = backend
	data, err := os.ReadFile(req.ScriptPath)
	if err == nil {
		m.script = string(data)
	}
	return m.result, m.err
}

func TestRollback_EmptyLedgerRunsNothing(t *testing.T) {
	runner := &mockRunner{}
	r := NewRollbacker(NewRollbackScriptBuilder(PlatformLinux), runner)

	res, err := r.Rollback(context.Background(), NewLedger())
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if res.Status != RollbackSuccess || res.Message != "Nothing to rollback" {
		t.Errorf("Unexpected result: %+v", res)
	}
	if runner.calls != 0 {
		t.Errorf("Expected zero runs, got %d", runner.calls)
	}
}

func TestRollback_SuccessClearsLedger(t *testing.T) {
	runner := &mockRunner{result: isolation.Result{Success: true}}
	r := NewRollbacker(NewRollbackScriptBuilder(PlatformLinux), runner,
		WithBackend(isolation.BackendSandbox), WithTempDir(t.TempDir()))

	l := NewLedger(
		Change{Type: TypeFileCreated, Target: "/tmp/a", Revertible: true},
		Change{Type: TypeFileCreated, Target: "/tmp/b", Revertible: true},
	)
	res, err := r.Rollback(context.Background(), l)
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if res.Status != RollbackSuccess || res.Reverted != 2 {
		t.Errorf("Unexpected result: %+v", res)
	}
	if !l.IsEmpty() {
		t.Errorf("Expected ledger to be cleared, got %d changes", l.Len())
	}
	if runner.backend != isolation.BackendSandbox {
		t.Errorf("Expected backend %s, got %s", isolation.BackendSandbox, runner.backend)
	}
	if !strings.Contains(runner.script, "rm -f -- '/tmp/b'") {
		t.Errorf("Expected generated script to be run, got:\n%s", runner.script)
	}
}

func TestRollback_FailureKeepsLedger(t *testing.T) {
	runner := &mockRunner{result: isolation.Result{Success: false, ExitCode: 1}}
	r := NewRollbacker(NewRollbackScriptBuilder(PlatformLinux), runner, WithTempDir(t.TempDir()))

	l := NewLedger(Change{Type: TypeFileCreated, Target: "/tmp/a", Revertible: true})
	res, err := r.Rollback(context.Background(), l)
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if res.Status != RollbackFailed {
		t.Errorf("Expected status %s, got %s", RollbackFailed, res.Status)
	}
	if l.Len() != 1 {
		t.Errorf("Expected ledger to be kept, got %d changes", l.Len())
	}
}

func TestRollback_RunnerErrorRemovesScript(t *testing.T) {
	dir := t.TempDir()
	runner := &mockRunner{err: errors.New("backend exploded")}
	r := NewRollbacker(NewRollbackScriptBuilder(PlatformLinux), runner, WithTempDir(dir))

	_, err := r.Rollback(context.Background(), NewLedger(Change{Type: TypeFileCreated, Target: "/tmp/a", Revertible: true}))
	if err == nil {
		t.Fatal("Expected error")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Expected temp script to be removed, found %d files", len(entries))
	}
}
