package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestRun(t *testing.T, store *SQLiteStore, id, workflow string, startedAt time.Time) *Run {
	t.Helper()

	run := &Run{
		ID:        id,
		Workflow:  workflow,
		Operation: "install",
		Status:    RunStatusRunning,
		StartedAt: startedAt,
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return run
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "history.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	// A second migration is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"runs", "node_results", "changes", "recovery_events"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestRunCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, store, "run-001", "install-agent", time.Now())
	if run.Metadata != "{}" {
		t.Errorf("expected default metadata {}, got %s", run.Metadata)
	}

	retrieved, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if retrieved.Workflow != "install-agent" || retrieved.Operation != "install" {
		t.Errorf("unexpected run: %+v", retrieved)
	}
	if retrieved.Status != RunStatusRunning {
		t.Errorf("expected status running, got %s", retrieved.Status)
	}
	if retrieved.CompletedAt != nil {
		t.Error("expected no completion time for a running run")
	}

	errMsg := "step execute failed"
	if err := store.FinishRun(ctx, run.ID, RunStatusFailed, 1500*time.Millisecond, &errMsg); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}

	updated, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if updated.Status != RunStatusFailed {
		t.Errorf("expected status failed, got %s", updated.Status)
	}
	if updated.DurationMS != 1500 {
		t.Errorf("expected duration 1500ms, got %d", updated.DurationMS)
	}
	if updated.Error == nil || *updated.Error != errMsg {
		t.Errorf("expected error %q, got %v", errMsg, updated.Error)
	}
	if updated.CompletedAt == nil {
		t.Error("expected completion time to be set")
	}

	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	if _, err := store.GetRun(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteRun(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
	if err := store.FinishRun(ctx, "missing", RunStatusSucceeded, 0, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound finishing a missing run, got %v", err)
	}
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	createTestRun(t, store, "run-1", "install-agent", base)
	createTestRun(t, store, "run-2", "remove-agent", base.Add(time.Minute))
	createTestRun(t, store, "run-3", "install-agent", base.Add(2*time.Minute))
	if err := store.FinishRun(ctx, "run-3", RunStatusSucceeded, time.Second, nil); err != nil {
		t.Fatal(err)
	}

	runs, err := store.ListRuns(ctx, RunFilter{})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-3" || runs[2].ID != "run-1" {
		t.Errorf("expected newest first, got %s..%s", runs[0].ID, runs[2].ID)
	}

	tests := []struct {
		name   string
		filter RunFilter
		want   []string
	}{
		{"by workflow", RunFilter{Workflow: "install-agent"}, []string{"run-3", "run-1"}},
		{"by status", RunFilter{Status: RunStatusSucceeded}, []string{"run-3"}},
		{"paged", RunFilter{Limit: 1, Offset: 1}, []string{"run-2"}},
		{"no match", RunFilter{Workflow: "missing"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListRuns(ctx, tt.filter)
			if err != nil {
				t.Fatalf("failed to list runs: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d runs, got %d", len(tt.want), len(got))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("expected %s at %d, got %s", id, i, got[i].ID)
				}
			}
		})
	}
}

func TestNodeResults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestRun(t, store, "run-1", "install-agent", time.Now())

	exitCode := 0
	output := "installed"
	results := []*NodeResult{
		{RunID: "run-1", Node: "prepare", Status: "succeeded", Attempts: 1},
		{RunID: "run-1", Node: "execute", Status: "succeeded", Attempts: 2, Backend: "docker", ExitCode: &exitCode, Output: &output},
	}
	for _, nr := range results {
		if err := store.RecordNodeResult(ctx, nr); err != nil {
			t.Fatalf("failed to record node result: %v", err)
		}
		if nr.ID == 0 {
			t.Error("expected ID to be assigned")
		}
	}

	got, err := store.ListNodeResults(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list node results: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 node results, got %d", len(got))
	}
	if got[1].Backend != "docker" || got[1].Attempts != 2 {
		t.Errorf("unexpected node result: %+v", got[1])
	}
	if got[1].ExitCode == nil || *got[1].ExitCode != 0 {
		t.Errorf("expected exit code 0, got %v", got[1].ExitCode)
	}
	if got[0].ExitCode != nil || got[0].Output != nil {
		t.Errorf("expected nil exit code and output, got %+v", got[0])
	}

	if err := store.RecordNodeResult(ctx, &NodeResult{RunID: "missing", Node: "x", Status: "failed"}); err == nil {
		t.Error("expected foreign key violation for unknown run")
	}
}

func TestRecordChanges_SequenceContinues(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestRun(t, store, "run-1", "install-agent", time.Now())

	backup := "/etc/agent.conf.bak"
	first := []*ChangeRecord{
		{Type: "file_created", Target: "/opt/agent/bin", Revertible: true},
		{Type: "file_modified", Target: "/etc/agent.conf", Revertible: true, BackupFile: &backup},
	}
	if err := store.RecordChanges(ctx, "run-1", first); err != nil {
		t.Fatalf("failed to record changes: %v", err)
	}
	second := []*ChangeRecord{{Type: "service_started", Target: "agent", Revertible: false}}
	if err := store.RecordChanges(ctx, "run-1", second); err != nil {
		t.Fatalf("failed to record changes: %v", err)
	}
	if err := store.RecordChanges(ctx, "run-1", nil); err != nil {
		t.Fatalf("expected empty batch to be a no-op, got %v", err)
	}

	got, err := store.ListChanges(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list changes: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 changes, got %d", len(got))
	}
	for i, rec := range got {
		if rec.Seq != i+1 {
			t.Errorf("expected seq %d, got %d", i+1, rec.Seq)
		}
	}
	if got[1].BackupFile == nil || *got[1].BackupFile != backup {
		t.Errorf("expected backup file %s, got %v", backup, got[1].BackupFile)
	}
	if got[2].Revertible {
		t.Error("expected service change to be non-revertible")
	}
}

func TestRecordChanges_RollsBackOnFailure(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.RecordChanges(ctx, "missing", []*ChangeRecord{{Type: "file_created", Target: "/tmp/x"}})
	if err == nil {
		t.Fatal("expected error for unknown run")
	}

	var count int
	if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM changes").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("expected no changes after failed batch, got %d", count)
	}
}

func TestRunDetail_AndCascadeDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestRun(t, store, "run-1", "install-agent", time.Now())

	if err := store.RecordNodeResult(ctx, &NodeResult{RunID: "run-1", Node: "execute", Status: "failed", Attempts: 1}); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordChanges(ctx, "run-1", []*ChangeRecord{{Type: "directory_created", Target: "/opt/agent", Revertible: true}}); err != nil {
		t.Fatal(err)
	}
	failure := "network unreachable"
	event := &RecoveryEvent{RunID: "run-1", Node: "execute", ErrorType: "network_error", Strategy: "retry", Success: true, Error: &failure}
	if err := store.RecordRecoveryEvent(ctx, event); err != nil {
		t.Fatalf("failed to record recovery event: %v", err)
	}
	if event.OccurredAt.IsZero() {
		t.Error("expected occurred_at to default to now")
	}

	detail, err := store.GetRunDetail(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run detail: %v", err)
	}
	if len(detail.Nodes) != 1 || len(detail.Changes) != 1 || len(detail.RecoveryEvents) != 1 {
		t.Fatalf("unexpected detail sizes: %d nodes, %d changes, %d events",
			len(detail.Nodes), len(detail.Changes), len(detail.RecoveryEvents))
	}
	ev := detail.RecoveryEvents[0]
	if ev.Strategy != "retry" || !ev.Success || ev.Error == nil || *ev.Error != failure {
		t.Errorf("unexpected recovery event: %+v", ev)
	}

	if _, err := store.GetRunDetail(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := store.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	for _, table := range []string{"node_results", "changes", "recovery_events"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Fatal(err)
		}
		if count != 0 {
			t.Errorf("expected %s to be emptied by cascade, got %d rows", table, count)
		}
	}
}
