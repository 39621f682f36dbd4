package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testTelemetry(t *testing.T) *Telemetry {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Logging.Output = "stderr"
	cfg.Logging.Level = "error"
	cfg.Events.EnableAsync = false

	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	return tel
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"missing service name", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, true},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"zero buffer", func(c *Config) { c.Events.BufferSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHelpersWithoutTelemetry(t *testing.T) {
	ctx := context.Background()

	// None of these may panic without telemetry in the context.
	ctx = WithRunContext(ctx, "run", "wf")
	ctx = WithNodeContext(ctx, "run", "node")
	RecordNodeRetry(ctx, "run", "node", 1, errors.New("boom"))
	AddInFlightNodes(ctx, 1)
	EndNodeContext(ctx, "run", "node", "failed", errors.New("boom"))
	EndRunContext(ctx, "run", "failed", nil)
	RecordBackendFallback(ctx, "docker", "direct", "not installed")
	RecordRecoveryDecision(ctx, "wf", "network_error", "retry")
	RecordRollback(ctx, "wf", "success", 2)

	called := false
	err := RecordBackendRun(ctx, "direct", "x.sh", func(context.Context) (int, error) {
		called = true
		return 0, nil
	})
	if err != nil || !called {
		t.Fatalf("RecordBackendRun() err = %v, called = %v", err, called)
	}
}

func TestRunAndNodeMetrics(t *testing.T) {
	tel := testTelemetry(t)
	ctx := tel.WithContext(context.Background())

	runCtx := WithRunContext(ctx, "run-1", "wf-1")
	nodeCtx := WithNodeContext(runCtx, "run-1", "install")
	RecordNodeRetry(nodeCtx, "run-1", "install", 1, errors.New("flaky"))
	EndNodeContext(nodeCtx, "run-1", "install", "succeeded", nil)
	EndRunContext(runCtx, "run-1", "succeeded", nil)

	m := tel.Metrics
	if got := testutil.ToFloat64(m.runsCompleted.WithLabelValues("succeeded")); got != 1 {
		t.Errorf("runs_completed_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.activeRuns); got != 0 {
		t.Errorf("active_runs = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.nodeRetries.WithLabelValues("install")); got != 1 {
		t.Errorf("node_retries_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.nodesExecuted.WithLabelValues("install", "succeeded")); got != 1 {
		t.Errorf("nodes_executed_total = %v, want 1", got)
	}
}

func TestRecordBackendRunOutcomes(t *testing.T) {
	tel := testTelemetry(t)
	ctx := tel.WithContext(context.Background())

	_ = RecordBackendRun(ctx, "direct", "ok.sh", func(context.Context) (int, error) { return 0, nil })
	_ = RecordBackendRun(ctx, "direct", "fail.sh", func(context.Context) (int, error) { return 3, nil })
	wantErr := errors.New("docker daemon down")
	err := RecordBackendRun(ctx, "docker", "x.sh", func(context.Context) (int, error) { return -1, wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("RecordBackendRun() error = %v, want %v", err, wantErr)
	}

	m := tel.Metrics
	for _, c := range []struct {
		backend, outcome string
	}{
		{"direct", OutcomeSuccess},
		{"direct", OutcomeFailure},
		{"docker", OutcomeError},
	} {
		if got := testutil.ToFloat64(m.backendRuns.WithLabelValues(c.backend, c.outcome)); got != 1 {
			t.Errorf("backend_runs_total{%s,%s} = %v, want 1", c.backend, c.outcome, got)
		}
	}
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByType(EventTypeBackendFallback))

	_ = ep.PublishRunStarted("run", "wf")
	_ = ep.PublishBackendFallback("sandbox", "direct", "firejail not found")

	if len(got) != 1 {
		t.Fatalf("received %d events, want 1", len(got))
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Errorf("event missing ID or timestamp: %+v", got[0])
	}
	if got[0].Data["from"] != "sandbox" {
		t.Errorf("Data[from] = %v, want sandbox", got[0].Data["from"])
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 100, MaxBatchSize: 10, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var (
		mu    sync.Mutex
		count int
	)
	ep.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)

	for i := 0; i < 25; i++ {
		if err := ep.PublishNodeStarted("run", "n"); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 25 {
		t.Errorf("delivered %d events, want 25", count)
	}
}

func TestFilterByLevel(t *testing.T) {
	filter := FilterByLevel(EventLevelWarning)

	if filter(Event{Level: EventLevelInfo}) {
		t.Error("info event passed warning filter")
	}
	if !filter(Event{Level: EventLevelError}) {
		t.Error("error event rejected by warning filter")
	}
}
