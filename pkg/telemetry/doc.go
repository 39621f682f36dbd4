// Package telemetry provides observability instrumentation for autoflow.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing.
//
// # Usage
//
// Initialize telemetry at application startup and attach it to the context
// handed to the executor, the isolation registry and the recovery coordinator:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// Every instrumentation helper is a no-op when the context carries no
// telemetry, so library code never has to check.
//
// # Spans
//
//	run.execute          one per workflow run
//	node.execute         one per node, covering all of its attempts
//	backend.<name>.run   one per script execution on an isolation backend
//	recovery.handle      one per recovery decision
//
// # Metrics
//
// Metrics are registered on a private registry and exposed over HTTP when
// Metrics.ListenAddress is set:
//
//	autoflow_runs_completed_total{status}
//	autoflow_node_retries_total{node}
//	autoflow_nodes_in_flight
//	autoflow_backend_fallbacks_total{from,to}
//	autoflow_recovery_decisions_total{error_type,strategy}
//	autoflow_rollbacks_total{status}
//
// # Events
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("%s: %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
package telemetry
