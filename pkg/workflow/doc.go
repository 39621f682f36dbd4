// Package workflow provides the workflow graph and its concurrent executor.
//
// # Overview
//
// A workflow is a directed acyclic graph of named nodes. Each node carries a
// Handler plus a retry policy, an optional deadline and two flags:
//
//   - Optional: the node may fail without blocking its successors
//   - AlwaysRun: the node runs even when its predecessors failed (rollback sinks)
//
// Graphs are assembled with a GraphBuilder and validated once by Build: names
// are unique, every reference resolves, and the transition relation is acyclic.
// A built Graph is immutable and can be executed any number of times.
//
// # Execution
//
// Executor.Execute schedules every start node immediately. A node runs as its
// own goroutine once all of its reachable predecessors have finished (join
// semantics), and every handler invocation holds one slot of a run-wide
// semaphore sized by Options.MaxConcurrentTasks.
//
// Failures are recorded per node and never abort the run:
//
//   - HandlerError: the handler returned an error or a Result with an "error" key
//   - TimeoutError: the node deadline expired
//   - DependencyBlocked: a required, non-optional predecessor failed
//   - Cancelled: the caller's context ended before the node finished
//
// Failed attempts are retried RetryCount times with exponential backoff
// starting at RetryDelay.
package workflow
