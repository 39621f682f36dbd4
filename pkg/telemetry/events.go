package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a telemetry event emitted by the executor, backends or recovery.
type Event struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Type       string                 `json:"type"`
	Source     string                 `json:"source"`
	RunID      string                 `json:"run_id,omitempty"`
	WorkflowID string                 `json:"workflow_id,omitempty"`
	Node       string                 `json:"node,omitempty"`
	Message    string                 `json:"message"`
	Level      string                 `json:"level"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRunStarted       = "run.started"
	EventTypeRunCompleted     = "run.completed"
	EventTypeRunFailed        = "run.failed"
	EventTypeNodeStarted      = "node.started"
	EventTypeNodeRetrying     = "node.retrying"
	EventTypeNodeCompleted    = "node.completed"
	EventTypeNodeFailed       = "node.failed"
	EventTypeBackendFallback  = "backend.fallback"
	EventTypeRecoveryDecision = "recovery.decision"
	EventTypeRollback         = "rollback.executed"
	EventTypePolicyViolation  = "policy.violation"
)

// Event severity levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles delivered events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
// With async delivery, a full buffer drops the event and returns an error.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID, workflowID string) error {
	return ep.Publish(Event{
		Type:       EventTypeRunStarted,
		Source:     "executor",
		RunID:      runID,
		WorkflowID: workflowID,
		Message:    fmt.Sprintf("Run %s of workflow %s started", runID, workflowID),
		Level:      EventLevelInfo,
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(runID, status string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		Source:  "executor",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s completed with status: %s", runID, status),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishRunFailed publishes a run failed event.
func (ep *EventPublisher) PublishRunFailed(runID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailed,
		Source:  "executor",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s failed: %s", runID, reason),
		Level:   EventLevelError,
		Data:    map[string]interface{}{"reason": reason},
	})
}

// PublishNodeStarted publishes a node started event.
func (ep *EventPublisher) PublishNodeStarted(runID, node string) error {
	return ep.Publish(Event{
		Type:    EventTypeNodeStarted,
		Source:  "executor",
		RunID:   runID,
		Node:    node,
		Message: fmt.Sprintf("Node %s started", node),
		Level:   EventLevelInfo,
	})
}

// PublishNodeRetrying publishes a node retry event.
func (ep *EventPublisher) PublishNodeRetrying(runID, node string, attempt int, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeNodeRetrying,
		Source:  "executor",
		RunID:   runID,
		Node:    node,
		Message: fmt.Sprintf("Node %s failed attempt %d: %s", node, attempt, reason),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"attempt": attempt,
			"reason":  reason,
		},
	})
}

// PublishNodeCompleted publishes a node completed event.
func (ep *EventPublisher) PublishNodeCompleted(runID, node string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeNodeCompleted,
		Source:  "executor",
		RunID:   runID,
		Node:    node,
		Message: fmt.Sprintf("Node %s completed", node),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"duration": duration.Seconds()},
	})
}

// PublishNodeFailed publishes a node failed event.
func (ep *EventPublisher) PublishNodeFailed(runID, node, status, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeNodeFailed,
		Source:  "executor",
		RunID:   runID,
		Node:    node,
		Message: fmt.Sprintf("Node %s %s: %s", node, status, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"status": status,
			"reason": reason,
		},
	})
}

// PublishBackendFallback publishes a backend fallback event.
func (ep *EventPublisher) PublishBackendFallback(from, to, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeBackendFallback,
		Source:  "isolation",
		Message: fmt.Sprintf("Backend %s unavailable, falling back to %s: %s", from, to, reason),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"from":   from,
			"to":     to,
			"reason": reason,
		},
	})
}

// PublishRecoveryDecision publishes the strategy chosen for a failure.
func (ep *EventPublisher) PublishRecoveryDecision(workflowID, errorType, strategy string) error {
	return ep.Publish(Event{
		Type:       EventTypeRecoveryDecision,
		Source:     "recovery",
		WorkflowID: workflowID,
		Message:    fmt.Sprintf("Workflow %s: %s handled with %s", workflowID, errorType, strategy),
		Level:      EventLevelWarning,
		Data: map[string]interface{}{
			"error_type": errorType,
			"strategy":   strategy,
		},
	})
}

// PublishRollback publishes a rollback execution event.
func (ep *EventPublisher) PublishRollback(workflowID, status string, changes int) error {
	level := EventLevelInfo
	if status != "success" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:       EventTypeRollback,
		Source:     "recovery",
		WorkflowID: workflowID,
		Message:    fmt.Sprintf("Rollback of %d changes for workflow %s: %s", changes, workflowID, status),
		Level:      level,
		Data: map[string]interface{}{
			"status":  status,
			"changes": changes,
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(script, policyName, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy",
		Message: fmt.Sprintf("Script %s denied by %s: %s", script, policyName, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"script": script,
			"policy": policyName,
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents drains the buffer in batches until shutdown.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			// drain whatever else is already queued
			for len(batch) < ep.config.MaxBatchSize && len(ep.buffer) > 0 {
				batch = append(batch, <-ep.buffer)
			}
			ep.flushBatch(batch)
			batch = batch[:0]

		case <-ep.ctx.Done():
			for len(ep.buffer) > 0 {
				batch = append(batch, <-ep.buffer)
			}
			ep.flushBatch(batch)
			return
		}
	}
}

func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event synchronously to matching subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType only allows events of the given types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}
