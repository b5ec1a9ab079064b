package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a structured notification about an apply, a detection pass or a
// lock operation.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	// Type is one of the EventType constants.
	Type string `json:"type"`

	// Source names the component that published the event.
	Source string `json:"source"`

	OrgID     string `json:"org_id"`
	Workspace string `json:"workspace,omitempty"`

	// HistoryID links the event to an apply history entry, if any.
	HistoryID string `json:"history_id,omitempty"`

	Message string `json:"message"`

	// Level is info, warning or error.
	Level string `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types published by grcsync.
const (
	EventTypeApplyStarted      = "apply.started"
	EventTypeApplyCompleted    = "apply.completed"
	EventTypeApplyFailed       = "apply.failed"
	EventTypeConflictDetected  = "conflict.detected"
	EventTypeDriftDetected     = "drift.detected"
	EventTypeLockForceReleased = "lock.force_released"
	EventTypePolicyViolation   = "policy.violation"
)

// Event severity levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// ErrBufferFull is returned when the async queue cannot take another event.
var ErrBufferFull = errors.New("event buffer full, event dropped")

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. A nil or disabled publisher
// drops every event.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
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
	if cfg.EnableAsync && cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.MinLevel != "" {
		ep.AddFilter(FilterByLevel(cfg.MinLevel))
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish stamps the event with an ID and timestamp and hands it to
// subscribers, directly or through the async queue.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.ctx.Err() != nil {
		return ErrPublisherStopped
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		default:
			return ErrBufferFull
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishApplyStarted publishes an apply.started event.
func (ep *EventPublisher) PublishApplyStarted(orgID, workspace, actor string, dryRun bool) error {
	return ep.Publish(Event{
		Type:      EventTypeApplyStarted,
		Source:    "apply",
		OrgID:     orgID,
		Workspace: workspace,
		Message:   fmt.Sprintf("Apply started by %s", actor),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"actor":   actor,
			"dry_run": dryRun,
		},
	})
}

// PublishApplyCompleted publishes an apply.completed event.
func (ep *EventPublisher) PublishApplyCompleted(orgID, workspace, historyID, outcome string, duration time.Duration) error {
	level := EventLevelInfo
	if outcome == "partial_failure" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:      EventTypeApplyCompleted,
		Source:    "apply",
		OrgID:     orgID,
		Workspace: workspace,
		HistoryID: historyID,
		Message:   fmt.Sprintf("Apply %s finished: %s", historyID, outcome),
		Level:     level,
		Data: map[string]interface{}{
			"outcome":  outcome,
			"duration": duration.Seconds(),
		},
	})
}

// PublishApplyFailed publishes an apply.failed event.
func (ep *EventPublisher) PublishApplyFailed(orgID, workspace, outcome string, err error) error {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return ep.Publish(Event{
		Type:      EventTypeApplyFailed,
		Source:    "apply",
		OrgID:     orgID,
		Workspace: workspace,
		Message:   fmt.Sprintf("Apply failed: %s", reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"outcome": outcome,
			"reason":  reason,
		},
	})
}

// PublishConflictDetected publishes a conflict.detected event with the
// per-severity counts of one detection pass.
func (ep *EventPublisher) PublishConflictDetected(orgID, workspace string, warnings, errs int) error {
	level := EventLevelWarning
	if errs > 0 {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:      EventTypeConflictDetected,
		Source:    "conflict_detector",
		OrgID:     orgID,
		Workspace: workspace,
		Message:   fmt.Sprintf("%d conflicts detected (%d errors)", warnings+errs, errs),
		Level:     level,
		Data: map[string]interface{}{
			"warnings": warnings,
			"errors":   errs,
		},
	})
}

// PublishDriftDetected publishes a drift.detected event.
func (ep *EventPublisher) PublishDriftDetected(orgID, workspace string, driftedResources, items int) error {
	return ep.Publish(Event{
		Type:      EventTypeDriftDetected,
		Source:    "drift_detector",
		OrgID:     orgID,
		Workspace: workspace,
		Message:   fmt.Sprintf("Drift detected on %d resources (%d items)", driftedResources, items),
		Level:     EventLevelWarning,
		Data: map[string]interface{}{
			"resources": driftedResources,
			"items":     items,
		},
	})
}

// PublishLockForceReleased publishes a lock.force_released event.
func (ep *EventPublisher) PublishLockForceReleased(orgID, workspace, actor, previousHolder string) error {
	return ep.Publish(Event{
		Type:      EventTypeLockForceReleased,
		Source:    "lock_manager",
		OrgID:     orgID,
		Workspace: workspace,
		Message:   fmt.Sprintf("Apply lock held by %s force-released by %s", previousHolder, actor),
		Level:     EventLevelWarning,
		Data: map[string]interface{}{
			"actor":           actor,
			"previous_holder": previousHolder,
		},
	})
}

// PublishPolicyViolation publishes a policy.violation event for one resource.
func (ep *EventPublisher) PublishPolicyViolation(orgID, workspace, resource, rule, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypePolicyViolation,
		Source:    "policy_engine",
		OrgID:     orgID,
		Workspace: workspace,
		Message:   fmt.Sprintf("Policy violation on %s: %s - %s", resource, rule, reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"resource": resource,
			"rule":     rule,
			"reason":   reason,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// LogEvents returns a subscriber that writes each event to logger at the
// event's level.
func LogEvents(logger *Logger) EventSubscriber {
	return func(event Event) {
		l := logger.WithScope(event.OrgID, event.Workspace).WithFields(map[string]interface{}{
			"event_id":     event.ID,
			"event_type":   event.Type,
			"event_source": event.Source,
		})
		if event.HistoryID != "" {
			l = l.WithHistoryID(event.HistoryID)
		}
		if len(event.Data) > 0 {
			l = l.WithField("data", event.Data)
		}

		switch event.Level {
		case EventLevelError:
			l.Errorf("Event %s: %s", event.Type, event.Message)
		case EventLevelWarning:
			l.Warnf("Event %s: %s", event.Type, event.Message)
		default:
			l.Infof("Event %s: %s", event.Type, event.Message)
		}
	}
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			// drain what was queued before shutdown
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent calls subscribers in subscription order.
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

// Shutdown stops accepting events and waits for queued ones to be delivered.
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

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
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

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByScope creates a filter that only allows events for one org and workspace.
func FilterByScope(orgID, workspace string) EventFilter {
	return func(event Event) bool {
		return event.OrgID == orgID && event.Workspace == workspace
	}
}
