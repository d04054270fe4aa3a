package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rescale/safedrop/internal/constants"
)

// EventType defines the types of events that can be emitted
type EventType string

const (
	EventLog EventType = "log"

	// Batch lifecycle
	EventBatchState       EventType = "batch_state"       // Batch moved to a new state
	EventConflictPending  EventType = "conflict_pending"  // Gate opened, waiting for a decision
	EventConflictResolved EventType = "conflict_resolved" // Gate resolved or abandoned
	EventBatchComplete    EventType = "batch_complete"    // Batch reached Completed

	// Per-file updates
	EventFileStatus   EventType = "file_status"   // Status transition of one entry
	EventFileProgress EventType = "file_progress" // Percentage update of one entry
)

// LogLevel defines log severity levels
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is the base interface for all events
type Event interface {
	Type() EventType
	Timestamp() time.Time
	Batch() string
}

// BaseEvent provides common event fields
type BaseEvent struct {
	EventType EventType `json:"type"`
	Time      time.Time `json:"time"`
	BatchID   string    `json:"batch_id"`
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.Time }
func (e BaseEvent) Batch() string        { return e.BatchID }

// LogEvent represents log messages
type LogEvent struct {
	BaseEvent
	Level   LogLevel `json:"level"`
	Message string   `json:"message"`
	Error   string   `json:"error,omitempty"`
}

// BatchStateEvent represents batch state machine transitions
type BatchStateEvent struct {
	BaseEvent
	OldState string `json:"old_state"`
	NewState string `json:"new_state"`
	Files    int    `json:"files"`
}

// ConflictEvent is published when the gate opens and again when it resolves.
type ConflictEvent struct {
	BaseEvent
	Conflicts []string `json:"conflicts"`
	Overwrite []string `json:"overwrite,omitempty"` // set on resolution
	Abandoned bool     `json:"abandoned,omitempty"`
}

// FileStatusEvent represents a status transition of one batch entry
type FileStatusEvent struct {
	BaseEvent
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// FileProgressEvent represents a percentage update of one batch entry
type FileProgressEvent struct {
	BaseEvent
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Percent int    `json:"percent"`
}

// BatchCompleteEvent represents batch completion
type BatchCompleteEvent struct {
	BaseEvent
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// EventBus manages event subscriptions and publishing
type EventBus struct {
	subscribers   map[EventType][]chan Event
	all           []chan Event // Subscribers to all events
	mu            sync.RWMutex
	bufferSize    int
	closed        bool
	droppedEvents atomic.Int64 // Count of dropped events due to full buffers
}

// NewEventBus creates a new event bus with specified buffer size
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = constants.EventBusDefaultBuffer
	}
	if bufferSize > constants.EventBusMaxBuffer {
		bufferSize = constants.EventBusMaxBuffer // Cap at maximum
	}
	return &EventBus{
		subscribers: make(map[EventType][]chan Event),
		all:         make([]chan Event, 0),
		bufferSize:  bufferSize,
	}
}

// Subscribe creates a subscription to a specific event type
func (eb *EventBus) Subscribe(eventType EventType) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, eb.bufferSize)
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	return ch
}

// SubscribeAll creates a subscription to all events
func (eb *EventBus) SubscribeAll() <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, eb.bufferSize)
	eb.all = append(eb.all, ch)
	return ch
}

// Publish sends an event to all subscribers (non-blocking).
// A nil bus is valid and drops everything, so callers need not guard.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}

	for _, ch := range eb.subscribers[event.Type()] {
		select {
		case ch <- event:
		default:
			// Channel full - event dropped
			eb.droppedEvents.Add(1)
		}
	}

	for _, ch := range eb.all {
		select {
		case ch <- event:
		default:
			eb.droppedEvents.Add(1)
		}
	}
}

// Close shuts down the event bus and closes all channels
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	eb.closed = true

	for _, channels := range eb.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}

	for _, ch := range eb.all {
		close(ch)
	}
}

// PublishLog is a convenience method for publishing log events
func (eb *EventBus) PublishLog(batchID string, level LogLevel, message string, err error) {
	ev := &LogEvent{
		BaseEvent: BaseEvent{
			EventType: EventLog,
			Time:      time.Now(),
			BatchID:   batchID,
		},
		Level:   level,
		Message: message,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	eb.Publish(ev)
}

// PublishBatchState is a convenience method for publishing state change events
func (eb *EventBus) PublishBatchState(batchID, oldState, newState string, files int) {
	eb.Publish(&BatchStateEvent{
		BaseEvent: BaseEvent{
			EventType: EventBatchState,
			Time:      time.Now(),
			BatchID:   batchID,
		},
		OldState: oldState,
		NewState: newState,
		Files:    files,
	})
}

// Unsubscribe removes a subscription channel from a specific event type and
// closes it. This prevents memory leaks from abandoned subscriptions.
func (eb *EventBus) Unsubscribe(eventType EventType, ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	subscribers := eb.subscribers[eventType]
	for i, subCh := range subscribers {
		if subCh == ch {
			subscribers[i] = subscribers[len(subscribers)-1]
			eb.subscribers[eventType] = subscribers[:len(subscribers)-1]
			close(subCh)
			break
		}
	}
}

// UnsubscribeAll removes a SubscribeAll channel and closes it.
func (eb *EventBus) UnsubscribeAll(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	for i, subCh := range eb.all {
		if subCh == ch {
			eb.all[i] = eb.all[len(eb.all)-1]
			eb.all = eb.all[:len(eb.all)-1]
			close(subCh)
			break
		}
	}
}

// GetDroppedEventCount returns the total number of events dropped due to full buffers
// Useful for monitoring and detecting if buffer sizes need adjustment
func (eb *EventBus) GetDroppedEventCount() int64 {
	return eb.droppedEvents.Load()
}

// ResetDroppedEventCount resets the dropped event counter to zero
// Useful for periodic monitoring windows
func (eb *EventBus) ResetDroppedEventCount() int64 {
	return eb.droppedEvents.Swap(0)
}
