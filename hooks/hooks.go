// Package hooks provides lifecycle event notifications for the buffer.
// Listeners can observe data file rotation and deletion, corrupted records
// being skipped, and ledger flushes, without the buffer depending on what
// observers do with the information.
package hooks

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// EventPostDataFileRotate fires after the writer rolls over to a new
	// data file.
	EventPostDataFileRotate EventType = "PostDataFileRotate"

	// EventPostDataFileDelete fires after a fully acknowledged data file
	// has been deleted.
	EventPostDataFileDelete EventType = "PostDataFileDelete"

	// EventOnCorruptedRecord fires when the reader encounters a corrupted
	// record and skips the rest of the data file.
	EventOnCorruptedRecord EventType = "OnCorruptedRecord"
)

// Event is the interface that all event objects implement.
type Event interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent provides a base implementation for Event.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// PostDataFileRotatePayload contains the data for a PostDataFileRotate
// event.
type PostDataFileRotatePayload struct {
	FileID uint16
	Path   string
}

// NewPostDataFileRotateEvent creates a new event for after the writer opens
// a new data file.
func NewPostDataFileRotateEvent(payload PostDataFileRotatePayload) Event {
	return &BaseEvent{eventType: EventPostDataFileRotate, payload: payload}
}

// PostDataFileDeletePayload contains the data for a PostDataFileDelete
// event.
type PostDataFileDeletePayload struct {
	Path      string
	Reclaimed uint64
}

// NewPostDataFileDeleteEvent creates a new event for after a data file has
// been deleted.
func NewPostDataFileDeleteEvent(payload PostDataFileDeletePayload) Event {
	return &BaseEvent{eventType: EventPostDataFileDelete, payload: payload}
}

// OnCorruptedRecordPayload contains the data for an OnCorruptedRecord event.
type OnCorruptedRecordPayload struct {
	FileID uint16
	Err    error
}

// NewOnCorruptedRecordEvent creates a new event for when a corrupted record
// was encountered.
func NewOnCorruptedRecordEvent(payload OnCorruptedRecordPayload) Event {
	return &BaseEvent{eventType: EventOnCorruptedRecord, payload: payload}
}

// Listener receives hook events.
type Listener interface {
	// OnEvent handles the event. Errors are logged, not propagated; hooks
	// cannot fail buffer operations.
	OnEvent(ctx context.Context, event Event) error
	// Priority orders listeners for the same event; lower runs first.
	Priority() int
	// IsAsync reports whether the listener should run on its own goroutine.
	IsAsync() bool
}

// Manager defines the interface for managing and triggering hooks.
type Manager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener Listener)
	// Trigger fires all registered listeners for a given event.
	Trigger(ctx context.Context, event Event)
	// Stop waits for all asynchronous listeners to complete.
	Stop()
}

type listenerWithPriority struct {
	listener Listener
	priority int
}

// DefaultManager is a concrete implementation of Manager.
type DefaultManager struct {
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewManager creates a new DefaultManager.
func NewManager(logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener for a specific event type, maintaining priority
// order.
func (m *DefaultManager) Register(eventType EventType, listener Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority >= item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority
// order.
func (m *DefaultManager) Trigger(ctx context.Context, event Event) {
	m.mu.RLock()
	listeners, ok := m.listeners[event.Type()]
	m.mu.RUnlock()

	if !ok || len(listeners) == 0 {
		return
	}

	for _, item := range listeners {
		if item.listener.IsAsync() {
			m.wg.Add(1)
			go func(currentItem *listenerWithPriority) {
				defer m.wg.Done()
				if err := currentItem.listener.OnEvent(ctx, event); err != nil {
					m.logger.Error("Error from asynchronous hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
				}
			}(item)
		} else {
			if err := item.listener.OnEvent(ctx, event); err != nil {
				m.logger.Error("Error from hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
		}
	}
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultManager) Stop() {
	m.wg.Wait()
}
