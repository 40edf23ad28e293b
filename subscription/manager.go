package subscription

import (
	"sort"
)

// Manager maps event names to the handlers subscribed to them
type Manager interface {
	Subscribe(d HandlerDescriptor) error
	Unsubscribe(d HandlerDescriptor)
	HasSubscriptions(eventName string) bool
	GetHandlers(eventName string) ([]HandlerDescriptor, error)
	GetEventType(eventName string) (EventType, bool)
	Clear()
	IsEmpty() bool
	EventNames() []string
	// OnEventRemoved registers fn to run when the last handler of an event is removed
	OnEventRemoved(fn func(eventName string))
}

// InMemoryManager is the default Manager.
// It is not safe for concurrent use; callers serialize access.
type InMemoryManager struct {
	handlers   map[string][]HandlerDescriptor
	eventTypes map[string]EventType
	listeners  []func(eventName string)
}

var _ Manager = (*InMemoryManager)(nil)

// NewInMemoryManager creates an empty registry
func NewInMemoryManager() *InMemoryManager {
	return &InMemoryManager{
		handlers:   make(map[string][]HandlerDescriptor),
		eventTypes: make(map[string]EventType),
	}
}

// Subscribe registers d under its event name
func (m *InMemoryManager) Subscribe(d HandlerDescriptor) error {
	if err := d.Validate(); err != nil {
		return &SubscriptionError{Op: "subscribe", EventName: d.EventName, Handler: d.Name, Err: err}
	}

	bucket, exists := m.handlers[d.EventName]
	for _, existing := range bucket {
		if existing.Name == d.Name {
			return &SubscriptionError{Op: "subscribe", EventName: d.EventName, Handler: d.Name, Err: ErrDuplicateSubscription}
		}
	}

	if !exists {
		m.eventTypes[d.EventName] = d.EventType
	}
	m.handlers[d.EventName] = append(bucket, d)
	return nil
}

// Unsubscribe removes d. Unknown events and handlers are ignored.
func (m *InMemoryManager) Unsubscribe(d HandlerDescriptor) {
	bucket, ok := m.handlers[d.EventName]
	if !ok {
		return
	}

	idx := -1
	for i, existing := range bucket {
		if existing.Name == d.Name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	remaining := make([]HandlerDescriptor, 0, len(bucket)-1)
	remaining = append(remaining, bucket[:idx]...)
	remaining = append(remaining, bucket[idx+1:]...)

	if len(remaining) > 0 {
		m.handlers[d.EventName] = remaining
		return
	}

	delete(m.handlers, d.EventName)
	delete(m.eventTypes, d.EventName)
	m.raiseOnEventRemoved(d.EventName)
}

// HasSubscriptions reports whether eventName has at least one handler
func (m *InMemoryManager) HasSubscriptions(eventName string) bool {
	_, ok := m.handlers[eventName]
	return ok
}

// GetHandlers returns a copy of the handlers of eventName
func (m *InMemoryManager) GetHandlers(eventName string) ([]HandlerDescriptor, error) {
	bucket, ok := m.handlers[eventName]
	if !ok {
		return nil, &SubscriptionError{Op: "get handlers", EventName: eventName, Err: ErrNotFound}
	}

	out := make([]HandlerDescriptor, len(bucket))
	copy(out, bucket)
	return out, nil
}

// GetEventType returns the decode target registered for eventName
func (m *InMemoryManager) GetEventType(eventName string) (EventType, bool) {
	et, ok := m.eventTypes[eventName]
	return et, ok
}

// Clear removes every subscription without notifying listeners
func (m *InMemoryManager) Clear() {
	m.handlers = make(map[string][]HandlerDescriptor)
	m.eventTypes = make(map[string]EventType)
}

// IsEmpty reports whether no event has handlers
func (m *InMemoryManager) IsEmpty() bool {
	return len(m.handlers) == 0
}

// EventNames returns the subscribed event names in sorted order
func (m *InMemoryManager) EventNames() []string {
	names := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OnEventRemoved implements Manager
func (m *InMemoryManager) OnEventRemoved(fn func(eventName string)) {
	if fn != nil {
		m.listeners = append(m.listeners, fn)
	}
}

func (m *InMemoryManager) raiseOnEventRemoved(eventName string) {
	for _, fn := range m.listeners {
		fn(eventName)
	}
}
