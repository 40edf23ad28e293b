package contracts

import (
	"context"
	"reflect"
	"time"
)

// DefaultEventName is the routing name of events that carry no type of their own
const DefaultEventName = "Event"

// Event represents something that has happened
type Event interface {
	GetID() string
	GetCreationDate() time.Time
}

// Named lets an event type choose its routing name instead of its Go type name
type Named interface {
	EventName() string
}

// EventHandler handles decoded events of any type
type EventHandler interface {
	HandleEvent(ctx context.Context, event Event) error
}

// Handler handles events of type E
type Handler[E Event] interface {
	Handle(ctx context.Context, event E) error
}

// EventHandlerFunc adapts a function to EventHandler
type EventHandlerFunc func(ctx context.Context, event Event) error

// HandleEvent implements EventHandler
func (f EventHandlerFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NameOf returns the routing name of an event value: its EventName when it
// implements Named, otherwise its type name with pointers stripped.
func NameOf(event Event) string {
	if event == nil {
		return DefaultEventName
	}

	v := reflect.ValueOf(event)
	if v.Kind() == reflect.Pointer && v.IsNil() {
		return NameOfType(v.Type())
	}

	if n, ok := event.(Named); ok {
		if name := n.EventName(); name != "" {
			return name
		}
	}
	return typeName(v.Type())
}

// NameFor returns the routing name of event type E
func NameFor[E Event]() string {
	return NameOfType(reflect.TypeOf((*E)(nil)).Elem())
}

// NameOfType returns the routing name of an event type. Named is consulted on
// a zero value of the base type.
func NameOfType(t reflect.Type) string {
	base := t
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}

	if n, ok := reflect.New(base).Interface().(Named); ok {
		if name := n.EventName(); name != "" {
			return name
		}
	}
	return typeName(base)
}

var baseEventType = reflect.TypeOf(BaseEvent{})

func typeName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == baseEventType || t.Name() == "" || t.Kind() == reflect.Interface {
		return DefaultEventName
	}
	return t.Name()
}
