package subscription

import (
	"context"
	"fmt"
	"reflect"

	"github.com/glimte/eventbus-go/contracts"
)

// EventType tells the bus how to decode a delivery for an event name
type EventType struct {
	Name string
	// New returns a fresh pointer to decode a body into
	New func() any
	// Value unwraps what New returned after decoding
	Value func(decoded any) contracts.Event
}

// TypeOf returns the EventType of E
func TypeOf[E contracts.Event]() EventType {
	return EventType{
		Name: contracts.NameFor[E](),
		New: func() any {
			return new(E)
		},
		Value: func(decoded any) contracts.Event {
			return *decoded.(*E)
		},
	}
}

// HandlerDescriptor identifies a handler subscribed to one event name
type HandlerDescriptor struct {
	// Name identifies the handler within its event name
	Name      string
	EventName string
	EventType EventType
	// New creates the handler instance invoked for one delivery
	New func() contracts.EventHandler
}

// Validate checks that the descriptor can be registered
func (d HandlerDescriptor) Validate() error {
	switch {
	case d.New == nil:
		return fmt.Errorf("%w: missing handler factory", ErrInvalidHandler)
	case d.Name == "":
		return fmt.Errorf("%w: missing handler name", ErrInvalidHandler)
	case d.EventName == "":
		return fmt.Errorf("%w: missing event name", ErrInvalidHandler)
	case d.EventType.New == nil || d.EventType.Value == nil:
		return fmt.Errorf("%w: missing event type for '%s'", ErrInvalidHandler, d.EventName)
	}
	return nil
}

// Typed describes a handler of events of type E. The event name and handler
// name are derived once from E and H.
func Typed[E contracts.Event, H contracts.Handler[E]](newHandler func() H) HandlerDescriptor {
	et := TypeOf[E]()
	return HandlerDescriptor{
		Name:      HandlerName(reflect.TypeOf((*H)(nil)).Elem()),
		EventName: et.Name,
		EventType: et,
		New: func() contracts.EventHandler {
			return Adapt[E](newHandler())
		},
	}
}

// Of describes an untyped handler instance. It receives events routed as
// contracts.DefaultEventName, decoded as *contracts.BaseEvent.
func Of(handler any) (HandlerDescriptor, error) {
	h, ok := handler.(contracts.EventHandler)
	if !ok || h == nil {
		return HandlerDescriptor{}, fmt.Errorf("%w: %T", ErrNotEventHandler, handler)
	}

	et := TypeOf[*contracts.BaseEvent]()
	return HandlerDescriptor{
		Name:      HandlerName(reflect.TypeOf(handler)),
		EventName: et.Name,
		EventType: et,
		New: func() contracts.EventHandler {
			return h
		},
	}, nil
}

// Raw describes a handler receiving *contracts.RawEvent bodies routed as eventName
func Raw(eventName, handlerName string, handler contracts.EventHandler) HandlerDescriptor {
	return HandlerDescriptor{
		Name:      handlerName,
		EventName: eventName,
		EventType: EventType{
			Name: eventName,
			New: func() any {
				return new(contracts.RawEvent)
			},
			Value: func(decoded any) contracts.Event {
				e := decoded.(*contracts.RawEvent)
				if e.Name == "" {
					e.Name = eventName
				}
				return e
			},
		},
		New: func() contracts.EventHandler {
			return handler
		},
	}
}

// HandlerName returns the package qualified name of a handler type
func HandlerName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" || t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// Adapt turns a typed handler into a contracts.EventHandler
func Adapt[E contracts.Event](h contracts.Handler[E]) contracts.EventHandler {
	return typedHandler[E]{handler: h}
}

type typedHandler[E contracts.Event] struct {
	handler contracts.Handler[E]
}

func (t typedHandler[E]) HandleEvent(ctx context.Context, event contracts.Event) error {
	e, ok := event.(E)
	if !ok {
		return fmt.Errorf("%w: %s cannot handle %T", ErrEventTypeMismatch, HandlerName(reflect.TypeOf(t.handler)), event)
	}
	return t.handler.Handle(ctx, e)
}
