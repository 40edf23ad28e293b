package subscription

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidHandler is returned for descriptors missing a handler factory, name or event type
	ErrInvalidHandler = errors.New("subscription: invalid handler descriptor")
	// ErrNotEventHandler is returned by Of for values that cannot handle events
	ErrNotEventHandler = errors.New("subscription: value does not implement contracts.EventHandler")
	// ErrDuplicateSubscription is returned when a handler is already registered for an event
	ErrDuplicateSubscription = errors.New("subscription: handler already registered")
	// ErrNotFound is returned for event names without subscriptions
	ErrNotFound = errors.New("subscription: no subscriptions for event")
	// ErrEventTypeMismatch is returned when a typed handler receives another event type
	ErrEventTypeMismatch = errors.New("subscription: event type mismatch")
)

// SubscriptionError describes a failed registry operation
type SubscriptionError struct {
	Op        string
	EventName string
	Handler   string
	Err       error
}

func (e *SubscriptionError) Error() string {
	if e.Handler != "" {
		return fmt.Sprintf("%s %s for event '%s': %v", e.Op, e.Handler, e.EventName, e.Err)
	}
	return fmt.Sprintf("%s event '%s': %v", e.Op, e.EventName, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}
