package messaging

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPublishFailed is matched by every error returned from Publish
	ErrPublishFailed = errors.New("messaging: publish failed")
	// ErrDisposed is returned by operations on a disposed bus
	ErrDisposed = errors.New("messaging: event bus disposed")
	// ErrNilEvent is returned when publishing a nil event
	ErrNilEvent = errors.New("messaging: event cannot be nil")
	// ErrHandlerPanic wraps a recovered handler panic
	ErrHandlerPanic = errors.New("messaging: handler panicked")
)

// PublishError describes a publish that did not reach the broker
type PublishError struct {
	EventName string
	EventID   string
	Attempts  int
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("could not publish event %s (%s) after %d attempt(s): %v", e.EventID, e.EventName, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Is reports ErrPublishFailed as a match
func (e *PublishError) Is(target error) bool {
	return target == ErrPublishFailed
}

// HandlerError is the failure of one handler of a delivery
type HandlerError struct {
	Handler string
	Err     error
}

func (e HandlerError) Error() string {
	return fmt.Sprintf("%s: %v", e.Handler, e.Err)
}

func (e HandlerError) Unwrap() error {
	return e.Err
}

// DispatchError collects the handler failures of a delivery
type DispatchError struct {
	EventName   string
	DeliveryTag uint64
	Errors      []HandlerError
}

func (e *DispatchError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, he := range e.Errors {
		parts[i] = he.Error()
	}
	return fmt.Sprintf("dispatch of %s failed in %d handler(s): %s", e.EventName, len(e.Errors), strings.Join(parts, "; "))
}

func (e *DispatchError) Unwrap() []error {
	errs := make([]error, len(e.Errors))
	for i, he := range e.Errors {
		errs[i] = he
	}
	return errs
}
