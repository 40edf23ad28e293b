package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMaxRetriesExceeded matches every *RetryError
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
)

// RetryError represents an exhausted retry operation
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d/%d attempts over %v: %v",
		e.Op, e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// Is reports ErrMaxRetriesExceeded as a match
func (e *RetryError) Is(target error) bool {
	return target == ErrMaxRetriesExceeded
}
