package messaging

import (
	"context"
	"time"

	"github.com/glimte/eventbus-go/internal/rabbitmq"
)

// PersistentConnection is the connection manager surface the bus relies on
type PersistentConnection interface {
	IsConnected() bool
	TryConnect(ctx context.Context) bool
	CreateChannel() (rabbitmq.Channel, error)
	// ReportCallbackException asks the connection to reconnect after a consumer failure
	ReportCallbackException(err error)
}

var _ PersistentConnection = (*rabbitmq.ConnectionManager)(nil)

// MetricsCollector collects event bus metrics
type MetricsCollector interface {
	// RecordPublish records the outcome of a publish including its retries
	RecordPublish(eventName string, duration time.Duration, success bool)

	// RecordPublishRetry records a failed publish attempt that will be retried
	RecordPublishRetry(eventName string, attempt int)

	// RecordDispatch records one handler invocation; err is nil on success
	RecordDispatch(eventName string, handler string, duration time.Duration, err error)

	// RecordDeadLetter records a delivery routed to the dead letter exchange
	RecordDeadLetter(eventName string)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordPublish does nothing
func (n *NoOpMetricsCollector) RecordPublish(eventName string, duration time.Duration, success bool) {}

// RecordPublishRetry does nothing
func (n *NoOpMetricsCollector) RecordPublishRetry(eventName string, attempt int) {}

// RecordDispatch does nothing
func (n *NoOpMetricsCollector) RecordDispatch(eventName string, handler string, duration time.Duration, err error) {
}

// RecordDeadLetter does nothing
func (n *NoOpMetricsCollector) RecordDeadLetter(eventName string) {}
