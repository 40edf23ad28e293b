package messaging

import (
	"sync"
	"sync/atomic"

	"github.com/glimte/eventbus-go/internal/rabbitmq"
	"github.com/glimte/eventbus-go/internal/reliability"
	"github.com/glimte/eventbus-go/serialization"
	"github.com/glimte/eventbus-go/subscription"
	"github.com/sirupsen/logrus"
)

const (
	DefaultExchange          = "eventbus"
	DefaultQueue             = "eventbus"
	DefaultPublishRetryCount = 5
	DefaultPrefetchCount     = 10
)

// EventBus publishes events to a direct exchange and dispatches the
// deliveries of its durable queue to the subscribed handlers.
type EventBus struct {
	conn       PersistentConnection
	subs       subscription.Manager
	logger     logrus.Ext1FieldLogger
	serializer serialization.Serializer
	resolver   Resolver
	metrics    MetricsCollector
	sleep      reliability.Sleeper

	exchange           string
	queue              string
	deadLetterExchange string
	publishRetryCount  int
	prefetchCount      int

	// subMu serializes every registry access
	subMu sync.Mutex

	consumerMu  sync.Mutex
	consumerCh  rabbitmq.Channel
	consumerTag string
	consuming   bool

	disposed atomic.Bool
}

// EventBusOption configures the EventBus
type EventBusOption func(*EventBus)

// WithLogger sets the logger
func WithLogger(logger logrus.Ext1FieldLogger) EventBusOption {
	return func(b *EventBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithExchange sets the exchange events are published to
func WithExchange(name string) EventBusOption {
	return func(b *EventBus) {
		if name != "" {
			b.exchange = name
		}
	}
}

// WithQueue sets the durable queue subscriptions bind to
func WithQueue(name string) EventBusOption {
	return func(b *EventBus) {
		if name != "" {
			b.queue = name
		}
	}
}

// WithPublishRetryCount sets the number of publish attempts
func WithPublishRetryCount(count int) EventBusOption {
	return func(b *EventBus) {
		if count > 0 {
			b.publishRetryCount = count
		}
	}
}

// WithSerializer sets the event body serializer
func WithSerializer(s serialization.Serializer) EventBusOption {
	return func(b *EventBus) {
		if s != nil {
			b.serializer = s
		}
	}
}

// WithResolver sets how handler instances are obtained per delivery
func WithResolver(r Resolver) EventBusOption {
	return func(b *EventBus) {
		if r != nil {
			b.resolver = r
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m MetricsCollector) EventBusOption {
	return func(b *EventBus) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithPrefetchCount sets the consumer channel prefetch; 0 leaves it unlimited
func WithPrefetchCount(count int) EventBusOption {
	return func(b *EventBus) {
		if count >= 0 {
			b.prefetchCount = count
		}
	}
}

// WithDeadLetterExchange routes deliveries whose handlers failed to the
// named exchange before they are acknowledged
func WithDeadLetterExchange(name string) EventBusOption {
	return func(b *EventBus) {
		b.deadLetterExchange = name
	}
}

// WithSleeper replaces the wait between publish attempts
func WithSleeper(sleep reliability.Sleeper) EventBusOption {
	return func(b *EventBus) {
		if sleep != nil {
			b.sleep = sleep
		}
	}
}

// NewEventBus creates an event bus over conn and subs. The consumer channel
// is created now when conn is connected, otherwise on the first Subscribe.
func NewEventBus(conn PersistentConnection, subs subscription.Manager, options ...EventBusOption) *EventBus {
	b := &EventBus{
		conn:              conn,
		subs:              subs,
		logger:            logrus.StandardLogger(),
		serializer:        serialization.NewJSONSerializer(),
		resolver:          FactoryResolver{},
		metrics:           &NoOpMetricsCollector{},
		sleep:             reliability.Sleep,
		exchange:          DefaultExchange,
		queue:             DefaultQueue,
		publishRetryCount: DefaultPublishRetryCount,
		prefetchCount:     DefaultPrefetchCount,
	}

	for _, opt := range options {
		opt(b)
	}

	b.subs.OnEventRemoved(b.onEventRemoved)

	b.consumerMu.Lock()
	if err := b.createConsumerChannelLocked(); err != nil {
		b.logger.WithError(err).Debug("RabbitMQ consumer channel not created yet")
	}
	b.consumerMu.Unlock()

	return b
}

// Exchange returns the exchange name
func (b *EventBus) Exchange() string {
	return b.exchange
}

// Queue returns the queue name
func (b *EventBus) Queue() string {
	return b.queue
}

// IsConsuming reports whether a consumer is attached to an open channel
func (b *EventBus) IsConsuming() bool {
	b.consumerMu.Lock()
	defer b.consumerMu.Unlock()
	return b.consumerHealthyLocked()
}

// EventNames returns the subscribed event names
func (b *EventBus) EventNames() []string {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	return b.subs.EventNames()
}

// Dispose closes the consumer channel and clears the registry. In-flight
// handlers are not cancelled. It is idempotent.
func (b *EventBus) Dispose() error {
	if !b.disposed.CompareAndSwap(false, true) {
		return nil
	}

	b.consumerMu.Lock()
	ch := b.consumerCh
	b.consumerCh = nil
	b.consuming = false
	b.consumerMu.Unlock()

	if ch != nil && !ch.IsClosed() {
		if err := ch.Close(); err != nil {
			b.logger.WithError(err).Error("An error occurred closing the RabbitMQ consumer channel")
		}
	}

	b.subMu.Lock()
	b.subs.Clear()
	b.subMu.Unlock()

	return nil
}

// OnConnected restores bindings and the consumer after a reconnect. Binding
// is idempotent, so it runs even when the consumer restarted on its own.
func (b *EventBus) OnConnected() {
	if b.disposed.Load() {
		return
	}

	if err := b.restoreConsumer(); err != nil {
		b.logger.WithError(err).Warn("Could not restore RabbitMQ consumer after reconnect")
	}
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (b *EventBus) OnDisconnected(err error) {
	b.logger.WithError(err).Debug("RabbitMQ connection lost")
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (b *EventBus) OnReconnecting(attempt int) {}

var _ rabbitmq.ConnectionStateListener = (*EventBus)(nil)
