// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/eventbus-go/config"
	"github.com/glimte/eventbus-go/contracts"
	"github.com/glimte/eventbus-go/health"
	"github.com/glimte/eventbus-go/internal/rabbitmq"
	"github.com/glimte/eventbus-go/logging"
	"github.com/glimte/eventbus-go/messaging"
	"github.com/glimte/eventbus-go/serialization"
	"github.com/glimte/eventbus-go/subscription"
	"github.com/sirupsen/logrus"
)

// Client wires a persistent broker connection, the subscription registry
// and the event bus together
type Client struct {
	conn   *rabbitmq.ConnectionManager
	subs   *subscription.InMemoryManager
	bus    *messaging.EventBus
	health *health.Registry
	logger logrus.Ext1FieldLogger
}

// NewClient creates a client for the broker at url. It does not connect;
// the first Publish or Subscribe does.
func NewClient(url string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:         logrus.StandardLogger(),
		connectRetries: rabbitmq.DefaultRetryCount,
		timeout:        30 * time.Second,
	}
	for _, opt := range options {
		opt(cfg)
	}

	if url == "" && cfg.dialer == nil {
		return nil, fmt.Errorf("eventbus: broker url is required")
	}

	dialer := cfg.dialer
	if dialer == nil {
		dialer = rabbitmq.NewDialer(url, cfg.timeout)
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cfg.logger),
		rabbitmq.WithRetryCount(cfg.connectRetries),
	}
	busOpts := []messaging.EventBusOption{messaging.WithLogger(cfg.logger)}
	if cfg.sleep != nil {
		connOpts = append(connOpts, rabbitmq.WithSleeper(cfg.sleep))
		busOpts = append(busOpts, messaging.WithSleeper(cfg.sleep))
	}
	busOpts = append(busOpts, cfg.busOptions...)

	conn := rabbitmq.NewConnectionManager(dialer, connOpts...)
	subs := subscription.NewInMemoryManager()
	bus := messaging.NewEventBus(conn, subs, busOpts...)
	conn.AddStateListener(bus)
	for _, listener := range cfg.listeners {
		conn.AddStateListener(listener)
	}

	registry := health.NewRegistry()
	registry.Register(health.NewBrokerChecker(conn, bus.Exchange(), cfg.logger))
	registry.Register(health.NewSubscriptionChecker(bus))
	registry.Register(health.NewGoroutineChecker(health.DefaultGoroutineWarning, health.DefaultGoroutineCritical))
	registry.SetMetadata("exchange", bus.Exchange())
	registry.SetMetadata("queue", bus.Queue())
	if url != "" {
		registry.SetMetadata("broker", rabbitmq.SanitizeURL(url))
	}

	cfg.logger.WithFields(logrus.Fields{
		"exchange": bus.Exchange(),
		"queue":    bus.Queue(),
	}).Debug("Event bus client created")

	return &Client{
		conn:   conn,
		subs:   subs,
		bus:    bus,
		health: registry,
		logger: cfg.logger,
	}, nil
}

// NewClientFromConfig validates cfg and creates a client from it. A logger
// is built from cfg.Log unless one is passed through WithLogger.
func NewClientFromConfig(cfg *config.Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	base := []ClientOption{
		WithLogger(logger),
		WithConnectRetryCount(cfg.ConnectRetries),
		WithConnectionTimeout(cfg.ConnectionTimeout),
		WithBusOptions(
			messaging.WithExchange(cfg.Exchange),
			messaging.WithQueue(cfg.Queue),
			messaging.WithPublishRetryCount(cfg.PublishRetries),
			messaging.WithPrefetchCount(cfg.Prefetch),
			messaging.WithDeadLetterExchange(cfg.DeadLetterExchange),
		),
	}
	return NewClient(cfg.URL, append(base, options...)...)
}

// Publish sends event to the bus exchange
func (c *Client) Publish(ctx context.Context, event contracts.Event) error {
	return c.bus.Publish(ctx, event)
}

// Subscribe registers a handler descriptor
func (c *Client) Subscribe(ctx context.Context, d subscription.HandlerDescriptor) error {
	return c.bus.Subscribe(ctx, d)
}

// Unsubscribe removes a handler descriptor
func (c *Client) Unsubscribe(ctx context.Context, d subscription.HandlerDescriptor) {
	c.bus.Unsubscribe(ctx, d)
}

// IsConnected reports whether the broker connection is open
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// Connect connects eagerly, returning false when retries were exhausted
func (c *Client) Connect(ctx context.Context) bool {
	return c.conn.TryConnect(ctx)
}

// Bus returns the underlying event bus
func (c *Client) Bus() *messaging.EventBus {
	return c.bus
}

// Health returns the health registry with the broker and subscription checks
func (c *Client) Health() *health.Registry {
	return c.health
}

// Close disposes the bus, then the connection. Close errors are logged.
func (c *Client) Close() error {
	if err := c.bus.Dispose(); err != nil {
		c.logger.WithError(err).Error("An error occurred disposing the event bus")
	}
	if err := c.conn.Dispose(); err != nil {
		c.logger.WithError(err).Error("An error occurred disposing the RabbitMQ connection")
	}
	return nil
}

// Subscribe registers a handler of events of type E created by newHandler
func Subscribe[E contracts.Event, H contracts.Handler[E]](ctx context.Context, c *Client, newHandler func() H) error {
	return c.Subscribe(ctx, subscription.Typed[E, H](newHandler))
}

// Unsubscribe removes the handler type H from events of type E
func Unsubscribe[E contracts.Event, H contracts.Handler[E]](ctx context.Context, c *Client) {
	c.Unsubscribe(ctx, subscription.Typed[E, H](nil))
}

// clientConfig holds client configuration
type clientConfig struct {
	logger         logrus.Ext1FieldLogger
	connectRetries int
	timeout        time.Duration
	dialer         rabbitmq.Dialer
	sleep          func(ctx context.Context, d time.Duration) error
	listeners      []rabbitmq.ConnectionStateListener
	busOptions     []messaging.EventBusOption
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger logrus.Ext1FieldLogger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithConnectRetryCount sets the number of connect attempts
func WithConnectRetryCount(count int) ClientOption {
	return func(cfg *clientConfig) {
		if count > 0 {
			cfg.connectRetries = count
		}
	}
}

// WithConnectionTimeout sets the dial timeout
func WithConnectionTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// WithExchange sets the exchange events are published to
func WithExchange(name string) ClientOption {
	return WithBusOptions(messaging.WithExchange(name))
}

// WithQueue sets the queue subscriptions bind to
func WithQueue(name string) ClientOption {
	return WithBusOptions(messaging.WithQueue(name))
}

// WithSerializer sets the event body serializer
func WithSerializer(s serialization.Serializer) ClientOption {
	return WithBusOptions(messaging.WithSerializer(s))
}

// WithMetrics sets the metrics collector. A collector that also tracks
// connection state is registered as a state listener.
func WithMetrics(m messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.busOptions = append(cfg.busOptions, messaging.WithMetrics(m))
		if listener, ok := m.(rabbitmq.ConnectionStateListener); ok {
			cfg.listeners = append(cfg.listeners, listener)
		}
	}
}

// WithBusOptions passes options through to the event bus
func WithBusOptions(options ...messaging.EventBusOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.busOptions = append(cfg.busOptions, options...)
	}
}

// WithStateListener observes connection state changes
func WithStateListener(listener rabbitmq.ConnectionStateListener) ClientOption {
	return func(cfg *clientConfig) {
		cfg.listeners = append(cfg.listeners, listener)
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dialer rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}

// WithSleeper replaces the wait between connect and publish attempts
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(cfg *clientConfig) {
		cfg.sleep = sleep
	}
}
