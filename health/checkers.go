package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/eventbus-go/internal/rabbitmq"
	"github.com/sirupsen/logrus"
)

// ChannelSource is the part of the connection manager the broker check uses
type ChannelSource interface {
	IsConnected() bool
	CreateChannel() (rabbitmq.Channel, error)
}

// BrokerChecker checks that the broker is reachable and the bus exchange exists
type BrokerChecker struct {
	conn     ChannelSource
	exchange string
	logger   logrus.FieldLogger
}

// NewBrokerChecker creates a new broker health checker
func NewBrokerChecker(conn ChannelSource, exchange string, logger logrus.FieldLogger) *BrokerChecker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &BrokerChecker{
		conn:     conn,
		exchange: exchange,
		logger:   logger,
	}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"exchange": c.exchange},
	}

	if !c.conn.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
		result.Duration = time.Since(start)
		return result
	}

	ch, err := c.conn.CreateChannel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to create channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer ch.Close()

	// a failed passive declare closes the channel, never the connection
	ex := rabbitmq.BusExchange(c.exchange)
	if err := ch.ExchangeDeclarePassive(ex.Name, ex.Type, ex.Durable, ex.AutoDelete, false, false, nil); err != nil {
		c.logger.WithError(err).WithField("exchange", c.exchange).Debug("Passive exchange declare failed")
		result.Status = StatusDegraded
		result.Message = "Exchange check failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// ConsumerSource is the part of the event bus the subscription check uses
type ConsumerSource interface {
	IsConsuming() bool
	EventNames() []string
	Queue() string
}

// SubscriptionChecker reports whether subscriptions have a running consumer
type SubscriptionChecker struct {
	bus ConsumerSource
}

// NewSubscriptionChecker creates a new subscription health checker
func NewSubscriptionChecker(bus ConsumerSource) *SubscriptionChecker {
	return &SubscriptionChecker{bus: bus}
}

func (c *SubscriptionChecker) Name() string {
	return "subscriptions"
}

func (c *SubscriptionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	names := c.bus.EventNames()
	consuming := c.bus.IsConsuming()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"queue":       c.bus.Queue(),
			"event_names": names,
			"consuming":   consuming,
		},
	}

	switch {
	case len(names) == 0:
		result.Status = StatusHealthy
		result.Message = "No subscriptions"
	case consuming:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Consuming %d event names", len(names))
	default:
		result.Status = StatusDegraded
		result.Message = "Subscriptions exist but no consumer is running"
	}

	result.Duration = time.Since(start)
	return result
}

const (
	DefaultGoroutineWarning  = 1000
	DefaultGoroutineCritical = 10000
)

// GoroutineChecker flags goroutine counts that suggest leaked consumers or
// stuck handlers
type GoroutineChecker struct {
	warning  int
	critical int
	count    func() int
}

// NewGoroutineChecker creates a checker with the given thresholds
func NewGoroutineChecker(warning, critical int) *GoroutineChecker {
	return &GoroutineChecker{warning: warning, critical: critical, count: runtime.NumGoroutine}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	goroutines := c.count()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"goroutines": goroutines,
			"warning":    c.warning,
			"critical":   c.critical,
		},
	}

	switch {
	case goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%d goroutines, above %d", goroutines, c.critical)
	case goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d goroutines, above %d", goroutines, c.warning)
	default:
		result.Status = StatusHealthy
	}

	result.Duration = time.Since(start)
	return result
}
