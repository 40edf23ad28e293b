package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the bus relies on.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Ack(tag uint64, multiple bool) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Connection is the subset of *amqp.Connection the connection manager relies on.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking
}

// Dialer opens broker connections
type Dialer interface {
	Dial(ctx context.Context) (Connection, error)
}

// DialerFunc is a function adapter for Dialer
type DialerFunc func(ctx context.Context) (Connection, error)

// Dial implements Dialer
func (f DialerFunc) Dial(ctx context.Context) (Connection, error) {
	return f(ctx)
}

var (
	_ Channel    = (*amqp.Channel)(nil)
	_ Connection = (*amqpConnection)(nil)
)

type amqpConnection struct {
	*amqp.Connection
}

// Channel opens a new AMQP channel
func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

type amqpDialer struct {
	url     string
	timeout time.Duration
}

// NewDialer returns a Dialer backed by amqp091-go
func NewDialer(url string, timeout time.Duration) Dialer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &amqpDialer{url: url, timeout: timeout}
}

// Dial connects to the broker, honouring both ctx and the dial timeout
func (d *amqpDialer) Dial(ctx context.Context) (Connection, error) {
	type result struct {
		conn *amqp.Connection
		err  error
	}

	done := make(chan result, 1)
	go func() {
		conn, err := amqp.DialConfig(d.url, amqp.Config{
			Locale:     "en_US",
			Properties: amqp.Table{"product": "eventbus-go"},
			Dial:       amqp.DefaultDial(d.timeout),
		})
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return &amqpConnection{Connection: r.conn}, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
