// Package rabbitmqtest provides an in-memory broker satisfying the rabbitmq
// Dialer, Connection and Channel interfaces. It routes publishes through
// direct-exchange bindings to consumers and records every call for assertions.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/eventbus-go/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDialRefused is the default error returned by failed dials
var ErrDialRefused = &amqp.Error{Code: amqp.ConnectionForced, Reason: "connection refused", Recover: true}

// Message is a recorded publish
type Message struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Publishing amqp.Publishing
}

// Exchange is a recorded exchange declaration
type Exchange struct {
	Name    string
	Kind    string
	Durable bool
}

// bindingKey identifies a binding; rabbitmq.Binding carries a table and is
// not comparable
type bindingKey struct {
	queue    string
	exchange string
	key      string
}

func keyOf(b rabbitmq.Binding) bindingKey {
	return bindingKey{queue: b.Queue, exchange: b.Exchange, key: b.RoutingKey}
}

type consumer struct {
	tag        string
	channel    *Channel
	deliveries chan amqp.Delivery
}

// Broker is a fake RabbitMQ broker. The zero value is not usable; call NewBroker.
type Broker struct {
	mu sync.Mutex

	exchanges map[string]Exchange
	queues    map[string]bool // durable flag
	backlog   map[string][]amqp.Delivery
	bindings  map[bindingKey]rabbitmq.Binding
	consumers map[string][]*consumer

	bindHistory   []rabbitmq.Binding
	unbindHistory []rabbitmq.Binding
	published     []Message
	acks          []uint64
	nextTag       uint64

	dials        int
	dialFailures int
	dialErr      error
	connections  []*Connection

	publishFailures int
	publishErr      error
	bindErr         error
	channelErr      error
	closedChannels  int
}

// NewBroker creates an empty fake broker
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]Exchange),
		queues:    make(map[string]bool),
		backlog:   make(map[string][]amqp.Delivery),
		bindings:  make(map[bindingKey]rabbitmq.Binding),
		consumers: make(map[string][]*consumer),
		dialErr:   ErrDialRefused,
	}
}

var _ rabbitmq.Dialer = (*Broker)(nil)

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(ctx context.Context) (rabbitmq.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialFailures != 0 {
		if b.dialFailures > 0 {
			b.dialFailures--
		}
		return nil, b.dialErr
	}

	conn := &Connection{broker: b}
	b.connections = append(b.connections, conn)
	return conn, nil
}

// FailDials makes the next n dials fail with err; n < 0 fails every dial.
// A nil err keeps ErrDialRefused.
func (b *Broker) FailDials(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialFailures = n
	if err != nil {
		b.dialErr = err
	}
}

// FailPublishes makes the next n publishes fail with err
func (b *Broker) FailPublishes(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishFailures = n
	b.publishErr = err
}

// FailBinds makes every bind fail with err until reset with nil
func (b *Broker) FailBinds(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindErr = err
}

// FailChannels makes opening channels fail with err until reset with nil
func (b *Broker) FailChannels(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channelErr = err
}

// Dials returns the number of dial attempts
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Connections returns every connection handed out
func (b *Broker) Connections() []*Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Connection(nil), b.connections...)
}

// LastConnection returns the most recent connection or nil
func (b *Broker) LastConnection() *Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.connections) == 0 {
		return nil
	}
	return b.connections[len(b.connections)-1]
}

// Exchange returns a declared exchange
func (b *Broker) Exchange(name string) (Exchange, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	return ex, ok
}

// QueueDurable reports whether queue was declared and whether it is durable
func (b *Broker) QueueDurable(name string) (durable, declared bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	durable, declared = b.queues[name]
	return durable, declared
}

// IsBound reports whether queue is bound to exchange with key
func (b *Broker) IsBound(queue, exchange, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.bindings[bindingKey{queue: queue, exchange: exchange, key: key}]
	return ok
}

// BindHistory returns every successful bind in call order
func (b *Broker) BindHistory() []rabbitmq.Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]rabbitmq.Binding(nil), b.bindHistory...)
}

// UnbindHistory returns every unbind in call order
func (b *Broker) UnbindHistory() []rabbitmq.Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]rabbitmq.Binding(nil), b.unbindHistory...)
}

// Published returns every accepted publish in call order
func (b *Broker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// PublishedTo returns the accepted publishes sent to exchange
func (b *Broker) PublishedTo(exchange string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message
	for _, m := range b.published {
		if m.Exchange == exchange {
			out = append(out, m)
		}
	}
	return out
}

// Acks returns acknowledged delivery tags in ack order
func (b *Broker) Acks() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.acks...)
}

// Consumers returns the number of active consumers on queue
func (b *Broker) Consumers(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.consumers[queue])
}

// ClosedChannels returns how many channels were closed by clients
func (b *Broker) ClosedChannels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closedChannels
}

// Deliver places a message on queue as if it had been routed with key
func (b *Broker) Deliver(queue, key string, msg amqp.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueueLocked(queue, "", key, msg)
}

// ShutdownConsumers closes the consumer channels of queue with a server error
func (b *Broker) ShutdownConsumers(queue string, reason string) {
	b.mu.Lock()
	var channels []*Channel
	for _, c := range b.consumers[queue] {
		channels = append(channels, c.channel)
	}
	b.mu.Unlock()

	for _, ch := range channels {
		ch.serverClose(&amqp.Error{Code: amqp.InternalError, Reason: reason, Server: true, Recover: true})
	}
}

// CancelConsumers ends the consumers of queue with a basic.cancel, leaving
// their channels open
func (b *Broker) CancelConsumers(queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.consumers[queue] {
		close(c.deliveries)
	}
	delete(b.consumers, queue)
}

func (b *Broker) enqueueLocked(queue, exchange, key string, msg amqp.Publishing) {
	b.nextTag++
	d := amqp.Delivery{
		Headers:       msg.Headers,
		ContentType:   msg.ContentType,
		DeliveryMode:  msg.DeliveryMode,
		CorrelationId: msg.CorrelationId,
		MessageId:     msg.MessageId,
		Timestamp:     msg.Timestamp,
		Type:          msg.Type,
		DeliveryTag:   b.nextTag,
		Exchange:      exchange,
		RoutingKey:    key,
		Body:          msg.Body,
	}

	consumers := b.consumers[queue]
	if len(consumers) == 0 {
		b.backlog[queue] = append(b.backlog[queue], d)
		return
	}

	c := consumers[0]
	// rotate for round-robin
	b.consumers[queue] = append(consumers[1:], c)
	d.Acknowledger = c.channel
	d.ConsumerTag = c.tag
	c.deliveries <- d
}

func (b *Broker) removeConsumersLocked(ch *Channel) {
	for queue, consumers := range b.consumers {
		kept := consumers[:0]
		for _, c := range consumers {
			if c.channel == ch {
				close(c.deliveries)
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(b.consumers, queue)
		} else {
			b.consumers[queue] = kept
		}
	}
}

// Connection is a fake broker connection
type Connection struct {
	broker *Broker

	mu       sync.Mutex
	closed   bool
	channels []*Channel
	closers  []chan *amqp.Error
	blockers []chan amqp.Blocking
}

var _ rabbitmq.Connection = (*Connection)(nil)

// Channel implements rabbitmq.Connection
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	c.broker.mu.Lock()
	err := c.broker.channelErr
	c.broker.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}

	ch := &Channel{broker: c.broker, conn: c}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// Channels returns every channel opened on the connection, closed ones included
func (c *Connection) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Channel(nil), c.channels...)
}

// OpenChannels returns the channels that are still open
func (c *Connection) OpenChannels() []*Channel {
	var open []*Channel
	for _, ch := range c.Channels() {
		if !ch.IsClosed() {
			open = append(open, ch)
		}
	}
	return open
}

// IsClosed implements rabbitmq.Connection
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close implements rabbitmq.Connection
func (c *Connection) Close() error {
	return c.shutdown(nil)
}

// NotifyClose implements rabbitmq.Connection
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.closers = append(c.closers, receiver)
	return receiver
}

// NotifyBlocked implements rabbitmq.Connection
func (c *Connection) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.blockers = append(c.blockers, receiver)
	return receiver
}

// Shutdown simulates a server initiated connection close
func (c *Connection) Shutdown(reason string) {
	_ = c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: reason, Server: true, Recover: true})
}

// Block simulates a connection.blocked notification
func (c *Connection) Block(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.blockers {
		select {
		case r <- amqp.Blocking{Active: true, Reason: reason}:
		default:
		}
	}
}

func (c *Connection) shutdown(cause *amqp.Error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	channels := c.channels
	closers := c.closers
	blockers := c.blockers
	c.channels, c.closers, c.blockers = nil, nil, nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.closeWith(cause, false)
	}

	for _, r := range closers {
		if cause != nil {
			select {
			case r <- cause:
			default:
			}
		}
		close(r)
	}
	for _, r := range blockers {
		close(r)
	}
	return nil
}

// Channel is a fake AMQP channel
type Channel struct {
	broker *Broker
	conn   *Connection

	mu       sync.Mutex
	closed   bool
	prefetch int
	closers  []chan *amqp.Error
}

var (
	_ rabbitmq.Channel  = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)

// Prefetch returns the prefetch count set through Qos
func (ch *Channel) Prefetch() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.prefetch
}

func (ch *Channel) checkOpen() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	return nil
}

// ExchangeDeclare implements rabbitmq.Channel
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}

	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if existing, ok := ch.broker.exchanges[name]; ok && (existing.Kind != kind || existing.Durable != durable) {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for exchange '%s'", name)}
	}
	ch.broker.exchanges[name] = Exchange{Name: name, Kind: kind, Durable: durable}
	return nil
}

// ExchangeDeclarePassive implements rabbitmq.Channel
func (ch *Channel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}

	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if _, ok := ch.broker.exchanges[name]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", name)}
	}
	return nil
}

// QueueDeclare implements rabbitmq.Channel
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if err := ch.checkOpen(); err != nil {
		return amqp.Queue{}, err
	}

	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.queues[name] = durable
	return amqp.Queue{
		Name:      name,
		Messages:  len(ch.broker.backlog[name]),
		Consumers: len(ch.broker.consumers[name]),
	}, nil
}

// QueueBind implements rabbitmq.Channel
func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}

	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.broker.bindErr != nil {
		return ch.broker.bindErr
	}
	binding := rabbitmq.Binding{Queue: name, Exchange: exchange, RoutingKey: key}
	ch.broker.bindings[keyOf(binding)] = binding
	ch.broker.bindHistory = append(ch.broker.bindHistory, binding)
	return nil
}

// QueueUnbind implements rabbitmq.Channel
func (ch *Channel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}

	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	binding := rabbitmq.Binding{Queue: name, Exchange: exchange, RoutingKey: key}
	delete(ch.broker.bindings, keyOf(binding))
	ch.broker.unbindHistory = append(ch.broker.unbindHistory, binding)
	return nil
}

// Qos implements rabbitmq.Channel
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// PublishWithContext implements rabbitmq.Channel
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ch.checkOpen(); err != nil {
		return err
	}

	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.broker.publishFailures > 0 {
		ch.broker.publishFailures--
		return ch.broker.publishErr
	}

	if exchange != "" {
		if _, ok := ch.broker.exchanges[exchange]; !ok {
			return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange)}
		}
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	ch.broker.published = append(ch.broker.published, Message{
		Exchange:   exchange,
		RoutingKey: key,
		Mandatory:  mandatory,
		Publishing: msg,
	})

	for _, binding := range ch.broker.bindings {
		if binding.Exchange == exchange && binding.RoutingKey == key {
			ch.broker.enqueueLocked(binding.Queue, exchange, key, msg)
		}
	}
	return nil
}

// Consume implements rabbitmq.Channel
func (ch *Channel) Consume(queue, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if err := ch.checkOpen(); err != nil {
		return nil, err
	}

	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if _, ok := ch.broker.queues[queue]; !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queue)}
	}

	c := &consumer{tag: consumerTag, channel: ch, deliveries: make(chan amqp.Delivery, 1024)}
	ch.broker.consumers[queue] = append(ch.broker.consumers[queue], c)

	backlog := ch.broker.backlog[queue]
	delete(ch.broker.backlog, queue)
	for _, d := range backlog {
		d.Acknowledger = ch
		d.ConsumerTag = consumerTag
		c.deliveries <- d
	}

	return c.deliveries, nil
}

// Ack implements rabbitmq.Channel and amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}

	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.acks = append(ch.broker.acks, tag)
	return nil
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return errors.New("rabbitmqtest: nack is not supported")
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return errors.New("rabbitmqtest: reject is not supported")
}

// NotifyClose implements rabbitmq.Channel
func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.closers = append(ch.closers, receiver)
	return receiver
}

// IsClosed implements rabbitmq.Channel
func (ch *Channel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// Close implements rabbitmq.Channel
func (ch *Channel) Close() error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	ch.closeWith(nil, true)
	return nil
}

func (ch *Channel) serverClose(cause *amqp.Error) {
	ch.closeWith(cause, false)
}

// closeWith delivers cause to close listeners before closing them, matching
// amqp091 ordering: NotifyClose receivers get the error before deliveries end.
func (ch *Channel) closeWith(cause *amqp.Error, byClient bool) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	closers := ch.closers
	ch.closers = nil
	ch.mu.Unlock()

	for _, r := range closers {
		if cause != nil {
			select {
			case r <- cause:
			default:
			}
		}
		close(r)
	}

	ch.broker.mu.Lock()
	ch.broker.removeConsumersLocked(ch)
	if byClient {
		ch.broker.closedChannels++
	}
	ch.broker.mu.Unlock()
}
