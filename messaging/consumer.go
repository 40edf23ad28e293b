package messaging

import (
	"fmt"

	"github.com/glimte/eventbus-go/internal/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// createConsumerChannelLocked opens the long-lived consumer channel and
// declares the bus topology on it. b.consumerMu must be held.
func (b *EventBus) createConsumerChannelLocked() error {
	b.logger.Trace("Creating RabbitMQ consumer channel")

	ch, err := b.conn.CreateChannel()
	if err != nil {
		return err
	}

	if err := rabbitmq.DeclareTopology(ch, rabbitmq.NewBusTopology(b.exchange, b.queue, b.deadLetterExchange)); err != nil {
		_ = ch.Close()
		return err
	}

	if b.prefetchCount > 0 {
		if err := ch.Qos(b.prefetchCount, 0, false); err != nil {
			_ = ch.Close()
			return &rabbitmq.ChannelError{Op: "qos", Err: err}
		}
	}

	b.consumerCh = ch
	b.consuming = false
	return nil
}

func (b *EventBus) consumerHealthyLocked() bool {
	return b.consuming && b.consumerCh != nil && !b.consumerCh.IsClosed()
}

// startConsume attaches a consumer to the consumer channel, recreating the
// channel when it is missing or closed. It is a no-op while consuming.
func (b *EventBus) startConsume() error {
	b.consumerMu.Lock()
	defer b.consumerMu.Unlock()

	if b.disposed.Load() {
		return ErrDisposed
	}
	if b.consumerHealthyLocked() {
		return nil
	}

	if b.consumerCh == nil || b.consumerCh.IsClosed() {
		if err := b.createConsumerChannelLocked(); err != nil {
			b.logger.WithError(err).Error("Could not create RabbitMQ consumer channel")
			return err
		}
	}

	b.logger.WithField("queue", b.queue).Trace("Starting RabbitMQ basic consume")

	ch := b.consumerCh
	tag := "eventbus-" + uuid.NewString()
	closes := ch.NotifyClose(make(chan *amqp.Error, 1))
	deliveries, err := ch.Consume(b.queue, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		b.consumerCh = nil
		return &rabbitmq.ChannelError{Op: "consume", Err: err}
	}

	b.consumerTag = tag
	b.consuming = true
	go b.consume(ch, deliveries, closes)
	return nil
}

// stopConsume closes the consumer channel; its consume loop then ends
func (b *EventBus) stopConsume() {
	b.consumerMu.Lock()
	ch := b.consumerCh
	b.consumerCh = nil
	b.consuming = false
	b.consumerMu.Unlock()

	if ch != nil && !ch.IsClosed() {
		if err := ch.Close(); err != nil {
			b.logger.WithError(err).Warn("An error occurred closing the RabbitMQ consumer channel")
		}
	}
}

// consume handles deliveries one at a time until the channel goes away. A
// server side channel close recreates the channel and restarts consuming.
func (b *EventBus) consume(ch rabbitmq.Channel, deliveries <-chan amqp.Delivery, closes <-chan *amqp.Error) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("consumer failure: %v", r)
			b.logger.WithError(err).Error("RabbitMQ consumer stopped unexpectedly")
			b.conn.ReportCallbackException(err)
		}
	}()

	for d := range deliveries {
		b.handleDelivery(ch, d)
	}

	// amqp091 signals close listeners before it closes deliveries
	var closeErr *amqp.Error
	select {
	case closeErr = <-closes:
	default:
	}

	b.consumerMu.Lock()
	current := b.consumerCh == ch
	if current {
		b.consumerCh = nil
		b.consuming = false
	}
	b.consumerMu.Unlock()

	if current && !ch.IsClosed() {
		// consumer cancelled by the broker while the channel stayed open
		_ = ch.Close()
	}

	if !current || b.disposed.Load() {
		return
	}

	logger := b.logger.WithField("queue", b.queue)
	if closeErr != nil {
		logger.WithError(closeErr).Warn("Recreating RabbitMQ consumer channel")
	} else {
		logger.Warn("RabbitMQ consumer cancelled by the broker; restarting")
	}

	if err := b.restoreConsumer(); err != nil {
		logger.WithError(err).Warn("Could not restart RabbitMQ consumer; waiting for reconnect")
	}
}

// restoreConsumer rebinds every subscribed event name and starts the
// consumer when it is not running. Binding is idempotent.
func (b *EventBus) restoreConsumer() error {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	names := b.subs.EventNames()
	if len(names) == 0 {
		return nil
	}

	if err := b.bindAll(names); err != nil {
		return err
	}
	return b.startConsume()
}
