package messaging

import (
	"context"
	"fmt"

	"github.com/glimte/eventbus-go/internal/rabbitmq"
	"github.com/glimte/eventbus-go/subscription"
	"github.com/sirupsen/logrus"
)

// Subscribe registers d. The first handler of an event name binds the queue
// to the exchange with the event name as routing key. The consumer is
// started once a subscription exists.
func (b *EventBus) Subscribe(ctx context.Context, d subscription.HandlerDescriptor) error {
	if b.disposed.Load() {
		return ErrDisposed
	}
	if err := d.Validate(); err != nil {
		return &subscription.SubscriptionError{Op: "subscribe", EventName: d.EventName, Handler: d.Name, Err: err}
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()

	logger := b.logger.WithFields(logrus.Fields{
		"eventName": d.EventName,
		"handler":   d.Name,
		"queue":     b.queue,
	})

	if !b.subs.HasSubscriptions(d.EventName) {
		if !b.conn.IsConnected() {
			b.conn.TryConnect(ctx)
		}
		if err := b.bindAll([]string{d.EventName}); err != nil {
			return err
		}
	}

	if err := b.subs.Subscribe(d); err != nil {
		return err
	}
	logger.Infof("Subscribing to event %s with %s", d.EventName, d.Name)

	if err := b.startConsume(); err != nil {
		logger.WithError(err).Error("Could not start consuming; the consumer will start after reconnecting")
	}
	return nil
}

// Unsubscribe removes d. Unbinding and stopping the consumer follow from the
// registry's event removed notification.
func (b *EventBus) Unsubscribe(ctx context.Context, d subscription.HandlerDescriptor) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.logger.WithFields(logrus.Fields{
		"eventName": d.EventName,
		"handler":   d.Name,
	}).Info("Unsubscribing from event")
	b.subs.Unsubscribe(d)
}

// bindAll declares the bus topology on a transient channel and binds the
// queue for each event name. b.subMu must be held.
func (b *EventBus) bindAll(eventNames []string) error {
	ch, err := b.conn.CreateChannel()
	if err != nil {
		return fmt.Errorf("bind %v: %w", eventNames, err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, rabbitmq.NewBusTopology(b.exchange, b.queue, "")); err != nil {
		return err
	}

	for _, name := range eventNames {
		b.logger.WithFields(logrus.Fields{"eventName": name, "queue": b.queue}).Trace("Binding RabbitMQ queue")
		err := rabbitmq.BindQueue(ch, rabbitmq.Binding{
			Queue:      b.queue,
			Exchange:   b.exchange,
			RoutingKey: name,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// onEventRemoved runs inside registry.Unsubscribe, so b.subMu is held
func (b *EventBus) onEventRemoved(eventName string) {
	logger := b.logger.WithFields(logrus.Fields{"eventName": eventName, "queue": b.queue})

	// connecting here would hold subMu through the whole backoff. The stale
	// binding stays and its deliveries are acked as unsubscribed.
	if !b.conn.IsConnected() {
		logger.Debug("RabbitMQ connection unavailable; skipping unbind")
	} else if ch, err := b.conn.CreateChannel(); err != nil {
		logger.WithError(err).Warn("Could not unbind RabbitMQ queue")
	} else {
		err := rabbitmq.UnbindQueue(ch, rabbitmq.Binding{
			Queue:      b.queue,
			Exchange:   b.exchange,
			RoutingKey: eventName,
		})
		if err != nil {
			logger.WithError(err).Warn("Could not unbind RabbitMQ queue")
		}
		_ = ch.Close()
	}

	if b.subs.IsEmpty() {
		logger.Debug("No subscriptions left; closing the RabbitMQ consumer channel")
		b.stopConsume()
	}
}
