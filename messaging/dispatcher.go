package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/eventbus-go/contracts"
	"github.com/glimte/eventbus-go/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const (
	// HeaderError carries the dispatch failure of a dead-lettered delivery
	HeaderError = "x-eventbus-error"
	// HeaderHandlerErrors carries the number of handlers that failed
	HeaderHandlerErrors = "x-eventbus-handler-errors"
)

// handleDelivery dispatches d to its handler group and acknowledges it once
// every handler has completed or failed.
func (b *EventBus) handleDelivery(ch rabbitmq.Channel, d amqp.Delivery) {
	eventName := d.RoutingKey
	logger := b.logger.WithFields(logrus.Fields{
		"eventName":   eventName,
		"eventId":     d.MessageId,
		"deliveryTag": d.DeliveryTag,
	})
	logger.Trace("Processing RabbitMQ event")

	if err := b.processEvent(context.Background(), logger, d); err != nil {
		logger.WithError(err).Warnf("Error processing message \"%s\"", eventName)
		if b.deadLetterExchange != "" {
			b.deadLetter(ch, d, err, logger)
		}
	}

	// acked even when handlers failed; see WithDeadLetterExchange
	if err := ch.Ack(d.DeliveryTag, false); err != nil {
		logger.WithError(err).Warn("Could not acknowledge RabbitMQ delivery")
	}
}

// processEvent runs every handler subscribed to the delivery's event name in
// registration order. Failures are collected and do not stop the group.
func (b *EventBus) processEvent(ctx context.Context, logger logrus.Ext1FieldLogger, d amqp.Delivery) error {
	eventName := d.RoutingKey

	b.subMu.Lock()
	handlers, err := b.subs.GetHandlers(eventName)
	eventType, ok := b.subs.GetEventType(eventName)
	b.subMu.Unlock()

	if err != nil || !ok {
		logger.Warnf("No subscription for RabbitMQ event: %s", eventName)
		return nil
	}

	scope := b.resolver.NewScope(ctx)
	defer scope.Close()

	var failures []HandlerError
	for _, descriptor := range handlers {
		handler, ok := scope.Resolve(descriptor)
		if !ok {
			logger.WithField("handler", descriptor.Name).Trace("Handler not resolved; skipping")
			continue
		}

		target := eventType.New()
		if err := b.serializer.Decode(d.Body, target); err != nil {
			b.metrics.RecordDispatch(eventName, descriptor.Name, 0, err)
			failures = append(failures, HandlerError{Handler: descriptor.Name, Err: err})
			continue
		}

		start := time.Now()
		err := invoke(ctx, handler, eventType.Value(target))
		b.metrics.RecordDispatch(eventName, descriptor.Name, time.Since(start), err)
		if err != nil {
			logger.WithError(err).WithField("handler", descriptor.Name).Warn("Event handler failed")
			failures = append(failures, HandlerError{Handler: descriptor.Name, Err: err})
		}
	}

	if len(failures) > 0 {
		return &DispatchError{EventName: eventName, DeliveryTag: d.DeliveryTag, Errors: failures}
	}
	return nil
}

func invoke(ctx context.Context, handler contracts.EventHandler, event contracts.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return handler.HandleEvent(ctx, event)
}

// deadLetter republishes d to the dead letter exchange with the failure in
// its headers
func (b *EventBus) deadLetter(ch rabbitmq.Channel, d amqp.Delivery, cause error, logger logrus.Ext1FieldLogger) {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[HeaderError] = cause.Error()

	var dispatchErr *DispatchError
	if errors.As(cause, &dispatchErr) {
		headers[HeaderHandlerErrors] = int32(len(dispatchErr.Errors))
	}

	err := ch.PublishWithContext(context.Background(), b.deadLetterExchange, d.RoutingKey, false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    d.Timestamp,
		Type:         d.Type,
		Body:         d.Body,
	})
	if err != nil {
		logger.WithError(err).WithField("exchange", b.deadLetterExchange).Error("Could not dead-letter RabbitMQ delivery")
		return
	}

	b.metrics.RecordDeadLetter(d.RoutingKey)
	logger.WithField("exchange", b.deadLetterExchange).Info("Delivery routed to dead letter exchange")
}
