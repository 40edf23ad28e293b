package messaging

import (
	"context"
	"reflect"
	"time"

	"github.com/glimte/eventbus-go/contracts"
	"github.com/glimte/eventbus-go/internal/rabbitmq"
	"github.com/glimte/eventbus-go/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Publish sends event to the exchange with its event name as routing key.
// Transient broker failures are retried with exponential backoff; every
// failure is returned as a *PublishError.
func (b *EventBus) Publish(ctx context.Context, event contracts.Event) error {
	if isNil(event) {
		return &PublishError{Err: ErrNilEvent}
	}

	eventName := contracts.NameOf(event)
	logger := b.logger.WithFields(logrus.Fields{
		"eventId":   event.GetID(),
		"eventName": eventName,
		"exchange":  b.exchange,
	})

	if b.disposed.Load() {
		return &PublishError{EventName: eventName, EventID: event.GetID(), Err: ErrDisposed}
	}

	if !b.conn.IsConnected() {
		b.conn.TryConnect(ctx)
	}

	body, err := b.serializer.Encode(event)
	if err != nil {
		return &PublishError{EventName: eventName, EventID: event.GetID(), Err: err}
	}

	msg := amqp.Publishing{
		ContentType:  b.serializer.ContentType(),
		DeliveryMode: amqp.Persistent,
		MessageId:    event.GetID(),
		Timestamp:    event.GetCreationDate(),
		Type:         eventName,
		Body:         body,
	}

	var ch rabbitmq.Channel
	defer func() {
		if ch != nil && !ch.IsClosed() {
			_ = ch.Close()
		}
	}()

	start := time.Now()
	attempts := 0
	policy := reliability.NewExponential(b.publishRetryCount, rabbitmq.IsTransient)
	err = reliability.Retry(ctx, policy, func() error {
		attempts++

		if ch == nil || ch.IsClosed() {
			logger.Trace("Creating RabbitMQ channel to publish event")
			c, err := b.conn.CreateChannel()
			if err != nil {
				return err
			}
			ch = c

			logger.Trace("Declaring RabbitMQ exchange to publish event")
			if err := rabbitmq.DeclareExchange(ch, rabbitmq.BusExchange(b.exchange)); err != nil {
				_ = ch.Close()
				ch = nil
				return err
			}
		}

		logger.Trace("Publishing event to RabbitMQ")
		return ch.PublishWithContext(ctx, b.exchange, eventName, true, false, msg)
	},
		reliability.WithOperation("publish"),
		reliability.WithSleeper(b.sleep),
		reliability.WithOnRetry(func(err error, attempt int, delay time.Duration) {
			logger.WithError(err).WithField("attempt", attempt).
				Warnf("Could not publish event: %s after %.1fs (%v)", event.GetID(), delay.Seconds(), err)
			b.metrics.RecordPublishRetry(eventName, attempt)
		}),
	)

	b.metrics.RecordPublish(eventName, time.Since(start), err == nil)
	if err != nil {
		return &PublishError{EventName: eventName, EventID: event.GetID(), Attempts: attempts, Err: err}
	}
	return nil
}

func isNil(event contracts.Event) bool {
	if event == nil {
		return true
	}
	v := reflect.ValueOf(event)
	return v.Kind() == reflect.Pointer && v.IsNil()
}
