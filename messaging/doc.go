// Package messaging provides the broker-backed event bus.
//
// Publish sends an event to a direct exchange using the event name as routing
// key, retrying transient broker failures with exponential backoff. Subscribe
// binds one shared durable queue per event name and starts a single consumer
// that dispatches each delivery to every handler subscribed to its event name,
// one delivery at a time. A delivery is acknowledged once its whole handler
// group has completed or failed.
//
// Example usage:
//
//	bus := messaging.NewEventBus(conn, subscription.NewInMemoryManager(),
//	    messaging.WithExchange("shop"),
//	    messaging.WithQueue("billing"),
//	)
//	err := bus.Subscribe(ctx, subscription.Typed[OrderCreated](NewOrderCreatedHandler))
//	err = bus.Publish(ctx, OrderCreated{BaseEvent: contracts.NewBaseEvent(), OrderID: "42"})
package messaging
