// Package subscription provides the registry mapping event names to the
// handlers subscribed to them.
//
// Each event name owns a bucket of handler descriptors and the event type its
// deliveries decode into. A bucket exists only while it holds at least one
// descriptor; removing the last one deletes the bucket and its event type and
// fires the OnEventRemoved listeners once.
//
// Descriptors are usually built from typed handlers:
//
//	d := subscription.Typed[OrderCreated](func() *OrderCreatedHandler {
//	    return &OrderCreatedHandler{}
//	})
//	err := registry.Subscribe(d)
package subscription
