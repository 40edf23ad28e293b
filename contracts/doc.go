// Package contracts provides the event and handler contracts of the event bus.
//
// This package defines:
//   - Event: something that has happened, identified by ID and creation date
//   - BaseEvent: the identity fields concrete events embed
//   - Handler and EventHandler: typed and untyped event handlers
//   - Named: an optional override of the routing name
//
// The routing name of an event is its Go type name with pointers stripped,
// so *OrderCreated and OrderCreated both route as "OrderCreated".
// BaseEvent itself routes as "Event".
package contracts
