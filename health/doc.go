// Package health reports the state of the broker connection and the event
// bus consumer through pluggable checkers and HTTP handlers.
//
//	registry := health.NewRegistry()
//	registry.Register(health.NewBrokerChecker(conn, "eventbus", logger))
//	registry.Register(health.NewSubscriptionChecker(bus))
//	health.Mount(mux, registry)
package health
