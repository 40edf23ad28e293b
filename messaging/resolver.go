package messaging

import (
	"context"

	"github.com/glimte/eventbus-go/contracts"
	"github.com/glimte/eventbus-go/subscription"
)

// Resolver creates the scope handler instances are resolved in.
// One scope spans the handler group of a single delivery.
type Resolver interface {
	NewScope(ctx context.Context) Scope
}

// Scope resolves handler instances for one delivery
type Scope interface {
	// Resolve returns the handler for d, or false to skip it
	Resolve(d subscription.HandlerDescriptor) (contracts.EventHandler, bool)
	Close()
}

// FactoryResolver resolves handlers through their descriptor factories
type FactoryResolver struct{}

// NewScope implements Resolver
func (FactoryResolver) NewScope(ctx context.Context) Scope {
	return factoryScope{}
}

type factoryScope struct{}

func (factoryScope) Resolve(d subscription.HandlerDescriptor) (contracts.EventHandler, bool) {
	if d.New == nil {
		return nil, false
	}
	h := d.New()
	return h, h != nil
}

func (factoryScope) Close() {}

// ResolverFunc adapts a function to Resolver. Its scopes have no teardown.
type ResolverFunc func(ctx context.Context, d subscription.HandlerDescriptor) (contracts.EventHandler, bool)

// NewScope implements Resolver
func (f ResolverFunc) NewScope(ctx context.Context) Scope {
	return funcScope{ctx: ctx, resolve: f}
}

type funcScope struct {
	ctx     context.Context
	resolve ResolverFunc
}

func (s funcScope) Resolve(d subscription.HandlerDescriptor) (contracts.EventHandler, bool) {
	return s.resolve(s.ctx, d)
}

func (s funcScope) Close() {}
