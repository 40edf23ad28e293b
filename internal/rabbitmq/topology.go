package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology groups the declarations a bus needs on its consumer channel
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
}

// BusExchange is the non-durable direct exchange events are routed through
func BusExchange(name string) ExchangeDeclaration {
	return ExchangeDeclaration{Name: name, Type: amqp.ExchangeDirect}
}

// BusQueue is the shared durable queue all subscriptions bind to
func BusQueue(name string) QueueDeclaration {
	return QueueDeclaration{Name: name, Durable: true}
}

// DeadLetterExchange is the durable direct exchange failed deliveries go to
func DeadLetterExchange(name string) ExchangeDeclaration {
	return ExchangeDeclaration{Name: name, Type: amqp.ExchangeDirect, Durable: true}
}

// NewBusTopology returns the exchange and queue declarations of a bus.
// An empty deadLetter skips the dead letter exchange.
func NewBusTopology(exchange, queue, deadLetter string) Topology {
	t := Topology{
		Exchanges: []ExchangeDeclaration{BusExchange(exchange)},
		Queues:    []QueueDeclaration{BusQueue(queue)},
	}
	if deadLetter != "" {
		t.Exchanges = append(t.Exchanges, DeadLetterExchange(deadLetter))
	}
	return t
}

// DeclareTopology declares every exchange, then every queue
func DeclareTopology(ch Channel, topology Topology) error {
	for _, exchange := range topology.Exchanges {
		if err := DeclareExchange(ch, exchange); err != nil {
			return err
		}
	}

	for _, queue := range topology.Queues {
		if _, err := DeclareQueue(ch, queue); err != nil {
			return err
		}
	}

	return nil
}

// DeclareExchange declares a single exchange
func DeclareExchange(ch Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err}
	}
	return nil
}

// DeclareQueue declares a single queue
func DeclareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return q, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err}
	}
	return q, nil
}

// BindQueue binds a queue to an exchange
func BindQueue(ch Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "binding", Name: binding.RoutingKey, Op: "bind", Err: err}
	}
	return nil
}

// UnbindQueue removes a queue binding
func UnbindQueue(ch Channel, binding Binding) error {
	err := ch.QueueUnbind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "binding", Name: binding.RoutingKey, Op: "unbind", Err: err}
	}
	return nil
}
