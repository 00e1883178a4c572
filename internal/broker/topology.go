package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeUserRegistration = "user.registration"

	QueueEmail = "email.notifications"
	QueueSMS   = "sms.notifications"

	RoutingKeyEmail = "user.registered.email"
	RoutingKeySMS   = "user.registered.sms"
)

// Binding routes messages published with RoutingKey into Queue.
type Binding struct {
	Queue      string
	RoutingKey string
}

// Topology is the set of entities declared on the broker. All of them are durable.
type Topology struct {
	Exchange string
	Bindings []Binding
}

func DefaultTopology() Topology {
	return Topology{
		Exchange: ExchangeUserRegistration,
		Bindings: []Binding{
			{Queue: QueueEmail, RoutingKey: RoutingKeyEmail},
			{Queue: QueueSMS, RoutingKey: RoutingKeySMS},
		},
	}
}

// QueueFor returns the queue bound to routingKey.
func (t Topology) QueueFor(routingKey string) (string, bool) {
	for _, b := range t.Bindings {
		if b.RoutingKey == routingKey {
			return b.Queue, true
		}
	}
	return "", false
}

// declare is safe to repeat: AMQP treats a declare of an identical entity as a no-op.
func (t Topology) declare(ch amqpChannel) error {
	if err := ch.ExchangeDeclare(t.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.Exchange, err)
	}

	for _, b := range t.Bindings {
		if _, err := ch.QueueDeclare(b.Queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", b.Queue, err)
		}
		if err := ch.QueueBind(b.Queue, b.RoutingKey, t.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.Queue, b.RoutingKey, err)
		}
	}

	return nil
}
