package broker

import (
	"context"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpChannel is the subset of *amqp.Channel used by the client.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// amqpConnection is the subset of *amqp.Connection used by the client.
type amqpConnection interface {
	Channel() (amqpChannel, error)
	IsClosed() bool
	Close() error
}

type dialFunc func(ctx context.Context, url string) (amqpConnection, error)

type connAdapter struct {
	conn *amqp.Connection
}

func (a connAdapter) Channel() (amqpChannel, error) {
	ch, err := a.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (a connAdapter) IsClosed() bool {
	return a.conn.IsClosed()
}

func (a connAdapter) Close() error {
	return a.conn.Close()
}

func defaultDial(name string) dialFunc {
	return func(ctx context.Context, url string) (amqpConnection, error) {
		props := amqp.NewConnectionProperties()
		props.SetClientConnectionName(name)

		conn, err := amqp.DialConfig(url, amqp.Config{
			Heartbeat:  10 * time.Second,
			Locale:     "en_US",
			Properties: props,
			Dial:       contextDial(ctx),
		})
		if err != nil {
			return nil, err
		}
		return connAdapter{conn: conn}, nil
	}
}

// contextDial opens the TCP socket under ctx and bounds the AMQP handshake by
// the ctx deadline. The library clears the deadline once the connection is open.
func contextDial(ctx context.Context) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if deadline, ok := ctx.Deadline(); ok {
			if err := conn.SetDeadline(deadline); err != nil {
				_ = conn.Close()
				return nil, err
			}
		}
		return conn, nil
	}
}
