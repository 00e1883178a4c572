package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

type publishedMessage struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// fakeBroker keeps the state of a single in-memory AMQP server shared by every
// connection dialled through it.
type fakeBroker struct {
	mu          sync.Mutex
	exchanges   map[string]string
	queues      map[string]bool
	bindings    map[string]bool
	published   []publishedMessage
	consumers   map[string][]chan amqp.Delivery
	closedChans map[chan amqp.Delivery]bool
	conns       []*fakeConnection
	prefetch    int
	confirms    int

	dialErr    error
	dialDelay  time.Duration
	publishErr error
	dials      int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges:   make(map[string]string),
		queues:      make(map[string]bool),
		bindings:    make(map[string]bool),
		consumers:   make(map[string][]chan amqp.Delivery),
		closedChans: make(map[chan amqp.Delivery]bool),
	}
}

// dial ignores ctx to model a dialer that hangs.
func (b *fakeBroker) dial(_ context.Context, _ string) (amqpConnection, error) {
	b.mu.Lock()
	delay := b.dialDelay
	b.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	conn := &fakeConnection{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) setDialErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// dropConnections simulates the server closing every connection.
func (b *fakeBroker) dropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, conn := range b.conns {
		conn.closed = true
		for _, ch := range conn.channels {
			ch.closed = true
			for _, n := range ch.notify {
				select {
				case n <- amqp.ErrClosed:
				default:
				}
			}
		}
	}
	for _, chans := range b.consumers {
		for _, ch := range chans {
			if !b.closedChans[ch] {
				b.closedChans[ch] = true
				close(ch)
			}
		}
	}
}

func (b *fakeBroker) consumer(t *testing.T, queue string, n int) chan amqp.Delivery {
	t.Helper()
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.consumers[queue]) >= n
	}, 2*time.Second, 5*time.Millisecond)

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumers[queue][n-1]
}

func (b *fakeBroker) publishedMessages() []publishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]publishedMessage, len(b.published))
	copy(out, b.published)
	return out
}

type fakeConnection struct {
	broker   *fakeBroker
	closed   bool
	channels []*fakeChannel
}

func (c *fakeConnection) Channel() (amqpChannel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &fakeChannel{broker: c.broker, conn: c}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConnection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.closed = true
	return nil
}

type fakeChannel struct {
	broker *fakeBroker
	conn   *fakeConnection
	closed bool
	notify []chan *amqp.Error
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if existing, ok := ch.broker.exchanges[name]; ok && existing != kind {
		return &amqp.Error{
			Code:    amqp.PreconditionFailed,
			Reason:  "PRECONDITION_FAILED - inequivalent arg 'type' for exchange '" + name + "'",
			Server:  true,
			Recover: false,
		}
	}
	ch.broker.exchanges[name] = kind
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	ch.broker.queues[name] = durable
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if _, ok := ch.broker.exchanges[exchange]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange '" + exchange + "'", Server: true}
	}
	ch.broker.bindings[exchange+"|"+key+"|"+name] = true
	return nil
}

func (ch *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.prefetch = prefetchCount
	return nil
}

func (ch *fakeChannel) Confirm(noWait bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.confirms++
	return nil
}

func (ch *fakeChannel) PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.broker.publishErr != nil {
		return nil, ch.broker.publishErr
	}
	ch.broker.published = append(ch.broker.published, publishedMessage{Exchange: exchange, RoutingKey: key, Msg: msg})
	return nil, nil
}

func (ch *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed || ch.conn.closed {
		return nil, amqp.ErrClosed
	}
	deliveries := make(chan amqp.Delivery, 8)
	ch.broker.consumers[queue] = append(ch.broker.consumers[queue], deliveries)
	return deliveries, nil
}

func (ch *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.notify = append(ch.notify, c)
	return c
}

func (ch *fakeChannel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed || ch.conn.closed
}

func (ch *fakeChannel) Close() error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.closed = true
	return nil
}

// fakeAcknowledger records how a delivery was settled.
type fakeAcknowledger struct {
	mu       sync.Mutex
	acked    int
	nacked   int
	rejected int
	requeue  bool
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked++
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked++
	a.requeue = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejected++
	a.requeue = requeue
	return nil
}

func (a *fakeAcknowledger) counts() (acked, nacked, rejected int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acked, a.nacked, a.rejected
}

func newTestClient(b *fakeBroker) *Client {
	return NewClient(Config{
		URL:                  "amqp://test",
		PublishTimeout:       time.Second,
		ReconnectMaxAttempts: 3,
		ReconnectBaseBackoff: time.Millisecond,
		ReconnectMaxBackoff:  5 * time.Millisecond,
	}, withDialer(b.dial))
}
