package broker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go-notify/internal/observability"
	"go-notify/pkg/retry"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Handler receives one delivery at a time and must ack or reject it.
type Handler func(ctx context.Context, d amqp.Delivery)

type Config struct {
	URL                  string
	ConnectionName       string
	PublishTimeout       time.Duration
	Prefetch             int
	ReconnectMaxAttempts int
	ReconnectBaseBackoff time.Duration
	ReconnectMaxBackoff  time.Duration
	DialTimeout          time.Duration
}

// Client owns one AMQP connection with a confirm-mode publishing channel and
// reconnects with exponential backoff.
type Client struct {
	cfg       Config
	topology  Topology
	reconnect retry.Policy
	dial      dialFunc
	logger    *logrus.Entry

	mu    sync.Mutex
	conn  amqpConnection
	pubCh amqpChannel
}

type Option func(*Client)

// WithTopology replaces the default exchange, queues and bindings.
func WithTopology(t Topology) Option {
	return func(c *Client) {
		c.topology = t
	}
}

func withDialer(d dialFunc) Option {
	return func(c *Client) {
		c.dial = d
	}
}

func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.Prefetch == 0 {
		cfg.Prefetch = 1
	}
	if cfg.ReconnectMaxAttempts == 0 {
		cfg.ReconnectMaxAttempts = 10
	}
	if cfg.ReconnectBaseBackoff == 0 {
		cfg.ReconnectBaseBackoff = time.Second
	}
	if cfg.ReconnectMaxBackoff == 0 {
		cfg.ReconnectMaxBackoff = 30 * time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ConnectionName == "" {
		cfg.ConnectionName = "go-notify"
	}

	c := &Client{
		cfg:      cfg,
		topology: DefaultTopology(),
		reconnect: retry.Policy{
			MaxAttempts:    cfg.ReconnectMaxAttempts,
			InitialBackoff: cfg.ReconnectBaseBackoff,
			MaxBackoff:     cfg.ReconnectMaxBackoff,
			BackoffFactor:  2,
		},
		dial:   defaultDial(cfg.ConnectionName),
		logger: observability.Component("broker"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Topology() Topology {
	return c.topology
}

// Connect opens the connection and publishing channel. It is a no-op when
// already connected. The dial runs outside the client lock and gives up when
// ctx is done or DialTimeout elapses.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	connected := c.connectedLocked()
	c.mu.Unlock()
	if connected {
		return nil
	}

	conn, ch, err := c.open(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectedLocked() {
		// another caller won the race
		_ = ch.Close()
		_ = conn.Close()
		return nil
	}
	c.closeLocked()
	c.conn = conn
	c.pubCh = ch
	c.logger.Info("Connected to broker")
	return nil
}

// Reconnect makes a single attempt to replace a broken connection. A healthy
// connection is left alone.
func (c *Client) Reconnect(ctx context.Context) error {
	return c.Connect(ctx)
}

type openResult struct {
	conn amqpConnection
	ch   amqpChannel
	err  error
}

func (c *Client) open(ctx context.Context) (amqpConnection, amqpChannel, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	done := make(chan openResult, 1)
	go func() {
		conn, ch, err := c.openChannel(ctx)
		done <- openResult{conn: conn, ch: ch, err: err}
	}()

	select {
	case r := <-done:
		return r.conn, r.ch, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				_ = r.ch.Close()
				_ = r.conn.Close()
			}
		}()
		return nil, nil, fmt.Errorf("%w: dial: %w", ErrBrokerUnavailable, ctx.Err())
	}
}

func (c *Client) openChannel(ctx context.Context) (amqpConnection, amqpChannel, error) {
	conn, err := c.dial(ctx, c.cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: dial: %w", ErrBrokerUnavailable, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("%w: open channel: %w", ErrBrokerUnavailable, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("%w: enable confirms: %w", ErrBrokerUnavailable, err)
	}
	return conn, ch, nil
}

func (c *Client) connectedLocked() bool {
	return c.conn != nil && !c.conn.IsClosed() && c.pubCh != nil && !c.pubCh.IsClosed()
}

func (c *Client) closeLocked() {
	if c.pubCh != nil {
		_ = c.pubCh.Close()
		c.pubCh = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// IsConnected reports whether both the connection and the publishing channel are open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedLocked()
}

// HealthCheck returns ErrBrokerUnavailable when the client is disconnected.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.IsConnected() {
		return fmt.Errorf("%w: not connected", ErrBrokerUnavailable)
	}
	return nil
}

// HealthCheckLoop runs health checks periodically with reconnection logic
func (c *Client) HealthCheckLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Health check loop stopped")
			return
		case <-ticker.C:
			if err := c.HealthCheck(ctx); err != nil {
				c.logger.WithError(err).Warn("Health check failed, attempting reconnection")
				if err := c.reconnectWithBackoff(ctx); err != nil && ctx.Err() == nil {
					c.logger.WithError(err).Error("Reconnection failed")
				}
			}
		}
	}
}

// SetupTopology declares the exchange, queues and bindings. Calling it again is harmless.
func (c *Client) SetupTopology(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", ErrBrokerUnavailable)
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("%w: open channel: %w", ErrBrokerUnavailable, err)
	}
	defer ch.Close()

	if err := c.topology.declare(ch); err != nil {
		return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}

	c.logger.WithFields(logrus.Fields{
		"exchange": c.topology.Exchange,
		"bindings": len(c.topology.Bindings),
	}).Info("Topology declared")
	return nil
}

type publishOptions struct {
	messageID string
	headers   amqp.Table
}

type PublishOption func(*publishOptions)

func WithMessageID(id string) PublishOption {
	return func(o *publishOptions) {
		o.messageID = id
	}
}

func WithHeaders(h amqp.Table) PublishOption {
	return func(o *publishOptions) {
		o.headers = h
	}
}

// Publish sends body to the topology exchange and waits for the broker
// confirm, bounded by PublishTimeout. Failures wrap ErrBrokerUnavailable.
func (c *Client) Publish(ctx context.Context, routingKey string, body []byte, persistent bool, opts ...PublishOption) error {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}

	msg := amqp.Publishing{
		ContentType: "application/json",
		MessageId:   o.messageID,
		Headers:     o.headers,
		Timestamp:   time.Now().UTC(),
		Body:        body,
	}
	if persistent {
		msg.DeliveryMode = amqp.Persistent
	} else {
		msg.DeliveryMode = amqp.Transient
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()

	c.mu.Lock()
	if !c.connectedLocked() {
		c.mu.Unlock()
		return fmt.Errorf("%w: not connected", ErrBrokerUnavailable)
	}
	ch := c.pubCh
	c.mu.Unlock()

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, c.topology.Exchange, routingKey, false, false, msg)
	if err != nil {
		return fmt.Errorf("%w: publish to %s: %w", ErrBrokerUnavailable, routingKey, err)
	}
	if dc != nil {
		acked, err := dc.WaitContext(ctx)
		if err != nil {
			return fmt.Errorf("%w: await confirm for %s: %w", ErrBrokerUnavailable, routingKey, err)
		}
		if !acked {
			return fmt.Errorf("%w: broker nacked message for %s", ErrBrokerUnavailable, routingKey)
		}
	}

	c.logger.WithFields(logrus.Fields{
		"routing_key": routingKey,
		"message_id":  o.messageID,
	}).Debug("Message published")
	return nil
}

// Consume blocks, delivering messages from queue to handler one at a time.
// Lost connections are re-established with backoff. The attempt budget is
// only restored once a consume session has started, so a failure the broker
// keeps returning ends in ErrReconnectExhausted. It returns nil when ctx is
// cancelled.
func (c *Client) Consume(ctx context.Context, queue string, handler Handler) error {
	logger := c.logger.WithField("queue", queue)

	attempt := 0
	for {
		started, err := c.consumeOnce(ctx, queue, handler)
		if ctx.Err() != nil {
			logger.Info("Consumer stopped")
			return nil
		}
		if started {
			attempt = 0
		}
		if c.reconnect.Exhausted(attempt) {
			return fmt.Errorf("%w: after %d attempts: %w", ErrReconnectExhausted, attempt, err)
		}

		backoff := c.reconnect.Backoff(attempt)
		attempt++
		logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"backoff": backoff,
		}).Warn("Consume interrupted, reconnecting")

		select {
		case <-ctx.Done():
			logger.Info("Consumer stopped")
			return nil
		case <-time.After(backoff):
		}
	}
}

// consumeOnce runs one consume session. started reports whether the broker
// accepted the consumer before the session ended.
func (c *Client) consumeOnce(ctx context.Context, queue string, handler Handler) (bool, error) {
	if err := c.Connect(ctx); err != nil {
		return false, err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false, fmt.Errorf("%w: not connected", ErrBrokerUnavailable)
	}

	ch, err := conn.Channel()
	if err != nil {
		return false, fmt.Errorf("%w: open channel: %w", ErrBrokerUnavailable, err)
	}
	defer ch.Close()

	if err := c.topology.declare(ch); err != nil {
		return false, fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return false, fmt.Errorf("%w: set qos: %w", ErrBrokerUnavailable, err)
	}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	deliveries, err := ch.Consume(queue, c.cfg.ConnectionName+"-"+queue, false, false, false, false, nil)
	if err != nil {
		return false, fmt.Errorf("%w: consume %s: %w", ErrBrokerUnavailable, queue, err)
	}

	c.logger.WithFields(logrus.Fields{
		"queue":    queue,
		"prefetch": c.cfg.Prefetch,
	}).Info("Consuming")

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case amqpErr := <-closed:
			return true, fmt.Errorf("%w: channel closed: %v", ErrBrokerUnavailable, amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return true, fmt.Errorf("%w: delivery stream closed", ErrBrokerUnavailable)
			}
			c.dispatch(ctx, d, handler)
		}
	}
}

// dispatch runs the handler detached from ctx so shutdown does not abort the
// acknowledgement of the message in flight.
func (c *Client) dispatch(ctx context.Context, d amqp.Delivery, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithFields(logrus.Fields{
				"panic":        r,
				"message_id":   d.MessageId,
				"delivery_tag": d.DeliveryTag,
				"stack":        string(debug.Stack()),
			}).Error("Panic in handler, rejecting message")
			if err := d.Reject(false); err != nil {
				c.logger.WithError(err).Error("Failed to reject message after panic")
			}
		}
	}()

	handler(context.WithoutCancel(ctx), d)
}

// reconnectWithBackoff implements exponential backoff reconnection strategy
func (c *Client) reconnectWithBackoff(ctx context.Context) error {
	for attempt := 0; attempt < c.reconnect.MaxAttempts; attempt++ {
		backoff := c.reconnect.Backoff(attempt)

		c.logger.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"backoff": backoff,
		}).Info("Attempting reconnection")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		if err := c.Reconnect(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			c.logger.WithError(err).Warn("Reconnection attempt failed")
			continue
		}

		c.logger.Info("Reconnection successful")
		return nil
	}

	return fmt.Errorf("%w: after %d attempts", ErrReconnectExhausted, c.reconnect.MaxAttempts)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}
