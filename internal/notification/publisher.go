package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go-notify/internal/broker"
	"go-notify/internal/observability"
	"go-notify/pkg/models"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// BrokerClient is the part of *broker.Client used for publishing.
type BrokerClient interface {
	IsConnected() bool
	Reconnect(ctx context.Context) error
	Publish(ctx context.Context, routingKey string, body []byte, persistent bool, opts ...broker.PublishOption) error
}

// FallbackQueue durably stores messages the broker did not accept.
type FallbackQueue interface {
	Enqueue(ctx context.Context, routingKey string, body []byte) (string, error)
}

type Path string

const (
	PathBroker   Path = "broker"
	PathFallback Path = "fallback"
)

// Result tells the caller where the notification landed.
type Result struct {
	Path       Path   `json:"path"`
	MessageID  string `json:"message_id"`
	FallbackID string `json:"fallback_id,omitempty"`
}

// fallbackTimeout bounds the local enqueue, which runs even after the
// caller's context is done.
const fallbackTimeout = 5 * time.Second

// Publisher turns registration events into notification messages and
// publishes them, falling back to the local queue when the broker is down.
type Publisher struct {
	broker   BrokerClient
	fallback FallbackQueue
	metrics  observability.MetricsCollector
	logger   *logrus.Entry
	now      func() time.Time
	newID    func() string
}

func NewPublisher(b BrokerClient, q FallbackQueue, metrics observability.MetricsCollector) *Publisher {
	if metrics == nil {
		metrics = observability.NewInMemoryMetrics()
	}
	return &Publisher{
		broker:   b,
		fallback: q,
		metrics:  metrics,
		logger:   observability.Component("publisher"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

func (p *Publisher) PublishRegistration(ctx context.Context, user User, otp string) (Result, error) {
	return p.publish(ctx, user, otp, models.TypeRegistration)
}

func (p *Publisher) PublishOTPResend(ctx context.Context, user User, otp string) (Result, error) {
	return p.publish(ctx, user, otp, models.TypeOTPResend)
}

func (p *Publisher) publish(ctx context.Context, user User, otp string, kind models.NotificationType) (Result, error) {
	msg := newMessage(p.newID(), user, otp, kind, p.now())
	if err := msg.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode notification: %w", err)
	}
	routingKey := RoutingKey(msg.Channel)

	logger := p.logger.WithFields(logrus.Fields{
		"message_id":        msg.MessageID,
		"user_id":           msg.UserID,
		"channel":           msg.Channel,
		"notification_type": msg.NotificationType,
		"routing_key":       routingKey,
	})

	brokerErr := p.publishToBroker(ctx, routingKey, body, msg)
	if brokerErr == nil {
		p.metrics.IncPublished()
		logger.WithField("path", PathBroker).Info("Notification published")
		return Result{Path: PathBroker, MessageID: msg.MessageID}, nil
	}
	p.metrics.IncPublishFailed()

	fallbackID, err := p.enqueueFallback(ctx, routingKey, body)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"broker_error":   brokerErr.Error(),
			"fallback_error": err.Error(),
		}).Error("Notification could not be stored")
		return Result{}, fmt.Errorf("%w: broker: %w, fallback: %w", ErrNotificationLost, brokerErr, err)
	}

	p.metrics.IncFallbackEnqueued()
	logger.WithFields(logrus.Fields{
		"path":        PathFallback,
		"fallback_id": fallbackID,
	}).WithError(brokerErr).Warn("Broker unavailable, notification deferred to fallback queue")
	return Result{Path: PathFallback, MessageID: msg.MessageID, FallbackID: fallbackID}, nil
}

func (p *Publisher) enqueueFallback(ctx context.Context, routingKey string, body []byte) (string, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fallbackTimeout)
	defer cancel()
	return p.fallback.Enqueue(ctx, routingKey, body)
}

func (p *Publisher) publishToBroker(ctx context.Context, routingKey string, body []byte, msg models.NotificationMessage) error {
	if !p.broker.IsConnected() {
		if err := p.broker.Reconnect(ctx); err != nil {
			return err
		}
	}
	return p.broker.Publish(ctx, routingKey, body, true,
		broker.WithMessageID(msg.MessageID),
		broker.WithHeaders(amqp.Table{models.HeaderAttemptCount: int32(msg.AttemptCount)}),
	)
}
