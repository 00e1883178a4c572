package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go-notify/internal/observability"
	"go-notify/pkg/models"
	"go-notify/pkg/retry"

	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// messageWriter is the subset of *kafka.Writer used by Producer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ProducerConfig struct {
	Brokers     []string
	Topic       string
	MaxRetries  int
	BaseBackoff time.Duration
}

// Producer writes dead letters to a Kafka topic with retry logic
type Producer struct {
	writer messageWriter
	topic  string
	policy retry.Policy
	logger *logrus.Entry
}

func NewProducer(cfg ProducerConfig) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
		Async:                  false, // Synchronous for reliable error handling
	}
	return newProducer(cfg, writer)
}

func newProducer(cfg ProducerConfig, writer messageWriter) *Producer {
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	return &Producer{
		writer: writer,
		topic:  cfg.Topic,
		policy: retry.Policy{
			MaxAttempts:    cfg.MaxRetries + 1,
			InitialBackoff: cfg.BaseBackoff,
			MaxBackoff:     5 * time.Second,
			BackoffFactor:  2,
		},
		logger: observability.Component("dead-letter").WithField("topic", cfg.Topic),
	}
}

// Send publishes the dead letter keyed by message id.
func (p *Producer) Send(ctx context.Context, dl models.DeadLetter) error {
	value, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter: %w", err)
	}

	headers := map[string]string{
		models.HeaderMessageID:     dl.MessageID,
		models.HeaderChannel:       string(dl.Channel),
		models.HeaderAttemptCount:  strconv.Itoa(dl.Attempts),
		models.HeaderFailureReason: dl.Reason,
	}
	return p.Publish(ctx, dl.MessageID, value, headers)
}

// Publish sends a message to Kafka with configurable retry logic
func (p *Producer) Publish(ctx context.Context, key string, value []byte, headers map[string]string) error {
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	}

	if headers != nil {
		msg.Headers = make([]kafka.Header, 0, len(headers))
		for k, v := range headers {
			msg.Headers = append(msg.Headers, kafka.Header{
				Key:   k,
				Value: []byte(v),
			})
		}
	}

	var lastErr error
	for attempt := 0; attempt < p.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := p.policy.Backoff(attempt - 1)

			p.logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"key":     key,
				"backoff": backoff,
			}).Info("Retrying dead letter publish")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := p.writer.WriteMessages(ctx, msg)
		if err == nil {
			p.logger.WithFields(logrus.Fields{
				"key":     key,
				"attempt": attempt + 1,
			}).Info("Dead letter published")
			return nil
		}

		lastErr = err
		p.logger.WithFields(logrus.Fields{
			"key":     key,
			"attempt": attempt + 1,
		}).WithError(err).Warn("Failed to publish dead letter")
	}

	return fmt.Errorf("failed to publish dead letter after %d attempts: %w", p.policy.MaxAttempts, lastErr)
}

// Close gracefully shuts down the producer
func (p *Producer) Close() error {
	p.logger.Info("Closing dead letter producer")
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close producer: %w", err)
	}
	return nil
}
