package kafka

import (
	"context"
	"errors"

	"go-notify/internal/observability"
	"go-notify/pkg/models"

	"github.com/sirupsen/logrus"
)

// Sink receives notifications that were disposed of without delivery.
type Sink interface {
	Send(ctx context.Context, dl models.DeadLetter) error
}

// LogSink writes dead letters to the structured log.
type LogSink struct {
	logger *logrus.Entry
}

func NewLogSink() *LogSink {
	return &LogSink{logger: observability.Component("dead-letter")}
}

func (s *LogSink) Send(_ context.Context, dl models.DeadLetter) error {
	fields := logrus.Fields{
		"message_id":  dl.MessageID,
		"channel":     dl.Channel,
		"routing_key": dl.RoutingKey,
		"source":      dl.Source,
		"reason":      dl.Reason,
		"attempts":    dl.Attempts,
	}
	if dl.RawPayload != "" {
		fields["raw_payload"] = dl.RawPayload
	} else {
		fields["payload"] = string(dl.Payload)
	}
	s.logger.WithFields(fields).Error("Notification dead-lettered")
	return nil
}

// MultiSink forwards to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Send(ctx context.Context, dl models.DeadLetter) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, dl); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
