package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go-notify/internal/kafka"
	"go-notify/internal/observability"
	"go-notify/pkg/models"
	"go-notify/pkg/retry"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DeliverFunc delivers a stored message directly, bypassing the broker.
type DeliverFunc func(ctx context.Context, routingKey string, body []byte) error

type WorkerConfig struct {
	Interval    time.Duration
	BatchSize   int
	Lease       time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Worker drains due entries sequentially on a cron schedule and on Trigger.
type Worker struct {
	store   Store
	deliver DeliverFunc
	sink    kafka.Sink
	metrics observability.MetricsCollector
	cfg     WorkerConfig
	backoff retry.Policy
	now     func() time.Time
	logger  *logrus.Entry

	trigger chan struct{}
	drainMu sync.Mutex
}

func NewWorker(store Store, deliver DeliverFunc, sink kafka.Sink, metrics observability.MetricsCollector, cfg WorkerConfig) *Worker {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.Lease == 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 10 * time.Minute
	}
	if sink == nil {
		sink = kafka.NewLogSink()
	}
	if metrics == nil {
		metrics = observability.NewInMemoryMetrics()
	}

	return &Worker{
		store:   store,
		deliver: deliver,
		sink:    sink,
		metrics: metrics,
		cfg:     cfg,
		backoff: retry.Policy{
			InitialBackoff: cfg.BaseBackoff,
			MaxBackoff:     cfg.MaxBackoff,
			BackoffFactor:  2,
			Jitter:         true,
		},
		now:     time.Now,
		logger:  observability.Component("fallback-worker"),
		trigger: make(chan struct{}, 1),
	}
}

// Trigger requests a drain without waiting for the next scheduled run.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled, draining on every tick of the schedule
// and on every Trigger. The drain in progress finishes before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", w.cfg.Interval), w.Trigger); err != nil {
		return fmt.Errorf("scheduling fallback worker: %w", err)
	}
	scheduler.Start()
	defer func() {
		<-scheduler.Stop().Done()
	}()

	w.logger.WithField("interval", w.cfg.Interval).Info("Fallback worker started")
	w.Trigger()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Fallback worker stopped")
			return nil
		case <-w.trigger:
			if _, err := w.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.WithError(err).Error("Fallback drain failed")
			}
		}
	}
}

// Drain processes due entries one at a time until none are left and
// returns how many were attempted.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	w.drainMu.Lock()
	defer w.drainMu.Unlock()

	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		entries, err := w.store.Claim(ctx, w.now(), w.cfg.BatchSize, w.cfg.Lease)
		if err != nil {
			return processed, fmt.Errorf("claiming fallback entries: %w", err)
		}

		for _, e := range entries {
			w.process(ctx, e)
			processed++
		}

		if len(entries) < w.cfg.BatchSize {
			return processed, nil
		}
	}
}

func (w *Worker) process(ctx context.Context, e Entry) {
	logger := w.logger.WithFields(logrus.Fields{
		"fallback_id": e.ID,
		"routing_key": e.RoutingKey,
		"attempt":     e.RetryCount + 1,
		"max_retries": e.MaxRetries,
	})

	err := w.deliver(ctx, e.RoutingKey, e.Message)
	if err == nil {
		if err := w.store.Complete(ctx, e.ID); err != nil {
			logger.WithError(err).Error("Failed to remove delivered entry")
		}
		w.metrics.IncDelivered()
		logger.Info("Fallback entry delivered")
		return
	}

	attempts := e.RetryCount + 1
	if retry.IsPermanent(err) || attempts >= e.MaxRetries {
		w.bury(ctx, logger, e, err)
		return
	}

	next := w.now().Add(w.backoff.Backoff(e.RetryCount))
	if ferr := w.store.Fail(ctx, e.ID, err.Error(), next); ferr != nil {
		logger.WithError(ferr).Error("Failed to reschedule entry")
		return
	}
	w.metrics.IncRetried()
	logger.WithError(err).WithField("next_attempt_at", next).Warn("Fallback delivery failed, rescheduled")
}

func (w *Worker) bury(ctx context.Context, logger *logrus.Entry, e Entry, cause error) {
	if err := w.store.Bury(ctx, e.ID, cause.Error()); err != nil {
		logger.WithError(err).Error("Failed to bury entry")
	}

	dl := models.NewDeadLetter(models.SourceFallback, e.Message, cause)
	dl.MessageID = e.ID
	var msg models.NotificationMessage
	if json.Unmarshal(e.Message, &msg) == nil {
		if msg.MessageID != "" {
			dl.MessageID = msg.MessageID
		}
		dl.Channel = msg.Channel
	}
	dl.RoutingKey = e.RoutingKey
	dl.Attempts = e.RetryCount + 1
	if err := w.sink.Send(ctx, dl); err != nil {
		logger.WithError(err).Error("Failed to forward dead letter")
	}

	w.metrics.IncDeadLettered()
	logger.WithError(cause).Error("Fallback entry dead-lettered")
}
