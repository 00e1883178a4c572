package fallback

import (
	"context"
	"fmt"
	"time"

	"go-notify/internal/observability"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Queue is the write side of the fallback path used by the publisher.
type Queue struct {
	store      Store
	maxRetries int
	now        func() time.Time
	onEnqueue  func()
	logger     *logrus.Entry
}

func NewQueue(store Store, maxRetries int) *Queue {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Queue{
		store:      store,
		maxRetries: maxRetries,
		now:        time.Now,
		logger:     observability.Component("fallback"),
	}
}

// OnEnqueue registers fn to run after each successful enqueue, typically Worker.Trigger.
func (q *Queue) OnEnqueue(fn func()) {
	q.onEnqueue = fn
}

// Enqueue stores body for delivery by the worker and returns the entry id.
func (q *Queue) Enqueue(ctx context.Context, routingKey string, body []byte) (string, error) {
	now := q.now()
	e := Entry{
		ID:            uuid.NewString(),
		RoutingKey:    routingKey,
		Message:       body,
		EnqueuedAt:    now,
		MaxRetries:    q.maxRetries,
		NextAttemptAt: now,
		Status:        StatusPending,
	}
	if err := q.store.Create(ctx, e); err != nil {
		return "", fmt.Errorf("enqueue fallback entry: %w", err)
	}

	q.logger.WithFields(logrus.Fields{
		"fallback_id": e.ID,
		"routing_key": routingKey,
	}).Info("Notification stored in fallback queue")

	if q.onEnqueue != nil {
		q.onEnqueue()
	}
	return e.ID, nil
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	return q.store.Stats(ctx)
}
