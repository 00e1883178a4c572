package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go-notify/internal/kafka"
	"go-notify/internal/observability"
	"go-notify/pkg/models"
	"go-notify/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingDeliverer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (d *recordingDeliverer) Deliver(_ context.Context, routingKey string, _ []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, routingKey)
	return d.err
}

func (d *recordingDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type workerFixture struct {
	clock   *fakeClock
	store   *MemoryStore
	queue   *Queue
	deliver *recordingDeliverer
	sink    *kafka.MockSink
	metrics *observability.InMemoryMetrics
	worker  *Worker
}

func newWorkerFixture(maxRetries int) *workerFixture {
	f := &workerFixture{
		clock:   &fakeClock{now: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)},
		store:   NewMemoryStore(),
		deliver: &recordingDeliverer{},
		sink:    kafka.NewMockSink(),
		metrics: observability.NewInMemoryMetrics(),
	}
	f.queue = NewQueue(f.store, maxRetries)
	f.queue.now = f.clock.Now
	f.worker = NewWorker(f.store, f.deliver.Deliver, f.sink, f.metrics, WorkerConfig{
		BatchSize:   2,
		BaseBackoff: 30 * time.Second,
		MaxBackoff:  10 * time.Minute,
	})
	f.worker.now = f.clock.Now
	f.worker.backoff.Jitter = false
	return f
}

func body(t *testing.T) []byte {
	t.Helper()
	b, err := json.Marshal(models.NotificationMessage{
		MessageID: "msg-1",
		Channel:   models.ChannelEmail,
		Email:     "jane@example.com",
		OTP:       "123456",
	})
	require.NoError(t, err)
	return b
}

func TestQueue_Enqueue(t *testing.T) {
	f := newWorkerFixture(5)
	triggered := 0
	f.queue.OnEnqueue(func() { triggered++ })

	id, err := f.queue.Enqueue(context.Background(), "user.registered.email", body(t))
	require.NoError(t, err)

	e, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "user.registered.email", e.RoutingKey)
	assert.Equal(t, 5, e.MaxRetries)
	assert.Equal(t, StatusPending, e.Status)
	assert.Zero(t, e.RetryCount)
	assert.True(t, e.EnqueuedAt.Equal(f.clock.Now()))
	assert.Equal(t, 1, triggered)
}

func TestWorker_DeliversAndRemoves(t *testing.T) {
	f := newWorkerFixture(5)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.queue.Enqueue(ctx, "user.registered.email", body(t))
		require.NoError(t, err)
	}

	n, err := f.worker.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "drain keeps claiming until the queue is empty")
	assert.Equal(t, 3, f.deliver.count())

	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
	assert.Equal(t, int64(3), f.metrics.Delivered.Load())
}

func TestWorker_BackoffThenBury(t *testing.T) {
	f := newWorkerFixture(3)
	f.deliver.err = errors.New("smtp down")
	ctx := context.Background()

	id, err := f.queue.Enqueue(ctx, "user.registered.email", body(t))
	require.NoError(t, err)

	_, err = f.worker.Drain(ctx)
	require.NoError(t, err)
	e, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, e.RetryCount)
	assert.Equal(t, "smtp down", e.LastError)
	assert.True(t, e.NextAttemptAt.Equal(f.clock.Now().Add(30*time.Second)))

	n, err := f.worker.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "not due before backoff elapses")

	f.clock.Advance(30 * time.Second)
	_, err = f.worker.Drain(ctx)
	require.NoError(t, err)
	e, err = f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, e.RetryCount)
	assert.True(t, e.NextAttemptAt.Equal(f.clock.Now().Add(60*time.Second)))

	f.clock.Advance(60 * time.Second)
	_, err = f.worker.Drain(ctx)
	require.NoError(t, err)

	e, err = f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, e.Status)
	assert.Equal(t, 3, f.deliver.count())

	dls := f.sink.GetDeadLetters()
	require.Len(t, dls, 1)
	assert.Equal(t, "msg-1", dls[0].MessageID)
	assert.Equal(t, models.SourceFallback, dls[0].Source)
	assert.Equal(t, models.ChannelEmail, dls[0].Channel)
	assert.Equal(t, 3, dls[0].Attempts)

	f.clock.Advance(time.Hour)
	n, err = f.worker.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "dead entries are not retried")
}

func TestWorker_PermanentErrorBuriesImmediately(t *testing.T) {
	f := newWorkerFixture(5)
	f.deliver.err = retry.Permanent(errors.New("sms gateway not configured"))
	ctx := context.Background()

	id, err := f.queue.Enqueue(ctx, "user.registered.sms", body(t))
	require.NoError(t, err)

	_, err = f.worker.Drain(ctx)
	require.NoError(t, err)

	e, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, e.Status)
	assert.Equal(t, 1, f.deliver.count())
	assert.Len(t, f.sink.GetDeadLetters(), 1)
}

func TestWorker_RunDrainsOnTriggerAndStops(t *testing.T) {
	f := newWorkerFixture(5)
	f.queue.OnEnqueue(f.worker.Trigger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	_, err := f.queue.Enqueue(context.Background(), "user.registered.email", body(t))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.deliver.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
