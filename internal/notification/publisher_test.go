package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"go-notify/internal/broker"
	"go-notify/internal/observability"
	"go-notify/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPublisher(b BrokerClient, q FallbackQueue, metrics observability.MetricsCollector) *Publisher {
	p := NewPublisher(b, q, metrics)
	p.now = func() time.Time { return time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC) }
	p.newID = func() string { return "msg-1" }
	return p
}

var (
	emailUser  = User{ID: 7, Email: "jane@example.com", PhoneNumber: "+15550100", VerificationMethod: "email"}
	mobileUser = User{ID: 8, Email: "joe@example.com", PhoneNumber: "+15550101", VerificationMethod: "mobile"}
)

func TestPublisher_BrokerPath(t *testing.T) {
	b := NewMockBroker(true)
	q := NewMockFallbackQueue()
	metrics := observability.NewInMemoryMetrics()

	res, err := newTestPublisher(b, q, metrics).PublishRegistration(context.Background(), emailUser, "123456")
	require.NoError(t, err)

	assert.Equal(t, PathBroker, res.Path)
	assert.Equal(t, "msg-1", res.MessageID)
	assert.Empty(t, q.GetEntries())
	assert.Equal(t, int64(1), metrics.Published.Load())

	published := b.GetPublished()
	require.Len(t, published, 1)
	assert.Equal(t, broker.RoutingKeyEmail, published[0].RoutingKey)
	assert.True(t, published[0].Persistent)

	var msg models.NotificationMessage
	require.NoError(t, json.Unmarshal(published[0].Body, &msg))
	assert.Equal(t, models.TypeRegistration, msg.NotificationType)
	assert.Equal(t, models.ChannelEmail, msg.Channel)
	assert.Equal(t, int64(7), msg.UserID)
	assert.Equal(t, "jane@example.com", msg.Email)
	assert.Empty(t, msg.PhoneNumber)
	assert.Equal(t, "123456", msg.OTP)
	assert.Zero(t, msg.AttemptCount)
}

func TestPublisher_MobileRoutesToSMS(t *testing.T) {
	b := NewMockBroker(true)

	_, err := newTestPublisher(b, NewMockFallbackQueue(), nil).PublishOTPResend(context.Background(), mobileUser, "654321")
	require.NoError(t, err)

	published := b.GetPublished()
	require.Len(t, published, 1)
	assert.Equal(t, broker.RoutingKeySMS, published[0].RoutingKey)

	var msg models.NotificationMessage
	require.NoError(t, json.Unmarshal(published[0].Body, &msg))
	assert.Equal(t, models.TypeOTPResend, msg.NotificationType)
	assert.Equal(t, "+15550101", msg.PhoneNumber)
}

func TestPublisher_ReconnectsOnceWhenDisconnected(t *testing.T) {
	b := NewMockBroker(false)
	q := NewMockFallbackQueue()

	res, err := newTestPublisher(b, q, nil).PublishRegistration(context.Background(), emailUser, "123456")
	require.NoError(t, err)

	assert.Equal(t, PathBroker, res.Path)
	assert.Equal(t, 1, b.ReconnectCalls)
	assert.Empty(t, q.GetEntries())
}

func TestPublisher_FallbackWhenBrokerDisconnected(t *testing.T) {
	b := NewMockBroker(false)
	b.ReconnectErr = broker.ErrBrokerUnavailable
	q := NewMockFallbackQueue()
	metrics := observability.NewInMemoryMetrics()

	res, err := newTestPublisher(b, q, metrics).PublishRegistration(context.Background(), emailUser, "123456")
	require.NoError(t, err, "fallback is success, not failure")

	assert.Equal(t, PathFallback, res.Path)
	assert.Equal(t, "entry-1", res.FallbackID)
	assert.Equal(t, 1, b.ReconnectCalls)
	assert.Empty(t, b.GetPublished())

	entries := q.GetEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, broker.RoutingKeyEmail, entries[0].RoutingKey)

	var msg models.NotificationMessage
	require.NoError(t, json.Unmarshal(entries[0].Body, &msg))
	assert.Equal(t, "msg-1", msg.MessageID)
	assert.Equal(t, "jane@example.com", msg.Email)
	assert.Equal(t, "123456", msg.OTP)
	assert.Equal(t, int64(7), msg.UserID)

	assert.Equal(t, int64(1), metrics.PublishFailed.Load())
	assert.Equal(t, int64(1), metrics.FallbackEnqueued.Load())
}

func TestPublisher_FallbackWhenPublishFails(t *testing.T) {
	b := NewMockBroker(true)
	b.PublishErr = errors.New("publish timeout")
	q := NewMockFallbackQueue()

	res, err := newTestPublisher(b, q, nil).PublishRegistration(context.Background(), mobileUser, "123456")
	require.NoError(t, err)

	assert.Equal(t, PathFallback, res.Path)
	require.Len(t, q.GetEntries(), 1)
	assert.Equal(t, broker.RoutingKeySMS, q.GetEntries()[0].RoutingKey)
}

func TestPublisher_LostOnlyWhenBothFail(t *testing.T) {
	b := NewMockBroker(true)
	b.PublishErr = broker.ErrBrokerUnavailable
	q := NewMockFallbackQueue()
	q.EnqueueErr = errors.New("disk full")

	_, err := newTestPublisher(b, q, nil).PublishRegistration(context.Background(), emailUser, "123456")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotificationLost)
	assert.ErrorIs(t, err, broker.ErrBrokerUnavailable)
	assert.Contains(t, err.Error(), "disk full")
}

func TestPublisher_RejectsMissingRecipient(t *testing.T) {
	b := NewMockBroker(true)

	_, err := newTestPublisher(b, NewMockFallbackQueue(), nil).PublishRegistration(context.Background(), User{ID: 1, VerificationMethod: "mobile"}, "123456")
	assert.ErrorIs(t, err, ErrMalformedMessage)
	assert.Empty(t, b.GetPublished())
}

func TestPublisher_CancelledContextStillReachesFallback(t *testing.T) {
	b := NewMockBroker(true)
	b.PublishFunc = func(ctx context.Context, _ string, _ []byte) error {
		return fmt.Errorf("%w: await confirm: %w", broker.ErrBrokerUnavailable, ctx.Err())
	}
	q := NewMockFallbackQueue()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := newTestPublisher(b, q, nil).PublishRegistration(ctx, emailUser, "123456")
	require.NoError(t, err)

	assert.Equal(t, PathFallback, res.Path)
	assert.Equal(t, "entry-1", res.FallbackID)
	require.Len(t, q.GetEntries(), 1)
	assert.Equal(t, broker.RoutingKeyEmail, q.GetEntries()[0].RoutingKey)
}

func TestPublisher_ExpiredDeadlineStillReachesFallback(t *testing.T) {
	b := NewMockBroker(false)
	b.ReconnectErr = broker.ErrBrokerUnavailable
	q := NewMockFallbackQueue()

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	res, err := newTestPublisher(b, q, nil).PublishOTPResend(ctx, mobileUser, "654321")
	require.NoError(t, err)
	assert.Equal(t, PathFallback, res.Path)
	assert.Len(t, q.GetEntries(), 1)
}
