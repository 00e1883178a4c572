package notification

import (
	"context"
	"fmt"
	"sync"

	"go-notify/internal/broker"
	"go-notify/internal/delivery/sms"
)

type PublishedMessage struct {
	RoutingKey string
	Body       []byte
	Persistent bool
}

// MockBroker is a mock implementation of BrokerClient for testing
type MockBroker struct {
	mu             sync.Mutex
	Connected      bool
	ReconnectErr   error
	PublishErr     error
	PublishFunc    func(ctx context.Context, routingKey string, body []byte) error
	Published      []PublishedMessage
	ReconnectCalls int
}

func NewMockBroker(connected bool) *MockBroker {
	return &MockBroker{Connected: connected}
}

func (m *MockBroker) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Connected
}

func (m *MockBroker) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ReconnectCalls++
	if m.ReconnectErr != nil {
		return m.ReconnectErr
	}
	m.Connected = true
	return nil
}

func (m *MockBroker) Publish(ctx context.Context, routingKey string, body []byte, persistent bool, _ ...broker.PublishOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishFunc != nil {
		if err := m.PublishFunc(ctx, routingKey, body); err != nil {
			return err
		}
	} else if m.PublishErr != nil {
		return m.PublishErr
	}
	if !m.Connected {
		return fmt.Errorf("%w: not connected", broker.ErrBrokerUnavailable)
	}

	m.Published = append(m.Published, PublishedMessage{RoutingKey: routingKey, Body: body, Persistent: persistent})
	return nil
}

func (m *MockBroker) GetPublished() []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PublishedMessage, len(m.Published))
	copy(out, m.Published)
	return out
}

type QueuedEntry struct {
	ID         string
	RoutingKey string
	Body       []byte
}

// MockFallbackQueue is a mock implementation of FallbackQueue for testing
type MockFallbackQueue struct {
	mu         sync.Mutex
	EnqueueErr error
	Entries    []QueuedEntry
}

func NewMockFallbackQueue() *MockFallbackQueue {
	return &MockFallbackQueue{}
}

// Enqueue fails like a database driver would when ctx is already done.
func (m *MockFallbackQueue) Enqueue(ctx context.Context, routingKey string, body []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.EnqueueErr != nil {
		return "", m.EnqueueErr
	}
	id := fmt.Sprintf("entry-%d", len(m.Entries)+1)
	m.Entries = append(m.Entries, QueuedEntry{ID: id, RoutingKey: routingKey, Body: body})
	return id, nil
}

func (m *MockFallbackQueue) GetEntries() []QueuedEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]QueuedEntry, len(m.Entries))
	copy(out, m.Entries)
	return out
}

// MockEmailSender is a mock implementation of email.Sender for testing
type MockEmailSender struct {
	mu       sync.Mutex
	SendFunc func(ctx context.Context, recipient, otp string) error
	Sent     []string
}

func (m *MockEmailSender) Send(ctx context.Context, recipient, otp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SendFunc != nil {
		if err := m.SendFunc(ctx, recipient, otp); err != nil {
			return err
		}
	}
	m.Sent = append(m.Sent, recipient)
	return nil
}

// MockSMSSender is a mock implementation of sms.Sender for testing
type MockSMSSender struct {
	mu         sync.Mutex
	Configured bool
	Result     *sms.Result
	Err        error
	Sent       []string
}

func (m *MockSMSSender) IsConfigured() bool {
	return m.Configured
}

func (m *MockSMSSender) SendOTP(ctx context.Context, phone, otp string) (sms.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return sms.Result{Error: m.Err.Error()}, m.Err
	}
	if m.Result != nil {
		return *m.Result, nil
	}
	m.Sent = append(m.Sent, phone)
	return sms.Result{Success: true}, nil
}
