package kafka

import (
	"context"
	"fmt"
	"sync"

	"go-notify/pkg/models"
)

// MockSink is a mock implementation of Sink for testing
type MockSink struct {
	mu          sync.RWMutex
	DeadLetters []models.DeadLetter
	SendFunc    func(ctx context.Context, dl models.DeadLetter) error
	FailCount   int
	failures    int
}

func NewMockSink() *MockSink {
	return &MockSink{
		DeadLetters: make([]models.DeadLetter, 0),
	}
}

func (m *MockSink) Send(ctx context.Context, dl models.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SendFunc != nil {
		return m.SendFunc(ctx, dl)
	}

	// Simulate failures for testing
	if m.FailCount > 0 {
		m.failures++
		if m.failures <= m.FailCount {
			return fmt.Errorf("simulated sink failure %d", m.failures)
		}
	}

	m.DeadLetters = append(m.DeadLetters, dl)
	return nil
}

func (m *MockSink) GetDeadLetters() []models.DeadLetter {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.DeadLetter, len(m.DeadLetters))
	copy(out, m.DeadLetters)
	return out
}

func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DeadLetters = make([]models.DeadLetter, 0)
	m.failures = 0
}
