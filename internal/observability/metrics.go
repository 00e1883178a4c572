package observability

import (
	"sync/atomic"
)

// MetricsCollector provides hooks for metrics collection
// Can be implemented to integrate with Prometheus, StatsD, etc.
type MetricsCollector interface {
	IncPublished()
	IncPublishFailed()
	IncFallbackEnqueued()
	IncReceived()
	IncDelivered()
	IncRetried()
	IncDeadLettered()
	IncThrottled()
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Published        int64 `json:"published"`
	PublishFailed    int64 `json:"publish_failed"`
	FallbackEnqueued int64 `json:"fallback_enqueued"`
	Received         int64 `json:"received"`
	Delivered        int64 `json:"delivered"`
	Retried          int64 `json:"retried"`
	DeadLettered     int64 `json:"dead_lettered"`
	Throttled        int64 `json:"throttled"`
}

// InMemoryMetrics is a simple in-memory implementation for testing/demo
type InMemoryMetrics struct {
	Published        atomic.Int64
	PublishFailed    atomic.Int64
	FallbackEnqueued atomic.Int64
	Received         atomic.Int64
	Delivered        atomic.Int64
	Retried          atomic.Int64
	DeadLettered     atomic.Int64
	Throttled        atomic.Int64
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{}
}

func (m *InMemoryMetrics) IncPublished() {
	m.Published.Add(1)
}

func (m *InMemoryMetrics) IncPublishFailed() {
	m.PublishFailed.Add(1)
}

func (m *InMemoryMetrics) IncFallbackEnqueued() {
	m.FallbackEnqueued.Add(1)
}

func (m *InMemoryMetrics) IncReceived() {
	m.Received.Add(1)
}

func (m *InMemoryMetrics) IncDelivered() {
	m.Delivered.Add(1)
}

func (m *InMemoryMetrics) IncRetried() {
	m.Retried.Add(1)
}

func (m *InMemoryMetrics) IncDeadLettered() {
	m.DeadLettered.Add(1)
}

func (m *InMemoryMetrics) IncThrottled() {
	m.Throttled.Add(1)
}

func (m *InMemoryMetrics) Snapshot() Snapshot {
	return Snapshot{
		Published:        m.Published.Load(),
		PublishFailed:    m.PublishFailed.Load(),
		FallbackEnqueued: m.FallbackEnqueued.Load(),
		Received:         m.Received.Load(),
		Delivered:        m.Delivered.Load(),
		Retried:          m.Retried.Load(),
		DeadLettered:     m.DeadLettered.Load(),
		Throttled:        m.Throttled.Load(),
	}
}
