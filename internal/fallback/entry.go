package fallback

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("fallback entry not found")

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDead       Status = "dead"
)

// Entry is a notification the broker did not accept. It is deleted once
// delivered and marked dead after MaxRetries failed attempts.
type Entry struct {
	ID            string
	RoutingKey    string
	Message       []byte
	EnqueuedAt    time.Time
	RetryCount    int
	MaxRetries    int
	NextAttemptAt time.Time
	LastError     string
	Status        Status
	LockedUntil   time.Time
}

type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

// Store persists fallback entries.
//
// Claim returns up to limit entries that are due at now, either pending or
// processing with an expired lease, and leases them until now+lease.
type Store interface {
	Create(ctx context.Context, e Entry) error
	Get(ctx context.Context, id string) (Entry, error)
	Claim(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Entry, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, lastErr string, nextAttemptAt time.Time) error
	Bury(ctx context.Context, id string, lastErr string) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
