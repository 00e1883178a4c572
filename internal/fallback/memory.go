package fallback

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps entries in process memory. Entries do not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (s *MemoryStore) Create(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[e.ID]; ok {
		return fmt.Errorf("fallback entry %s already exists", e.ID)
	}
	e.Message = append([]byte(nil), e.Message...)
	s.entries[e.ID] = &e
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return *e, nil
}

func (s *MemoryStore) Claim(_ context.Context, now time.Time, limit int, lease time.Duration) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Entry
	for _, e := range s.entries {
		if isDue(*e, now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		return due[i].EnqueuedAt.Before(due[j].EnqueuedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]Entry, 0, len(due))
	for _, e := range due {
		e.Status = StatusProcessing
		e.LockedUntil = now.Add(lease)
		claimed = append(claimed, *e)
	}
	return claimed, nil
}

func isDue(e Entry, now time.Time) bool {
	switch e.Status {
	case StatusPending:
		return !e.NextAttemptAt.After(now)
	case StatusProcessing:
		return !e.LockedUntil.After(now)
	default:
		return false
	}
}

func (s *MemoryStore) Complete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return ErrNotFound
	}
	delete(s.entries, id)
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, id string, lastErr string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.RetryCount++
	e.LastError = lastErr
	e.NextAttemptAt = nextAttemptAt
	e.Status = StatusPending
	e.LockedUntil = time.Time{}
	return nil
}

func (s *MemoryStore) Bury(_ context.Context, id string, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.RetryCount++
	e.LastError = lastErr
	e.Status = StatusDead
	e.LockedUntil = time.Time{}
	return nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	for _, e := range s.entries {
		switch e.Status {
		case StatusPending:
			st.Pending++
		case StatusProcessing:
			st.Processing++
		case StatusDead:
			st.Dead++
		}
	}
	return st, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
