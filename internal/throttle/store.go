package throttle

import (
	"context"
	"sync"
	"time"
)

// Store persists throttle records. Hit must apply the policy atomically per IP.
type Store interface {
	Hit(ctx context.Context, ip string, policy Policy, now time.Time) (Decision, error)
	Get(ctx context.Context, ip string) (Record, error)
	SetCountry(ctx context.Context, ip, country string) error
	Close() error
}

type memoryEntry struct {
	mu  sync.Mutex
	rec *Record
}

// MemoryStore keeps records in process memory behind a lock per IP.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) entry(ip string) *memoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[ip]
	if !ok {
		e = &memoryEntry{}
		s.entries[ip] = e
	}
	return e
}

func (s *MemoryStore) Hit(_ context.Context, ip string, policy Policy, now time.Time) (Decision, error) {
	e := s.entry(ip)
	e.mu.Lock()
	defer e.mu.Unlock()

	d := policy.Apply(ip, e.rec, now)
	rec := d.Record
	e.rec = &rec
	return d, nil
}

func (s *MemoryStore) Get(_ context.Context, ip string) (Record, error) {
	e := s.entry(ip)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec == nil {
		return Record{}, ErrNotFound
	}
	return *e.rec, nil
}

func (s *MemoryStore) SetCountry(_ context.Context, ip, country string) error {
	e := s.entry(ip)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec == nil {
		return ErrNotFound
	}
	e.rec.Country = &country
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
