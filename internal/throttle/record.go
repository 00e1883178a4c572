// Package throttle limits requests per source IP with a fixed window counter
// that escalates to a temporary block.
package throttle

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrBlocked  = errors.New("too many requests")
	ErrNotFound = errors.New("throttle record not found")
)

// Record is the per-IP throttle state. It is created on the first request
// and only ever updated afterwards.
type Record struct {
	IP         string     `json:"ip"`
	Counts     int        `json:"counts"`
	TotalHits  int64      `json:"total_hits"`
	LastSeen   time.Time  `json:"last_seen"`
	BlockUntil *time.Time `json:"block_until,omitempty"`
	Country    *string    `json:"country,omitempty"`
}

// Blocked reports whether a block is still in force at now.
func (r Record) Blocked(now time.Time) bool {
	return r.BlockUntil != nil && now.Before(*r.BlockUntil)
}

type Policy struct {
	MaxAttempts int
	DecayWindow time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, DecayWindow: time.Minute}
}

// Decision is the outcome of a single request. RetryAfter is set for
// rejected requests and for the request that triggered a block.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Record     Record
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

// Err returns ErrBlocked for rejected requests.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: retry after %ds", ErrBlocked, d.RetryAfterSeconds())
}

// Apply advances rec by one request at now. A nil rec is a fresh IP.
func (p Policy) Apply(ip string, rec *Record, now time.Time) Decision {
	r := Record{IP: ip}
	if rec != nil {
		r = *rec
	}
	r.TotalHits++

	if r.BlockUntil != nil && !now.Before(*r.BlockUntil) {
		r.BlockUntil = nil
		r.Counts = 0
	}

	if r.Blocked(now) {
		return Decision{Allowed: false, RetryAfter: r.BlockUntil.Sub(now), Record: r}
	}

	if !r.LastSeen.IsZero() && now.Sub(r.LastSeen) >= p.DecayWindow {
		r.Counts = 0
	}
	r.Counts++
	r.LastSeen = now

	d := Decision{Allowed: true}
	if r.Counts > p.MaxAttempts {
		until := now.Add(p.DecayWindow)
		r.BlockUntil = &until
		d.RetryAfter = p.DecayWindow
	}
	d.Record = r
	return d
}
