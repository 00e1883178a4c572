package retry

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// ============================================================================
// Retry Policy
// ============================================================================

type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         bool
}

// Validate rejects a policy whose backoff cannot grow or whose bounds are inverted.
func (p Policy) Validate() error {
	if p.MaxAttempts < 0 {
		return errors.New("maxAttempts cannot be negative")
	}
	if p.InitialBackoff < 0 {
		return errors.New("initialBackoff cannot be negative")
	}
	if p.MaxBackoff < p.InitialBackoff {
		return errors.New("maxBackoff must be at least initialBackoff")
	}
	if p.BackoffFactor < 1 {
		return errors.New("backoffFactor must be at least 1")
	}
	return nil
}

// Backoff returns the delay before the given zero-based attempt, capped at MaxBackoff.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}

	raw := float64(p.InitialBackoff) * math.Pow(factor, float64(attempt))
	if raw > float64(p.MaxBackoff) || math.IsInf(raw, 0) {
		raw = float64(p.MaxBackoff)
	}
	backoff := time.Duration(raw)

	if p.Jitter && backoff > 0 {
		maxJitter := backoff / 4
		if maxJitter > 0 {
			backoff += time.Duration(rand.Int63n(int64(maxJitter)))
			if backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
		}
	}

	return backoff
}

// Exhausted reports whether attempts has used up the budget.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// ============================================================================
// Error Classification
// ============================================================================

// PermanentError marks a failure that retrying cannot fix
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent error: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so IsPermanent reports true. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent checks if error is permanent
func IsPermanent(err error) bool {
	var permanentErr *PermanentError
	return errors.As(err, &permanentErr)
}
