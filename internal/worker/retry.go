package worker

import (
	"math"
	"time"
)

// RetryPolicy is the backoff applied to a failed roster sync task.
// Attempts are 1-based; a task is dead-lettered once it reaches MaxRetries.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRosterRetry spreads five attempts over roughly half a minute,
// enough to ride out Sheets API quota errors.
var DefaultRosterRetry = RetryPolicy{
	MaxRetries:    5,
	InitialDelay:  2 * time.Second,
	MaxDelay:      time.Minute,
	BackoffFactor: 2,
}

// withDefaults fills unset fields from DefaultRosterRetry.
func (r RetryPolicy) withDefaults() RetryPolicy {
	if r.MaxRetries <= 0 {
		r.MaxRetries = DefaultRosterRetry.MaxRetries
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = DefaultRosterRetry.InitialDelay
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = DefaultRosterRetry.MaxDelay
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = DefaultRosterRetry.BackoffFactor
	}
	return r
}

// Exhausted reports whether a task on this attempt goes to the dead-letter list.
func (r RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= r.MaxRetries
}

// NextDelay is the wait before the given attempt, capped at MaxDelay.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := r.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	factor := r.BackoffFactor
	if factor <= 0 {
		factor = 2
	}

	d := time.Duration(float64(initial) * math.Pow(factor, float64(attempt-1)))
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}

// RetryAt is when a task failing now on attempt becomes due again.
func (r RetryPolicy) RetryAt(now time.Time, attempt int) time.Time {
	return now.Add(r.NextDelay(attempt))
}
