// Package retry implements the bounded fixed-interval retry policy used by
// the client engine when it loses its connection.
package retry

import (
	"context"
	"time"
)

const DefaultInterval = 5 * time.Second

// Clock redeclares the time functions so tests can inject their own.
type Clock struct {
	Now   func() time.Time
	After func(d time.Duration) <-chan time.Time
}

// BackoffHandler spaces attempts by a constant interval and limits how many
// are made. Not safe for concurrent use.
type BackoffHandler struct {
	// maxRetries caps the attempts; zero disables retrying entirely.
	maxRetries uint
	// retryForever ignores maxRetries and keeps going at the interval.
	retryForever bool
	// interval is the pause between attempts; zero means DefaultInterval.
	interval time.Duration

	retries uint

	Clock Clock
}

func NewBackoff(maxRetries uint, interval time.Duration, retryForever bool) BackoffHandler {
	return BackoffHandler{
		maxRetries:   maxRetries,
		interval:     interval,
		retryForever: retryForever,
		Clock:        Clock{Now: time.Now, After: time.After},
	}
}

// Backoff consumes one attempt and waits out the interval. It returns false
// without waiting when the attempt budget is spent or ctx ends first.
func (b *BackoffHandler) Backoff(ctx context.Context) bool {
	if b.retries >= b.maxRetries {
		if !b.retryForever {
			return false
		}
	} else {
		b.retries++
	}
	select {
	case <-b.Clock.After(b.Interval()):
		return true
	case <-ctx.Done():
		return false
	}
}

// Interval reports the configured pause, substituting the default for zero.
func (b *BackoffHandler) Interval() time.Duration {
	if b.interval == 0 {
		return DefaultInterval
	}
	return b.interval
}

// Retries reports how many attempts have been consumed.
func (b *BackoffHandler) Retries() int {
	return int(b.retries)
}

// ReachedMaxRetries reports whether the attempt budget is spent.
func (b *BackoffHandler) ReachedMaxRetries() bool {
	return b.retries == b.maxRetries
}

// ResetNow restores the full attempt budget, typically after a successful
// reconnect.
func (b *BackoffHandler) ResetNow() {
	b.retries = 0
}
