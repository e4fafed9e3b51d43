package retry

import (
	"context"
	"testing"
	"time"
)

func immediateTimeAfter(time.Duration) <-chan time.Time {
	c := make(chan time.Time, 1)
	c <- time.Now()
	return c
}

func TestBackoffRetries(t *testing.T) {
	ctx := context.Background()
	backoff := BackoffHandler{maxRetries: 3, Clock: Clock{Now: time.Now, After: immediateTimeAfter}}

	if !backoff.Backoff(ctx) {
		t.Fatalf("backoff failed immediately")
	}
	if !backoff.Backoff(ctx) {
		t.Fatalf("backoff failed after 1 retry")
	}
	if !backoff.Backoff(ctx) {
		t.Fatalf("backoff failed after 2 retries")
	}
	if backoff.Backoff(ctx) {
		t.Fatalf("backoff allowed more than maxRetries")
	}
	if !backoff.ReachedMaxRetries() {
		t.Fatalf("backoff did not report exhaustion")
	}
}

func TestBackoffCancelContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	backoff := BackoffHandler{maxRetries: 3, Clock: Clock{Now: time.Now, After: time.After}}

	if backoff.Backoff(ctx) {
		t.Fatalf("backoff allowed after cancelled context")
	}
}

func TestBackoffFixedInterval(t *testing.T) {
	var waited []time.Duration
	after := func(d time.Duration) <-chan time.Time {
		waited = append(waited, d)
		return immediateTimeAfter(d)
	}
	ctx := context.Background()
	backoff := BackoffHandler{maxRetries: 3, interval: 2 * time.Second, Clock: Clock{Now: time.Now, After: after}}

	for i := 0; i < 3; i++ {
		if !backoff.Backoff(ctx) {
			t.Fatalf("backoff failed on retry %d", i)
		}
	}
	for i, d := range waited {
		if d != 2*time.Second {
			t.Fatalf("retry %d waited %v, want fixed 2s", i, d)
		}
	}
}

func TestBackoffDefaultInterval(t *testing.T) {
	backoff := NewBackoff(1, 0, false)
	if backoff.Interval() != DefaultInterval {
		t.Fatalf("zero interval did not fall back to default")
	}
}

func TestBackoffRetryForever(t *testing.T) {
	ctx := context.Background()
	backoff := BackoffHandler{maxRetries: 1, retryForever: true, Clock: Clock{Now: time.Now, After: immediateTimeAfter}}

	for i := 0; i < 5; i++ {
		if !backoff.Backoff(ctx) {
			t.Fatalf("backoff refused retry %d with retryForever set", i)
		}
	}
	if backoff.Retries() != 1 {
		t.Fatalf("retries kept counting past maxRetries: %d", backoff.Retries())
	}
}

func TestBackoffReset(t *testing.T) {
	ctx := context.Background()
	backoff := BackoffHandler{maxRetries: 2, Clock: Clock{Now: time.Now, After: immediateTimeAfter}}

	if !backoff.Backoff(ctx) || !backoff.Backoff(ctx) {
		t.Fatalf("backoff failed within maxRetries")
	}
	if backoff.Backoff(ctx) {
		t.Fatalf("backoff allowed more than maxRetries")
	}

	backoff.ResetNow()

	if !backoff.Backoff(ctx) {
		t.Fatalf("backoff failed after reset")
	}
	if backoff.Retries() != 1 {
		t.Fatalf("reset did not clear the retry counter")
	}
}
