package relay

import (
	"context"
	"math/rand/v2"
	"time"
)

// Clock abstracts time so retry/backoff timing is testable without real
// timers. The executor only ever waits through Sleep, which must honor
// context cancellation.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SystemClock returns the wall-clock implementation used outside tests.
func SystemClock() Clock { return systemClock{} }

const (
	backoffBase = time.Second
	backoffCap  = 32 * time.Second
	jitterSpan  = time.Second
)

// backoffDelay computes the exponential delay before the attempt after the
// given zero-based failed attempt: min(2^attempt * 1s, 32s). Jitter is added
// by the caller so tests can pin it.
func backoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 2^6 s already exceeds the cap; avoid shifting into overflow.
	if attempt > 5 {
		return backoffCap
	}
	delay := backoffBase << uint(attempt)
	if delay > backoffCap {
		return backoffCap
	}
	return delay
}

// defaultJitter spreads retries across a one second window so synchronized
// clients do not produce retry storms.
func defaultJitter() time.Duration {
	return time.Duration(rand.Int64N(int64(jitterSpan)))
}
