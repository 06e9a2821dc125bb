package backoff

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	mrand "math/rand/v2"
	"time"
)

const maxShift = 62

// Exponential returns base * 2^attempt, saturating instead of overflowing.
// Negative attempts count as zero.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt

	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(int64(base) * multiplier)
}

// FullJitter returns a random duration in [0, delay).
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(delay)))
	if err != nil {
		return time.Duration(mrand.Int64N(int64(delay))) // #nosec G404 -- jitter only
	}

	return time.Duration(n.Int64())
}

// ExponentialWithJitter applies full jitter to Exponential(base, attempt).
func ExponentialWithJitter(base time.Duration, attempt int) time.Duration {
	return FullJitter(Exponential(base, attempt))
}

// Policy is a capped exponential schedule.
type Policy struct {
	Base time.Duration
	Max  time.Duration
	// Jitter spreads each delay over [delay/2, delay).
	Jitter bool
}

// Delay returns the wait before retry number attempt (zero-based).
func (p Policy) Delay(attempt int) time.Duration {
	delay := Exponential(p.Base, attempt)
	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}

	if p.Jitter && delay > 1 {
		half := delay / 2
		delay = half + FullJitter(delay-half)
	}

	return delay
}

// WaitContext sleeps for duration unless ctx ends first.
// Zero or negative durations return immediately.
func WaitContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
