// Package backoff provides exponential backoff utilities with jitter support
// for retry scheduling.
package backoff

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	mrand "math/rand/v2"
	"time"
)

const maxShift = 62

// Exponential calculates exponential delay based on attempt number.
// The delay is calculated as base * 2^attempt with overflow protection.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1 << attempt)

	baseInt := int64(base)
	if baseInt > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(baseInt * multiplier)
}

// ExponentialCapped is Exponential clamped to maxDelay when maxDelay > 0.
func ExponentialCapped(base, maxDelay time.Duration, attempt int) time.Duration {
	delay := Exponential(base, attempt)

	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}

	return delay
}

// FullJitter returns a random duration in the range [0, delay).
// Uses crypto/rand for secure randomness, falling back to a seeded PRNG if
// crypto fails. Returns 0 for zero or negative delays.
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(delay)))
	if err != nil {
		return time.Duration(cryptoFallbackRand(int64(delay)))
	}

	return time.Duration(n.Int64())
}

// ProportionalJitter perturbs delay uniformly within ±fraction of itself,
// e.g. fraction 0.1 yields a value in [0.9*delay, 1.1*delay]. This spreads
// retries of entries that failed in the same batch without distorting the
// exponential schedule the way full jitter would.
func ProportionalJitter(delay time.Duration, fraction float64) time.Duration {
	if delay <= 0 || fraction <= 0 {
		return delay
	}

	if fraction > 1 {
		fraction = 1
	}

	span := int64(float64(delay) * fraction)
	if span <= 0 {
		return delay
	}

	offset := FullJitter(time.Duration(2*span + 1))

	return delay - time.Duration(span) + offset
}

// fallbackDivisor is used when crypto/rand fails completely.
const fallbackDivisor = 2

// cryptoFallbackRand provides a fallback random number generator when
// crypto/rand fails. It first tries to seed a PRNG from raw crypto bytes and,
// failing that too, returns the midpoint so jitter never stalls a retry.
func cryptoFallbackRand(maxValue int64) int64 {
	var seed [8]byte

	_, err := rand.Read(seed[:])
	if err != nil {
		return maxValue / fallbackDivisor
	}

	rng := mrand.New(
		mrand.NewPCG(binary.LittleEndian.Uint64(seed[:]), 0),
	) // #nosec G404 -- Fallback when crypto/rand fails

	return rng.Int64N(maxValue)
}

// WaitContext sleeps for the specified duration but respects context
// cancellation. Returns immediately (nil) for zero or negative durations.
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
