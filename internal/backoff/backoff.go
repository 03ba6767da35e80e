// Package backoff computes retry delays for the retry engine and the block
// DAG runtime. All attempt numbers are 1-based: the delay returned for
// attempt N is the pause taken after the Nth failed attempt.
package backoff

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Kind selects the delay growth strategy.
type Kind string

const (
	KindNone        Kind = "none"
	KindLinear      Kind = "linear"
	KindExponential Kind = "exponential"
)

// ParseKind maps a configuration string to a Kind. The empty string means
// KindNone.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "", KindNone:
		return KindNone, nil
	case KindLinear:
		return KindLinear, nil
	case KindExponential:
		return KindExponential, nil
	default:
		return "", fmt.Errorf("unknown backoff kind: %q", s)
	}
}

// Delay returns the wait before the next attempt.
//
//	none        -> base
//	linear      -> base * attempt
//	exponential -> base * 2^(attempt-1)
//
// A non-zero cap bounds the result. Attempts below 1 are treated as 1.
func Delay(kind Kind, base time.Duration, attempt int, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch kind {
	case KindLinear:
		d = base * time.Duration(attempt)
	case KindExponential:
		d = base << uint(attempt-1)
	default:
		d = base
	}
	if cap > 0 && d > cap {
		d = cap
	}
	return d
}

// FullJitter returns a uniformly random duration in [0, d]. Used by pollers
// to avoid thundering-herd wakeups; the retry engine uses the exact delay.
func FullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// Sleep waits for d or until the context is canceled, returning the context
// error in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
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
