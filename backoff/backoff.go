// Package backoff computes the next execution time of a retry job.
//
// A Strategy maps (last execution, attempt count, interval) to the moment the
// job becomes due again:
//
//	fixed:       last + interval
//	incremental: last + interval*attempt
//	fibonacci:   last + interval*F, with F = 1, 1, 2, 3, 5, 8, ...
//
// Attempts start at 1 and count the original, pre-retry call.
package backoff

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Strategy names a backoff policy.
type Strategy string

const (
	// Fixed waits the same interval between attempts: 60s, 60s, 60s, ...
	Fixed Strategy = "fixed"

	// Incremental grows the wait linearly with the attempt count: 60s, 120s, 180s, ...
	Incremental Strategy = "incremental"

	// Fibonacci grows the wait along the fibonacci sequence: 60s, 60s, 120s, 180s, 300s, ...
	Fibonacci Strategy = "fibonacci"
)

// Default is the strategy used when none is configured.
const Default = Fixed

// DefaultInterval is the interval used when none is configured.
const DefaultInterval = 60 * time.Second

// MaxIncrement caps every computed wait; larger products saturate here.
const MaxIncrement = time.Duration(math.MaxInt64)

// Strategies lists every supported strategy.
func Strategies() []Strategy {
	return []Strategy{Fixed, Incremental, Fibonacci}
}

// Parse resolves a strategy name case-insensitively.
func Parse(name string) (Strategy, error) {
	s := Strategy(strings.ToLower(strings.TrimSpace(name)))
	switch s {
	case Fixed, Incremental, Fibonacci:
		return s, nil
	case "":
		return Default, nil
	default:
		return "", fmt.Errorf("unknown backoff strategy %q", name)
	}
}

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case Fixed, Incremental, Fibonacci:
		return true
	default:
		return false
	}
}

func (s Strategy) String() string {
	return string(s)
}

// Next returns the time the next attempt is due.
//
// An attempt below 1 is treated as 1. A non-positive interval yields last
// unchanged. Unknown strategies behave like Fixed.
func (s Strategy) Next(last time.Time, attempt int, interval time.Duration) time.Time {
	return last.Add(s.Increment(attempt, interval))
}

// NextFromNow is Next anchored to the current time.
func (s Strategy) NextFromNow(attempt int, interval time.Duration) time.Time {
	return s.Next(time.Now(), attempt, interval)
}

// Increment returns the wait added to the last execution time, saturating at
// MaxIncrement.
func (s Strategy) Increment(attempt int, interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	switch s {
	case Incremental:
		if interval > MaxIncrement/time.Duration(attempt) {
			return MaxIncrement
		}
		return interval * time.Duration(attempt)
	case Fibonacci:
		return fibonacci(attempt, interval)
	default:
		return interval
	}
}

// fibonacci seeds (slow, fast) with (interval, 2*interval) and advances the
// pair attempt-3 times; attempts 1 and 2 wait a single interval.
func fibonacci(attempt int, interval time.Duration) time.Duration {
	if attempt <= 2 {
		return interval
	}
	if interval > MaxIncrement-interval {
		return MaxIncrement
	}
	slow, fast := interval, 2*interval
	for i := 3; i < attempt; i++ {
		if fast > MaxIncrement-slow {
			return MaxIncrement
		}
		slow, fast = fast, fast+slow
	}
	return fast
}
