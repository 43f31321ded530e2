package utils

import (
	"context"
	"log/slog"
	"time"
)

// Backoff polls a condition with exponentially increasing sleeps
type Backoff struct {
	// Initial is the first sleep between polls
	Initial time.Duration
	// Max caps the sleep between polls
	Max time.Duration
	// WarnAfter is the time spent waiting before the first warning is logged. Each later
	// warning is logged after twice as long as the previous one. Zero disables warnings.
	WarnAfter time.Duration
}

// DefaultBackoff polls from 1µs doubling to 1ms, warning after one second
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:   time.Microsecond,
		Max:       time.Millisecond,
		WarnAfter: time.Second,
	}
}

func (b Backoff) normalized() Backoff {
	if b.Initial <= 0 {
		b.Initial = time.Microsecond
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	return b
}

// Wait blocks until done returns true. It never gives up, but logs a warning to logger with
// the given message each time the wait passes the next warning threshold.
func (b Backoff) Wait(logger *slog.Logger, message string, done func() bool) {
	b = b.normalized()
	start := time.Now()
	delay := b.Initial
	nextWarn := b.WarnAfter

	for !done() {
		time.Sleep(delay)
		delay = min(delay*2, b.Max)

		elapsed := time.Since(start)
		if nextWarn > 0 && elapsed >= nextWarn {
			logger.LogAttrs(context.Background(), slog.LevelWarn, message,
				slog.Duration("elapsed", elapsed),
			)
			nextWarn *= 2
		}
	}
}

// WaitTimeout blocks until done returns true or timeout elapses, returning whether done
// was observed. A negative timeout waits forever.
func (b Backoff) WaitTimeout(timeout time.Duration, done func() bool) bool {
	b = b.normalized()
	if done() {
		return true
	}

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	delay := b.Initial

	for {
		if timeout >= 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return false
			}
			delay = min(delay, remaining)
		}
		time.Sleep(delay)
		if done() {
			return true
		}
		delay = min(delay*2, b.Max)
	}
}
