// Package cooldown models the resend countdown as a small state machine
// driven by a stored next-allowed-at timestamp and an injectable clock.
package cooldown

import (
	"time"
)

type State int

const (
	// Idle: no code has been requested yet
	Idle State = iota
	// Counting: a code was sent and the resend window has not elapsed
	Counting
	// Ready: the window elapsed, a new code may be requested
	Ready
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Counting:
		return "counting"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

type Clock func() time.Time

type Countdown struct {
	interval      time.Duration
	nextAllowedAt time.Time
	now           Clock
}

// New returns an idle countdown. A nil clock means time.Now.
func New(interval time.Duration, clock Clock) *Countdown {
	if clock == nil {
		clock = time.Now
	}
	return &Countdown{interval: interval, now: clock}
}

// Restore rebuilds a countdown from a persisted send timestamp
func Restore(interval time.Duration, lastSentAt time.Time, clock Clock) *Countdown {
	c := New(interval, clock)
	if !lastSentAt.IsZero() {
		c.nextAllowedAt = lastSentAt.Add(interval)
	}
	return c
}

func (c *Countdown) State() State {
	if c.nextAllowedAt.IsZero() {
		return Idle
	}
	if c.now().Before(c.nextAllowedAt) {
		return Counting
	}
	return Ready
}

// Remaining is zero unless the countdown is counting
func (c *Countdown) Remaining() time.Duration {
	if c.State() != Counting {
		return 0
	}
	return c.nextAllowedAt.Sub(c.now())
}

// NextAllowedAt is zero while idle
func (c *Countdown) NextAllowedAt() time.Time {
	return c.nextAllowedAt
}
