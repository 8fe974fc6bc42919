package relayclient

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: base*2^attempt, capped at max, with
// +/-10% jitter so a fleet of agents doesn't reconnect to the relay in
// lockstep after a shared outage.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	attempt int
}

// NewBackoff constructs a Backoff starting at base and capping at max.
func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max}
}

// Next returns the next delay and advances the attempt counter.
func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d <= 0 || d > b.Max {
		d = b.Max
	}
	b.attempt++
	return jitter(d)
}

// Reset zeroes the attempt counter, called after a successful registration.
func (b *Backoff) Reset() {
	b.attempt = 0
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * 0.10
	offset := (rand.Float64()*2 - 1) * delta
	return d + time.Duration(offset)
}
