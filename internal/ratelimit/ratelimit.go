// Package ratelimit provides a per-IP token-bucket limiter for the relay's
// WebSocket upgrade path.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// defaultRPS bounds how often a single IP may open a new WebSocket
	// upgrade; burst absorbs a browser tab's reconnect retries without
	// penalizing the agent's own reconnect loop.
	defaultRPS   = 5
	defaultBurst = 10

	// idleEvictAfter prunes limiters for IPs that have gone quiet, so the
	// map doesn't grow without bound across the relay's lifetime.
	idleEvictAfter = 10 * time.Minute
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks one token bucket per client IP.
type Limiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*entry
}

// New constructs a Limiter using the default rate and burst.
func New() *Limiter {
	return NewWithRate(defaultRPS, defaultBurst)
}

// NewWithRate constructs a Limiter with an explicit rate (requests/sec) and
// burst, for tests and non-default deployments.
func NewWithRate(rps float64, burst int) *Limiter {
	return &Limiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		entries: make(map[string]*entry),
	}
}

// Allow reports whether the given IP may proceed, consuming one token if so.
func (l *Limiter) Allow(ip string) bool {
	l.mu.Lock()
	e, ok := l.entries[ip]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.entries[ip] = e
	}
	e.lastSeen = time.Now()
	l.evictLocked()
	l.mu.Unlock()

	return e.limiter.Allow()
}

// evictLocked must be called with l.mu held. It drops limiters that have
// been idle past idleEvictAfter.
func (l *Limiter) evictLocked() {
	now := time.Now()
	for ip, e := range l.entries {
		if now.Sub(e.lastSeen) > idleEvictAfter {
			delete(l.entries, ip)
		}
	}
}
