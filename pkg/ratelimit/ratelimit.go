// Package ratelimit implements the API's two throttles: a per-client-IP
// token bucket and the per-URL scan cooldown.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter hands out one token-bucket limiter per client key (normally
// the remote IP) and drops idle buckets after an expiry window.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*clientBucket
	rps      rate.Limit
	burst    int
	lifetime time.Duration
	now      func() time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter allows max requests per window for each client key.
func NewLimiter(max int, window time.Duration) *Limiter {
	if max <= 0 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		buckets:  make(map[string]*clientBucket),
		rps:      rate.Limit(float64(max) / window.Seconds()),
		burst:    max,
		lifetime: 3 * window,
		now:      time.Now,
	}
}

// Allow reports whether the client identified by key may proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = l.now()

	// Opportunistic cleanup keeps the map bounded without a sweeper
	// goroutine.
	if len(l.buckets) > 10000 {
		l.evictIdle()
	}

	return b.limiter.Allow()
}

func (l *Limiter) evictIdle() {
	cutoff := l.now().Add(-l.lifetime)
	for k, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}

// CooldownRemaining computes how long a caller must wait before
// re-scanning a URL, given the most recent scan's creation time. A zero
// return means no cooldown applies.
func CooldownRemaining(lastCreatedAt time.Time, cooldown time.Duration, now time.Time) time.Duration {
	if lastCreatedAt.IsZero() || cooldown <= 0 {
		return 0
	}
	elapsed := now.Sub(lastCreatedAt)
	if elapsed >= cooldown {
		return 0
	}
	return cooldown - elapsed
}

// RetryAfterSeconds rounds a remaining cooldown up to whole seconds for
// the Retry-After response field; a live cooldown never reports zero.
func RetryAfterSeconds(remaining time.Duration) int {
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Seconds()))
}
