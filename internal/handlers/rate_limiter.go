package handlers

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type rateLimiter interface {
	Allow(key string) bool
}

// keyedRateLimiter holds one token bucket per key. Buckets idle for longer than idleTTL are dropped.
type keyedRateLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	clock   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	sweptAt time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newKeyedRateLimiter allows perMinute requests per key per minute with a burst of the same size. A
// non-positive perMinute disables limiting.
func newKeyedRateLimiter(perMinute int, clock func() time.Time) rateLimiter {
	if perMinute <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &keyedRateLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   perMinute,
		idleTTL: 10 * time.Minute,
		clock:   clock,
		buckets: make(map[string]*bucket),
	}
}

func (l *keyedRateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.sweepLocked(now)
	return b.limiter.AllowN(now, 1)
}

func (l *keyedRateLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.sweptAt) < l.idleTTL {
		return
	}
	l.sweptAt = now
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idleTTL {
			delete(l.buckets, key)
		}
	}
}
