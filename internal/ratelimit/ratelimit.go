// Package ratelimit provides token-bucket limiting keyed by caller. The
// KOReader sync endpoint throttles inbound requests per client IP with
// Allow; outbound trackers pace their API calls with Wait.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// janitorPeriod is how often idle buckets are evicted.
const janitorPeriod = 10 * time.Minute

// KeyedRateLimiter hands out one token bucket per key, all sharing the
// same rate and burst.
type KeyedRateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a limiter allowing rps requests per second per key, with
// the given burst available up front.
func New(rps float64, burst int) *KeyedRateLimiter {
	krl := &KeyedRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(rps),
		burst:    burst,
		done:     make(chan struct{}),
	}
	go krl.janitor()
	return krl
}

// Allow reports whether a request under key fits the budget right now.
func (krl *KeyedRateLimiter) Allow(key string) bool {
	return krl.bucket(key).Allow()
}

// Wait blocks until the key's bucket has a token or the context ends.
func (krl *KeyedRateLimiter) Wait(ctx context.Context, key string) error {
	return krl.bucket(key).Wait(ctx)
}

// bucket returns the limiter for key, creating it on first use.
func (krl *KeyedRateLimiter) bucket(key string) *rate.Limiter {
	krl.mu.RLock()
	l, ok := krl.limiters[key]
	krl.mu.RUnlock()
	if ok {
		return l
	}

	krl.mu.Lock()
	defer krl.mu.Unlock()
	if l, ok = krl.limiters[key]; ok {
		return l
	}
	l = rate.NewLimiter(krl.limit, krl.burst)
	krl.limiters[key] = l
	return l
}

// Stop ends the janitor goroutine.
func (krl *KeyedRateLimiter) Stop() {
	krl.stopOnce.Do(func() {
		close(krl.done)
	})
}

// janitor periodically drops buckets that have refilled completely. An
// idle caller's full bucket is indistinguishable from a fresh one, so
// evicting it frees the map entry without loosening the limit. The sync
// endpoint sees arbitrary LAN and internet IPs, and the map must not
// grow with every address that ever connected.
func (krl *KeyedRateLimiter) janitor() {
	ticker := time.NewTicker(janitorPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-krl.done:
			return
		case <-ticker.C:
			krl.mu.Lock()
			for key, l := range krl.limiters {
				if l.Tokens() >= float64(krl.burst) {
					delete(krl.limiters, key)
				}
			}
			krl.mu.Unlock()
		}
	}
}
