/*
Package limiter provides token-bucket rate limiting for outbound upstream calls.

The source pollers share one KeyedLimiter, keyed by upstream host, so a
burst of per-user requests in a single refresh cycle cannot trip a
third-party API's rate limit. Limiting never applies to inbound requests:
the read API stays unthrottled.
*/
package limiter

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// KeyedLimiter maintains one rate.Limiter per key.
type KeyedLimiter struct {
	// mu protects concurrent access to the limits map.
	mu sync.RWMutex

	// limits maps a key (upstream host) to its limiter instance.
	limits map[string]*rate.Limiter

	// r is the sustained rate allowed per key.
	r rate.Limit

	// b is the burst size allowed per key.
	b int
}

// NewKeyedLimiter creates a KeyedLimiter allowing rate r with burst b per key.
func NewKeyedLimiter(r rate.Limit, b int) *KeyedLimiter {
	return &KeyedLimiter{
		limits: make(map[string]*rate.Limiter),
		r:      r,
		b:      b,
	}
}

// Get retrieves the limiter for key, creating it on first use. Creation
// uses double-checked locking so concurrent pollers cannot race a
// duplicate limiter into the map.
func (l *KeyedLimiter) Get(key string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limits[key]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		limiter, exists = l.limits[key]
		if !exists {
			limiter = rate.NewLimiter(l.r, l.b)
			l.limits[key] = limiter
		}
		l.mu.Unlock()
	}

	return limiter
}

// Wait blocks until the key's limiter permits one event or ctx is done.
func (l *KeyedLimiter) Wait(ctx context.Context, key string) error {
	return l.Get(key).Wait(ctx)
}
