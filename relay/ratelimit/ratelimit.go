// Package ratelimit implements a per-authenticated-address token bucket
// limiter for inbound traffic at the relay.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter lazily creates one token bucket per address on first use and
// answers Allow against it. The bucket lookup is guarded by a short mutex;
// rate.Limiter itself is safe for concurrent use without further locking.
type Limiter struct {
	r rate.Limit
	b int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New returns a Limiter that grants r messages/second sustained with burst
// b, per address.
func New(r rate.Limit, b int) *Limiter {
	return &Limiter{r: r, b: b, limiters: make(map[string]*rate.Limiter)}
}

// Allow reports whether address may send a message right now, consuming a
// token from its bucket if so.
func (l *Limiter) Allow(address string) bool {
	return l.bucketFor(address).Allow()
}

func (l *Limiter) bucketFor(address string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[address]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[address] = lim
	}
	return lim
}

// Remove discards address's bucket, e.g. on disconnect.
func (l *Limiter) Remove(address string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, address)
}
