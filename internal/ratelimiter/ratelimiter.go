// Package ratelimiter throttles file retrieval per client with token buckets.
package ratelimiter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleAfter is how long a client bucket may sit unused before Sweep drops it.
const idleAfter = 10 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client key (operator name or remote
// address). A zero rate disables limiting.
//
// All methods are safe for concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*bucket
	now     func() time.Time
}

// New creates a RateLimiter allowing requestsPerSecond sustained and burst
// immediate requests per client. A zero burst is raised to one so that a
// positive rate can ever admit a request.
func New(requestsPerSecond, burst uint) *RateLimiter {
	r := &RateLimiter{
		clients: make(map[string]*bucket),
		now:     time.Now,
	}
	if requestsPerSecond == 0 {
		r.limit = rate.Inf
		return r
	}
	if burst == 0 {
		burst = 1
	}
	r.limit = rate.Limit(requestsPerSecond)
	r.burst = int(burst)
	return r
}

// Unlimited reports whether the limiter admits every request.
func (r *RateLimiter) Unlimited() bool {
	return r.limit == rate.Inf
}

// Allow consumes one token from the client's bucket and reports whether the
// request may proceed.
func (r *RateLimiter) Allow(client string) bool {
	if r.Unlimited() {
		return true
	}
	return r.get(client).AllowN(r.now(), 1)
}

// Tokens returns the tokens currently available to client.
func (r *RateLimiter) Tokens(client string) float64 {
	if r.Unlimited() {
		return float64(rate.Inf)
	}
	return r.get(client).TokensAt(r.now())
}

func (r *RateLimiter) get(client string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	b, ok := r.clients[client]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.clients[client] = b
	}
	b.lastSeen = now
	return b.limiter
}

// Sweep drops buckets idle for longer than ten minutes and returns how many
// remain.
func (r *RateLimiter) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-idleAfter)
	for key, b := range r.clients {
		if b.lastSeen.Before(cutoff) {
			delete(r.clients, key)
		}
	}
	return len(r.clients)
}
