package gateway

import (
	"sync"
	"time"
)

const (
	defaultRequestsPerMinute = 120
	defaultMaxConcurrent     = 10
)

// ClientRateLimiter implements sliding window rate limiting per client
type ClientRateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	requests          []time.Time
	inFlight          int
	now               func() time.Time
}

func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(defaultRequestsPerMinute, defaultMaxConcurrent)
}

func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		now:               time.Now,
	}
}

// prune drops requests older than the window. Callers hold mu.
func (r *ClientRateLimiter) prune() {
	cutoff := r.now().Add(-time.Minute)
	kept := r.requests[:0]
	for _, t := range r.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.requests = kept
}

// Acquire admits one request or returns the reason it was refused. An
// admitted request must be paired with Release.
func (r *ClientRateLimiter) Acquire() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight >= r.maxConcurrent {
		return false, "too many concurrent requests"
	}
	r.prune()
	if len(r.requests) >= r.requestsPerMinute {
		return false, "rate limit exceeded"
	}
	r.requests = append(r.requests, r.now())
	r.inFlight++
	return true, ""
}

func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight > 0 {
		r.inFlight--
	}
}

// Stats returns the requests in the current window and those in flight.
func (r *ClientRateLimiter) Stats() (requests, inFlight int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()
	return len(r.requests), r.inFlight
}
