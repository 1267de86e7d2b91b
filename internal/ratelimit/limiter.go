// Package ratelimit enforces per-client request budgets on the
// operational API.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter manages rate limits for multiple API clients.
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

// NewLimiter creates a limiter allowing requestsPerMinute sustained with
// the given burst, per client key.
func NewLimiter(requestsPerMinute, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:    burst,
	}
}

func (l *Limiter) limiter(clientID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[clientID]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[clientID] = lim
	}
	return lim
}

// Allow reports whether one more request from the client fits its budget.
func (l *Limiter) Allow(clientID string) bool {
	return l.limiter(clientID).Allow()
}

// Tokens returns the client's remaining burst capacity.
func (l *Limiter) Tokens(clientID string) float64 {
	return l.limiter(clientID).Tokens()
}
