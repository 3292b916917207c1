package auth

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// FailureLimiter throttles clients that keep presenting bad credentials.
// Each client address gets a token bucket that only failed attempts drain;
// successful requests cost nothing. Once a bucket is empty, every request
// from that address is denied with rate_limited until it refills.
type FailureLimiter struct {
	limit      rate.Limit
	burst      int
	maxClients int
	now        func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewFailureLimiter allows burst failures per client address, refilled
// evenly over window. It returns nil when burst is not positive, which
// disables limiting.
func NewFailureLimiter(burst int, window time.Duration) *FailureLimiter {
	if burst <= 0 || window <= 0 {
		return nil
	}
	return &FailureLimiter{
		limit:      rate.Limit(float64(burst) / window.Seconds()),
		burst:      burst,
		maxClients: 10000,
		now:        time.Now,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Allow reports whether addr still has failure budget left. It does not
// consume budget.
func (l *FailureLimiter) Allow(addr string) bool {
	if l == nil {
		return true
	}
	key := clientKey(addr)

	l.mu.Lock()
	lim, ok := l.limiters[key]
	l.mu.Unlock()

	return !ok || lim.TokensAt(l.now()) >= 1
}

// RecordFailure consumes one unit of budget for addr.
func (l *FailureLimiter) RecordFailure(addr string) {
	if l == nil {
		return
	}
	key := clientKey(addr)
	now := l.now()

	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= l.maxClients {
			l.pruneLocked(now)
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	lim.AllowN(now, 1)
}

// pruneLocked forgets clients whose bucket has refilled completely.
func (l *FailureLimiter) pruneLocked(now time.Time) {
	for key, lim := range l.limiters {
		if lim.TokensAt(now) >= float64(l.burst) {
			delete(l.limiters, key)
		}
	}
}

// clientKey strips the port so that reconnects share one bucket.
func clientKey(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
