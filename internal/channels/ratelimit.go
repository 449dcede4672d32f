package channels

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys caps the tracked keys so rotating tokens cannot grow
	// the map without bound.
	maxTrackedKeys = 4096

	limiterIdleTTL = 10 * time.Minute
)

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// InboundLimiter is a per-key token bucket pool for inbound webhook
// traffic, keyed by inbox token. Safe for concurrent use.
type InboundLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*limiterEntry
	now     func() time.Time
}

// NewInboundLimiter creates a limiter pool. Non-positive values fall back
// to 10 rps with a burst of 20.
func NewInboundLimiter(rps float64, burst int) *InboundLimiter {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &InboundLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		entries: make(map[string]*limiterEntry),
		now:     time.Now,
	}
}

// Allow reports whether key may send one more message now.
func (r *InboundLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if len(r.entries) >= maxTrackedKeys {
		r.pruneLocked(now)
	}

	e, ok := r.entries[key]
	if !ok {
		e = &limiterEntry{l: rate.NewLimiter(r.rps, r.burst)}
		r.entries[key] = e
	}
	e.lastSeen = now
	return e.l.AllowN(now, 1)
}

// pruneLocked drops idle entries, then arbitrary ones until under the cap.
func (r *InboundLimiter) pruneLocked(now time.Time) {
	for k, e := range r.entries {
		if now.Sub(e.lastSeen) >= limiterIdleTTL {
			delete(r.entries, k)
		}
	}
	for k := range r.entries {
		if len(r.entries) < maxTrackedKeys {
			break
		}
		delete(r.entries, k)
	}
}

// Len returns the number of tracked keys.
func (r *InboundLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
