package channels

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedKeys caps the number of tracked senders so rotating IDs cannot
// exhaust memory.
const maxTrackedKeys = 4096

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SenderLimiter applies a token bucket per sender. Safe for concurrent use.
type SenderLimiter struct {
	mu        sync.Mutex
	entries   map[string]*limiterEntry
	perMinute int
	now       func() time.Time
}

// NewSenderLimiter allows perMinute messages per key, with bursts up to
// the same amount.
func NewSenderLimiter(perMinute int) *SenderLimiter {
	return &SenderLimiter{
		entries:   make(map[string]*limiterEntry),
		perMinute: perMinute,
		now:       time.Now,
	}
}

// Allow reports whether key may send now.
func (r *SenderLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if len(r.entries) >= maxTrackedKeys {
		r.prune(now)
	}

	e, ok := r.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(r.perMinute)), r.perMinute)}
		r.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// prune drops idle senders (a full bucket is equivalent to a new one), then
// evicts arbitrarily if still at the cap.
func (r *SenderLimiter) prune(now time.Time) {
	for k, e := range r.entries {
		if now.Sub(e.lastSeen) >= time.Minute {
			delete(r.entries, k)
		}
	}
	for len(r.entries) >= maxTrackedKeys {
		for k := range r.entries {
			delete(r.entries, k)
			break
		}
	}
}
