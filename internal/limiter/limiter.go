// Package limiter throttles write-endpoint traffic per user.
package limiter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Parley-Chat/parley/internal/config"
)

// entry pairs a token bucket with its last use so idle buckets can be
// reaped.
type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SendLimiter holds one token bucket per user.
type SendLimiter struct {
	mu      sync.Mutex
	users   map[string]*entry
	limit   rate.Limit
	burst   int
	enabled bool
}

// New creates a limiter from the server throttling config.
func New(cfg config.Throttling) *SendLimiter {
	return &SendLimiter{
		users:   make(map[string]*entry),
		limit:   rate.Limit(cfg.MaxMessagesPerSecond),
		burst:   cfg.BurstSize,
		enabled: cfg.Enabled && cfg.MaxMessagesPerSecond > 0,
	}
}

// Allow reports whether userID may send one more message now.
func (sl *SendLimiter) Allow(userID string) bool {
	if !sl.enabled || userID == "" {
		return true
	}

	sl.mu.Lock()
	e, ok := sl.users[userID]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(sl.limit, sl.burst)}
		sl.users[userID] = e
	}
	e.lastSeen = time.Now()
	sl.mu.Unlock()

	return e.limiter.Allow()
}

// Reset forgets userID's bucket.
func (sl *SendLimiter) Reset(userID string) {
	sl.mu.Lock()
	delete(sl.users, userID)
	sl.mu.Unlock()
}

// Cleanup removes buckets idle for longer than maxIdle.
func (sl *SendLimiter) Cleanup(maxIdle time.Duration) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	now := time.Now()
	for userID, e := range sl.users {
		if now.Sub(e.lastSeen) > maxIdle {
			delete(sl.users, userID)
		}
	}
}

// StartCleanup reaps idle buckets periodically until stop is closed.
func (sl *SendLimiter) StartCleanup(stop <-chan struct{}, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				sl.Cleanup(maxIdle)
			}
		}
	}()
}
