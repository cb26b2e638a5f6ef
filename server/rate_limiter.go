package main

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// RateLimiter hands out one token bucket per key. Keys idle longer than the
// prune window are dropped by Prune.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	entries cmap.ConcurrentMap[string, *limiterEntry]
	now     func() time.Time
}

// NewRateLimiter allows rps requests per second per key with the given
// burst. rps <= 0 disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		entries: cmap.New[*limiterEntry](),
		now:     time.Now,
	}
}

// Allow reports whether key may make one more request now.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.limit <= 0 {
		return true
	}
	now := rl.now()
	entry := rl.entries.Upsert(key, nil, func(exist bool, current, _ *limiterEntry) *limiterEntry {
		if exist {
			return current
		}
		return &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
	})
	entry.lastSeen.Store(now.UnixNano())
	return entry.limiter.AllowN(now, 1)
}

// Prune forgets keys that have not been seen for idle and returns how many
// were removed.
func (rl *RateLimiter) Prune(idle time.Duration) int {
	cutoff := rl.now().Add(-idle).UnixNano()
	removed := 0
	for _, key := range rl.entries.Keys() {
		if rl.entries.RemoveCb(key, func(_ string, v *limiterEntry, exists bool) bool {
			return exists && v.lastSeen.Load() < cutoff
		}) {
			removed++
		}
	}
	return removed
}

// rateLimit throttles agent routes keyed by the agent id in the path,
// falling back to the client address for enrollment.
func (s *Server) rateLimit(c *gin.Context) {
	key := c.Param("id")
	if key == "" {
		key = c.ClientIP()
	}
	if !s.admit(c, key) {
		return
	}
	c.Next()
}

// admit spends one token for key and answers 429 when none is left.
func (s *Server) admit(c *gin.Context, key string) bool {
	if s.limiter.Allow(key) {
		return true
	}
	c.Header("Retry-After", "1")
	respondError(c, http.StatusTooManyRequests, codeRateLimited, "too many requests", s.log)
	return false
}
