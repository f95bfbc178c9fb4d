package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const throttleIdleTTL = 10 * time.Minute

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPThrottle is a per-client-IP token bucket in front of the public API. It blunts
// credential guessing before any store lookup happens.
type IPThrottle struct {
	mu        sync.Mutex
	limiters  map[string]*ipLimiter
	limit     rate.Limit
	burst     int
	now       func() time.Time
	lastSweep time.Time
}

// NewIPThrottle allows perMinute requests per IP with an equal burst. A
// non-positive perMinute returns nil, and a nil throttle allows everything.
func NewIPThrottle(perMinute int) *IPThrottle {
	if perMinute <= 0 {
		return nil
	}
	return &IPThrottle{
		limiters: make(map[string]*ipLimiter),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		now:      time.Now,
	}
}

// Allow reports whether ip may make another request now.
func (t *IPThrottle) Allow(ip string) bool {
	if t == nil {
		return true
	}
	now := t.now()

	t.mu.Lock()
	if now.Sub(t.lastSweep) > throttleIdleTTL {
		for k, v := range t.limiters {
			if now.Sub(v.lastSeen) > throttleIdleTTL {
				delete(t.limiters, k)
			}
		}
		t.lastSweep = now
	}
	entry, ok := t.limiters[ip]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.limiters[ip] = entry
	}
	entry.lastSeen = now
	t.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

// Handler aborts throttled requests with 429 and a Retry-After hint.
func (t *IPThrottle) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if t.Allow(c.ClientIP()) {
			c.Next()
			return
		}
		retry := time.Duration(float64(time.Second) / float64(t.limit))
		c.Header("Retry-After", strconv.Itoa(int(retry.Round(time.Second)/time.Second)+1))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"code":    "rate_limited",
			"message": "too many requests from this address",
		})
	}
}
