package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type RateLimiter struct {
	limiters map[string]*rate.Limiter
	seen     map[string]time.Time
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
}

func NewRateLimiter(perMinute int, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		seen:     make(map[string]time.Time),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
	}
}

func (rl *RateLimiter) limiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.limiters[ip]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[ip] = l
	}
	rl.seen[ip] = time.Now()
	return l
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.limiter(c.ClientIP()).Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests, please try later."})
			c.Abort()
			return
		}
		c.Next()
	}
}

// StartCleanup drops limiters for IPs idle longer than maxIdle.
func (rl *RateLimiter) StartCleanup(interval, maxIdle time.Duration) {
	go func() {
		for {
			time.Sleep(interval)
			rl.mu.Lock()
			now := time.Now()
			for ip, last := range rl.seen {
				if now.Sub(last) > maxIdle {
					delete(rl.limiters, ip)
					delete(rl.seen, ip)
				}
			}
			rl.mu.Unlock()
		}
	}()
}
