package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/synapsemodel/backend/internal/logger"
	"github.com/synapsemodel/backend/internal/utils"
)

// RateLimitMiddleware applies a per-client token bucket keyed by client IP.
// Buckets idle for an hour are dropped to bound memory.
type RateLimitMiddleware struct {
	log   *logger.Logger
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*clientBucket
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimitMiddleware(log *logger.Logger) *RateLimitMiddleware {
	rps := utils.GetEnvAsInt("RATE_LIMIT_RPS", 20, log)
	burst := utils.GetEnvAsInt("RATE_LIMIT_BURST", 40, log)
	m := &RateLimitMiddleware{
		log:     log.With("Middleware", "RateLimitMiddleware"),
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: map[string]*clientBucket{},
	}
	go m.sweep()
	return m
}

func (rl *RateLimitMiddleware) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (rl *RateLimitMiddleware) allow(ip string) bool {
	rl.mu.Lock()
	b, ok := rl.buckets[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	rl.mu.Unlock()
	return b.limiter.Allow()
}

func (rl *RateLimitMiddleware) sweep() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-time.Hour)
		rl.mu.Lock()
		for ip, b := range rl.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(rl.buckets, ip)
			}
		}
		rl.mu.Unlock()
	}
}
