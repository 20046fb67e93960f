package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"eventgate/internal/config"
	"eventgate/pkg/metrics"
)

type Limiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	mu       sync.Mutex
}

type RateLimitConfig struct {
	RPS             float64
	Burst           int
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

func DefaultConfig() RateLimitConfig {
	return RateLimitConfig{
		RPS:             10.0,
		Burst:           20,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// FromSettings converts the rate_limit section; interval fields are seconds.
func FromSettings(s config.RateLimitConfig) RateLimitConfig {
	cfg := DefaultConfig()
	if s.RPS > 0 {
		cfg.RPS = s.RPS
	}
	if s.Burst > 0 {
		cfg.Burst = s.Burst
	}
	if s.CleanupInterval > 0 {
		cfg.CleanupInterval = time.Duration(s.CleanupInterval) * time.Second
	}
	if s.MaxAge > 0 {
		cfg.MaxAge = time.Duration(s.MaxAge) * time.Second
	}
	return cfg
}

// PerIP keeps one token bucket per client address.
type PerIP struct {
	cfg      RateLimitConfig
	metrics  *metrics.RateLimitMetrics
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

func NewPerIP(cfg RateLimitConfig, m *metrics.RateLimitMetrics) *PerIP {
	return &PerIP{cfg: cfg, metrics: m, limiters: make(map[string]*Limiter)}
}

// RunCleanup evicts idle limiters until ctx is done.
func (p *PerIP) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.evict(time.Now())
		}
	}
}

func (p *PerIP) evict(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ip, l := range p.limiters {
		l.mu.Lock()
		idle := now.Sub(l.lastSeen)
		l.mu.Unlock()
		if idle > p.cfg.MaxAge {
			delete(p.limiters, ip)
		}
	}
}

func (p *PerIP) get(ip string) *Limiter {
	p.mu.RLock()
	l, ok := p.limiters[ip]
	p.mu.RUnlock()
	if ok {
		return l
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok = p.limiters[ip]; !ok {
		l = &Limiter{limiter: rate.NewLimiter(rate.Limit(p.cfg.RPS), p.cfg.Burst)}
		p.limiters[ip] = l
	}
	return l
}

func (p *PerIP) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if clientIP == "" {
			clientIP = c.RemoteIP()
		}

		limiter := p.get(clientIP)
		limiter.mu.Lock()
		limiter.lastSeen = time.Now()
		limiter.mu.Unlock()

		c.Header("X-RateLimit-Limit", strconv.Itoa(int(p.cfg.RPS)))

		if !limiter.limiter.Allow() {
			p.count("limited")
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate limit exceeded",
				"error_code": "RATE_LIMIT_EXCEEDED",
			})
			return
		}

		p.count("allowed")
		remaining := int(limiter.limiter.Tokens())
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		c.Next()
	}
}

func (p *PerIP) count(status string) {
	if p.metrics != nil {
		p.metrics.Requests.WithLabelValues(status).Inc()
	}
}
