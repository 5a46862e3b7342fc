// Package ratelimit provides per-caller request throttling for the payguard
// API. Callers with a tenant header share one bucket per tenant; anonymous
// callers, including inbound 3PL webhooks, bucket per source IP.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config tunes the token buckets.
type Config struct {
	// RequestsPerMinute is the sustained refill rate per bucket.
	RequestsPerMinute int
	// BurstSize caps how far a bucket can fill, allowing short bursts.
	BurstSize int
	// CleanupInterval is how often idle buckets are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
	}
}

type bucket struct {
	tokens   float64
	refilled time.Time
}

// Limiter is a keyed token-bucket limiter with a background janitor for
// idle buckets.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
}

// New creates a limiter and starts its janitor.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.janitor()
	return l
}

// Stop terminates the janitor goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

func (l *Limiter) janitor() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * time.Minute)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.refilled.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Allow consumes one token from key's bucket, reporting whether one was
// available. New keys start one token below the burst cap.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{
			tokens:   float64(l.cfg.BurstSize - 1),
			refilled: now,
		}
		return true
	}

	perSecond := float64(l.cfg.RequestsPerMinute) / 60.0
	b.tokens += now.Sub(b.refilled).Seconds() * perSecond
	if max := float64(l.cfg.BurstSize); b.tokens > max {
		b.tokens = max
	}
	b.refilled = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Middleware limits by tenant when the X-Tenant-ID header is present, else
// by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if tenantID := c.GetHeader("X-Tenant-ID"); tenantID != "" {
			key = "tenant:" + tenantID
		}

		if !l.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			return
		}
		c.Next()
	}
}
