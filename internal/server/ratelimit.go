package server

import (
	"fmt"
	"sync"
	"time"
)

// RateLimitConfig bounds request volume. The global token bucket protects the
// whole server; the extraction limit throttles how often one client may start
// an extraction inside a rolling window. With Redis configured, extraction
// counters are shared across replicas.
type RateLimitConfig struct {
	GlobalRPS       float64
	GlobalBurst     int
	ExtractLimit    int
	ExtractWindow   time.Duration
	RedisAddr       string
	RedisAddrs      []string
	RedisUsername   string
	RedisPassword   string
	RedisMasterName string
	RedisPoolSize   int
	RedisTimeout    time.Duration
	RedisTLS        RedisTLSConfig
}

type rateLimiter struct {
	global         *tokenBucket
	extractLimit   int
	extractWindow  time.Duration
	extractMu      sync.Mutex
	extractBuckets map[string]*ipLimiter
	store          tokenStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration, error)
	Close() error
}

func newRateLimiter(cfg RateLimitConfig) (*rateLimiter, error) {
	rl := &rateLimiter{
		extractLimit:   cfg.ExtractLimit,
		extractWindow:  cfg.ExtractWindow,
		extractBuckets: make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.extractLimit < 0 {
		rl.extractLimit = 0
	}
	if rl.extractWindow <= 0 {
		rl.extractWindow = time.Minute
	}
	if rl.extractLimit > 0 && (cfg.RedisAddr != "" || len(cfg.RedisAddrs) > 0) {
		store, err := newRedisStore(cfg)
		if err != nil {
			return nil, err
		}
		rl.store = store
	}
	return rl, nil
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowExtraction applies the per-client extraction limit keyed by IP.
func (r *rateLimiter) AllowExtraction(key string) (bool, time.Duration, error) {
	if r == nil || r.extractLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(fmt.Sprintf("frame-extractor:extract:%s", key), r.extractLimit, r.extractWindow)
	}

	r.extractMu.Lock()
	bucket, exists := r.extractBuckets[key]
	if !exists {
		rate := float64(r.extractLimit) / r.extractWindow.Seconds()
		if rate <= 0 {
			rate = 1 / r.extractWindow.Seconds()
		}
		bucket = &ipLimiter{bucket: newTokenBucket(rate, r.extractLimit)}
		r.extractBuckets[key] = bucket
	}
	bucket.lastSeen = time.Now()
	r.cleanupLocked()
	r.extractMu.Unlock()

	if bucket.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) Close() {
	if r == nil || r.store == nil {
		return
	}
	_ = r.store.Close()
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.extractBuckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.extractWindow)
	for key, bucket := range r.extractBuckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.extractBuckets, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	now := time.Now()
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now,
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}
