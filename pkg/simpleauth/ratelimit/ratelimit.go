// Package ratelimit is an in-process keyed token bucket limiter that
// satisfies simpleauth.Limiter.
package ratelimit

import (
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config defines the rate limiting parameters.
type Config struct {
	// Events is the number of events allowed per Window.
	Events int
	Window time.Duration
	// Burst allows for temporary bursts above the rate limit.
	Burst int
}

// Default allows 5 code sends or checks per minute per subject.
var Default = Config{
	Events: 5,
	Window: time.Minute,
	Burst:  5,
}

// ConfigFromEnv reads overrides from RATELIMIT_{prefix}_EVENTS,
// RATELIMIT_{prefix}_WINDOW_SEC and RATELIMIT_{prefix}_BURST. Invalid or
// non-positive values are ignored.
func ConfigFromEnv(prefix string, def Config) Config {
	cfg := def

	if val := os.Getenv("RATELIMIT_" + prefix + "_EVENTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			cfg.Events = n
		}
	}

	if val := os.Getenv("RATELIMIT_" + prefix + "_WINDOW_SEC"); val != "" {
		if sec, err := strconv.Atoi(val); err == nil && sec > 0 {
			cfg.Window = time.Duration(sec) * time.Second
		}
	}

	if val := os.Getenv("RATELIMIT_" + prefix + "_BURST"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			cfg.Burst = n
		}
	}

	return cfg
}

// cleanupInterval bounds how often idle limiters are swept.
const cleanupInterval = 5 * time.Minute

// Limiter keeps one token bucket per key.
type Limiter struct {
	limiters sync.Map // map[string]*rate.Limiter
	rate     rate.Limit
	burst    int

	mu          sync.Mutex
	lastCleanup time.Time
}

func New(cfg Config) *Limiter {
	if cfg.Events <= 0 || cfg.Window <= 0 {
		cfg = Default
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Events
	}

	return &Limiter{
		rate:        rate.Limit(float64(cfg.Events) / cfg.Window.Seconds()),
		burst:       cfg.Burst,
		lastCleanup: time.Now(),
	}
}

// Allow reports whether an event for key may happen now and consumes a
// token if so. The empty key is never limited.
func (l *Limiter) Allow(key string) bool {
	if key == "" {
		return true
	}
	return l.get(key).Allow()
}

func (l *Limiter) get(key string) *rate.Limiter {
	// Fast path: limiter already exists
	if limiter, ok := l.limiters.Load(key); ok {
		return limiter.(*rate.Limiter)
	}

	limiter := rate.NewLimiter(l.rate, l.burst)
	actual, _ := l.limiters.LoadOrStore(key, limiter)

	l.maybeCleanup()

	return actual.(*rate.Limiter)
}

// maybeCleanup drops limiters whose buckets are full again, which means
// they have been idle for at least a refill period.
func (l *Limiter) maybeCleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Since(l.lastCleanup) < cleanupInterval {
		return
	}
	l.lastCleanup = time.Now()

	l.limiters.Range(func(key, value any) bool {
		if value.(*rate.Limiter).Tokens() >= float64(l.burst) {
			l.limiters.Delete(key)
		}
		return true
	})
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	n := 0
	l.limiters.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}
