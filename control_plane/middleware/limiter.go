package middleware

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/itskum47/neuralhub/control_plane/observability"
)

const (
	// DefaultLimiterIdle is how long an unused bucket is kept.
	DefaultLimiterIdle = 10 * time.Minute
	// DefaultLimiterKeys caps the number of buckets held at once.
	DefaultLimiterKeys = 10000
)

// KeyedLimiter keeps one token bucket per key, e.g. per product or agent id.
// Idle buckets are evicted, and at capacity the least recently used one
// makes room for a new key.
type KeyedLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*bucket
	r         rate.Limit
	b         int
	idle      time.Duration
	maxKeys   int
	lastSweep time.Time
	clock     clock.Clock
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyedLimiter allows r events per second per key with burst b.
func NewKeyedLimiter(r float64, b int) *KeyedLimiter {
	clk := clock.New()
	return &KeyedLimiter{
		limiters:  make(map[string]*bucket),
		r:         rate.Limit(r),
		b:         b,
		idle:      DefaultLimiterIdle,
		maxKeys:   DefaultLimiterKeys,
		lastSweep: clk.Now(),
		clock:     clk,
	}
}

func (l *KeyedLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.Sub(l.lastSweep) >= l.idle {
		l.sweep(now)
	}

	bk, exists := l.limiters[key]
	if !exists {
		if len(l.limiters) >= l.maxKeys {
			l.sweep(now)
			if len(l.limiters) >= l.maxKeys {
				l.evictOldest()
			}
		}
		bk = &bucket{limiter: rate.NewLimiter(l.r, l.b)}
		l.limiters[key] = bk
	}
	bk.lastSeen = now
	return bk.limiter.AllowN(now, 1)
}

// Len returns the number of buckets currently held.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *KeyedLimiter) sweep(now time.Time) {
	for key, bk := range l.limiters {
		if now.Sub(bk.lastSeen) >= l.idle {
			delete(l.limiters, key)
		}
	}
	l.lastSweep = now
}

func (l *KeyedLimiter) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, bk := range l.limiters {
		if oldestKey == "" || bk.lastSeen.Before(oldest) {
			oldestKey, oldest = key, bk.lastSeen
		}
	}
	delete(l.limiters, oldestKey)
}

// RateLimit rejects requests whose key has exhausted its bucket. The key
// function picks the bucket, typically a path value.
func RateLimit(l *KeyedLimiter, route string, key func(*http.Request) string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if l != nil && !l.Allow(key(r)) {
				WriteRateLimited(w, route)
				return
			}
			next(w, r)
		}
	}
}

// WriteRateLimited writes a 429 with a jittered Retry-After.
func WriteRateLimited(w http.ResponseWriter, route string) {
	observability.RateLimited.WithLabelValues(route).Inc()
	retryAfter := 1 + rand.Intn(2)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	writeError(w, http.StatusTooManyRequests, "too many requests")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
