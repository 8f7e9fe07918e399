// Package ratelimit limits how often a single visitor can be credited a new
// affiliate attribution.
//
// With overwrite enabled, every referral replaces the previous credit. A
// client cycling through referral links (cookie stuffing) can churn the
// attribution on every request; CreditLimiter bounds that per client key,
// usually the resolved client IP.
//
// State is in-memory and per-instance. Denials are cheap: the filter simply
// keeps whatever attribution the visitor already has.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// visitor tracks one key's bucket and last activity
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged is reset when the entry is evicted and re-created
	logged bool
}

// CreditLimiter holds per-key token buckets with background eviction.
// It satisfies affiliate.CreditLimiter.
type CreditLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	every rate.Limit
	burst int

	// idle keys are evicted after ttl
	ttl time.Duration

	// maxVisitors caps tracked keys, 0 disables the cap
	maxVisitors int
	atCapacity  bool

	onFirstDenied func(key string)
	onDenied      func(key string)
	onCapacity    func()
}

type Option func(*CreditLimiter)

// WithRate allows burst credits at once, refilled at perMinute credits per minute.
func WithRate(perMinute float64, burst int) Option {
	return func(l *CreditLimiter) {
		l.every = rate.Limit(perMinute / 60)
		l.burst = burst
	}
}

// WithTTL controls how long an idle key is remembered.
func WithTTL(d time.Duration) Option {
	return func(l *CreditLimiter) {
		if d > 0 {
			l.ttl = d
		}
	}
}

// WithMaxVisitors caps the number of tracked keys. New keys are denied
// while the map is full.
func WithMaxVisitors(n int) Option {
	return func(l *CreditLimiter) {
		l.maxVisitors = n
	}
}

// WithOnFirstDenied is called once per key per eviction cycle, for logging.
func WithOnFirstDenied(fn func(key string)) Option {
	return func(l *CreditLimiter) {
		l.onFirstDenied = fn
	}
}

// WithOnDenied is called on every denial, for counters.
func WithOnDenied(fn func(key string)) Option {
	return func(l *CreditLimiter) {
		l.onDenied = fn
	}
}

// WithOnCapacity is called when the visitor cap is first hit, and again
// only after the map has drained below the cap.
func WithOnCapacity(fn func()) Option {
	return func(l *CreditLimiter) {
		l.onCapacity = fn
	}
}

// New creates a CreditLimiter and starts its cleanup goroutine, which exits
// when ctx is done.
func New(ctx context.Context, opts ...Option) *CreditLimiter {
	l := &CreditLimiter{
		visitors:    make(map[string]*visitor),
		every:       rate.Limit(6.0 / 60),
		burst:       3,
		ttl:         30 * time.Minute,
		maxVisitors: 100000,
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup(ctx)
	return l
}

// Allow reports whether key may be credited now and consumes a token if so.
func (l *CreditLimiter) Allow(key string) bool {
	l.mu.Lock()
	v, exists := l.visitors[key]
	if !exists {
		if l.maxVisitors > 0 && len(l.visitors) >= l.maxVisitors {
			fire := !l.atCapacity
			l.atCapacity = true
			l.mu.Unlock()
			if fire && l.onCapacity != nil {
				l.onCapacity()
			}
			if l.onDenied != nil {
				l.onDenied(key)
			}
			return false
		}
		v = &visitor{limiter: rate.NewLimiter(l.every, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()
	allowed := v.limiter.Allow()

	first := false
	if !allowed && !v.logged {
		v.logged = true
		first = true
	}
	// hooks may be slow, never call them under the lock
	l.mu.Unlock()

	if allowed {
		return true
	}
	if first && l.onFirstDenied != nil {
		l.onFirstDenied(key)
	}
	if l.onDenied != nil {
		l.onDenied(key)
	}
	return false
}

// Len returns the number of tracked keys.
func (l *CreditLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// cleanup evicts idle keys every ttl/2
func (l *CreditLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.evict(now)
		}
	}
}

func (l *CreditLimiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.visitors, key)
		}
	}
	if l.maxVisitors > 0 && len(l.visitors) < l.maxVisitors {
		l.atCapacity = false
	}
}
