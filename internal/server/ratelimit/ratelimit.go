// Package ratelimit meters API traffic per caller and route class.
//
// Authenticated callers are keyed by the owner in their token, so uploaders
// sharing an address do not drain each other's allowance. Anonymous callers
// fall back to their IP.
package ratelimit

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// idleTTL is how long an unused bucket survives before cleanup drops it.
const idleTTL = time.Hour

// Caller identifies who a request is charged to.
type Caller struct {
	Owner uuid.UUID
	IP    string
}

// Key is the bucket prefix for the caller.
func (c Caller) Key() string {
	if c.Owner != uuid.Nil {
		return "owner:" + c.Owner.String()
	}
	return "ip:" + c.IP
}

func (c Caller) String() string { return c.Key() }

// matches reports whether the caller appears in list by owner ID or IP.
func (c Caller) matches(list map[string]bool) bool {
	if len(list) == 0 {
		return false
	}
	if c.Owner != uuid.Nil && list[c.Owner.String()] {
		return true
	}
	return c.IP != "" && list[c.IP]
}

// Info describes the caller's allowance after a request was charged.
type Info struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

type bucket struct {
	lim      *rate.Limiter
	burst    int
	lastSeen time.Time
}

// Limiter holds one token bucket per caller and route class.
type Limiter struct {
	cfg *Config

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

// NewLimiter starts a limiter. A nil config enables a generous default.
func NewLimiter(cfg *Config) *Limiter {
	if cfg == nil {
		cfg = &Config{
			Enabled:         true,
			DefaultLimit:    1000,
			DefaultWindow:   time.Minute,
			CleanupInterval: 5 * time.Minute,
		}
	}
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	if cfg.Enabled && cfg.CleanupInterval > 0 {
		go l.cleanupLoop(cfg.CleanupInterval)
	}
	return l
}

// Allow charges one request on path to the caller.
func (l *Limiter) Allow(caller Caller, method, path string) (bool, Info) {
	if !l.cfg.Enabled || caller.matches(l.cfg.Exempt) {
		return true, Info{Allowed: true}
	}
	if caller.matches(l.cfg.Blocked) {
		return false, Info{}
	}

	route := Classify(method, path)
	rule, limited := l.cfg.rule(route)
	if !limited {
		return true, Info{Allowed: true}
	}

	now := time.Now()
	b := l.bucket(caller.Key()+"|"+string(route), rule, now)

	info := Info{Limit: rule.Limit}
	res := b.lim.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		info.RetryAfter = delay
	} else {
		info.Allowed = true
	}

	tokens := b.lim.TokensAt(now)
	info.Remaining = max(0, int(tokens))
	info.ResetTime = now
	if missing := float64(b.burst) - tokens; missing > 0 {
		info.ResetTime = now.Add(time.Duration(missing / float64(b.lim.Limit()) * float64(time.Second)))
	}
	return info.Allowed, info
}

func (l *Limiter) bucket(key string, rule Rule, now time.Time) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		burst := rule.Burst
		if burst <= 0 {
			burst = rule.Limit
		}
		every := rate.Limit(float64(rule.Limit) / rule.Window.Seconds())
		b = &bucket{lim: rate.NewLimiter(every, burst), burst: burst}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b
}

// Len reports how many buckets are live.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			l.sweep(now.Add(-idleTTL))
		case <-l.stop:
			return
		}
	}
}

// sweep drops buckets idle since before cutoff.
func (l *Limiter) sweep(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}
