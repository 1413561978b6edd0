package bus

import (
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// LimiterConfig holds the trigger budget of one publisher.
type LimiterConfig struct {
	// Rate is the sustained number of triggers per second.
	// 0 means unlimited.
	Rate float64

	// Burst is the number of triggers allowed at once. Defaults to 1 when a
	// rate is set.
	Burst int
}

func (c LimiterConfig) limiter() *rate.Limiter {
	if c.Rate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := c.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.Rate), burst)
}

// Limiter enforces per-publisher trigger rates.
type Limiter struct {
	mu       sync.RWMutex
	defaults LimiterConfig
	configs  map[string]LimiterConfig
	limiters map[string]*rate.Limiter
	allowed  atomic.Int64
	rejected atomic.Int64
}

// NewLimiter creates a limiter applying defaults to every publisher without
// its own configuration.
func NewLimiter(defaults LimiterConfig) *Limiter {
	return &Limiter{
		defaults: defaults,
		configs:  make(map[string]LimiterConfig),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Configure sets the budget for one publisher, replacing any existing one.
func (l *Limiter) Configure(publisher string, cfg LimiterConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configs[publisher] = cfg
	l.limiters[publisher] = cfg.limiter()
}

// Remove forgets the publisher's limiter and configuration.
func (l *Limiter) Remove(publisher string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.configs, publisher)
	delete(l.limiters, publisher)
}

// Allow reports whether publisher may trigger now, consuming one token.
func (l *Limiter) Allow(publisher string) bool {
	if l.get(publisher).Allow() {
		l.allowed.Add(1)
		return true
	}
	l.rejected.Add(1)
	return false
}

func (l *Limiter) get(publisher string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.limiters[publisher]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok = l.limiters[publisher]; ok {
		return lim
	}
	cfg, ok := l.configs[publisher]
	if !ok {
		cfg = l.defaults
	}
	lim = cfg.limiter()
	l.limiters[publisher] = lim
	return lim
}

// LimiterStats reports limiter counters.
type LimiterStats struct {
	Publishers    int   `json:"publishers"`
	TotalAllowed  int64 `json:"total_allowed"`
	TotalRejected int64 `json:"total_rejected"`
}

// Stats returns current statistics.
func (l *Limiter) Stats() LimiterStats {
	l.mu.RLock()
	n := len(l.limiters)
	l.mu.RUnlock()
	return LimiterStats{
		Publishers:    n,
		TotalAllowed:  l.allowed.Load(),
		TotalRejected: l.rejected.Load(),
	}
}
