package security

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type requesterLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles tunnel-creation requests per source IP so a single
// client can't mint an unbounded number of subdomains. Entries not seen
// within the TTL are evicted so long-running control planes don't leak
// memory on a churn of one-off clients.
type RateLimiter struct {
	limiters   map[string]*requesterLimiter
	mu         sync.Mutex
	r          rate.Limit
	burst      int
	ttl        time.Duration // evict entries not seen within this window
	maxEntries int           // cap on number of tracked IPs
	cancel     context.CancelFunc
}

// NewRateLimiter creates a rate limiter for the Registry.Create path.
// r is the rate (tunnel creations per second), burst is the maximum burst size.
func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	ctx, cancel := context.WithCancel(context.Background())
	rl := &RateLimiter{
		limiters:   make(map[string]*requesterLimiter),
		r:          r,
		burst:      burst,
		ttl:        10 * time.Minute,
		maxEntries: 10000,
		cancel:     cancel,
	}
	go rl.cleanup(ctx) // background goroutine to evict stale entries
	return rl
}

// Allow reports whether the given source IP may create another tunnel.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	entry, exists := rl.limiters[ip]
	if !exists {
		if len(rl.limiters) >= rl.maxEntries {
			rl.mu.Unlock()
			return false // reject to prevent unbounded map growth
		}
		entry = &requesterLimiter{limiter: rate.NewLimiter(rl.r, rl.burst)}
		rl.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

// Stop shuts down the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

// UpdateRate changes the rate limit parameters. Existing per-IP limiters
// are cleared so they pick up the new rate on next access.
func (rl *RateLimiter) UpdateRate(r rate.Limit, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.r = r
	rl.burst = burst
	// Clear existing limiters so they get recreated with new rate
	rl.limiters = make(map[string]*requesterLimiter)
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.mu.Lock()
			for ip, entry := range rl.limiters {
				if time.Since(entry.lastSeen) > rl.ttl {
					delete(rl.limiters, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}
