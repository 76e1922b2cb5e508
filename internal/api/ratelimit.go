package api

import (
	"net/http"
	"sync"
	"time"
)

// clientLimiter is a single client's token bucket.
type clientLimiter struct {
	tokens     float64
	lastRefill time.Time
	lastSeen   time.Time
}

// RateLimiter is a per-client token bucket, keyed by extracted client
// ID, with a background goroutine that evicts stale entries.
type RateLimiter struct {
	requestsPerSecond float64
	burstSize         float64

	mu       sync.Mutex
	clients  map[string]*clientLimiter
	stopOnce sync.Once
	stop     chan struct{}
}

// NewRateLimiter constructs a RateLimiter allowing requestsPerSecond
// sustained, with bursts up to burstSize.
func NewRateLimiter(requestsPerSecond float64, burstSize int) *RateLimiter {
	rl := &RateLimiter{
		requestsPerSecond: requestsPerSecond,
		burstSize:         float64(burstSize),
		clients:           make(map[string]*clientLimiter),
		stop:              make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether clientID may make a request now, consuming one
// token if so.
func (rl *RateLimiter) Allow(clientID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	c, ok := rl.clients[clientID]
	if !ok {
		c = &clientLimiter{tokens: rl.burstSize, lastRefill: now}
		rl.clients[clientID] = c
	}
	c.lastSeen = now

	elapsed := now.Sub(c.lastRefill).Seconds()
	c.tokens += elapsed * rl.requestsPerSecond
	if c.tokens > rl.burstSize {
		c.tokens = rl.burstSize
	}
	c.lastRefill = now

	if c.tokens < 1 {
		return false
	}
	c.tokens--
	return true
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			rl.mu.Lock()
			for id, c := range rl.clients {
				if c.lastSeen.Before(cutoff) {
					delete(rl.clients, id)
				}
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}

// Stop halts the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// extractClientID prefers the authenticated username, then falls back to
// proxy/remote-address headers.
func extractClientID(r *http.Request) string {
	if claims, ok := GetClaims(r.Context()); ok {
		return claims.Username
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	return r.RemoteAddr
}

// Middleware rejects requests over the rate limit with HTTP 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := extractClientID(r)
		if !rl.Allow(id) {
			respondError(w, RateLimitError("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
