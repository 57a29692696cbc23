// -------------------------------------------------------------------------------
// Rate Limiter - Per-Client Token Bucket Throttling
//
// Author: Alex Freidah
//
// Per-client token bucket limiter for the public API. Clients are keyed by IP;
// X-Forwarded-For is honored only when the direct peer is a trusted proxy, in
// which case the rightmost untrusted hop is the client. Idle visitors are
// swept in the background so the table tracks active clients only. Limits can
// be changed on config reload and apply to visitors seen after the change.
// -------------------------------------------------------------------------------

package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/afreidah/spotkeeper/internal/config"
	"github.com/afreidah/spotkeeper/internal/telemetry"
)

const (
	visitorSweepInterval = 3 * time.Minute
	visitorIdleTimeout   = 10 * time.Minute
)

// RateLimiter provides per-client token-bucket rate limiting.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	trusted  []*net.IPNet
	now      func() time.Time

	stop      chan struct{}
	closeOnce sync.Once
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter and starts its idle-visitor sweeper.
// Call Close to stop the sweeper.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(cfg.RequestsPerSec),
		burst:    cfg.Burst,
		trusted:  parseCIDRs(cfg.TrustedProxies),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// Close stops the background sweeper. Safe to call more than once.
func (rl *RateLimiter) Close() {
	rl.closeOnce.Do(func() { close(rl.stop) })
}

// UpdateLimits changes the rate and burst handed to new visitors. Visitors
// already tracked keep their bucket until they go idle and are swept.
func (rl *RateLimiter) UpdateLimits(requestsPerSec float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limit = rate.Limit(requestsPerSec)
	rl.burst = burst
}

// Allow reports whether a request from client may proceed now.
func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	v, ok := rl.visitors[client]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[client] = v
	}
	v.lastSeen = rl.now()
	rl.mu.Unlock()

	return v.limiter.Allow()
}

// Len returns the number of tracked visitors.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(visitorSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep(visitorIdleTimeout)
		case <-rl.stop:
			return
		}
	}
}

// sweep drops visitors idle for longer than maxIdle.
func (rl *RateLimiter) sweep(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-maxIdle)
	dropped := 0
	for client, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, client)
			dropped++
		}
	}
	return dropped
}

// Middleware rejects requests over the client's budget with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(rl.clientIP(r)) {
			telemetry.RateLimitRejectionsTotal.Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// -------------------------------------------------------------------------
// CLIENT IP
// -------------------------------------------------------------------------

// clientIP returns the peer address, or the rightmost untrusted
// X-Forwarded-For hop when the peer is a trusted proxy.
func (rl *RateLimiter) clientIP(r *http.Request) string {
	peer := stripPort(r.RemoteAddr)
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" || len(rl.trusted) == 0 || !ipInNets(peer, rl.trusted) {
		return peer
	}
	return rightmostUntrusted(xff, rl.trusted)
}

// rightmostUntrusted walks the chain from the right and returns the first hop
// outside the trusted set. A fully trusted chain yields its leftmost entry.
func rightmostUntrusted(xff string, trusted []*net.IPNet) string {
	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop != "" && !ipInNets(hop, trusted) {
			return hop
		}
	}
	return strings.TrimSpace(hops[0])
}

func ipInNets(s string, nets []*net.IPNet) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// parseCIDRs parses CIDR strings, skipping invalid entries. Config validation
// reports those separately.
func parseCIDRs(cidrs []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, s := range cidrs {
		if _, n, err := net.ParseCIDR(strings.TrimSpace(s)); err == nil {
			nets = append(nets, n)
		}
	}
	return nets
}

func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
