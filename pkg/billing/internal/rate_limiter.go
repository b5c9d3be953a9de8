package internal

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sweepEvery is how many admissions pass between scans for idle clients.
const sweepEvery = 100

// RateLimiter throttles webhook deliveries per client IP with a token bucket
// that refills limit tokens per window.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*client
	every   rate.Limit
	burst   int
	window  time.Duration
	calls   int
	now     func() time.Time

	// TrustForwardedFor makes the limiter key on X-Forwarded-For. Only
	// enable behind a proxy that overwrites the header.
	TrustForwardedFor bool
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows limit requests per window for each client, with
// bursts up to limit.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*client),
		every:   rate.Every(window / time.Duration(limit)),
		burst:   limit,
		window:  window,
		now:     time.Now,
	}
}

// allow reports whether ip may proceed and, if not, how long until it may.
func (rl *RateLimiter) allow(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.calls++
	if rl.calls%sweepEvery == 0 {
		rl.sweep(now)
	}

	c, ok := rl.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rl.every, rl.burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = now

	res := c.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, rl.window
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// sweep drops clients idle for a full window; their buckets have refilled,
// so a fresh limiter is equivalent.
func (rl *RateLimiter) sweep(now time.Time) {
	for ip, c := range rl.clients {
		if now.Sub(c.lastSeen) >= rl.window {
			delete(rl.clients, ip)
		}
	}
}

// Cleanup forgets idle clients immediately.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.sweep(rl.now())
}

// Middleware answers 429 with Retry-After once a client exhausts its bucket.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := rl.allow(rl.clientIP(r))
		if !ok {
			secs := int((wait + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) clientIP(r *http.Request) string {
	if rl.TrustForwardedFor {
		return GetClientIP(r)
	}
	return remoteHost(r.RemoteAddr)
}

// GetClientIP returns the first X-Forwarded-For hop, falling back to the
// connection's remote host.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return remoteHost(r.RemoteAddr)
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
