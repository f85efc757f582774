package handler

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL   = 15 * time.Minute
	limiterPruneSize = 10000
)

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LoginLimiter throttles login attempts per client IP.
type LoginLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	limit    rate.Limit
	burst    int

	// trustProxy makes forwarding headers decide the client IP.
	trustProxy bool
}

// NewLoginLimiter allows perMinute attempts per IP with the given burst.
// A non-positive perMinute disables limiting. Unless trustProxy is set the
// IP is the connection's remote address and forwarding headers are ignored,
// so clients cannot pick their own bucket.
func NewLoginLimiter(perMinute, burst int, trustProxy bool) *LoginLimiter {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(float64(perMinute) / 60.0)
	}
	return &LoginLimiter{
		limiters:   make(map[string]*ipLimiter),
		limit:      limit,
		burst:      burst,
		trustProxy: trustProxy,
	}
}

// Allow reports whether the client behind r may attempt a login now.
func (l *LoginLimiter) Allow(r *http.Request) bool {
	ip := l.ClientIP(r)
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.limiters) >= limiterPruneSize {
		for key, entry := range l.limiters {
			if now.Sub(entry.lastSeen) > limiterIdleTTL {
				delete(l.limiters, key)
			}
		}
	}

	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

// ClientIP is the address the limiter keys r on.
func (l *LoginLimiter) ClientIP(r *http.Request) string {
	return clientIP(r, l.trustProxy)
}

// clientIP extracts the client IP from the request. Forwarding headers are
// consulted only when trustProxy is set.
func clientIP(r *http.Request, trustProxy bool) string {
	if !trustProxy {
		return remoteHost(r)
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if ip := strings.TrimSpace(strings.Split(forwarded, ",")[0]); ip != "" {
			return ip
		}
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return remoteHost(r)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
