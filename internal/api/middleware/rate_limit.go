package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// Per-IP limiters are kept for this long after the last request so that a
// burst of distinct sources cannot grow the table without bound.
const (
	limiterIdleTTL  = 10 * time.Minute
	limiterMaxCount = 65536
)

// ipRateLimiter holds one token bucket per client IP.
type ipRateLimiter struct {
	limit    rate.Limit
	burst    int
	limiters *expirable.LRU[string, *rate.Limiter]
}

func newIPRateLimiter(perSec float64, burst int) *ipRateLimiter {
	if burst < 1 {
		burst = int(perSec)
		if burst < 1 {
			burst = 1
		}
	}
	return &ipRateLimiter{
		limit:    rate.Limit(perSec),
		burst:    burst,
		limiters: expirable.NewLRU[string, *rate.Limiter](limiterMaxCount, nil, limiterIdleTTL),
	}
}

// get returns the limiter for ip. Two racing first requests may both create a
// limiter; the later Add wins, which at worst grants one extra burst.
func (l *ipRateLimiter) get(ip string) *rate.Limiter {
	if lim, ok := l.limiters.Get(ip); ok {
		return lim
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.limiters.Add(ip, lim)
	return lim
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// RateLimit returns middleware that applies a per-IP token bucket to event
// submissions (POST requests). Reads, the WebSocket upgrade, health and
// metrics are not limited. perSec <= 0 disables limiting. Rejected requests
// get 429 with Retry-After and X-RateLimit-* headers.
func RateLimit(perSec float64, burst int) func(http.Handler) http.Handler {
	if perSec <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	limiter := newIPRateLimiter(perSec, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			lim := limiter.get(getClientIP(r))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.burst))
			reservation := lim.Reserve()
			delay := time.Minute
			if reservation.OK() {
				delay = reservation.Delay()
			}
			if delay > 0 {
				reservation.Cancel()
				retryAfter := int(delay.Seconds()) + 1
				if retryAfter > 60 {
					retryAfter = 60
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(delay).Unix(), 10))
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"Too many requests. Please retry later.","code":"RATE_LIMITED"}`))
				return
			}
			tokens := int(lim.Tokens())
			if tokens < 0 {
				tokens = 0
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(tokens))
			next.ServeHTTP(w, r)
		})
	}
}
