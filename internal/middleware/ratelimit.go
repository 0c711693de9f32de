package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const maxTrackedClients = 10000

// RateLimit allows limit requests per window for each client as a token
// bucket with a burst of limit. Authenticated requests are keyed on the user,
// others on the client IP. Idle clients are forgotten after one window.
func RateLimit(limit int, per time.Duration) func(http.Handler) http.Handler {
	if limit <= 0 || per <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	every := rate.Every(per / time.Duration(limit))
	ttl := per
	if ttl < time.Minute {
		ttl = time.Minute
	}
	limiters := expirable.NewLRU[string, *rate.Limiter](maxTrackedClients, nil, ttl)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rateLimitKey(r)
			limiter, ok := limiters.Get(key)
			if !ok {
				limiter = rate.NewLimiter(every, limit)
			}
			// Re-adding refreshes the idle timer.
			limiters.Add(key, limiter)

			if !limiter.Allow() {
				res := limiter.Reserve()
				retry := res.Delay()
				res.Cancel()
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitKey(r *http.Request) string {
	if userID := UserIDFromContext(r.Context()); userID != "" {
		return "user:" + userID
	}
	return "ip:" + clientIPForRateLimit(r)
}

// clientIPForRateLimit takes the rightmost valid X-Forwarded-For entry, the
// one our own proxy appended. Entries to its left are client supplied.
func clientIPForRateLimit(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		parts := strings.Split(xf, ",")
		for i := len(parts) - 1; i >= 0; i-- {
			ip := strings.TrimSpace(parts[i])
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		if net.ParseIP(host) != nil {
			return host
		}
	} else if net.ParseIP(r.RemoteAddr) != nil {
		return r.RemoteAddr
	}

	return r.RemoteAddr
}
