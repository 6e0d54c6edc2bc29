package api

import (
	"crypto/subtle"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/VenkatGGG/runner-fleet/pkg/httpx"
)

// callerScope separates operator traffic from runner callbacks so a burst of
// registrations after a rollout does not eat the operator's budget.
type callerScope string

const (
	scopeAdmin    callerScope = "admin"
	scopeCallback callerScope = "callback"
)

// guard checks the optional API key and charges the request to a rate bucket.
// Admin calls are bucketed per client address. Runner callbacks are bucketed
// per node, since a whole fleet may share one egress address.
func (s *Server) guard(scope callerScope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !requestHasAPIKey(r, s.requiredAPIKey) {
				httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid api key")
				return
			}
			if s.rateLimiter != nil {
				ok, wait := s.rateLimiter.Allow(rateKey(scope, r), time.Now())
				if !ok {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
					httpx.WriteError(w, http.StatusTooManyRequests, "rate_limited", "request rate limit exceeded")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateKey(scope callerScope, r *http.Request) string {
	if scope == scopeCallback {
		if id := strings.TrimSpace(chi.URLParam(r, "id")); id != "" {
			return string(scope) + ":node:" + id
		}
	}
	return string(scope) + ":" + requestClientIdentity(r)
}

func requestHasAPIKey(r *http.Request, expected string) bool {
	want := strings.TrimSpace(expected)
	if want == "" {
		return true
	}
	candidates := []string{strings.TrimSpace(r.Header.Get("X-API-Key"))}
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		candidates = append(candidates, strings.TrimSpace(auth[7:]))
	}
	for _, candidate := range candidates {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(want)) == 1 {
			return true
		}
	}
	return false
}

func requestClientIdentity(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if addr != "" {
		return addr
	}
	return "unknown"
}

// fixedWindowLimiter counts requests per key in aligned windows. Buckets from
// earlier windows are dropped whenever the window rolls over.
type fixedWindowLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	current time.Time
	counts  map[string]int
}

func newFixedWindowLimiter(limit int, window time.Duration) *fixedWindowLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &fixedWindowLimiter{limit: limit, window: window, counts: make(map[string]int)}
}

// Allow charges one request to key. When the bucket is full it reports how long
// until the next window opens.
func (l *fixedWindowLimiter) Allow(key string, now time.Time) (bool, time.Duration) {
	start := now.UTC().Truncate(l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	if !start.Equal(l.current) {
		l.current = start
		clear(l.counts)
	}
	if l.counts[key] >= l.limit {
		return false, start.Add(l.window).Sub(now.UTC())
	}
	l.counts[key]++
	return true, 0
}
