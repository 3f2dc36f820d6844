package auth

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"portal/internal/observability"
)

// LoginRateLimiter is a per-IP sliding window in front of the credential
// endpoints. State is process-local.
type LoginRateLimiter struct {
	mu        sync.Mutex
	maxHits   int
	window    time.Duration
	hitByIP   map[string][]time.Time
	maxMemory int
	now       func() time.Time
}

func NewLoginRateLimiter(maxHits int, window time.Duration) *LoginRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &LoginRateLimiter{
		maxHits:   maxHits,
		window:    window,
		hitByIP:   make(map[string][]time.Time),
		maxMemory: 5000,
		now:       time.Now,
	}
}

func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := l.allow(observability.ClientIP(r), l.now().UTC())
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, loginResponse{Success: false, Message: "Too many login attempts"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *LoginRateLimiter) allow(ip string, now time.Time) (bool, time.Duration) {
	threshold := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	filtered := recentHits(l.hitByIP[ip], threshold)
	if len(filtered) >= l.maxHits {
		retryAfter := filtered[0].Add(l.window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		l.hitByIP[ip] = filtered
		return false, retryAfter
	}

	l.hitByIP[ip] = append(filtered, now)
	if len(l.hitByIP) > l.maxMemory {
		l.pruneLocked(threshold)
	}

	return true, 0
}

// Prune forgets every IP whose hits are all outside the window.
func (l *LoginRateLimiter) Prune() int {
	threshold := l.now().UTC().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pruneLocked(threshold)
}

func (l *LoginRateLimiter) pruneLocked(threshold time.Time) int {
	removed := 0
	for key, hits := range l.hitByIP {
		if len(hits) == 0 || !hits[len(hits)-1].After(threshold) {
			delete(l.hitByIP, key)
			removed++
		}
	}
	return removed
}

func recentHits(hits []time.Time, threshold time.Time) []time.Time {
	filtered := make([]time.Time, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.After(threshold) {
			filtered = append(filtered, hit)
		}
	}
	return filtered
}
