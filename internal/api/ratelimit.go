package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"stashu/internal/logging"
)

// WindowStore holds request timestamps per key for sliding-window rate
// limiting. Abstracted so a multi-instance deployment can swap the
// in-memory store for a shared cache.
type WindowStore interface {
	// Record appends a hit and returns how many hits the key has seen
	// since cutoff, including this one.
	Record(key string, at, cutoff time.Time) int
	// EvictBefore drops timestamps older than cutoff and returns how
	// many keys remain.
	EvictBefore(cutoff time.Time) int
}

// MemoryWindowStore is the default single-process WindowStore, bounded
// by a key cap: when full, the key least recently seen is dropped to
// make room.
type MemoryWindowStore struct {
	mu      sync.Mutex
	hits    map[string][]time.Time
	maxKeys int
}

// DefaultMaxKeys bounds distinct (client, route family) entries.
const DefaultMaxKeys = 10000

// NewMemoryWindowStore creates a bounded in-memory window store.
// maxKeys <= 0 means DefaultMaxKeys.
func NewMemoryWindowStore(maxKeys int) *MemoryWindowStore {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &MemoryWindowStore{
		hits:    make(map[string][]time.Time),
		maxKeys: maxKeys,
	}
}

func (s *MemoryWindowStore) Record(key string, at, cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := pruneBefore(s.hits[key], cutoff)

	if _, exists := s.hits[key]; !exists && len(s.hits) >= s.maxKeys {
		s.evictStalestLocked()
	}

	window = append(window, at)
	s.hits[key] = window
	return len(window)
}

func (s *MemoryWindowStore) EvictBefore(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, window := range s.hits {
		pruned := pruneBefore(window, cutoff)
		if len(pruned) == 0 {
			delete(s.hits, key)
		} else {
			s.hits[key] = pruned
		}
	}
	return len(s.hits)
}

// evictStalestLocked removes the key whose newest hit is oldest.
func (s *MemoryWindowStore) evictStalestLocked() {
	var stalest string
	var stalestAt time.Time
	for key, window := range s.hits {
		newest := window[len(window)-1]
		if stalest == "" || newest.Before(stalestAt) {
			stalest = key
			stalestAt = newest
		}
	}
	if stalest != "" {
		delete(s.hits, stalest)
	}
}

func pruneBefore(window []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(window) && window[i].Before(cutoff) {
		i++
	}
	return window[i:]
}

// RateLimiter throttles per client address per route family with a
// sliding window.
type RateLimiter struct {
	store        WindowStore
	limit        int
	window       time.Duration
	trustedProxy bool
	now          func() time.Time
}

// NewRateLimiter creates a sliding-window rate limiter. trustedProxy
// controls whether forwarded-IP headers are honored when identifying
// the client; leave it off unless a reverse proxy strips them from
// direct traffic.
func NewRateLimiter(store WindowStore, limit int, window time.Duration, trustedProxy bool) *RateLimiter {
	return &RateLimiter{
		store:        store,
		limit:        limit,
		window:       window,
		trustedProxy: trustedProxy,
		now:          time.Now,
	}
}

// Allow records a hit for key and reports whether it is within quota.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()
	return rl.store.Record(key, now, now.Add(-rl.window)) <= rl.limit
}

// Middleware applies the limiter keyed by client IP and route family.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r, rl.trustedProxy) + ":" + routeFamily(r.URL.Path)
		if !rl.Allow(key) {
			writeError(w, http.StatusTooManyRequests, "too many requests, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// EvictExpired drops stale window entries; run periodically.
func (rl *RateLimiter) EvictExpired() {
	remaining := rl.store.EvictBefore(rl.now().Add(-rl.window))
	logging.HTTP.Printf("rate limiter eviction done, %d active keys", remaining)
}

// routeFamily collapses dynamic path segments so "/api/stash/abc" and
// "/api/stash/xyz" share a quota bucket: the family is the first two
// path segments.
func routeFamily(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) > 2 {
		segments = segments[:2]
	}
	return "/" + strings.Join(segments, "/")
}

// clientIP identifies the caller. Forwarded headers are spoofable, so
// they are consulted only when the deployment declares a trusted
// reverse proxy in front.
func clientIP(r *http.Request, trustedProxy bool) string {
	if trustedProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.Index(xff, ","); idx != -1 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	// RemoteAddr is "IP:port"; strip the port.
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
