package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(NewMemoryWindowStore(0), 3, time.Minute, false)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !rl.Allow("k") {
			t.Fatalf("request %d denied under quota", i+1)
		}
	}
	if rl.Allow("k") {
		t.Fatal("request over quota allowed")
	}
	if !rl.Allow("other") {
		t.Fatal("unrelated key throttled")
	}

	// The window slides: a minute later the old hits no longer count.
	now = now.Add(61 * time.Second)
	if !rl.Allow("k") {
		t.Fatal("request denied after window passed")
	}
}

func TestMemoryWindowStoreCapEvictsStalest(t *testing.T) {
	s := NewMemoryWindowStore(2)
	t0 := time.Now()
	cutoff := t0.Add(-time.Minute)

	s.Record("old", t0, cutoff)
	s.Record("newer", t0.Add(time.Second), cutoff)
	// Cap reached; inserting a third key drops "old".
	s.Record("newest", t0.Add(2*time.Second), cutoff)

	if n := s.Record("old", t0.Add(3*time.Second), cutoff); n != 1 {
		t.Errorf("evicted key came back with count %d, want fresh 1", n)
	}
}

func TestMemoryWindowStoreEvictBefore(t *testing.T) {
	s := NewMemoryWindowStore(0)
	t0 := time.Now()
	s.Record("a", t0.Add(-2*time.Minute), t0.Add(-time.Hour))
	s.Record("b", t0, t0.Add(-time.Hour))

	if remaining := s.EvictBefore(t0.Add(-time.Minute)); remaining != 1 {
		t.Errorf("remaining = %d, want 1", remaining)
	}
}

func TestRouteFamily(t *testing.T) {
	cases := map[string]string{
		"/api/stash/abc/unlock":   "/api/stash",
		"/api/stash/xyz/pay/q123": "/api/stash",
		"/api/health":             "/api/health",
		"/api/withdraw/quote":     "/api/withdraw",
		"/":                       "/",
	}
	for path, want := range cases {
		if got := routeFamily(path); got != want {
			t.Errorf("routeFamily(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestClientIPTrustedProxy(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/health", nil)
	r.RemoteAddr = "10.0.0.1:4242"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if ip := clientIP(r, false); ip != "10.0.0.1" {
		t.Errorf("untrusted proxy ip = %q, want RemoteAddr", ip)
	}
	if ip := clientIP(r, true); ip != "203.0.113.9" {
		t.Errorf("trusted proxy ip = %q, want forwarded client", ip)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(NewMemoryWindowStore(0), 2, time.Minute, false)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(path string) int {
		r := httptest.NewRequest("GET", path, nil)
		r.RemoteAddr = "192.0.2.1:1000"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w.Code
	}

	if do("/api/stash/a") != http.StatusOK || do("/api/stash/b") != http.StatusOK {
		t.Fatal("requests under quota rejected")
	}
	// Same route family, third hit.
	if code := do("/api/stash/c"); code != http.StatusTooManyRequests {
		t.Fatalf("over-quota status = %d, want 429", code)
	}
	// Different route family has its own bucket.
	if code := do("/api/health"); code != http.StatusOK {
		t.Fatalf("unrelated route throttled: %d", code)
	}
}
