package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestTokenFromRequest(t *testing.T) {
	cases := []struct {
		name   string
		header string
		value  string
		want   string
	}{
		{"bearer", "Authorization", "Bearer abc", "abc"},
		{"lowercase bearer", "Authorization", "bearer xyz", "xyz"},
		{"basic auth ignored", "Authorization", "Basic Zm9v", ""},
		{"api key", APIKeyHeader, "key-1", "key-1"},
		{"none", "", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				r.Header.Set(tc.header, tc.value)
			}
			if got := TokenFromRequest(r); got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetTokenFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	strict := AuthMiddleware(true)(next)
	rec := httptest.NewRecorder()
	strict.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/agents", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}

	r := httptest.NewRequest(http.MethodGet, "/agents", nil)
	r.Header.Set("Authorization", "Bearer tok")
	rec = httptest.NewRecorder()
	strict.ServeHTTP(rec, r)
	if rec.Code != http.StatusNoContent || seen != "tok" {
		t.Errorf("expected token forwarded, got code=%d token=%q", rec.Code, seen)
	}

	seen = "unset"
	lenient := AuthMiddleware(false)(next)
	rec = httptest.NewRecorder()
	lenient.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/agents", nil))
	if rec.Code != http.StatusNoContent || seen != "" {
		t.Errorf("expected pass-through without token, got code=%d token=%q", rec.Code, seen)
	}
}

func TestOrganizationMiddleware(t *testing.T) {
	var org string
	var scoped bool
	h := OrganizationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org, scoped = GetOrganizationFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/agents", nil)
	r.Header.Set(OrganizationHeader, "org-7")
	h.ServeHTTP(httptest.NewRecorder(), r)
	if !scoped || org != "org-7" {
		t.Errorf("expected org-7, got %q (%v)", org, scoped)
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/agents", nil))
	if scoped {
		t.Error("expected unscoped request")
	}
}

func TestCORSPreflight(t *testing.T) {
	called := false
	h := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/events/publish", nil))
	if rec.Code != http.StatusOK || called {
		t.Errorf("expected preflight answered without calling next, got %d called=%v", rec.Code, called)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS origin header")
	}
}

func TestKeyedLimiterIsolatesKeys(t *testing.T) {
	l := NewKeyedLimiter(0.001, 2)
	if !l.Allow("a") || !l.Allow("a") {
		t.Fatal("expected burst of 2 for key a")
	}
	if l.Allow("a") {
		t.Error("expected key a to be limited")
	}
	if !l.Allow("b") {
		t.Error("expected key b to have its own bucket")
	}
}

func TestRateLimitWrites429(t *testing.T) {
	l := NewKeyedLimiter(0.001, 1)
	h := RateLimit(l, "heartbeat", func(r *http.Request) string { return "p1" })(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected first request through, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Errorf("expected 429 with Retry-After, got %d", rec.Code)
	}
}

func newMockLimiter(maxKeys int) (*KeyedLimiter, *clock.Mock) {
	mock := clock.NewMock()
	l := NewKeyedLimiter(1, 1)
	l.clock = mock
	l.lastSweep = mock.Now()
	l.maxKeys = maxKeys
	return l, mock
}

func TestKeyedLimiterEvictsIdleBuckets(t *testing.T) {
	l, mock := newMockLimiter(100)

	l.Allow("product:old")
	mock.Add(DefaultLimiterIdle / 2)
	l.Allow("product:recent")
	mock.Add(DefaultLimiterIdle / 2)
	l.Allow("product:new")

	if l.Len() != 2 {
		t.Fatalf("expected the idle bucket to be evicted, got %d buckets", l.Len())
	}
	// An evicted key starts with a full bucket again
	if !l.Allow("product:old") {
		t.Error("expected a fresh bucket for a returning key")
	}
}

func TestKeyedLimiterCapsKeys(t *testing.T) {
	l, mock := newMockLimiter(3)

	for i := 0; i < 50; i++ {
		l.Allow(fmt.Sprintf("product:%d", i))
		mock.Add(time.Millisecond)
	}
	if l.Len() != 3 {
		t.Fatalf("expected at most 3 buckets, got %d", l.Len())
	}

	// The most recent key keeps its exhausted bucket
	if l.Allow("product:49") {
		t.Error("expected the newest bucket to survive eviction")
	}
}
