package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wolfman30/phi-deid-engine/internal/phi"
)

func principalWith(roles ...string) phi.Principal {
	return phi.Principal{ID: "caller-" + roles[0], Roles: roles}
}

func TestRateLimiterRefills(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 2)
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := rl.Allow("a"); !ok {
			t.Fatalf("request %d should pass", i)
		}
	}
	ok, wait := rl.Allow("a")
	if ok || wait <= 0 || wait > time.Second {
		t.Fatalf("expected throttle with wait <= 1s, got ok=%v wait=%s", ok, wait)
	}
	if ok, _ := rl.Allow("b"); !ok {
		t.Fatal("other callers keep their own bucket")
	}

	now = now.Add(time.Second)
	if ok, _ := rl.Allow("a"); !ok {
		t.Fatal("expected a token after one second")
	}

	if n := rl.Evict(now.Add(time.Minute)); n != 2 {
		t.Fatalf("expected 2 evicted buckets, got %d", n)
	}
}

func TestRateLimitKeysByPrincipal(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	handler := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	send := func(p phi.Principal) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/scans", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		req = req.WithContext(WithPrincipal(req.Context(), p))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := send(principalWith("clinician")); rec.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rec.Code)
	}
	rec := send(principalWith("clinician"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if rec := send(principalWith("privacy_officer")); rec.Code != http.StatusOK {
		t.Fatalf("a different principal from the same IP should pass, got %d", rec.Code)
	}
}
