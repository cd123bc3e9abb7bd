package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/opsdesk/internal/platform/session"
)

// hit sends one request through h as subject ("" for anonymous).
func hit(h echo.HandlerFunc, subject string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/beds", nil)
	if subject != "" {
		req = req.WithContext(session.NewContext(req.Context(), session.Credential{Token: "t", Subject: subject}))
	}
	rec := httptest.NewRecorder()
	return rec, h(echo.New().NewContext(req, rec))
}

func TestRateLimit_BurstThenRejects(t *testing.T) {
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 3})(okHandler)

	for i := 0; i < 3; i++ {
		rec, err := hit(h, "frontdesk-1")
		if err != nil {
			t.Fatalf("request %d within burst: %v", i+1, err)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "1" {
			t.Errorf("request %d: missing limit header", i+1)
		}
	}

	rec, err := hit(h, "frontdesk-1")
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 past the burst, got %v", err)
	}
	if rec.Header().Get("Retry-After") != "1" || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("unexpected headers %v", rec.Header())
	}
}

func TestRateLimit_SeparateBuckets(t *testing.T) {
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})(okHandler)

	for _, subject := range []string{"doctor-1", "doctor-2", ""} {
		if _, err := hit(h, subject); err != nil {
			t.Errorf("%q: expected its own bucket, got %v", subject, err)
		}
	}
	if _, err := hit(h, "doctor-1"); err == nil {
		t.Error("doctor-1 should have used up its bucket")
	}
}

func TestLimiterStore_SweepsIdleEntries(t *testing.T) {
	s := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	t0 := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	s.get("sub:a", t0)
	s.get("sub:b", t0.Add(90*time.Second))
	s.get("sub:c", t0.Add(2*time.Minute))

	if _, ok := s.entries["sub:a"]; ok {
		t.Error("idle limiter should have been swept")
	}
	if len(s.entries) != 2 {
		t.Errorf("expected b and c to remain, got %d entries", len(s.entries))
	}
}
