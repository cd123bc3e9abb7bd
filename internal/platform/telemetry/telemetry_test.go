package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRegister_Idempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register should tolerate duplicates: %v", err)
	}
}

func TestRecordConflict(t *testing.T) {
	before := counterValue(t, conflictsTotal.WithLabelValues("bed_unavailable"))
	RecordConflict("bed_unavailable")
	after := counterValue(t, conflictsTotal.WithLabelValues("bed_unavailable"))
	if after-before != 1 {
		t.Errorf("expected counter to grow by 1, got %v", after-before)
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	e := echo.New()
	e.Use(Middleware())
	e.GET("/api/v1/bills/:id", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})

	before := counterValue(t, httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/bills/:id", "204"))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/bills/b-1", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	after := counterValue(t, httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/bills/:id", "204"))
	if after-before != 1 {
		t.Errorf("expected one request recorded under route pattern, got %v", after-before)
	}
}

func TestHandler_Exposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	RecordStaleResponse("patient")

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := Handler(reg)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), "opsdesk_stale_responses_total") {
		t.Errorf("expected stale response counter in exposition, got:\n%s", rec.Body.String())
	}
}
