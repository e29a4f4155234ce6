package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsHandlerExposesAuthzMetrics(t *testing.T) {
	metrics := NewMetrics()
	metrics.Decision("allowed")
	metrics.CacheEvent("hit")
	metrics.ObserveResolve(12 * time.Millisecond)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	metrics.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}

	body := rr.Body.String()
	for _, want := range []string{
		"meridian_authz_decisions_total",
		"meridian_authz_cache_events_total",
		"meridian_authz_resolve_duration_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected body to contain %s", want)
		}
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/test", nil))

	if rr.Code != http.StatusTeapot {
		t.Fatalf("unexpected status: %d", rr.Code)
	}

	body := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(body, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(body.Body.String(), "meridian_http_requests_total") {
		t.Fatalf("expected request counter to be exposed")
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.Decision("allowed")
	m.CacheEvent("hit")
	m.ObserveResolve(time.Millisecond)
	if m.Middleware(http.NotFoundHandler()) == nil {
		t.Fatalf("middleware should pass through")
	}

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from nil metrics handler, got %d", rr.Code)
	}
}
