package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/trace"
)

// statusWriter

func TestStatusWriter_WriteHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}
	sw.WriteHeader(http.StatusServiceUnavailable)

	if sw.status != http.StatusServiceUnavailable || rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, underlying = %d", sw.status, rec.Code)
	}
}

func TestStatusWriter_Write_DefaultsTo200(t *testing.T) {
	sw := &statusWriter{ResponseWriter: httptest.NewRecorder()}
	n, err := sw.Write([]byte("OK"))
	if err != nil || n != 2 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if sw.status != http.StatusOK {
		t.Fatalf("status = %d, want 200", sw.status)
	}
}

func TestStatusWriter_Write_AccumulatesBytes(t *testing.T) {
	sw := &statusWriter{ResponseWriter: httptest.NewRecorder()}
	_, _ = sw.Write([]byte("NOT "))
	_, _ = sw.Write([]byte("READY"))
	if sw.n != 9 {
		t.Fatalf("bytes = %d, want 9", sw.n)
	}
}

// Middleware

func newRouted(m *ServerMetrics) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("NOT READY"))
	})
	r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("item"))
	})
	r.Get("/silent", func(w http.ResponseWriter, r *http.Request) {})
	return m.Middleware(r)
}

func TestMiddleware_LabelsAndCounts(t *testing.T) {
	m := New()
	h := newRouted(m)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/1", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/2", nil))

	if got := testutil.ToFloat64(m.reqTotal.WithLabelValues("GET", "/items/{id}", "200")); got != 2 {
		t.Fatalf("requests{route=/items/{id}} = %v, want 2", got)
	}
	if got := histogramCount(t, m.reg, "http_request_duration_seconds"); got != 2 {
		t.Fatalf("duration count = %d, want 2", got)
	}
	if got := histogramCount(t, m.reg, "http_response_size_bytes"); got != 2 {
		t.Fatalf("size count = %d, want 2", got)
	}
	if got := testutil.ToFloat64(m.inflight); got != 0 {
		t.Fatalf("inflight = %v after requests finished", got)
	}
}

func TestMiddleware_5xxCountsAsError(t *testing.T) {
	m := New()
	newRouted(m).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if got := testutil.ToFloat64(m.reqTotal.WithLabelValues("GET", "/healthz", "503")); got != 1 {
		t.Fatalf("requests{503} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.errorsTotal.WithLabelValues("GET", "/healthz")); got != 1 {
		t.Fatalf("errors = %v, want 1", got)
	}
}

func TestMiddleware_NoWriteDefaultsTo200(t *testing.T) {
	m := New()
	newRouted(m).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/silent", nil))

	if got := testutil.ToFloat64(m.reqTotal.WithLabelValues("GET", "/silent", "200")); got != 1 {
		t.Fatalf("requests{silent,200} = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.errorsTotal); got != 0 {
		t.Fatalf("error series = %d, want 0", got)
	}
}

func TestMiddleware_UnmatchedRoute(t *testing.T) {
	m := New()
	h := newRouted(m)
	for _, p := range []string{"/wp-admin", "/.env", "/random/123"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	if got := testutil.ToFloat64(m.reqTotal.WithLabelValues("GET", unmatchedRoute, "404")); got != 3 {
		t.Fatalf("unmatched 404s = %v, want 3", got)
	}
}

func TestMiddleware_InflightDuringRequest(t *testing.T) {
	m := New()
	var during float64
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = testutil.ToFloat64(m.inflight)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if during != 1 {
		t.Fatalf("inflight during request = %v, want 1", during)
	}
}

func TestMiddleware_CreatesRouteContext(t *testing.T) {
	m := New()
	var seen bool
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = chi.RouteContext(r.Context()) != nil
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !seen {
		t.Fatal("route context should be seeded for downstream handlers")
	}
}

// traceExemplar

func testSpanContext(sampled bool) trace.SpanContext {
	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	cfg := trace.SpanContextConfig{TraceID: tid, SpanID: sid}
	if sampled {
		cfg.TraceFlags = trace.FlagsSampled
	}
	return trace.NewSpanContext(cfg)
}

func TestTraceExemplar_Sampled(t *testing.T) {
	ctx := trace.ContextWithSpanContext(context.Background(), testSpanContext(true))
	ex := traceExemplar(ctx)
	if ex["trace_id"] != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("exemplar = %v", ex)
	}
}

func TestTraceExemplar_NotSampled(t *testing.T) {
	ctx := trace.ContextWithSpanContext(context.Background(), testSpanContext(false))
	if ex := traceExemplar(ctx); ex != nil {
		t.Fatalf("exemplar = %v, want nil", ex)
	}
}

func TestTraceExemplar_NoTrace(t *testing.T) {
	if ex := traceExemplar(context.Background()); ex != nil {
		t.Fatalf("exemplar = %v, want nil", ex)
	}
}

func TestMiddleware_SampledRequestObserved(t *testing.T) {
	m := New()
	h := newRouted(m)
	req := httptest.NewRequest(http.MethodGet, "/items/9", nil)
	req = req.WithContext(trace.ContextWithSpanContext(req.Context(), testSpanContext(true)))
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got := histogramCount(t, m.reg, "http_request_duration_seconds"); got != 1 {
		t.Fatalf("duration count = %d, want 1", got)
	}
}
