package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ehr/locations/pkg/apperrors"
)

func newTestProvider(t *testing.T) (*Provider, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	p, err := New(context.Background(), Config{ServiceName: "capacity-test"},
		WithSpanProcessor(spans), WithMetricReader(reader))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p, spans, reader
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{SampleRate: 7}
	cfg.applyDefaults()
	if cfg.ServiceName != "capacity-server" || cfg.ServiceVersion != "0.0.0" || cfg.Environment != "development" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("out of range sample rate should reset to 1, got %f", cfg.SampleRate)
	}
}

func TestTracingMiddleware_RecordsServerSpan(t *testing.T) {
	p, spans, _ := newTestProvider(t)

	e := echo.New()
	e.Use(p.TracingMiddleware())
	e.GET("/api/v1/locations/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/locations/abc", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	ended := spans.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	span := ended[0]
	if span.Name() != "GET /api/v1/locations/:id" {
		t.Errorf("unexpected span name %q", span.Name())
	}
	found := false
	for _, kv := range span.Attributes() {
		if kv.Key == "http.status_code" && kv.Value.AsInt64() == http.StatusOK {
			found = true
		}
	}
	if !found {
		t.Errorf("expected http.status_code=200 attribute, got %v", span.Attributes())
	}
}

func TestTracingMiddleware_ContinuesRemoteTrace(t *testing.T) {
	p, spans, _ := newTestProvider(t)

	e := echo.New()
	e.Use(p.TracingMiddleware())
	e.GET("/health", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	e.ServeHTTP(httptest.NewRecorder(), req)

	ended := spans.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	if got := ended[0].SpanContext().TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("expected caller trace id, got %s", got)
	}
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestMetricsMiddleware_CountsByStatus(t *testing.T) {
	p, _, reader := newTestProvider(t)

	e := echo.New()
	e.Use(p.MetricsMiddleware())
	e.GET("/api/v1/transfers/:id", func(c echo.Context) error {
		if c.Param("id") == "missing" {
			return apperrors.NotFound("transfer missing not found")
		}
		return c.String(http.StatusOK, "ok")
	})

	for _, id := range []string{"a", "b", "missing"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/transfers/"+id, nil))
	}

	metrics := collect(t, reader)
	count, ok := metrics["http.server.request.count"]
	if !ok {
		t.Fatal("request counter not reported")
	}
	sum, ok := count.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", count.Data)
	}

	byStatus := map[int64]int64{}
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("http.status_code"))
		route, _ := dp.Attributes.Value(attribute.Key("http.route"))
		if route.AsString() != "/api/v1/transfers/:id" {
			t.Errorf("expected route template, got %q", route.AsString())
		}
		byStatus[v.AsInt64()] += dp.Value
	}
	if byStatus[200] != 2 || byStatus[404] != 1 {
		t.Errorf("unexpected counts by status: %v", byStatus)
	}

	if _, ok := metrics["http.server.request.duration"]; !ok {
		t.Error("duration histogram not reported")
	}
}

func TestStatusOf(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.NoContent(http.StatusAccepted)
	if got := statusOf(c, nil); got != http.StatusAccepted {
		t.Errorf("statusOf(nil) = %d, want written status", got)
	}

	tests := []struct {
		err  error
		want int
	}{
		{echo.NewHTTPError(http.StatusForbidden, "no"), http.StatusForbidden},
		{apperrors.CapacityExceeded("full"), http.StatusConflict},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusOf(c, tt.err); got != tt.want {
			t.Errorf("statusOf(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestMiddleware_ConcurrentSafe(t *testing.T) {
	p, spans, reader := newTestProvider(t)

	e := echo.New()
	e.Use(p.TracingMiddleware())
	e.Use(p.MetricsMiddleware())
	e.GET("/api/v1/dashboard", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/dashboard", nil))
			}
		}()
	}
	wg.Wait()

	if n := len(spans.Ended()); n != 200 {
		t.Errorf("expected 200 spans, got %d", n)
	}
	sum := collect(t, reader)["http.server.request.count"].Data.(metricdata.Sum[int64])
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 200 {
		t.Errorf("expected 200 requests counted, got %d", total)
	}
}
