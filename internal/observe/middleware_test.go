package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newInstrumentedMux returns a small API mux behind Middleware together with
// the readers needed to inspect what it recorded. It installs a global
// tracer provider, so callers do not run in parallel.
func newInstrumentedMux(t *testing.T) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/patterns", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Correlation", CorrelationID(r.Context()))
		_, _ = w.Write([]byte(`{"patterns":[]}`))
	})
	mux.HandleFunc("POST /v1/edits", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	return Middleware(m)(mux), reader, exp
}

func TestMiddleware_Routes(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		wantRoute  string
		wantStatus int
	}{
		{"matched", http.MethodGet, "/v1/patterns", "GET /v1/patterns", http.StatusOK},
		{"server error", http.MethodPost, "/v1/edits", "POST /v1/edits", http.StatusBadGateway},
		{"unknown path", http.MethodGet, "/v1/nope/123", unmatchedRoute, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, reader, exp := newInstrumentedMux(t)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if cid := rec.Header().Get("X-Correlation-ID"); len(cid) != 32 {
				t.Errorf("X-Correlation-ID = %q, want a 32 character trace ID", cid)
			}

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("got %d spans, want 1", len(spans))
			}
			if spans[0].Name != tt.wantRoute {
				t.Errorf("span name = %q, want %q", spans[0].Name, tt.wantRoute)
			}
			var gotStatus int64
			for _, a := range spans[0].Attributes {
				if a.Key == "http.response.status_code" {
					gotStatus = a.Value.AsInt64()
				}
			}
			if gotStatus != int64(tt.wantStatus) {
				t.Errorf("span status attribute = %d, want %d", gotStatus, tt.wantStatus)
			}

			var rm metricdata.ResourceMetrics
			if err := reader.Collect(context.Background(), &rm); err != nil {
				t.Fatalf("Collect: %v", err)
			}
			met := findMetric(rm, "editlearn.http.request.duration")
			if met == nil {
				t.Fatal("request duration metric not recorded")
			}
			hist := met.Data.(metricdata.Histogram[float64])
			if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
				t.Fatalf("data points = %+v, want one sample", hist.DataPoints)
			}
			route, _ := hist.DataPoints[0].Attributes.Value("route")
			if route.AsString() != tt.wantRoute {
				t.Errorf("route label = %q, want %q", route.AsString(), tt.wantRoute)
			}
			if _, ok := hist.DataPoints[0].Attributes.Value("path"); ok {
				t.Error("raw path must not be a metric label")
			}
		})
	}
}

func TestMiddleware_IncomingTraceparent(t *testing.T) {
	h, _, _ := newInstrumentedMux(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodGet, "/v1/patterns", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Seen-Correlation"); got != traceID {
		t.Errorf("handler saw correlation ID %q, want %q", got, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
}

func TestMiddleware_NilMetrics(t *testing.T) {
	h := Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/patterns", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}
