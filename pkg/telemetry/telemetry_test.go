package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"blobgate/pkg/config"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func mapLookup(m map[string]string) config.Lookup {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func sampleDecision(s sdktrace.Sampler) sdktrace.SamplingDecision {
	return s.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       oteltrace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Name:          "telemetry-test",
	}).Decision
}

func TestParseSampler(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, arg string
		want      sdktrace.SamplingDecision
	}{
		{"always_off", "", sdktrace.Drop},
		{"always_on", "", sdktrace.RecordAndSample},
		{"traceidratio", "2", sdktrace.RecordAndSample},
		{"traceidratio", "-1", sdktrace.Drop},
		{"parentbased", "0", sdktrace.Drop},
		{"unknown", "", sdktrace.RecordAndSample},
	}
	for _, tc := range cases {
		if got := sampleDecision(parseSampler(tc.name, tc.arg)); got != tc.want {
			t.Fatalf("parseSampler(%q, %q) decision %v, want %v", tc.name, tc.arg, got, tc.want)
		}
	}
}

func TestParseHeaders(t *testing.T) {
	t.Parallel()
	headers := parseHeaders("k1=v1, k2 = v2,broken, , =bad")
	if len(headers) != 2 || headers["k1"] != "v1" || headers["k2"] != "v2" {
		t.Fatalf("unexpected headers %#v", headers)
	}
	if got := parseHeaders("   "); got != nil {
		t.Fatalf("expected nil for empty header string, got %v", got)
	}
}

func TestRouteFamily(t *testing.T) {
	cases := map[string]string{
		"/v1/blobs/snippet/users/42/k": "/v1/blobs",
		"/healthz":                     "/healthz",
		"/":                            "/",
	}
	for in, want := range cases {
		if got := routeFamily(in); got != want {
			t.Fatalf("routeFamily(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInitWithoutExporter(t *testing.T) {
	shutdown, err := Init(context.Background(), "", mapLookup(map[string]string{"ENVIRONMENT": "test"}), nil)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}

func TestInitExporterRequiredVsOptional(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	shutdown, err := Init(ctx, "svc", mapLookup(map[string]string{
		"OTEL_EXPORTER_OTLP_ENDPOINT": "localhost:4318",
	}), nil)
	if err != nil {
		t.Fatalf("optional exporter should fall back, got %v", err)
	}
	_ = shutdown(context.Background())

	if _, err := Init(ctx, "svc", mapLookup(map[string]string{
		"OTEL_EXPORTER_OTLP_ENDPOINT": "localhost:4318",
		"OTEL_REQUIRED":               "true",
	}), nil); err == nil {
		t.Fatal("required exporter must surface init errors")
	}
}

func TestInitExporterSuccess(t *testing.T) {
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/traces") {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer collector.Close()
	u, err := url.Parse(collector.URL)
	if err != nil {
		t.Fatalf("parse collector url: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	shutdown, err := Init(ctx, "svc", mapLookup(map[string]string{
		"OTEL_EXPORTER_OTLP_ENDPOINT":    u.Host,
		"OTEL_EXPORTER_OTLP_HEADERS":     "x-test=1",
		"OTEL_EXPORTER_OTLP_INSECURE":    "true",
		"OTEL_EXPORTER_OTLP_TIMEOUT_SEC": "1",
		"OTEL_REQUIRED":                  "true",
	}), nil)
	if err != nil {
		t.Fatalf("expected exporter init success, got %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}

func TestHTTPMiddleware(t *testing.T) {
	publicCalls := 0
	handler := HTTPMiddleware("  ", func(*http.Request) bool { publicCalls++; return true })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/blobs/snippet/a/b", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if publicCalls != 1 {
		t.Fatalf("expected public endpoint check once, got %d", publicCalls)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusNoContent || publicCalls != 1 {
		t.Fatalf("health checks must bypass tracing, calls=%d", publicCalls)
	}
}

func TestInstrumentClient(t *testing.T) {
	if c := InstrumentClient(nil); c == nil || c.Transport == nil {
		t.Fatal("expected instrumented default client")
	}
	existing := &http.Client{Transport: http.DefaultTransport}
	if InstrumentClient(existing) != existing {
		t.Fatal("expected instrumentation to return the same client")
	}
}
