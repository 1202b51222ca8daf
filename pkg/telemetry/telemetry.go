// Package telemetry wires OpenTelemetry tracing for the gateway.
package telemetry

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"blobgate/pkg/config"
	"blobgate/pkg/logging"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"
	"go.uber.org/zap"
)

const defaultServiceName = "blobgate"

// Init installs the global tracer provider. Without OTEL_EXPORTER_OTLP_ENDPOINT
// spans are sampled but not exported. A failing exporter is fatal only when
// OTEL_REQUIRED=true.
func Init(ctx context.Context, serviceName string, lookup config.Lookup, log *zap.Logger) (func(context.Context) error, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	log = logging.OrNop(log)
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}
	endpoint := get("OTEL_EXPORTER_OTLP_ENDPOINT")
	timeout := time.Duration(atoi(get("OTEL_EXPORTER_OTLP_TIMEOUT_SEC"), 5)) * time.Second
	sampler := parseSampler(get("OTEL_TRACES_SAMPLER"), get("OTEL_TRACES_SAMPLER_ARG"))

	attrs := []resource.Option{resource.WithAttributes(semconv.ServiceName(serviceName))}
	if env := get("ENVIRONMENT"); env != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.DeploymentEnvironment(env)))
	}
	extra, err := resource.New(ctx, attrs...)
	if err != nil {
		extra = resource.Empty()
	}
	res, err := resource.Merge(resource.Default(), extra)
	if err != nil {
		res = resource.Default()
	}
	providerOpts := []trace.TracerProviderOption{trace.WithResource(res), trace.WithSampler(sampler)}

	if endpoint != "" {
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithTimeout(timeout),
		}
		if get("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if headers := parseHeaders(get("OTEL_EXPORTER_OTLP_HEADERS")); len(headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(headers))
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		switch {
		case err != nil && get("OTEL_REQUIRED") == "true":
			return nil, err
		case err != nil:
			log.Warn("otel exporter disabled", zap.Error(err))
		default:
			providerOpts = append(providerOpts, trace.WithBatcher(exporter))
		}
	}
	tp := trace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}

func parseSampler(name, arg string) trace.Sampler {
	ratio := 1.0
	if val, err := strconv.ParseFloat(strings.TrimSpace(arg), 64); err == nil {
		ratio = min(max(val, 0), 1)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware instruments inbound requests. Requests for which public
// returns true start a new trace instead of joining the caller's.
func HTTPMiddleware(serviceName string, public func(*http.Request) bool) func(http.Handler) http.Handler {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	opts := []otelhttp.Option{
		otelhttp.WithFilter(func(r *http.Request) bool { return r.URL.Path != "/healthz" }),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + routeFamily(r.URL.Path)
		}),
	}
	if public != nil {
		opts = append(opts, otelhttp.WithPublicEndpointFn(public))
	}
	return otelhttp.NewMiddleware(serviceName, opts...)
}

// routeFamily keeps the first two path segments so span names stay low
// cardinality.
func routeFamily(p string) string {
	parts := strings.SplitN(strings.TrimPrefix(p, "/"), "/", 3)
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return "/" + strings.Join(parts, "/")
}

// InstrumentClient wraps an HTTP client with the OTel transport.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

func parseHeaders(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

func atoi(raw string, def int) int {
	if i, err := strconv.Atoi(raw); err == nil {
		return i
	}
	return def
}
