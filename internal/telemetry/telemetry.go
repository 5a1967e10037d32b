package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	// Service information
	ServiceName    = "github.com/irfndi/coin-rag"
	ServiceVersion = "1.0.0"

	// StdoutEndpoint selects the stdout span exporter instead of OTLP.
	StdoutEndpoint = "stdout"
)

// TelemetryConfig holds configuration for telemetry
type TelemetryConfig struct {
	Enabled        bool
	SentryDSN      string
	OTLPEndpoint   string
	Environment    string
	ServiceName    string
	ServiceVersion string
	SampleRate     float64
}

// DefaultConfig returns default telemetry configuration
func DefaultConfig() *TelemetryConfig {
	return &TelemetryConfig{
		Enabled:        true,
		SentryDSN:      "", // Should be provided via env
		OTLPEndpoint:   "",
		Environment:    "development",
		ServiceName:    ServiceName,
		ServiceVersion: ServiceVersion,
		SampleRate:     0.2,
	}
}

var (
	mu            sync.Mutex
	traceProvider *sdktrace.TracerProvider
	sentryEnabled bool
)

// InitTelemetry initializes Sentry and the OpenTelemetry tracer provider.
// Either backend is skipped when its endpoint is empty.
func InitTelemetry(config TelemetryConfig) error {
	if !config.Enabled {
		return nil
	}

	mu.Lock()
	defer mu.Unlock()

	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              config.SentryDSN,
			Environment:      config.Environment,
			Release:          config.ServiceVersion,
			TracesSampleRate: config.SampleRate,
			AttachStacktrace: true,
		})
		if err != nil {
			return fmt.Errorf("sentry init: %w", err)
		}
		sentryEnabled = true
	}

	if config.OTLPEndpoint == "" {
		return nil
	}

	exporter, err := newSpanExporter(context.Background(), config.OTLPEndpoint)
	if err != nil {
		return err
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRate))),
	)
	otel.SetTracerProvider(traceProvider)

	return nil
}

func newSpanExporter(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	if endpoint == StdoutEndpoint {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		return exporter, nil
	}

	hostport, urlPath, insecure, _, err := normalizeOTLPEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(hostport),
		otlptracehttp.WithURLPath(urlPath),
	}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}
	return exporter, nil
}

// normalizeOTLPEndpoint splits a collector URL into the pieces otlptracehttp expects.
func normalizeOTLPEndpoint(raw string) (hostport, urlPath string, insecure bool, resolved string, err error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false, "", fmt.Errorf("invalid OTLP endpoint %q: expected scheme://host:port", raw)
	}

	path := strings.TrimSuffix(u.Path, "/")
	if !strings.HasSuffix(path, "/v1/traces") {
		path += "/v1/traces"
	}

	insecure = u.Scheme == "http"
	resolved = fmt.Sprintf("%s://%s%s", u.Scheme, u.Host, path)
	return u.Host, path, insecure, resolved, nil
}

// CaptureError forwards err to Sentry when it is configured.
func CaptureError(err error, tags map[string]string) {
	if err == nil {
		return
	}
	mu.Lock()
	enabled := sentryEnabled
	mu.Unlock()
	if !enabled {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

// Flush flushes buffered events
func Flush(timeout time.Duration) {
	sentry.Flush(timeout)
}

// Shutdown flushes Sentry and stops the tracer provider
func Shutdown(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()

	if sentryEnabled {
		sentry.Flush(2 * time.Second)
	}
	if traceProvider == nil {
		return nil
	}
	err := traceProvider.Shutdown(ctx)
	traceProvider = nil
	return err
}
