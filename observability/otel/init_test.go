package otel

import (
	"context"
	"testing"
	"time"

	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg := ConfigFromEnv("saled", "dev")
	if cfg.Traces || cfg.Metrics {
		t.Fatalf("exporters must stay off without an endpoint: %+v", cfg)
	}

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "x-api-key=abc, broken ,=skip")
	cfg = ConfigFromEnv("saled", "dev")
	if !cfg.Traces || !cfg.Metrics || cfg.Insecure || cfg.Endpoint != "collector:4318" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.Headers) != 1 || cfg.Headers["x-api-key"] != "abc" {
		t.Fatalf("unexpected headers %v", cfg.Headers)
	}
}

func TestInitWithoutExporters(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected missing service name to fail")
	}
	shutdown, err := Init(context.Background(), Config{ServiceName: "saled"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestConfigFromEnvSamplingAndInterval(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")
	t.Setenv("OTEL_METRIC_EXPORT_INTERVAL", "5000")
	cfg := ConfigFromEnv("saled", "prod")
	if cfg.SampleRatio != 0.25 || cfg.MetricInterval != 5*time.Second {
		t.Fatalf("unexpected sampling config %+v", cfg)
	}

	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "7")
	t.Setenv("OTEL_METRIC_EXPORT_INTERVAL", "soon")
	cfg = ConfigFromEnv("saled", "prod")
	if cfg.SampleRatio != 0 || cfg.MetricInterval != 0 {
		t.Fatalf("out of range values must be ignored: %+v", cfg)
	}
}

func TestResourceCarriesServiceIdentity(t *testing.T) {
	res, err := newResource(Config{ServiceName: "salectl", Version: "v1.2.0", Environment: "staging"})
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	want := map[string]string{
		string(semconv.ServiceNameKey):           "salectl",
		string(semconv.ServiceNamespaceKey):      ServiceNamespace,
		string(semconv.ServiceVersionKey):        "v1.2.0",
		string(semconv.DeploymentEnvironmentKey): "staging",
	}
	got := map[string]string{}
	for _, kv := range res.Attributes() {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	for key, value := range want {
		if got[key] != value {
			t.Fatalf("attribute %s = %q, want %q", key, got[key], value)
		}
	}
}
