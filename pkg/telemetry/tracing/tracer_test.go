package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"flow-hq/domains/pkg/config"
)

func TestNew_Disabled(t *testing.T) {
	tr, err := New(&config.TracingConfig{Enabled: false}, "test")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if tr.Enabled() {
		t.Error("expected disabled tracer")
	}

	ctx, span := tr.Start(context.Background(), "proxy.exchange")
	span.End()
	if TraceID(ctx) != "" {
		t.Error("expected no trace id from a no-op tracer")
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestNew_RejectsUnknownExporter(t *testing.T) {
	_, err := New(&config.TracingConfig{Enabled: true, Sampler: "always", Exporter: "zipkin"}, "test")
	if err == nil {
		t.Error("expected error for unsupported exporter")
	}
}

func TestNilTracer(t *testing.T) {
	var tr *Tracer
	ctx, span := tr.Start(context.Background(), "x")
	span.End()
	if ctx == nil || tr.Enabled() {
		t.Error("expected nil tracer to be a disabled pass-through")
	}
}

func TestExchangeSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tr := NewWithProvider(provider)

	_, span := tr.Start(context.Background(), "proxy.exchange", ExchangeStart("GET", "/", "127.0.0.1:5000", "c1"))
	SetRoute(span, "a.localhost", "127.0.0.1:3000")
	SetUpstream(span, true)
	SetResult(span, 504, "connect_timeout")
	SetStatus(span, errors.New("upstream timed out"))
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	got := spans[0]
	if got.Status().Code != codes.Error {
		t.Errorf("expected error status, got %v", got.Status())
	}

	attrs := map[string]string{}
	for _, kv := range got.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	for key, want := range map[string]string{
		"domains.host":            "a.localhost",
		"domains.target":          "127.0.0.1:3000",
		"domains.upstream_reused": "true",
		"domains.error_kind":      "connect_timeout",
		"http.status_code":        "504",
		"http.method":             "GET",
	} {
		if attrs[key] != want {
			t.Errorf("attribute %s = %q, want %q", key, attrs[key], want)
		}
	}
}

func TestInjectExtract(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	recorder := tracetest.NewSpanRecorder()
	tr := NewWithProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	ctx, span := tr.Start(context.Background(), "parent")
	defer span.End()

	carrier := propagation.MapCarrier{}
	Inject(ctx, carrier)
	if carrier.Get("traceparent") == "" {
		t.Fatal("expected traceparent to be injected")
	}

	extracted := Extract(context.Background(), carrier)
	_, child := tr.Start(extracted, "child")
	child.End()

	if TraceID(ctx) == "" {
		t.Fatal("expected parent trace id")
	}
	ended := recorder.Ended()
	if len(ended) != 1 || ended[0].Parent().TraceID().String() != TraceID(ctx) {
		t.Error("expected child span to continue the injected trace")
	}
}

func TestCreateSampler(t *testing.T) {
	tests := []struct {
		strategy string
		ratio    float64
		wantErr  bool
	}{
		{SamplerAlways, 0, false},
		{SamplerNever, 0, false},
		{SamplerRatio, 0.5, false},
		{"", 1, false},
		{SamplerRatio, 1.5, true},
		{SamplerRatio, -0.1, true},
		{"sometimes", 0.5, true},
	}
	for _, tt := range tests {
		_, err := createSampler(tt.strategy, tt.ratio)
		if (err != nil) != tt.wantErr {
			t.Errorf("createSampler(%q, %v) error = %v, wantErr %v", tt.strategy, tt.ratio, err, tt.wantErr)
		}
	}
}
