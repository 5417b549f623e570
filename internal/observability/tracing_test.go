package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewTracingWithoutEndpointIsNoop(t *testing.T) {
	t.Parallel()

	tracing, err := NewTracing(context.Background(), "", "")
	if err != nil {
		t.Fatalf("NewTracing() error = %v", err)
	}

	_, span := tracing.Tracer().Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Fatal("noop tracer should produce invalid span contexts")
	}
	span.End()

	if err := tracing.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestNilTracingHandsOutNoopTracer(t *testing.T) {
	t.Parallel()

	var tracing *Tracing
	if tracing.Tracer() == nil {
		t.Fatal("Tracer() should never be nil")
	}
	if err := tracing.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestEndSpanRecordsStatus(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := tp.Tracer("test")

	_, okSpan := tracer.Start(context.Background(), "ok")
	EndSpan(okSpan, nil)

	_, failedSpan := tracer.Start(context.Background(), "failed")
	EndSpan(failedSpan, errors.New("boom"))

	ended := recorder.Ended()
	if len(ended) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(ended))
	}
	if ended[0].Status().Code != codes.Ok {
		t.Fatalf("ok span status = %v, want Ok", ended[0].Status().Code)
	}
	if ended[1].Status().Code != codes.Error || ended[1].Status().Description != "boom" {
		t.Fatalf("failed span status = %+v, want Error boom", ended[1].Status())
	}
}

func TestExporterOptions(t *testing.T) {
	t.Parallel()

	if got := len(exporterOptions("http://collector:4318")); got != 2 {
		t.Fatalf("http endpoint options = %d, want endpoint + insecure", got)
	}
	if got := len(exporterOptions("https://collector:4318")); got != 1 {
		t.Fatalf("https endpoint options = %d, want 1", got)
	}
	if got := len(exporterOptions("collector:4318")); got != 1 {
		t.Fatalf("bare endpoint options = %d, want 1", got)
	}
}
