package otelx

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestStoredTraceResume(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36},
		SpanID:     trace.SpanID{0x00, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7},
		TraceFlags: trace.FlagsSampled,
	})
	stored := CaptureTrace(trace.ContextWithRemoteSpanContext(context.Background(), sc))
	if stored.Empty() {
		t.Fatalf("expected a traceparent to be captured")
	}

	resumed := trace.SpanContextFromContext(stored.Resume(context.Background()))
	if resumed.TraceID() != sc.TraceID() || resumed.SpanID() != sc.SpanID() || !resumed.IsRemote() {
		t.Fatalf("resumed span context %v does not match %v", resumed, sc)
	}
}

func TestStoredTraceEmpty(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	stored := CaptureTrace(context.Background())
	if !stored.Empty() {
		t.Fatalf("expected nothing captured outside a span, got %+v", stored)
	}
	ctx := context.Background()
	if stored.Resume(ctx) != ctx {
		t.Fatalf("empty trace must return the context unchanged")
	}
}
