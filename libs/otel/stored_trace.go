package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// StoredTrace is a W3C trace context persisted next to a row written inside a span,
// so that work picked up later by another process joins the same trace.
type StoredTrace struct {
	Traceparent string
	Tracestate  string
}

func CaptureTrace(ctx context.Context) StoredTrace {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return StoredTrace{
		Traceparent: carrier.Get("traceparent"),
		Tracestate:  carrier.Get("tracestate"),
	}
}

func (t StoredTrace) Empty() bool {
	return t.Traceparent == ""
}

// Resume returns ctx carrying the stored span as its remote parent. A row written
// outside any span resumes nothing.
func (t StoredTrace) Resume(ctx context.Context) context.Context {
	if t.Empty() {
		return ctx
	}
	carrier := propagation.MapCarrier{"traceparent": t.Traceparent}
	if t.Tracestate != "" {
		carrier.Set("tracestate", t.Tracestate)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
