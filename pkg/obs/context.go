// ObservabilityContext identifies the active trace position of a logical call chain.
// It mirrors the OpenTelemetry span context so either form can be derived from the other.
package obs

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// ObservabilityContext is the immutable pair of trace and span identifiers
// that a child span uses as its parent. Unsampled carries a sampler's drop
// decision to descendants; the zero value is sampled.
type ObservabilityContext struct {
	TraceID   trace.TraceID
	SpanID    trace.SpanID
	Unsampled bool
}

// FromSpanContext converts an OpenTelemetry span context.
func FromSpanContext(sc trace.SpanContext) ObservabilityContext {
	return ObservabilityContext{TraceID: sc.TraceID(), SpanID: sc.SpanID(), Unsampled: !sc.IsSampled()}
}

// IsValid reports whether both identifiers are non-zero.
func (c ObservabilityContext) IsValid() bool {
	return c.TraceID.IsValid() && c.SpanID.IsValid()
}

// SpanContext returns the span context carrying the identifiers and the
// sampling decision.
func (c ObservabilityContext) SpanContext() trace.SpanContext {
	var flags trace.TraceFlags
	if !c.Unsampled {
		flags = trace.FlagsSampled
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    c.TraceID,
		SpanID:     c.SpanID,
		TraceFlags: flags,
	})
}

func (c ObservabilityContext) String() string {
	if !c.IsValid() {
		return "none"
	}
	return c.TraceID.String() + "/" + c.SpanID.String()
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying oc.
func NewContext(ctx context.Context, oc ObservabilityContext) context.Context {
	return context.WithValue(ctx, contextKey{}, oc)
}

// FromContext returns the ObservabilityContext stored by NewContext, if any.
func FromContext(ctx context.Context) (ObservabilityContext, bool) {
	oc, ok := ctx.Value(contextKey{}).(ObservabilityContext)
	return oc, ok && oc.IsValid()
}
