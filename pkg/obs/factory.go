// SpanFactory creates child spans from an explicit parent context.
// TracerFactory backs spans with an OpenTelemetry tracer and forwards finished records to sinks.
package obs

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ScopeName is the instrumentation scope used for tracers and meters.
const ScopeName = "github.com/andrewh/tracewrap"

// CategoryKey is the attribute carrying the adapter's request category.
const CategoryKey = attribute.Key("tracewrap.category")

// SpanFactory creates spans. Implementations must not panic and return nil
// when tracing is disabled. A span the sampler drops is returned unsampled so
// that its context, and the drop decision, still reach its children.
type SpanFactory interface {
	CreateChildSpan(ctx context.Context, parent ObservabilityContext, op Operation) *Span
}

// SpanSink receives finished span records.
type SpanSink interface {
	ExportSpan(ctx context.Context, rec SpanRecord) error
}

// SpanSinkFunc adapts a function to SpanSink.
type SpanSinkFunc func(ctx context.Context, rec SpanRecord) error

// ExportSpan calls f.
func (f SpanSinkFunc) ExportSpan(ctx context.Context, rec SpanRecord) error {
	return f(ctx, rec)
}

// TracerFactory is the SpanFactory backed by an OpenTelemetry TracerProvider.
type TracerFactory struct {
	tracer trace.Tracer
	sinks  []SpanSink
	guard  *Guard
	now    func() time.Time
}

// FactoryOption configures a TracerFactory.
type FactoryOption func(*TracerFactory)

// WithSinks adds sinks that receive every finished, sampled span. Sinks run
// synchronously inside Span.Close, on the instrumented call's goroutine, so a
// sink must return quickly and hand slow work to its own buffer. A failing or
// panicking sink is isolated by the guard and trips its breaker.
func WithSinks(sinks ...SpanSink) FactoryOption {
	return func(f *TracerFactory) { f.sinks = append(f.sinks, sinks...) }
}

// WithGuard sets the isolation boundary used for sinks and span ends.
func WithGuard(g *Guard) FactoryOption {
	return func(f *TracerFactory) { f.guard = g }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) FactoryOption {
	return func(f *TracerFactory) { f.now = now }
}

// NewTracerFactory creates a factory from tp.
func NewTracerFactory(tp trace.TracerProvider, opts ...FactoryOption) *TracerFactory {
	f := &TracerFactory{
		tracer: tp.Tracer(ScopeName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.guard == nil {
		f.guard = NewGuard(zap.NewNop())
	}
	return f
}

// CreateChildSpan starts a span under parent, or a new root when parent is
// invalid. A span the sampler drops is neither exported nor sent to sinks.
// It returns nil when the tracer yields no span context at all.
func (f *TracerFactory) CreateChildSpan(ctx context.Context, parent ObservabilityContext, op Operation) (span *Span) {
	if f == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			f.guard.recovered("span.create", r)
			span = nil
		}
	}()

	start := f.now()
	opts := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithTimestamp(start),
		trace.WithAttributes(
			semconv.CodeNamespace(op.Component),
			semconv.CodeFunction(op.Method),
			CategoryKey.String(op.Category),
		),
	}
	if parent.IsValid() {
		if sc := trace.SpanContextFromContext(ctx); sc.TraceID() != parent.TraceID || sc.SpanID() != parent.SpanID {
			ctx = trace.ContextWithSpanContext(ctx, parent.SpanContext())
		}
	} else {
		opts = append(opts, trace.WithNewRoot())
	}

	_, otelSpan := f.tracer.Start(ctx, op.Name(), opts...)
	sc := otelSpan.SpanContext()
	if !sc.IsValid() {
		otelSpan.End()
		return nil
	}

	s := &Span{
		oc:      FromSpanContext(sc),
		op:      op,
		start:   start,
		otel:    otelSpan,
		now:     f.now,
		guard:   f.guard,
		sampled: sc.IsSampled(),
	}
	if s.sampled {
		s.finish = f.export
	}
	if parent.IsValid() {
		s.parent = parent
	}
	return s
}

func (f *TracerFactory) export(rec SpanRecord) {
	if len(f.sinks) == 0 {
		return
	}
	ctx := trace.ContextWithSpanContext(context.Background(), rec.Context.SpanContext())
	for _, sink := range f.sinks {
		f.guard.Call("span.export", func() error { return sink.ExportSpan(ctx, rec) })
	}
}

// NopFactory never creates spans.
type NopFactory struct{}

// CreateChildSpan returns nil.
func (NopFactory) CreateChildSpan(context.Context, ObservabilityContext, Operation) *Span {
	return nil
}
