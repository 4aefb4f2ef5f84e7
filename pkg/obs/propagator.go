// Propagator resolves and installs the ambient ObservabilityContext.
// Tracked dispatch (Go, Group) carries it across goroutines; Detach does not.
package obs

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Propagator reads and writes the ambient context of a call chain.
type Propagator struct {
	textmap propagation.TextMapPropagator
}

// NewPropagator returns a Propagator that uses W3C trace context and baggage
// for cross-process carriers.
func NewPropagator() *Propagator {
	return &Propagator{
		textmap: propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	}
}

var defaultPropagator = NewPropagator()

// DefaultPropagator returns the process-wide Propagator.
func DefaultPropagator() *Propagator {
	return defaultPropagator
}

// Current returns the ambient context of ctx. A bound cell wins; otherwise the
// value installed by CreateScope; otherwise a valid OpenTelemetry span context
// placed in ctx by other instrumentation.
func (p *Propagator) Current(ctx context.Context) (ObservabilityContext, bool) {
	if c := CellFromContext(ctx); c != nil {
		oc, set := c.Load()
		return oc, set && oc.IsValid()
	}
	if oc, ok := FromContext(ctx); ok {
		return oc, true
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return FromSpanContext(sc), true
	}
	return ObservabilityContext{}, false
}

// CreateScope makes oc ambient for the returned context. The bound cell, if
// any, shows oc until the scope is closed or a newer scope opens.
func (p *Propagator) CreateScope(ctx context.Context, oc ObservabilityContext) (context.Context, *Scope) {
	if !oc.IsValid() {
		return ctx, newScope(nil, nil)
	}
	ctx = NewContext(ctx, oc)
	if sc := trace.SpanContextFromContext(ctx); sc.TraceID() != oc.TraceID || sc.SpanID() != oc.SpanID {
		ctx = trace.ContextWithSpanContext(ctx, oc.SpanContext())
	}
	cell := CellFromContext(ctx)
	if cell == nil {
		return ctx, newScope(nil, nil)
	}
	return ctx, newScope(cell, cell.push(oc))
}

// ExtractContext returns the span's own context, or the zero value for a nil span.
func (p *Propagator) ExtractContext(s *Span) ObservabilityContext {
	return s.Context()
}

// Inject writes the ambient context of ctx into carrier as W3C headers.
func (p *Propagator) Inject(ctx context.Context, carrier map[string]string) {
	if oc, ok := p.Current(ctx); ok {
		if sc := trace.SpanContextFromContext(ctx); sc.TraceID() != oc.TraceID || sc.SpanID() != oc.SpanID {
			ctx = trace.ContextWithSpanContext(ctx, oc.SpanContext())
		}
	}
	p.textmap.Inject(ctx, propagation.MapCarrier(carrier))
}

// Extract returns a context whose ambient context is read from carrier.
// Carriers without a valid traceparent leave ctx unchanged apart from baggage.
func (p *Propagator) Extract(ctx context.Context, carrier map[string]string) context.Context {
	ctx = p.textmap.Extract(ctx, propagation.MapCarrier(carrier))
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		ctx = NewContext(ctx, FromSpanContext(sc))
	}
	return ctx
}

// Go runs fn on a new goroutine with ctx's ambient context.
func Go(ctx context.Context, fn func(context.Context)) {
	ctx = Fork(ctx)
	go fn(ctx)
}

// Detach runs fn on a new goroutine without any ambient context. Spans created
// inside fn are roots.
func Detach(fn func(context.Context)) {
	go fn(context.Background())
}

// Group runs sibling goroutines that each inherit the ambient context of the
// context the group was created from.
type Group struct {
	g   *errgroup.Group
	ctx context.Context
}

// NewGroup returns a Group and a derived context canceled when a member fails.
func NewGroup(ctx context.Context) (*Group, context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	return &Group{g: g, ctx: ctx}, ctx
}

// SetLimit bounds the number of active goroutines.
func (g *Group) SetLimit(n int) {
	g.g.SetLimit(n)
}

// Go starts fn with a private fork of the group context.
func (g *Group) Go(fn func(context.Context) error) {
	ctx := Fork(g.ctx)
	g.g.Go(func() error { return fn(ctx) })
}

// Wait blocks until all members return and yields the first error.
func (g *Group) Wait() error {
	return g.g.Wait()
}
