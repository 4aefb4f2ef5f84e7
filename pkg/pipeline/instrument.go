package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andrewh/tracewrap/pkg/obs"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// ErrPanic is wrapped by the failure recorded when an operation panics.
var ErrPanic = errors.New("operation panicked")

// PanicError carries the recovered value of a panicking operation.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string     { return fmt.Sprintf("panic: %v", e.Value) }
func (e *PanicError) Unwrap() error     { return ErrPanic }
func (e *PanicError) ErrorType() string { return "panic" }

// Telemetry bundles the collaborators shared by every pipeline in a process.
type Telemetry struct {
	Spans      obs.SpanFactory
	Metrics    obs.MetricRecorder
	Propagator *obs.Propagator
	Logger     *zap.Logger
}

// Option configures an Instrument.
type Option func(*Instrument)

// WithTelemetry applies every non-nil collaborator in t.
func WithTelemetry(t Telemetry) Option {
	return func(in *Instrument) {
		if t.Spans != nil {
			in.spans = t.Spans
		}
		if t.Metrics != nil {
			in.metrics = t.Metrics
		}
		if t.Propagator != nil {
			in.propagator = t.Propagator
		}
		if t.Logger != nil {
			in.logger = t.Logger
		}
	}
}

// WithSpanFactory sets the span factory.
func WithSpanFactory(f obs.SpanFactory) Option {
	return func(in *Instrument) { in.spans = f }
}

// WithMetricRecorder sets the metric recorder.
func WithMetricRecorder(r obs.MetricRecorder) Option {
	return func(in *Instrument) { in.metrics = r }
}

// WithPropagator sets the context propagator.
func WithPropagator(p *obs.Propagator) Option {
	return func(in *Instrument) { in.propagator = p }
}

// WithLogger sets the logger used to report telemetry faults.
func WithLogger(l *zap.Logger) Option {
	return func(in *Instrument) { in.logger = l }
}

// WithClock overrides the time source used for elapsed measurements.
func WithClock(now func() time.Time) Option {
	return func(in *Instrument) { in.now = now }
}

// Instrument holds the per-adapter state of a generated pipeline.
type Instrument struct {
	component  string
	adapter    Adapter
	spans      obs.SpanFactory
	metrics    obs.MetricRecorder
	propagator *obs.Propagator
	logger     *zap.Logger
	guard      *obs.Guard
	now        func() time.Time
}

// New creates the Instrument for one decorated adapter. Without options it
// uses the global OpenTelemetry tracer and meter providers.
func New(component string, adapter Adapter, opts ...Option) *Instrument {
	in := &Instrument{
		component:  component,
		adapter:    adapter,
		propagator: obs.DefaultPropagator(),
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(in)
	}
	in.guard = obs.NewGuard(in.logger, obs.WithBreakerName(component))
	if in.spans == nil {
		in.spans = obs.NewTracerFactory(otel.GetTracerProvider(), obs.WithGuard(in.guard))
	}
	if in.metrics == nil {
		rec, err := obs.NewOTelRecorder(otel.GetMeterProvider())
		if err != nil {
			in.logger.Warn("metrics disabled", zap.String("component", component), zap.Error(err))
			in.metrics = obs.NopRecorder{}
		} else {
			in.metrics = rec
		}
	}
	in.metrics = obs.Guarded(in.metrics, in.guard)
	return in
}

// Component returns the decorated adapter's name.
func (in *Instrument) Component() string {
	return in.component
}

func (in *Instrument) category() (category string) {
	in.guard.Do("request.category", func() { category = in.adapter.RequestCategory() })
	return category
}

// Start begins one operation. The returned context carries the new span's
// context and must be passed to the inner call; the Call must be ended.
func (in *Instrument) Start(ctx context.Context, method string) (context.Context, *Call) {
	op := obs.Operation{Category: in.category(), Component: in.component, Method: method}
	key := obs.NewMetricKey(op)

	parent, _ := in.propagator.Current(ctx)
	span := in.createSpan(ctx, parent, op)
	in.metrics.RecordRequest(ctx, key)

	call := &Call{in: in, span: span, key: key, start: in.now()}
	if span != nil {
		ctx, call.scope = in.propagator.CreateScope(ctx, span.Context())
	}
	call.ctx = ctx
	return ctx, call
}

func (in *Instrument) createSpan(ctx context.Context, parent obs.ObservabilityContext, op obs.Operation) (span *obs.Span) {
	in.guard.Do("span.create", func() { span = in.spans.CreateChildSpan(ctx, parent, op) })
	return span
}

// Call is one in-flight operation.
type Call struct {
	in    *Instrument
	span  *obs.Span
	scope *obs.Scope
	key   obs.MetricKey
	start time.Time
	ctx   context.Context
	once  sync.Once
}

// Span returns the operation's span, nil when tracing is disabled. A span the
// sampler dropped is returned unsampled.
func (c *Call) Span() *obs.Span {
	return c.span
}

// End records the outcome of the operation. Only the first call has effect.
func (c *Call) End(err error) {
	c.once.Do(func() {
		elapsed := c.in.now().Sub(c.start)
		if err == nil {
			c.span.SetSuccess()
			c.in.metrics.RecordResponseSuccess(c.ctx, c.key, elapsed)
		} else {
			c.span.SetFailure(err)
			c.in.metrics.RecordResponseFailure(c.ctx, c.key, elapsed, obs.ErrorType(err))
		}
		c.span.Close()
		c.scope.Close()
	})
}

// suspend withdraws the operation's context from a bound cell.
func (c *Call) suspend() {
	c.scope.Close()
}

// resume makes the operation's context ambient again after suspend.
func (c *Call) resume() {
	if c.span == nil || c.scope.State() != obs.ScopeExited {
		return
	}
	_, c.scope = c.in.propagator.CreateScope(c.ctx, c.span.Context())
}

// Done is deferred by generated code with a pointer to the error result, or
// nil for operations without one. A panic in the operation is recorded as a
// failure and then re-raised.
func (c *Call) Done(errp *error) {
	if r := recover(); r != nil {
		c.End(&PanicError{Value: r})
		panic(r)
	}
	var err error
	if errp != nil {
		err = *errp
	}
	c.End(err)
}
