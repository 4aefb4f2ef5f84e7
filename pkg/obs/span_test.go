// Tests for Span and TracerFactory.
// Uses the tracetest in-memory exporter to verify exported OpenTelemetry spans.
package obs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"pgregory.net/rapid"
)

var testOp = Operation{Category: "Repository", Component: "Orders", Method: "Get"}

func newTestFactory(t *testing.T, sampler sdktrace.Sampler, opts ...FactoryOption) (*TracerFactory, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sampler),
	)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewTracerFactory(tp, opts...), exporter
}

func TestCreateChildSpanWithoutParentIsRoot(t *testing.T) {
	t.Parallel()

	f, exporter := newTestFactory(t, sdktrace.AlwaysSample())

	span := f.CreateChildSpan(context.Background(), ObservabilityContext{}, testOp)
	require.NotNil(t, span)
	assert.True(t, span.Context().IsValid())
	assert.False(t, span.Parent().IsValid())
	span.SetSuccess()
	span.Close()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "Orders.Get", spans[0].Name)
	assert.False(t, spans[0].Parent.IsValid())
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
	assert.Equal(t, trace.SpanKindClient, spans[0].SpanKind)
}

func TestCreateChildSpanLinksParent(t *testing.T) {
	t.Parallel()

	f, exporter := newTestFactory(t, sdktrace.AlwaysSample())

	parent := f.CreateChildSpan(context.Background(), ObservabilityContext{}, testOp)
	require.NotNil(t, parent)
	child := f.CreateChildSpan(context.Background(), parent.Context(), Operation{Category: "gateway", Component: "Payments", Method: "Charge"})
	require.NotNil(t, child)

	assert.Equal(t, parent.Context().TraceID, child.Context().TraceID)
	assert.Equal(t, parent.Context(), child.Parent())
	assert.NotEqual(t, parent.Context().SpanID, child.Context().SpanID)

	child.Close()
	parent.Close()

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, parent.Context().SpanID, spans[0].Parent.SpanID())
}

func TestCreateChildSpanNotSampled(t *testing.T) {
	t.Parallel()

	f, exporter := newTestFactory(t, sdktrace.NeverSample())

	var exported int
	f.sinks = append(f.sinks, SpanSinkFunc(func(context.Context, SpanRecord) error {
		exported++
		return nil
	}))

	span := f.CreateChildSpan(context.Background(), ObservabilityContext{}, testOp)
	require.NotNil(t, span, "a dropped span still carries the decision")
	assert.False(t, span.Sampled())
	assert.True(t, span.Context().IsValid())
	assert.True(t, span.Context().Unsampled)
	span.SetSuccess()
	span.Close()

	assert.Empty(t, exporter.GetSpans())
	assert.Zero(t, exported)
}

func TestDroppedParentDropsChildren(t *testing.T) {
	t.Parallel()

	// Half the roots are dropped; a parent-based sampler must follow them.
	f, exporter := newTestFactory(t, NewSampler(0.5))

	for range 200 {
		parent := f.CreateChildSpan(context.Background(), ObservabilityContext{}, testOp)
		require.NotNil(t, parent)
		child := f.CreateChildSpan(context.Background(), parent.Context(), testOp)
		require.NotNil(t, child)
		assert.Equal(t, parent.Sampled(), child.Sampled())
		assert.Equal(t, parent.Context().TraceID, child.Context().TraceID)
		child.Close()
		parent.Close()
	}

	spans := exporter.GetSpans()
	exported := map[trace.SpanID]bool{}
	for _, s := range spans {
		exported[s.SpanContext.SpanID()] = true
	}
	var children int
	for _, s := range spans {
		if s.Parent.IsValid() {
			children++
			assert.True(t, exported[s.Parent.SpanID()], "child exported without its parent")
		}
	}
	assert.Equal(t, len(spans)-children, children)
	assert.NotEmpty(t, spans)
	assert.Less(t, len(spans), 400)
}

func TestNilFactoryAndSpanAreNoops(t *testing.T) {
	t.Parallel()

	var f *TracerFactory
	span := f.CreateChildSpan(context.Background(), ObservabilityContext{}, testOp)
	require.Nil(t, span)

	assert.NotPanics(t, func() {
		span.SetTag("k", "v")
		span.SetSuccess()
		span.SetFailure(errors.New("boom"))
		span.SetFailureMessage("boom")
		span.Close()
	})
	assert.Equal(t, OutcomePending, span.Outcome())
	assert.True(t, span.Closed())
	assert.False(t, span.Context().IsValid())
}

func TestSpanFirstOutcomeWins(t *testing.T) {
	t.Parallel()

	f, exporter := newTestFactory(t, sdktrace.AlwaysSample())

	span := f.CreateChildSpan(context.Background(), ObservabilityContext{}, testOp)
	require.NotNil(t, span)
	span.SetFailure(errors.New("not found"))
	span.SetSuccess()
	span.SetFailureMessage("second")
	span.Close()

	rec := span.Record()
	assert.Equal(t, OutcomeFailure, rec.Outcome)
	assert.Equal(t, "not found", rec.FailureDetail)
	assert.Equal(t, "*errors.errorString", rec.ErrorType)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "not found", spans[0].Status.Description)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "exception", spans[0].Events[0].Name)
}

func TestSpanCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	var exported int
	sink := SpanSinkFunc(func(context.Context, SpanRecord) error {
		exported++
		return nil
	})
	f, exporter := newTestFactory(t, sdktrace.AlwaysSample(), WithSinks(sink))

	span := f.CreateChildSpan(context.Background(), ObservabilityContext{}, testOp)
	require.NotNil(t, span)
	span.Close()
	span.Close()
	span.SetTag("late", "ignored")
	span.SetSuccess()

	assert.Equal(t, 1, exported)
	assert.Len(t, exporter.GetSpans(), 1)
	assert.Equal(t, OutcomePending, span.Outcome())
	assert.Empty(t, span.Record().Tags)
}

func TestSpanElapsedUsesClock(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	f, _ := newTestFactory(t, sdktrace.AlwaysSample(), WithClock(func() time.Time { return now }))

	span := f.CreateChildSpan(context.Background(), ObservabilityContext{}, testOp)
	require.NotNil(t, span)
	now = base.Add(250 * time.Millisecond)
	span.SetSuccess()
	span.Close()

	assert.Equal(t, 250*time.Millisecond, span.Record().Elapsed)
	assert.Equal(t, base, span.Record().Start)
}

func TestSpanTagsExported(t *testing.T) {
	t.Parallel()

	f, exporter := newTestFactory(t, sdktrace.AlwaysSample())

	span := f.CreateChildSpan(context.Background(), ObservabilityContext{}, testOp)
	require.NotNil(t, span)
	span.SetTag("order.id", "42")
	span.SetAttributes(attribute.Int("rows", 3))
	span.Close()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "42", attrs["order.id"].AsString())
	assert.Equal(t, int64(3), attrs["rows"].AsInt64())
	assert.Equal(t, "Orders", attrs["code.namespace"].AsString())
	assert.Equal(t, "Get", attrs["code.function"].AsString())
	assert.Equal(t, "Repository", attrs[CategoryKey].AsString())
}

func TestSpanConcurrentCompletion(t *testing.T) {
	t.Parallel()

	f, exporter := newTestFactory(t, sdktrace.AlwaysSample())
	span := f.CreateChildSpan(context.Background(), ObservabilityContext{}, testOp)
	require.NotNil(t, span)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				span.SetSuccess()
			} else {
				span.SetFailureMessage("racing")
			}
			span.Close()
		}()
	}
	wg.Wait()

	assert.NotEqual(t, OutcomePending, span.Outcome())
	assert.Len(t, exporter.GetSpans(), 1)
}

func TestFailingSinkDoesNotAffectCaller(t *testing.T) {
	t.Parallel()

	sink := SpanSinkFunc(func(context.Context, SpanRecord) error {
		panic("sink exploded")
	})
	f, exporter := newTestFactory(t, sdktrace.AlwaysSample(), WithSinks(sink))

	span := f.CreateChildSpan(context.Background(), ObservabilityContext{}, testOp)
	require.NotNil(t, span)
	assert.NotPanics(t, span.Close)
	assert.Len(t, exporter.GetSpans(), 1)
}

func TestSinksRunBeforeCloseReturns(t *testing.T) {
	t.Parallel()

	var got []SpanRecord
	f, _ := newTestFactory(t, sdktrace.AlwaysSample(), WithSinks(SpanSinkFunc(func(_ context.Context, rec SpanRecord) error {
		got = append(got, rec)
		return nil
	})))

	span := f.CreateChildSpan(context.Background(), ObservabilityContext{}, testOp)
	span.SetSuccess()
	span.Close()

	require.Len(t, got, 1, "no goroutine handoff between Close and the sink")
	assert.Equal(t, span.Context(), got[0].Context)
	assert.Equal(t, OutcomeSuccess, got[0].Outcome)
}

func TestNopFactory(t *testing.T) {
	t.Parallel()

	assert.Nil(t, NopFactory{}.CreateChildSpan(context.Background(), ObservabilityContext{}, testOp))
}

func TestErrorType(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, "", ErrorType(nil))
	assert.Equal(t, "canceled", ErrorType(ctx.Err()))
	assert.Equal(t, "timeout", ErrorType(context.DeadlineExceeded))
	assert.Equal(t, "*errors.errorString", ErrorType(errors.New("x")))
	assert.Equal(t, "*errors.errorString", ErrorType(wrap(errors.New("x"))))
	assert.Equal(t, "not_found", ErrorType(typedErr{}))
}

type typedErr struct{}

func (typedErr) Error() string     { return "missing" }
func (typedErr) ErrorType() string { return "not_found" }

func wrap(err error) error {
	return fmt.Errorf("load order: %w", err)
}

func TestProperty_OutcomeSetExactlyOnce(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(rt *rapid.T) {
		f, exporter := newTestFactory(t, sdktrace.AlwaysSample())
		span := f.CreateChildSpan(context.Background(), ObservabilityContext{}, testOp)
		require.NotNil(rt, span)

		actions := rapid.SliceOf(rapid.SampledFrom([]string{"success", "failure", "message", "close"})).Draw(rt, "actions")
		want := OutcomePending
		closed := false
		closes := 0
		for _, a := range actions {
			switch a {
			case "success":
				span.SetSuccess()
				if !closed && want == OutcomePending {
					want = OutcomeSuccess
				}
			case "failure":
				span.SetFailure(errors.New("boom"))
				if !closed && want == OutcomePending {
					want = OutcomeFailure
				}
			case "message":
				span.SetFailureMessage("boom")
				if !closed && want == OutcomePending {
					want = OutcomeFailure
				}
			case "close":
				span.Close()
				closed = true
				closes++
			}
		}

		assert.Equal(rt, want, span.Outcome())
		assert.Equal(rt, closed, span.Closed())
		if closes > 0 {
			assert.Len(rt, exporter.GetSpans(), 1)
		} else {
			assert.Empty(rt, exporter.GetSpans())
		}
	})
}
