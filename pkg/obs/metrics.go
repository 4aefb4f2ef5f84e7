// MetricRecorder records request, success, and failure measurements per operation.
// OTelRecorder uses the OTel Metrics API; GuardedRecorder keeps recorder faults away from callers.
package obs

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// MetricKey identifies the series an operation reports to.
type MetricKey struct {
	Category  string
	Component string
	Operation string
}

var foldCategory = cases.Lower(language.Und)

// NewMetricKey derives the key for op. The category is case-folded so that
// "Repository" and "repository" land in the same series.
func NewMetricKey(op Operation) MetricKey {
	return MetricKey{
		Category:  foldCategory.String(op.Category),
		Component: op.Component,
		Operation: op.Method,
	}
}

func (k MetricKey) attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		CategoryKey.String(k.Category),
		semconv.CodeNamespace(k.Component),
		semconv.CodeFunction(k.Operation),
	}
}

// MetricRecorder is told about each request and its response. Implementations
// must not block for long and must tolerate concurrent calls.
type MetricRecorder interface {
	RecordRequest(ctx context.Context, key MetricKey)
	RecordResponseSuccess(ctx context.Context, key MetricKey, elapsed time.Duration)
	RecordResponseFailure(ctx context.Context, key MetricKey, elapsed time.Duration, errorType string)
}

// NopRecorder discards measurements.
type NopRecorder struct{}

func (NopRecorder) RecordRequest(context.Context, MetricKey) {}
func (NopRecorder) RecordResponseSuccess(context.Context, MetricKey, time.Duration) {}
func (NopRecorder) RecordResponseFailure(context.Context, MetricKey, time.Duration, string) {}

// MultiRecorder fans measurements out to every member.
type MultiRecorder []MetricRecorder

func (m MultiRecorder) RecordRequest(ctx context.Context, key MetricKey) {
	for _, r := range m {
		r.RecordRequest(ctx, key)
	}
}

func (m MultiRecorder) RecordResponseSuccess(ctx context.Context, key MetricKey, elapsed time.Duration) {
	for _, r := range m {
		r.RecordResponseSuccess(ctx, key, elapsed)
	}
}

func (m MultiRecorder) RecordResponseFailure(ctx context.Context, key MetricKey, elapsed time.Duration, errorType string) {
	for _, r := range m {
		r.RecordResponseFailure(ctx, key, elapsed, errorType)
	}
}

// GuardedRecorder runs another recorder inside a Guard.
type GuardedRecorder struct {
	next  MetricRecorder
	guard *Guard
}

// Guarded wraps next so that its panics are recovered and logged.
func Guarded(next MetricRecorder, guard *Guard) *GuardedRecorder {
	if next == nil {
		next = NopRecorder{}
	}
	return &GuardedRecorder{next: next, guard: guard}
}

func (g *GuardedRecorder) RecordRequest(ctx context.Context, key MetricKey) {
	g.guard.Do("metric.request", func() { g.next.RecordRequest(ctx, key) })
}

func (g *GuardedRecorder) RecordResponseSuccess(ctx context.Context, key MetricKey, elapsed time.Duration) {
	g.guard.Do("metric.success", func() { g.next.RecordResponseSuccess(ctx, key, elapsed) })
}

func (g *GuardedRecorder) RecordResponseFailure(ctx context.Context, key MetricKey, elapsed time.Duration, errorType string) {
	g.guard.Do("metric.failure", func() { g.next.RecordResponseFailure(ctx, key, elapsed, errorType) })
}

// OTelRecorder records measurements through an OTel MeterProvider.
type OTelRecorder struct {
	requests  metric.Int64Counter
	responses metric.Int64Counter
	duration  metric.Float64Histogram
}

// NewOTelRecorder creates an OTelRecorder backed by mp.
func NewOTelRecorder(mp metric.MeterProvider) (*OTelRecorder, error) {
	meter := mp.Meter(ScopeName)

	requests, err := meter.Int64Counter("tracewrap.requests",
		metric.WithDescription("Number of adapter operations started"),
	)
	if err != nil {
		return nil, err
	}

	responses, err := meter.Int64Counter("tracewrap.responses",
		metric.WithDescription("Number of adapter operations completed, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("tracewrap.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration of adapter operations in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	return &OTelRecorder{requests: requests, responses: responses, duration: duration}, nil
}

// RecordRequest counts a started operation.
func (r *OTelRecorder) RecordRequest(ctx context.Context, key MetricKey) {
	r.requests.Add(ctx, 1, metric.WithAttributes(key.attributes()...))
}

// RecordResponseSuccess counts a successful completion and its duration.
func (r *OTelRecorder) RecordResponseSuccess(ctx context.Context, key MetricKey, elapsed time.Duration) {
	attrs := metric.WithAttributes(append(key.attributes(), attribute.String("outcome", "success"))...)
	r.responses.Add(ctx, 1, attrs)
	r.duration.Record(ctx, millis(elapsed), attrs)
}

// RecordResponseFailure counts a failed completion and its duration.
func (r *OTelRecorder) RecordResponseFailure(ctx context.Context, key MetricKey, elapsed time.Duration, errorType string) {
	attrs := metric.WithAttributes(append(key.attributes(),
		attribute.String("outcome", "failure"),
		semconv.ErrorTypeKey.String(errorType),
	)...)
	r.responses.Add(ctx, 1, attrs)
	r.duration.Record(ctx, millis(elapsed), attrs)
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
