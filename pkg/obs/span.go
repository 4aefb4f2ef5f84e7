// Span records one instrumented operation: identity, tags, outcome, and elapsed time.
// A nil *Span is a valid no-op span, which is what a disabled factory hands out.
package obs

import (
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Outcome is the terminal state of a span.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "pending"
	}
}

// Operation names an instrumented call.
type Operation struct {
	Category  string
	Component string
	Method    string
}

// Name is the span name, "Component.Method".
func (op Operation) Name() string {
	return op.Component + "." + op.Method
}

// SpanRecord is an immutable snapshot of a span.
type SpanRecord struct {
	Context       ObservabilityContext
	Parent        ObservabilityContext
	Operation     Operation
	Start         time.Time
	Elapsed       time.Duration
	Outcome       Outcome
	FailureDetail string
	ErrorType     string
	Tags          []attribute.KeyValue
}

// Span is safe for concurrent use. The first outcome set wins and Close is
// idempotent; every method on a closed span does nothing.
type Span struct {
	mu      sync.Mutex
	oc      ObservabilityContext
	parent  ObservabilityContext
	op      Operation
	start   time.Time
	tags    []attribute.KeyValue
	outcome Outcome
	detail  string
	errType string
	err     error
	elapsed time.Duration
	closed  bool

	otel    trace.Span
	now     func() time.Time
	guard   *Guard
	finish  func(SpanRecord)
	sampled bool
}

// Context returns the span's own ObservabilityContext.
func (s *Span) Context() ObservabilityContext {
	if s == nil {
		return ObservabilityContext{}
	}
	return s.oc
}

// Sampled reports whether the span will be exported. An unsampled span still
// tracks its outcome and parents its children, which inherit the decision.
func (s *Span) Sampled() bool {
	return s != nil && s.sampled
}

// Parent returns the context the span was created under.
func (s *Span) Parent() ObservabilityContext {
	if s == nil {
		return ObservabilityContext{}
	}
	return s.parent
}

// SetTag attaches a string tag. Later tags with the same key are kept in order.
func (s *Span) SetTag(key, value string) {
	s.SetAttributes(attribute.String(key, value))
}

// SetAttributes attaches typed tags.
func (s *Span) SetAttributes(kvs ...attribute.KeyValue) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.tags = append(s.tags, kvs...)
}

// SetSuccess marks the span successful unless an outcome is already set.
func (s *Span) SetSuccess() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.outcome != OutcomePending {
		return
	}
	s.outcome = OutcomeSuccess
}

// SetFailure marks the span failed with err unless an outcome is already set.
func (s *Span) SetFailure(err error) {
	if s == nil {
		return
	}
	detail := "unknown error"
	if err != nil {
		detail = err.Error()
	}
	s.fail(err, detail, ErrorType(err))
}

// SetFailureMessage marks the span failed with a plain description.
func (s *Span) SetFailureMessage(msg string) {
	if s == nil {
		return
	}
	s.fail(nil, msg, "")
}

func (s *Span) fail(err error, detail, errType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.outcome != OutcomePending {
		return
	}
	s.outcome = OutcomeFailure
	s.err = err
	s.detail = detail
	s.errType = errType
}

// Outcome returns the outcome recorded so far.
func (s *Span) Outcome() Outcome {
	if s == nil {
		return OutcomePending
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Closed reports whether Close has run.
func (s *Span) Closed() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close finalizes the span, ends the backing OpenTelemetry span, and hands
// the record to the factory's sinks. Only the first call has any effect.
func (s *Span) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	end := s.now()
	s.closed = true
	s.elapsed = end.Sub(s.start)
	rec := s.recordLocked()
	err := s.err
	s.mu.Unlock()

	s.guard.Do("span.end", func() { s.endOTel(rec, err, end) })
	if s.finish != nil {
		s.finish(rec)
	}
}

func (s *Span) endOTel(rec SpanRecord, err error, end time.Time) {
	if s.otel == nil {
		return
	}
	if len(rec.Tags) > 0 {
		s.otel.SetAttributes(rec.Tags...)
	}
	switch rec.Outcome {
	case OutcomeSuccess:
		s.otel.SetStatus(codes.Ok, "")
	case OutcomeFailure:
		if rec.ErrorType != "" {
			s.otel.SetAttributes(semconv.ErrorTypeKey.String(rec.ErrorType))
		}
		if err != nil {
			s.otel.RecordError(err, trace.WithTimestamp(end))
		}
		s.otel.SetStatus(codes.Error, rec.FailureDetail)
	}
	s.otel.End(trace.WithTimestamp(end))
}

// Record returns a snapshot of the span.
func (s *Span) Record() SpanRecord {
	if s == nil {
		return SpanRecord{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked()
}

func (s *Span) recordLocked() SpanRecord {
	elapsed := s.elapsed
	if !s.closed {
		elapsed = s.now().Sub(s.start)
	}
	return SpanRecord{
		Context:       s.oc,
		Parent:        s.parent,
		Operation:     s.op,
		Start:         s.start,
		Elapsed:       elapsed,
		Outcome:       s.outcome,
		FailureDetail: s.detail,
		ErrorType:     s.errType,
		Tags:          append([]attribute.KeyValue(nil), s.tags...),
	}
}
