// Span parsing for offline trace inspection
// Reads stdouttrace (line-delimited JSON) and OTLP protobuf JSON exports
package traceview

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
)

// Attribute keys written by pipeline spans.
const (
	CategoryAttr  = "tracewrap.category"
	ComponentAttr = "code.namespace"
	MethodAttr    = "code.function"
	ErrorTypeAttr = "error.type"
)

// Span is the format-independent representation of an exported span.
type Span struct {
	TraceID    string
	SpanID     string
	ParentID   string // empty for root spans
	Scope      string
	Name       string
	StartTime  time.Time
	EndTime    time.Time
	IsError    bool
	Attributes map[string]string
}

// Duration is the span's wall time.
func (s Span) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// Category is the adapter request category, or "" for foreign spans.
func (s Span) Category() string { return s.Attributes[CategoryAttr] }

// Component is the instrumented component, falling back to the span name.
func (s Span) Component() string {
	if c := s.Attributes[ComponentAttr]; c != "" {
		return c
	}
	return s.Name
}

// Outcome is "ok", "error", or "error(<type>)".
func (s Span) Outcome() string {
	if !s.IsError {
		return "ok"
	}
	if t := s.Attributes[ErrorTypeAttr]; t != "" {
		return "error(" + t + ")"
	}
	return "error"
}

// Format identifies the input trace format.
type Format string

const (
	FormatAuto        Format = "auto"
	FormatStdouttrace Format = "stdouttrace"
	FormatOTLP        Format = "otlp"
)

// ErrNoSpans is returned when the input holds no spans.
var ErrNoSpans = errors.New("no spans found in input")

const maxInputSize = 256 * 1024 * 1024

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ParseSpans reads spans from r. FormatAuto inspects the first JSON object.
func ParseSpans(r io.Reader, format Format) ([]Span, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxInputSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	if len(data) > maxInputSize {
		return nil, fmt.Errorf("input exceeds maximum size of %d MB", maxInputSize/(1024*1024))
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrNoSpans
	}

	if format == FormatAuto || format == "" {
		format, err = detectFormat(data)
		if err != nil {
			return nil, err
		}
	}

	switch format {
	case FormatStdouttrace:
		return parseStdouttrace(data)
	case FormatOTLP:
		return parseOTLP(data)
	default:
		return nil, fmt.Errorf("unknown format %q, valid formats: auto, stdouttrace, otlp", format)
	}
}

func detectFormat(data []byte) (Format, error) {
	firstLine, _, hasMore := bytes.Cut(data, []byte{'\n'})
	firstLine = bytes.TrimSpace(firstLine)

	var probe map[string]jsoniter.RawMessage
	if err := json.Unmarshal(firstLine, &probe); err == nil {
		if f, ok := probeFormat(probe); ok {
			return f, nil
		}
	}
	// Pretty-printed documents span several lines.
	if hasMore {
		probe = nil
		if err := json.Unmarshal(data, &probe); err == nil {
			if f, ok := probeFormat(probe); ok {
				return f, nil
			}
		}
	}
	return "", fmt.Errorf("cannot detect format: input has neither SpanContext (stdouttrace) nor resourceSpans (OTLP)")
}

func probeFormat(probe map[string]jsoniter.RawMessage) (Format, bool) {
	if _, ok := probe["SpanContext"]; ok {
		return FormatStdouttrace, true
	}
	if _, ok := probe["resourceSpans"]; ok {
		return FormatOTLP, true
	}
	return "", false
}

// stdouttraceEvent mirrors the Go SDK's stdouttrace JSON output.
type stdouttraceEvent struct {
	Name        string `json:"Name"`
	SpanContext struct {
		TraceID string `json:"TraceID"`
		SpanID  string `json:"SpanID"`
	} `json:"SpanContext"`
	Parent struct {
		SpanID string `json:"SpanID"`
	} `json:"Parent"`
	StartTime  time.Time `json:"StartTime"`
	EndTime    time.Time `json:"EndTime"`
	Attributes []struct {
		Key   string `json:"Key"`
		Value struct {
			Value any `json:"Value"`
		} `json:"Value"`
	} `json:"Attributes"`
	Status struct {
		Code string `json:"Code"`
	} `json:"Status"`
	InstrumentationScope struct {
		Name string `json:"Name"`
	} `json:"InstrumentationScope"`
}

func parseStdouttrace(data []byte) ([]Span, error) {
	var spans []Span
	dec := json.NewDecoder(bytes.NewReader(data))
	for n := 1; ; n++ {
		var evt stdouttraceEvent
		if err := dec.Decode(&evt); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("span %d: %w", n, err)
		}
		attrs := make(map[string]string, len(evt.Attributes))
		for _, a := range evt.Attributes {
			attrs[a.Key] = fmt.Sprint(a.Value.Value)
		}
		spans = append(spans, Span{
			TraceID:    evt.SpanContext.TraceID,
			SpanID:     evt.SpanContext.SpanID,
			ParentID:   nonZero(evt.Parent.SpanID),
			Scope:      evt.InstrumentationScope.Name,
			Name:       evt.Name,
			StartTime:  evt.StartTime,
			EndTime:    evt.EndTime,
			IsError:    evt.Status.Code == "Error",
			Attributes: attrs,
		})
	}
	if len(spans) == 0 {
		return nil, ErrNoSpans
	}
	return spans, nil
}

func parseOTLP(data []byte) ([]Span, error) {
	var spans []Span
	// Collector file exporters write one request per line.
	docs := [][]byte{data}
	if isLineDelimited(data) {
		docs = nil
		for line := range bytes.Lines(data) {
			if line = bytes.TrimSpace(line); len(line) > 0 {
				docs = append(docs, line)
			}
		}
	}

	opts := protojson.UnmarshalOptions{DiscardUnknown: true}
	for i, doc := range docs {
		var req coltracepb.ExportTraceServiceRequest
		if err := opts.Unmarshal(doc, &req); err != nil {
			return nil, fmt.Errorf("parsing OTLP document %d: %w", i+1, err)
		}
		for _, rs := range req.ResourceSpans {
			for _, ss := range rs.ScopeSpans {
				scope := ss.Scope.GetName()
				for _, sp := range ss.Spans {
					spans = append(spans, otlpSpan(scope, sp))
				}
			}
		}
	}
	if len(spans) == 0 {
		return nil, ErrNoSpans
	}
	return spans, nil
}

// isLineDelimited reports whether data has several lines and each non-empty
// one is a complete JSON value.
func isLineDelimited(data []byte) bool {
	n := 0
	for line := range bytes.Lines(data) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			return false
		}
		n++
	}
	return n > 1
}

func otlpSpan(scope string, sp *tracepb.Span) Span {
	attrs := make(map[string]string, len(sp.Attributes))
	for _, kv := range sp.Attributes {
		attrs[kv.Key] = anyValueString(kv.Value)
	}
	return Span{
		TraceID:    hex.EncodeToString(sp.TraceId),
		SpanID:     hex.EncodeToString(sp.SpanId),
		ParentID:   nonZero(hex.EncodeToString(sp.ParentSpanId)),
		Scope:      scope,
		Name:       sp.Name,
		StartTime:  time.Unix(0, int64(sp.StartTimeUnixNano)), //nolint:gosec // nanosecond timestamps are always positive
		EndTime:    time.Unix(0, int64(sp.EndTimeUnixNano)),   //nolint:gosec // nanosecond timestamps are always positive
		IsError:    sp.Status.GetCode() == tracepb.Status_STATUS_CODE_ERROR,
		Attributes: attrs,
	}
}

func anyValueString(v *commonpb.AnyValue) string {
	switch x := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return x.StringValue
	case *commonpb.AnyValue_BoolValue:
		return fmt.Sprint(x.BoolValue)
	case *commonpb.AnyValue_IntValue:
		return fmt.Sprint(x.IntValue)
	case *commonpb.AnyValue_DoubleValue:
		return fmt.Sprint(x.DoubleValue)
	case nil:
		return ""
	default:
		return strings.TrimSpace(protojson.Format(v))
	}
}

// nonZero maps an all-zero or empty hex ID to "".
func nonZero(id string) string {
	if strings.Trim(id, "0") == "" {
		return ""
	}
	return id
}
