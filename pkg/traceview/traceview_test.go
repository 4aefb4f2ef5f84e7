// Tests for span parsing, tree reconstruction, and rendering
// Feeds real stdouttrace output from the span factory and hand-built OTLP requests
package traceview

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/andrewh/tracewrap/pkg/obs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
)

// exportStdout records a root span with a succeeding and a failing child.
func exportStdout(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	exp, err := stdouttrace.New(stdouttrace.WithWriter(&buf))
	require.NoError(t, err)
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	now := time.Unix(1700000000, 0)
	clock := func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}
	f := obs.NewTracerFactory(tp, obs.WithClock(clock))
	ctx := context.Background()
	root := f.CreateChildSpan(ctx, obs.ObservabilityContext{}, obs.Operation{Category: "http", Component: "Gateway", Method: "Checkout"})
	require.NotNil(t, root)

	ok := f.CreateChildSpan(ctx, root.Context(), obs.Operation{Category: "db", Component: "StockRepository", Method: "Reserve"})
	ok.SetSuccess()
	ok.Close()

	failed := f.CreateChildSpan(ctx, root.Context(), obs.Operation{Category: "messaging", Component: "Publisher", Method: "Publish"})
	failed.SetFailure(context.DeadlineExceeded)
	failed.Close()

	root.SetSuccess()
	root.Close()
	return buf.Bytes()
}

func TestParseStdouttraceFromFactory(t *testing.T) {
	t.Parallel()
	spans, err := ParseSpans(bytes.NewReader(exportStdout(t)), FormatAuto)
	require.NoError(t, err)
	require.Len(t, spans, 3)

	byName := map[string]Span{}
	for _, s := range spans {
		byName[s.Name] = s
	}
	root := byName["Gateway.Checkout"]
	assert.Empty(t, root.ParentID)
	assert.Equal(t, obs.ScopeName, root.Scope)
	assert.Equal(t, "http", root.Category())
	assert.Equal(t, "Gateway", root.Component())

	reserve := byName["StockRepository.Reserve"]
	assert.Equal(t, root.SpanID, reserve.ParentID)
	assert.Equal(t, root.TraceID, reserve.TraceID)
	assert.Equal(t, "ok", reserve.Outcome())
	assert.Equal(t, "Reserve", reserve.Attributes[MethodAttr])

	publish := byName["Publisher.Publish"]
	assert.True(t, publish.IsError)
	assert.Equal(t, "error(timeout)", publish.Outcome())
}

func TestBuildTreesFromFactory(t *testing.T) {
	t.Parallel()
	spans, err := ParseSpans(bytes.NewReader(exportStdout(t)), FormatStdouttrace)
	require.NoError(t, err)

	trees := BuildTrees(spans)
	require.Len(t, trees, 1)
	tree := trees[0]
	assert.Empty(t, tree.Orphans)
	require.Len(t, tree.Roots, 1)
	assert.Equal(t, "Gateway.Checkout", tree.Roots[0].Span.Name)
	require.Len(t, tree.Roots[0].Children, 2)
	assert.Equal(t, "StockRepository.Reserve", tree.Roots[0].Children[0].Span.Name)
	assert.Equal(t, 1, tree.Roots[0].Children[1].Depth)

	var out bytes.Buffer
	require.NoError(t, RenderTree(&out, trees))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "(3 spans, ")
	assert.True(t, strings.HasPrefix(lines[1], "└─ Gateway.Checkout [http] ok"))
	assert.True(t, strings.HasPrefix(lines[2], "   ├─ StockRepository.Reserve [db] ok"))
	assert.True(t, strings.HasPrefix(lines[3], "   └─ Publisher.Publish [messaging] error(timeout)"))
}

func otlpRequest(traceID, spanID, parentID byte, name string, status tracepb.Status_StatusCode) *coltracepb.ExportTraceServiceRequest {
	id := func(b byte, n int) []byte {
		if b == 0 {
			return nil
		}
		return bytes.Repeat([]byte{b}, n)
	}
	return &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			ScopeSpans: []*tracepb.ScopeSpans{{
				Scope: &commonpb.InstrumentationScope{Name: obs.ScopeName},
				Spans: []*tracepb.Span{{
					TraceId:           id(traceID, 16),
					SpanId:            id(spanID, 8),
					ParentSpanId:      id(parentID, 8),
					Name:              name,
					StartTimeUnixNano: 1_700_000_000_000_000_000,
					EndTimeUnixNano:   1_700_000_000_005_000_000,
					Status:            &tracepb.Status{Code: status},
					Attributes: []*commonpb.KeyValue{
						{Key: CategoryAttr, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "db"}}},
						{Key: "db.rows", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: 3}}},
					},
				}},
			}},
		}},
	}
}

func TestParseOTLP(t *testing.T) {
	t.Parallel()
	doc, err := protojson.Marshal(otlpRequest(0xab, 0x01, 0, "StockRepository.Get", tracepb.Status_STATUS_CODE_ERROR))
	require.NoError(t, err)

	spans, err := ParseSpans(bytes.NewReader(doc), FormatAuto)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	s := spans[0]
	assert.Equal(t, strings.Repeat("ab", 16), s.TraceID)
	assert.Equal(t, strings.Repeat("01", 8), s.SpanID)
	assert.Empty(t, s.ParentID)
	assert.True(t, s.IsError)
	assert.Equal(t, "db", s.Category())
	assert.Equal(t, "3", s.Attributes["db.rows"])
	assert.Equal(t, 5*time.Millisecond, s.Duration())
}

func TestParseOTLPLineDelimited(t *testing.T) {
	t.Parallel()
	root, err := protojson.Marshal(otlpRequest(0xab, 0x01, 0, "Gateway.Checkout", tracepb.Status_STATUS_CODE_UNSET))
	require.NoError(t, err)
	child, err := protojson.Marshal(otlpRequest(0xab, 0x02, 0x01, "StockRepository.Get", tracepb.Status_STATUS_CODE_OK))
	require.NoError(t, err)

	input := string(root) + "\n" + string(child) + "\n"
	spans, err := ParseSpans(strings.NewReader(input), FormatOTLP)
	require.NoError(t, err)
	require.Len(t, spans, 2)

	trees := BuildTrees(spans)
	require.Len(t, trees, 1)
	require.Len(t, trees[0].Roots, 1)
	assert.Len(t, trees[0].Roots[0].Children, 1)
}

func TestParseSpansErrors(t *testing.T) {
	t.Parallel()
	_, err := ParseSpans(strings.NewReader("  \n"), FormatAuto)
	assert.True(t, errors.Is(err, ErrNoSpans))

	_, err = ParseSpans(strings.NewReader(`{"something":"else"}`), FormatAuto)
	assert.ErrorContains(t, err, "cannot detect format")

	_, err = ParseSpans(strings.NewReader(`{"resourceSpans":[]}`), FormatOTLP)
	assert.True(t, errors.Is(err, ErrNoSpans))

	_, err = ParseSpans(strings.NewReader(`{}`), Format("jaeger"))
	assert.ErrorContains(t, err, "unknown format")
}

func TestBuildTreesOrphans(t *testing.T) {
	t.Parallel()
	base := time.Unix(1700000000, 0)
	spans := []Span{
		{TraceID: "t2", SpanID: "c", Name: "late", StartTime: base.Add(time.Second), EndTime: base.Add(2 * time.Second)},
		{TraceID: "t1", SpanID: "a", Name: "root", StartTime: base, EndTime: base.Add(time.Second)},
		{TraceID: "t1", SpanID: "b", ParentID: "missing", Name: "detached", StartTime: base, EndTime: base.Add(time.Millisecond)},
	}
	trees := BuildTrees(spans)
	require.Len(t, trees, 2)
	assert.Equal(t, "t1", trees[0].TraceID)
	assert.Len(t, trees[0].Roots, 2)
	require.Len(t, trees[0].Orphans, 1)
	assert.Equal(t, "detached", trees[0].Orphans[0].Span.Name)

	var out bytes.Buffer
	require.NoError(t, RenderTree(&out, trees))
	assert.Contains(t, out.String(), "(parent missing missing)")
}

func TestSummarize(t *testing.T) {
	t.Parallel()
	base := time.Unix(1700000000, 0)
	var spans []Span
	for i := range 20 {
		spans = append(spans, Span{
			TraceID:   "t",
			SpanID:    string(rune('a' + i)),
			Name:      "Store.Get",
			StartTime: base,
			EndTime:   base.Add(time.Duration(i+1) * time.Millisecond),
			IsError:   i%5 == 0,
			Attributes: map[string]string{
				CategoryAttr: "db",
			},
		})
	}
	sums := Summarize(BuildTrees(spans))
	require.Len(t, sums, 1)
	s := sums[0]
	assert.Equal(t, "Store.Get", s.Operation)
	assert.Equal(t, "db", s.Category)
	assert.Equal(t, 20, s.Count)
	assert.Equal(t, 4, s.Failures)
	assert.Equal(t, 19*time.Millisecond, s.P95)
	assert.Equal(t, 20*time.Millisecond, s.Max)
	assert.Equal(t, 10500*time.Microsecond, s.Mean)

	var out bytes.Buffer
	RenderSummary(&out, sums)
	assert.Contains(t, out.String(), "Store.Get")
	assert.Contains(t, out.String(), "P95")
}

func TestRenderTable(t *testing.T) {
	t.Parallel()
	spans, err := ParseSpans(bytes.NewReader(exportStdout(t)), FormatAuto)
	require.NoError(t, err)

	var out bytes.Buffer
	RenderTable(&out, BuildTrees(spans))
	assert.Contains(t, out.String(), "  StockRepository.Reserve")
	assert.Contains(t, out.String(), "error(timeout)")
}
