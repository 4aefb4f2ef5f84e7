// Text and table rendering of trace trees and per-operation summaries
package traceview

import (
	"cmp"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

// RenderTree writes an indented outline of each trace:
//
//	trace 4bf92f35... (3 spans, 12ms)
//	└─ InventoryStore.Reserve [db] ok 5.1ms
func RenderTree(w io.Writer, trees []*Tree) error {
	for i, t := range trees {
		if i > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "trace %s (%d %s, %s)\n", t.TraceID, len(t.Nodes), plural(len(t.Nodes), "span"), round(t.Duration())); err != nil {
			return err
		}
		for j, root := range t.Roots {
			if err := renderNode(w, root, "", j == len(t.Roots)-1); err != nil {
				return err
			}
		}
	}
	return nil
}

func renderNode(w io.Writer, n *Node, prefix string, last bool) error {
	branch, next := "├─ ", "│  "
	if last {
		branch, next = "└─ ", "   "
	}
	if _, err := fmt.Fprintf(w, "%s%s%s\n", prefix, branch, describe(n)); err != nil {
		return err
	}
	for i, c := range n.Children {
		if err := renderNode(w, c, prefix+next, i == len(n.Children)-1); err != nil {
			return err
		}
	}
	return nil
}

func describe(n *Node) string {
	s := n.Span
	var b strings.Builder
	b.WriteString(s.Name)
	if c := s.Category(); c != "" {
		b.WriteString(" [" + c + "]")
	}
	b.WriteString(" " + s.Outcome())
	b.WriteString(" " + round(s.Duration()).String())
	if n.Depth == 0 && s.ParentID != "" {
		b.WriteString(" (parent " + short(s.ParentID) + " missing)")
	}
	return b.String()
}

// RenderTable writes one row per span with indentation showing depth.
func RenderTable(w io.Writer, trees []*Tree) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Trace", "Span", "Operation", "Category", "Outcome", "Duration"})
	for _, t := range trees {
		t.Walk(func(n *Node) {
			tw.AppendRow(table.Row{
				short(t.TraceID),
				short(n.Span.SpanID),
				strings.Repeat("  ", n.Depth) + n.Span.Name,
				n.Span.Category(),
				n.Span.Outcome(),
				round(n.Span.Duration()),
			})
		})
	}
	tw.Render()
}

// OpSummary aggregates spans sharing a name.
type OpSummary struct {
	Operation string
	Category  string
	Count     int
	Failures  int
	Mean      time.Duration
	P95       time.Duration
	Max       time.Duration
}

// Summarize aggregates every span by operation name, sorted by name.
func Summarize(trees []*Tree) []OpSummary {
	type acc struct {
		category  string
		failures  int
		durations []time.Duration
	}
	byOp := map[string]*acc{}
	for _, t := range trees {
		for _, n := range t.Nodes {
			a := byOp[n.Span.Name]
			if a == nil {
				a = &acc{category: n.Span.Category()}
				byOp[n.Span.Name] = a
			}
			if n.Span.IsError {
				a.failures++
			}
			a.durations = append(a.durations, n.Span.Duration())
		}
	}

	out := make([]OpSummary, 0, len(byOp))
	for name, a := range byOp {
		slices.Sort(a.durations)
		var total time.Duration
		for _, d := range a.durations {
			total += d
		}
		out = append(out, OpSummary{
			Operation: name,
			Category:  a.category,
			Count:     len(a.durations),
			Failures:  a.failures,
			Mean:      total / time.Duration(len(a.durations)),
			P95:       percentile(a.durations, 0.95),
			Max:       a.durations[len(a.durations)-1],
		})
	}
	slices.SortFunc(out, func(a, b OpSummary) int { return cmp.Compare(a.Operation, b.Operation) })
	return out
}

// RenderSummary writes the summary as a table.
func RenderSummary(w io.Writer, sums []OpSummary) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Operation", "Category", "Count", "Failures", "Mean", "P95", "Max"})
	for _, s := range sums {
		tw.AppendRow(table.Row{s.Operation, s.Category, s.Count, s.Failures, round(s.Mean), round(s.P95), round(s.Max)})
	}
	tw.Render()
}

// percentile uses the nearest-rank method on sorted durations.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	rank = max(0, min(rank, len(sorted)-1))
	return sorted[rank]
}

func round(d time.Duration) time.Duration {
	switch {
	case d >= time.Second:
		return d.Round(time.Millisecond)
	case d >= time.Millisecond:
		return d.Round(100 * time.Microsecond)
	default:
		return d.Round(time.Microsecond)
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
