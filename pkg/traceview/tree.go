// Trace tree reconstruction from flat span lists
// Groups spans by trace ID and links children to parents via span IDs
package traceview

import (
	"cmp"
	"slices"
	"time"
)

// Tree holds one trace with parent-child links.
type Tree struct {
	TraceID string
	Roots   []*Node
	// Orphans are roots whose parent is missing from the input; each marks
	// a broken propagation link or a truncated export.
	Orphans []*Node
	Nodes   []*Node
}

// Node wraps a Span with its children, ordered by start time.
type Node struct {
	Span     Span
	Depth    int
	Children []*Node
}

// Start is the earliest span start in the trace.
func (t *Tree) Start() time.Time {
	var start time.Time
	for _, n := range t.Nodes {
		if start.IsZero() || n.Span.StartTime.Before(start) {
			start = n.Span.StartTime
		}
	}
	return start
}

// Duration spans the earliest start to the latest end.
func (t *Tree) Duration() time.Duration {
	var end time.Time
	for _, n := range t.Nodes {
		if n.Span.EndTime.After(end) {
			end = n.Span.EndTime
		}
	}
	return end.Sub(t.Start())
}

// Walk visits nodes depth-first in display order.
func (t *Tree) Walk(fn func(*Node)) {
	var visit func(*Node)
	visit = func(n *Node) {
		fn(n)
		for _, c := range n.Children {
			visit(c)
		}
	}
	for _, r := range t.Roots {
		visit(r)
	}
}

// BuildTrees reconstructs trace trees. Trees are ordered by start time then
// trace ID so output is stable.
func BuildTrees(spans []Span) []*Tree {
	byTrace := make(map[string][]Span)
	for _, s := range spans {
		byTrace[s.TraceID] = append(byTrace[s.TraceID], s)
	}

	trees := make([]*Tree, 0, len(byTrace))
	for traceID, traceSpans := range byTrace {
		trees = append(trees, buildTree(traceID, traceSpans))
	}
	slices.SortFunc(trees, func(a, b *Tree) int {
		return cmp.Or(a.Start().Compare(b.Start()), cmp.Compare(a.TraceID, b.TraceID))
	})
	return trees
}

func buildTree(traceID string, spans []Span) *Tree {
	nodes := make(map[string]*Node, len(spans))
	all := make([]*Node, 0, len(spans))
	for _, s := range spans {
		n := &Node{Span: s}
		nodes[s.SpanID] = n
		all = append(all, n)
	}

	tree := &Tree{TraceID: traceID, Nodes: all}
	for _, n := range all {
		if n.Span.ParentID == "" {
			tree.Roots = append(tree.Roots, n)
			continue
		}
		parent, ok := nodes[n.Span.ParentID]
		if !ok || parent == n {
			tree.Roots = append(tree.Roots, n)
			tree.Orphans = append(tree.Orphans, n)
			continue
		}
		parent.Children = append(parent.Children, n)
	}

	byStart := func(a, b *Node) int {
		return cmp.Or(a.Span.StartTime.Compare(b.Span.StartTime), cmp.Compare(a.Span.SpanID, b.Span.SpanID))
	}
	slices.SortFunc(tree.Roots, byStart)
	slices.SortFunc(tree.Orphans, byStart)
	for _, n := range all {
		slices.SortFunc(n.Children, byStart)
	}
	setDepth(tree.Roots, 0, map[*Node]bool{})
	return tree
}

// setDepth assigns depths; seen guards against parent cycles in bad input.
func setDepth(nodes []*Node, depth int, seen map[*Node]bool) {
	for _, n := range nodes {
		if seen[n] {
			continue
		}
		seen[n] = true
		n.Depth = depth
		setDepth(n.Children, depth+1, seen)
	}
}
