// Cell is a mutable ambient slot for hosts that keep one long-lived context
// per logical flow instead of threading derived contexts through every call.
package obs

import (
	"context"
	"slices"
	"sync"
)

// Cell holds at most one visible ObservabilityContext. A Cell bound to a
// context chain with WithCell is authoritative for Propagator.Current on that
// chain.
//
// Each open scope owns a frame; the newest open frame is visible, falling
// back to the base value. Closing a frame removes it wherever it sits, so
// scopes closed out of order never leave a finished span visible.
type Cell struct {
	mu      sync.Mutex
	base    ObservabilityContext
	baseSet bool
	frames  []*cellFrame
}

type cellFrame struct {
	oc ObservabilityContext
}

// NewCell returns an empty cell.
func NewCell() *Cell {
	return &Cell{}
}

// Load returns the visible value.
func (c *Cell) Load() (ObservabilityContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked()
}

func (c *Cell) loadLocked() (ObservabilityContext, bool) {
	if n := len(c.frames); n > 0 {
		return c.frames[n-1].oc, true
	}
	return c.base, c.baseSet
}

// push makes oc visible until the returned frame is popped.
func (c *Cell) push(oc ObservabilityContext) *cellFrame {
	f := &cellFrame{oc: oc}
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	return f
}

// pop removes f. The value visible afterwards is that of the newest frame
// still open.
func (c *Cell) pop(f *cellFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i] == f {
			c.frames = slices.Delete(c.frames, i, i+1)
			return
		}
	}
}

// Fork returns an independent cell seeded with the current value.
// Writes to either cell are not visible to the other.
func (c *Cell) Fork() *Cell {
	oc, set := c.Load()
	return &Cell{base: oc, baseSet: set}
}

type cellKey struct{}

// WithCell binds c to the returned context. An empty cell is seeded from the
// ObservabilityContext already present in ctx.
func WithCell(ctx context.Context, c *Cell) context.Context {
	if _, set := c.Load(); !set {
		if oc, ok := FromContext(ctx); ok {
			c.mu.Lock()
			c.base, c.baseSet = oc, true
			c.mu.Unlock()
		}
	}
	return context.WithValue(ctx, cellKey{}, c)
}

// CellFromContext returns the cell bound to ctx, or nil.
func CellFromContext(ctx context.Context) *Cell {
	c, _ := ctx.Value(cellKey{}).(*Cell)
	return c
}

// Fork prepares ctx for use by a sibling goroutine. When a cell is bound, the
// returned context carries a private copy of it.
func Fork(ctx context.Context) context.Context {
	if c := CellFromContext(ctx); c != nil {
		return context.WithValue(ctx, cellKey{}, c.Fork())
	}
	return ctx
}
