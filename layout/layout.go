// Package layout assigns spans to visualization rows such that spans
// sharing a row never overlap in time. Two interchangeable strategies are
// provided: Sweep, a flat sweep line allocating rows per ancestor path, and
// Packer, a per-thread packing that knows about on-CPU sub-spans and
// reserves rows for descendants.
package layout

import (
	"github.com/cyclotrace/cyclotrace/trace/spans"
)

// LaidSpan is one span with its assigned row.
type LaidSpan struct {
	Span spans.Span
	Row  int
}

// Layout is what a renderer consumes: spans with rows, and how many rows
// there are in total.
type Layout struct {
	Spans     []LaidSpan
	TotalRows int
}

// A RowAssigner maps spans to rows. Implementations must be deterministic
// for a given input.
type RowAssigner interface {
	AssignRows(ss []spans.Span) Layout
}
