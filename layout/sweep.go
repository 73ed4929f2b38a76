package layout

import (
	"strconv"
	"strings"

	"github.com/google/btree"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/cyclotrace/cyclotrace/trace"
	"github.com/cyclotrace/cyclotrace/trace/spans"
)

// Sweep lays spans out with one sweep-line row allocator per distinct
// ancestor row path. Rows are recycled as soon as their occupant has ended,
// and the smallest free row wins, which makes the assignment deterministic
// and keeps the row count minimal.
type Sweep struct {
	logger *zap.Logger
}

func NewSweep() *Sweep {
	return &Sweep{logger: zap.NewNop()}
}

func (sw *Sweep) WithLogger(log *zap.Logger) {
	sw.logger = log.With(zap.String("component", "sweep"))
}

// path is the sequence of row ids from the layout root down to a span's
// allocation scope.
type path []int

func (p path) key() string {
	var sb strings.Builder
	for _, row := range p {
		sb.WriteString(strconv.Itoa(row))
		sb.WriteByte('/')
	}
	return sb.String()
}

func (p path) child(row int) path {
	child := make(path, len(p)+1)
	copy(child, p)
	child[len(p)] = row
	return child
}

type rowEnd struct {
	end trace.Timestamp
	row int
}

// sweepLine allocates rows for one ancestor path. Occupied rows are keyed by
// their end time; free rows are handed out smallest-first.
type sweepLine struct {
	nextFree int
	free     *btree.BTreeG[int]
	ends     *btree.BTreeG[rowEnd]
}

func newSweepLine() *sweepLine {
	return &sweepLine{
		free: btree.NewG(2, func(a, b int) bool { return a < b }),
		ends: btree.NewG(2, func(a, b rowEnd) bool {
			return a.end < b.end || (a.end == b.end && a.row < b.row)
		}),
	}
}

func (sl *sweepLine) alloc(sp *spans.Span) int {
	// Release every row whose occupant ended at or before this span's
	// start. Spans are handed to us in ascending start order, so anything
	// we don't release now stays occupied.
	for {
		occ, ok := sl.ends.Min()
		if !ok || occ.end > sp.Start {
			break
		}
		sl.ends.DeleteMin()
		sl.free.ReplaceOrInsert(occ.row)
	}
	var row int
	if smallest, ok := sl.free.Min(); ok {
		sl.free.Delete(smallest)
		row = smallest
	} else {
		row = sl.nextFree
		sl.nextFree++
	}
	sl.ends.ReplaceOrInsert(rowEnd{end: sp.End, row: row})
	return row
}

func (sw *Sweep) AssignRows(ss []spans.Span) Layout {
	laid := make([]LaidSpan, len(ss))
	for i, sp := range ss {
		laid[i] = LaidSpan{Span: sp}
	}
	slices.SortStableFunc(laid, func(a, b LaidSpan) int {
		switch {
		case a.Span.Start < b.Span.Start:
			return -1
		case a.Span.Start > b.Span.Start:
			return 1
		default:
			return 0
		}
	})

	// A span allocates a row within its parent's path; its own path is the
	// parent's plus that row.
	allocations := map[trace.SpanID]path{}
	sweeps := map[string]*sweepLine{}
	for i := range laid {
		sp := &laid[i].Span
		var parentPath path
		if parent, ok := sp.Parent.Get(); ok {
			if pp, ok := allocations[parent]; ok {
				parentPath = pp
			} else {
				sw.logger.Warn("unknown parent span, laying out at the root",
					zap.Uint64("id", uint64(sp.ID)),
					zap.Uint64("parent", uint64(parent)))
			}
		}
		key := parentPath.key()
		sl, ok := sweeps[key]
		if !ok {
			sl = newSweepLine()
			sweeps[key] = sl
		}
		allocations[sp.ID] = parentPath.child(sl.alloc(sp))
	}

	// Renumber the distinct paths densely, in order of first appearance, so
	// the rendered row indices are contiguous and stable.
	rows := map[string]int{}
	for i := range laid {
		key := allocations[laid[i].Span.ID].key()
		row, ok := rows[key]
		if !ok {
			row = len(rows)
			rows[key] = row
		}
		laid[i].Row = row
	}
	return Layout{Spans: laid, TotalRows: len(rows)}
}
