package layout

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/cyclotrace/cyclotrace/container"
	"github.com/cyclotrace/cyclotrace/trace"
	"github.com/cyclotrace/cyclotrace/trace/spans"
)

// Packer lays spans out per thread: every top-level root owns a Thread, and
// spans are packed into the thread's rows. Rows keep three disjoint interval
// indexes so a span's on-CPU sub-spans can be drawn over its full "shadow"
// extent, and so rows can be pre-claimed for a span's descendants.
//
// The overlap checks in here treat touching intervals as conflicting, and a
// violated insert is an algorithm bug, not bad input, so it panics.
type Packer struct {
	logger *zap.Logger
	cpu    *spans.CPUIndex
}

func NewPacker() *Packer {
	return &Packer{logger: zap.NewNop()}
}

func (p *Packer) WithLogger(log *zap.Logger) {
	p.logger = log.With(zap.String("component", "pack"))
}

// WithCPUIndex supplies recorded on-CPU sub-spans. Without one, every span
// is packed as a single solid extent.
func (p *Packer) WithCPUIndex(ix *spans.CPUIndex) {
	p.cpu = ix
}

// taskID is a dense index into the packer's task list, assigned in
// ascending SpanID order.
type taskID int

type task struct {
	id     taskID
	span   spans.Interval
	parent container.Option[taskID]
	onCPU  []spans.Interval
}

// chunk is an interval index: parallel arrays of starts, ends and owning
// tasks, kept sorted by end.
type chunk struct {
	starts []trace.Timestamp
	ends   []trace.Timestamp
	tasks  []taskID
}

// hasOverlap locates the first interval whose end >= iv.Start and checks
// whether it begins at or before iv.End.
func (c *chunk) hasOverlap(iv spans.Interval) bool {
	idx := sort.Search(len(c.ends), func(i int) bool { return c.ends[i] >= iv.Start })
	if idx == len(c.ends) {
		return false
	}
	return c.starts[idx] <= iv.End
}

// add inserts iv keeping the arrays sorted. The new interval must not
// overlap its neighbor.
func (c *chunk) add(iv spans.Interval, id taskID) {
	idx := sort.Search(len(c.ends), func(i int) bool { return c.ends[i] >= iv.Start })
	if idx < len(c.ends) && c.starts[idx] <= iv.End {
		panic(fmt.Sprintf("interval [%v, %v] of task %d overlaps [%v, %v] of task %d",
			iv.Start, iv.End, id, c.starts[idx], c.ends[idx], c.tasks[idx]))
	}
	c.starts = slices.Insert(c.starts, idx, iv.Start)
	c.ends = slices.Insert(c.ends, idx, iv.End)
	c.tasks = slices.Insert(c.tasks, idx, id)
}

type row struct {
	// The span's own visible extents. For spans with on-CPU sub-spans these
	// are the sub-spans; the full extent goes into back as the shadow bar.
	fore chunk
	back chunk
	// Space pre-claimed for a span's descendants.
	reserve chunk
}

func (r *row) add(t *task) {
	if len(t.onCPU) > 0 {
		r.back.add(t.span, t.id)
		if r.fore.hasOverlap(t.span) {
			panic(fmt.Sprintf("task %d has a foreground conflict with its own shadow", t.id))
		}
		for _, iv := range t.onCPU {
			r.fore.add(iv, t.id)
		}
	} else {
		r.fore.add(t.span, t.id)
		if r.back.hasOverlap(t.span) {
			panic(fmt.Sprintf("task %d overlaps a shadow in its row", t.id))
		}
	}
}

type thread struct {
	rows []*row
}

// findRow returns the first row with no conflict in any of its three
// chunks, appending a new row if every existing one conflicts.
func (th *thread) findRow(iv spans.Interval) int {
	for i, r := range th.rows {
		if !r.back.hasOverlap(iv) && !r.fore.hasOverlap(iv) && !r.reserve.hasOverlap(iv) {
			return i
		}
	}
	th.rows = append(th.rows, &row{})
	return len(th.rows) - 1
}

type assignment struct {
	thread   int
	row      int
	children container.Option[int]
}

type packBuilder struct {
	childCount   []int
	taskToThread []int
	threads      []*thread
	assignments  []assignment
}

func (b *packBuilder) add(t *task) {
	// A task inherits its parent's thread; parentless tasks found for the
	// first time get a fresh one. This is why tasks must be processed
	// parent before child.
	var threadID int
	if parent, ok := t.parent.Get(); ok {
		threadID = b.taskToThread[parent]
	} else {
		threadID = len(b.threads)
		b.threads = append(b.threads, &thread{})
	}
	if len(b.taskToThread) != int(t.id) {
		panic("tasks must be added in dense id order")
	}
	b.taskToThread = append(b.taskToThread, threadID)
	th := b.threads[threadID]

	var rowID int
	if parent, ok := t.parent.Get(); ok {
		// Prefer the row the parent reserved for its children; fall back to
		// scanning if a sibling already took the space.
		rowID = b.assignments[parent].children.MustGet()
		r := th.rows[rowID]
		if r.fore.hasOverlap(t.span) || r.back.hasOverlap(t.span) {
			rowID = th.findRow(t.span)
		}
	} else {
		rowID = th.findRow(t.span)
	}
	th.rows[rowID].add(t)

	var children container.Option[int]
	if b.childCount[t.id] > 0 {
		childRow := th.findRow(t.span)
		th.rows[childRow].reserve.add(t.span, t.id)
		children = container.Some(childRow)
	}
	b.assignments = append(b.assignments, assignment{thread: threadID, row: rowID, children: children})
}

func (p *Packer) AssignRows(ss []spans.Span) Layout {
	ordered := slices.Clone(ss)
	slices.SortFunc(ordered, func(a, b spans.Span) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})

	dense := make(map[trace.SpanID]taskID, len(ordered))
	for i := range ordered {
		dense[ordered[i].ID] = taskID(i)
	}
	tasks := make([]*task, len(ordered))
	childCount := make([]int, len(ordered))
	for i := range ordered {
		sp := &ordered[i]
		t := &task{
			id:   taskID(i),
			span: spans.Interval{Start: sp.Start, End: sp.End},
		}
		if parent, ok := sp.Parent.Get(); ok {
			// Span ids grow parent before child; a parent that sorts after
			// its child (or is missing entirely) cannot be resolved and the
			// task is laid out as a root.
			if pid, ok := dense[parent]; ok && pid < taskID(i) {
				t.parent = container.Some(pid)
				childCount[pid]++
			} else {
				p.logger.Warn("unknown parent span, laying out as a root",
					zap.Uint64("id", uint64(sp.ID)),
					zap.Uint64("parent", uint64(parent)))
			}
		}
		if p.cpu != nil {
			// Recorded on-CPU intervals can reach past the span extent, e.g.
			// when a still-open span was clipped to a window end but its
			// off-CPU event lies beyond it. The chunks rely on sub-spans
			// staying inside their span, so clip them here.
			for _, iv := range p.cpu.Intervals(sp.ID) {
				if iv.Start < t.span.Start {
					iv.Start = t.span.Start
				}
				if iv.End > t.span.End {
					iv.End = t.span.End
				}
				if iv.Start >= iv.End {
					continue
				}
				t.onCPU = append(t.onCPU, iv)
			}
		}
		tasks[i] = t
	}

	b := &packBuilder{
		childCount:   childCount,
		taskToThread: make([]int, 0, len(tasks)),
		assignments:  make([]assignment, 0, len(tasks)),
	}
	for _, t := range tasks {
		b.add(t)
	}

	// Number rows globally: threads in creation order, each thread's rows
	// in order.
	offsets := make([]int, len(b.threads))
	total := 0
	for i, th := range b.threads {
		offsets[i] = total
		total += len(th.rows)
	}
	laid := make([]LaidSpan, len(ordered))
	for i := range ordered {
		a := b.assignments[i]
		laid[i] = LaidSpan{Span: ordered[i], Row: offsets[a.thread] + a.row}
	}
	return Layout{Spans: laid, TotalRows: total}
}
