// Package tree builds a parent/child tree of raw trace events plus a wakeup
// index, and answers "causal neighborhood of goal spans" queries: the
// minimal timestamp-sorted sub-trace that still explains the goals.
package tree

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/cyclotrace/cyclotrace/container"
	cslices "github.com/cyclotrace/cyclotrace/slices"
	"github.com/cyclotrace/cyclotrace/trace"
)

// DuplicateSpanError reports a start event whose span id already has a node.
type DuplicateSpanError struct {
	ID  trace.SpanID
	Raw []byte
}

func (e *DuplicateSpanError) Error() string {
	return fmt.Sprintf("duplicate node %d: %q", e.ID, e.Raw)
}

// UnknownSpanError reports a non-start event for which no node exists.
// End-without-start is an invariant violation in a well-formed trace; it is
// surfaced as an error so batch callers can choose to skip or abort.
type UnknownSpanError struct {
	ID  trace.SpanID
	Raw []byte
}

func (e *UnknownSpanError) Error() string {
	return fmt.Sprintf("event for nonexistent node %d: %q", e.ID, e.Raw)
}

// record is one raw event payload with its timestamp pulled out for sorting.
type record struct {
	raw []byte
	ts  trace.Timestamp
}

type node struct {
	name     string
	parent   container.Option[trace.SpanID]
	children []trace.SpanID
	// start event first, then on/off-cpu and end events in arrival order
	events []record
}

type wakeup struct {
	rec    record
	waking trace.SpanID
	parked trace.SpanID
}

// Tree is the event tree filter. Goal and hide configuration is fixed at
// construction.
type Tree struct {
	nodes   map[trace.SpanID]*node
	roots   container.Set[trace.SpanID]
	wakeups []wakeup

	// Spans whose name matched a goal; every node if no goal names given.
	goalNames container.Set[string]
	goalSpans container.Set[trace.SpanID]
	// Wakeups originating from these spans are filtered out of the output
	// (popular choice: Control).
	hideNames container.Set[string]
	hideSpans container.Set[trace.SpanID]

	logger *zap.Logger
}

// New creates a filter anchored on the given goal names. An empty goal set
// makes every node a goal. Wakeups waking from any span named in
// hideWakeupsFrom are excluded from the output.
func New(goals, hideWakeupsFrom []string) *Tree {
	return &Tree{
		nodes:     map[trace.SpanID]*node{},
		roots:     container.Set[trace.SpanID]{},
		goalNames: container.NewSet(goals...),
		goalSpans: container.Set[trace.SpanID]{},
		hideNames: container.NewSet(hideWakeupsFrom...),
		hideSpans: container.Set[trace.SpanID]{},
		logger:    zap.NewNop(),
	}
}

func (t *Tree) WithLogger(log *zap.Logger) {
	t.logger = log.With(zap.String("component", "tree"))
}

// Roots returns the ids of all root nodes.
func (t *Tree) Roots() []trace.SpanID {
	roots := make([]trace.SpanID, 0, len(t.roots))
	for id := range t.roots {
		roots = append(roots, id)
	}
	slices.Sort(roots)
	return roots
}

func (t *Tree) addNode(id trace.SpanID, raw []byte, name string, ts trace.Timestamp, parent container.Option[trace.SpanID]) error {
	if _, ok := t.nodes[id]; ok {
		return &DuplicateSpanError{ID: id, Raw: raw}
	}
	if len(t.goalNames) == 0 || t.goalNames.Contains(name) {
		t.goalSpans.Add(id)
	}
	if t.hideNames.Contains(name) {
		t.hideSpans.Add(id)
	}
	t.nodes[id] = &node{
		name:   name,
		parent: parent,
		events: []record{{raw: raw, ts: ts}},
	}
	return nil
}

// Add ingests one raw event payload. The payload is retained verbatim; the
// filter's output is a subsequence of the exact bytes passed in.
func (t *Tree) Add(raw []byte) error {
	var ev trace.Event
	if err := ev.UnmarshalJSON(raw); err != nil {
		return &trace.MalformedEventError{Raw: raw, Err: err}
	}
	switch ev.Kind {
	case trace.EvThreadStart:
		if err := t.addNode(ev.ID, raw, ev.Name, ev.Ts, container.None[trace.SpanID]()); err != nil {
			return err
		}
		t.roots.Add(ev.ID)
	case trace.EvAsyncStart, trace.EvSyncStart:
		if _, ok := t.nodes[ev.ID]; ok {
			return &DuplicateSpanError{ID: ev.ID, Raw: raw}
		}
		parentID := ev.Parent.MustGet()
		if parent, ok := t.nodes[parentID]; ok {
			parent.children = append(parent.children, ev.ID)
			if err := t.addNode(ev.ID, raw, ev.Name, ev.Ts, container.Some(parentID)); err != nil {
				return err
			}
		} else {
			// Parent arrived out of order or was never emitted; promote to
			// root rather than failing. No re-parenting happens later.
			t.logger.Warn("parentless node, treating as root",
				zap.Uint64("id", uint64(ev.ID)),
				zap.Uint64("alleged_parent", uint64(parentID)))
			if err := t.addNode(ev.ID, raw, ev.Name, ev.Ts, container.None[trace.SpanID]()); err != nil {
				return err
			}
			t.roots.Add(ev.ID)
		}
	case trace.EvAsyncOnCPU, trace.EvAsyncOffCPU, trace.EvAsyncEnd, trace.EvSyncEnd, trace.EvThreadEnd:
		n, ok := t.nodes[ev.ID]
		if !ok {
			return &UnknownSpanError{ID: ev.ID, Raw: raw}
		}
		n.events = append(n.events, record{raw: raw, ts: ev.Ts})
	case trace.EvWakeup:
		t.wakeups = append(t.wakeups, wakeup{
			rec:    record{raw: raw, ts: ev.Ts},
			waking: ev.Waking,
			parked: ev.Parked,
		})
	}
	return nil
}

// Filter returns the causally-relevant sub-trace around the goal spans: for
// every goal span all its ancestors and its whole subtree, plus every wakeup
// whose endpoints are both included and whose waking span is not hidden.
// The result is sorted by event timestamp; the walk order below only decides
// inclusion, never final ordering.
func (t *Tree) Filter() [][]byte {
	goals := make([]trace.SpanID, 0, len(t.goalSpans))
	for id := range t.goalSpans {
		goals = append(goals, id)
	}
	slices.Sort(goals)

	seen := container.Set[trace.SpanID]{}
	var result []record
	for _, id := range goals {
		n, ok := t.nodes[id]
		if !ok {
			panic(fmt.Sprintf("goal span %d missing during filter", id))
		}
		result = t.appendAncestors(seen, result, n.parent)
		// Adds the goal node itself along with its whole subtree.
		result = t.appendSubtree(seen, result, id)
	}
	for _, w := range t.wakeups {
		if seen.Contains(w.waking) && seen.Contains(w.parked) && !t.hideSpans.Contains(w.waking) {
			result = append(result, w.rec)
		}
	}
	slices.SortStableFunc(result, func(a, b record) int {
		switch {
		case a.ts < b.ts:
			return -1
		case a.ts > b.ts:
			return 1
		default:
			return 0
		}
	})
	out := make([][]byte, len(result))
	for i, rec := range result {
		out[i] = rec.raw
	}
	return out
}

// appendAncestors collects the unseen ancestor chain of ancestor and emits
// the nodes root-first. Iterative on purpose: traces can nest deeply.
func (t *Tree) appendAncestors(seen container.Set[trace.SpanID], result []record, ancestor container.Option[trace.SpanID]) []record {
	var chain []trace.SpanID
	for {
		id, ok := ancestor.Get()
		if !ok || seen.Contains(id) {
			break
		}
		seen.Add(id)
		chain = append(chain, id)
		n, ok := t.nodes[id]
		if !ok {
			panic(fmt.Sprintf("ancestor node %d missing", id))
		}
		ancestor = n.parent
	}
	for i := len(chain) - 1; i >= 0; i-- {
		result = append(result, t.nodes[chain[i]].events...)
	}
	return result
}

// appendSubtree emits id and its descendants pre-order, skipping anything
// already seen via another goal span.
func (t *Tree) appendSubtree(seen container.Set[trace.SpanID], result []record, id trace.SpanID) []record {
	stack := []trace.SpanID{id}
	for len(stack) > 0 {
		var cur trace.SpanID
		cur, stack, _ = cslices.Pop(stack)
		if seen.Contains(cur) {
			continue
		}
		seen.Add(cur)
		n, ok := t.nodes[cur]
		if !ok {
			panic(fmt.Sprintf("child node %d missing", cur))
		}
		result = append(result, n.events...)
		for i := len(n.children) - 1; i >= 0; i-- {
			stack = append(stack, n.children[i])
		}
	}
	return result
}
