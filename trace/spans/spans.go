// Package spans folds a stream of trace events into active and finished
// spans, attaching wakeup edges along the way.
package spans

import (
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/cyclotrace/cyclotrace/container"
	"github.com/cyclotrace/cyclotrace/trace"
)

type Style uint8

const (
	ThreadInProgress Style = iota
	ThreadFinished
	SyncInProgress
	SyncFinished
	AsyncInProgress
	AsyncSuccess
	AsyncCancel
	AsyncError
)

var styleNames = [...]string{
	ThreadInProgress: "ThreadInProgress",
	ThreadFinished:   "ThreadFinished",
	SyncInProgress:   "SyncInProgress",
	SyncFinished:     "SyncFinished",
	AsyncInProgress:  "AsyncInProgress",
	AsyncSuccess:     "AsyncSuccess",
	AsyncCancel:      "AsyncCancel",
	AsyncError:       "AsyncError",
}

func (s Style) String() string {
	return styleNames[s]
}

// Wakeup is a causal edge recording that the owning span's activity made
// Target runnable. Edges live on the waking span, not the parked one.
type Wakeup struct {
	Target trace.SpanID
	Ts     trace.Timestamp
}

// Span is a closed time interval of work. Spans handed out by Select share
// their Message and Wakeups storage with the state and must be treated as
// read-only.
type Span struct {
	ID      trace.SpanID
	Parent  container.Option[trace.SpanID]
	Start   trace.Timestamp
	End     trace.Timestamp
	Style   Style
	Message []byte
	Wakeups []Wakeup
}

// ActiveSpan is the open half of a span, alive from its start event until
// the matching end arrives.
type ActiveSpan struct {
	Event   trace.Event
	Message []byte
	Wakeups []Wakeup
}

// inProgress renders the active span as if it ended at ts, for displaying
// spans that are still open at the right edge of the view.
func (a *ActiveSpan) inProgress(ts trace.Timestamp) Span {
	var style Style
	switch a.Event.Kind {
	case trace.EvAsyncStart:
		style = AsyncInProgress
	case trace.EvSyncStart:
		style = SyncInProgress
	case trace.EvThreadStart:
		style = ThreadInProgress
	default:
		panic("active span does not originate from a start event")
	}
	return Span{
		ID:      a.Event.ID,
		Parent:  a.Event.Parent,
		Start:   a.Event.Ts,
		End:     ts,
		Style:   style,
		Message: a.Message,
		Wakeups: a.Wakeups,
	}
}

// State is the reconstructed span state of one trace. It is a plain
// single-threaded accumulator; replace it wholesale to load a new trace.
type State struct {
	active   map[trace.SpanID]*ActiveSpan
	finished []Span
	endTime  trace.Timestamp

	logger *zap.Logger
}

func NewState() *State {
	return &State{
		active: map[trace.SpanID]*ActiveSpan{},
		logger: zap.NewNop(),
	}
}

// WithLogger sets the diagnostics sink for recoverable anomalies.
func (st *State) WithLogger(log *zap.Logger) {
	st.logger = log.With(zap.String("component", "spans"))
}

// EndTime is the maximum timestamp observed across all events, used as the
// default right edge of the view.
func (st *State) EndTime() trace.Timestamp {
	return st.endTime
}

// Len counts spans in either state. Every start event grows it by one and a
// well-matched end moves a span from active to finished without changing it.
func (st *State) Len() int {
	return len(st.active) + len(st.finished)
}

func (st *State) ActiveCount() int {
	return len(st.active)
}

func (st *State) FinishedCount() int {
	return len(st.finished)
}

func (st *State) bumpTime(ts trace.Timestamp) {
	if ts > st.endTime {
		st.endTime = ts
	}
}

// message renders a start event's human-readable label. Async and sync spans
// carry their metadata verbatim after the name; thread spans are just the
// name.
func message(ev *trace.Event) []byte {
	if ev.Kind == trace.EvThreadStart {
		return []byte(ev.Name)
	}
	metadata := ev.Metadata
	if metadata == nil {
		metadata = []byte("null")
	}
	buf := make([]byte, 0, len(ev.Name)+1+len(metadata))
	buf = append(buf, ev.Name...)
	buf = append(buf, ' ')
	buf = append(buf, metadata...)
	return buf
}

// startKindFor maps an end event kind to the start kind it is allowed to
// close.
func startKindFor(end trace.EventKind) trace.EventKind {
	switch end {
	case trace.EvAsyncEnd:
		return trace.EvAsyncStart
	case trace.EvSyncEnd:
		return trace.EvSyncStart
	case trace.EvThreadEnd:
		return trace.EvThreadStart
	default:
		panic("not an end event")
	}
}

// AddEvent advances the state machine by one event. Anomalies are logged
// and the event dropped; ingestion never fails.
func (st *State) AddEvent(ev trace.Event) {
	st.bumpTime(ev.Ts)
	switch ev.Kind {
	case trace.EvAsyncStart, trace.EvSyncStart, trace.EvThreadStart:
		if _, ok := st.active[ev.ID]; ok {
			st.logger.Warn("duplicate start for active span, keeping the first",
				zap.Uint64("id", uint64(ev.ID)))
			return
		}
		st.active[ev.ID] = &ActiveSpan{
			Event:   ev,
			Message: message(&ev),
		}
	case trace.EvAsyncOnCPU, trace.EvAsyncOffCPU:
		// No state effect yet; CPUIndex records these for consumers that
		// care about on-CPU sub-spans.
	case trace.EvAsyncEnd, trace.EvSyncEnd, trace.EvThreadEnd:
		start, ok := st.active[ev.ID]
		if !ok {
			st.logger.Warn("end event for unknown span",
				zap.Uint64("id", uint64(ev.ID)),
				zap.Stringer("kind", ev.Kind))
			return
		}
		if start.Event.Kind != startKindFor(ev.Kind) {
			st.logger.Warn("end event does not match the span's start kind",
				zap.Uint64("id", uint64(ev.ID)),
				zap.Stringer("start", start.Event.Kind),
				zap.Stringer("end", ev.Kind))
			return
		}
		var style Style
		switch ev.Kind {
		case trace.EvAsyncEnd:
			switch ev.Outcome.Kind {
			case trace.OutcomeSuccess:
				style = AsyncSuccess
			case trace.OutcomeCancelled:
				style = AsyncCancel
			case trace.OutcomeError:
				style = AsyncError
			}
		case trace.EvSyncEnd:
			style = SyncFinished
		case trace.EvThreadEnd:
			style = ThreadFinished
		}
		delete(st.active, ev.ID)
		st.finished = append(st.finished, Span{
			ID:      ev.ID,
			Parent:  start.Event.Parent,
			Start:   start.Event.Ts,
			End:     ev.Ts,
			Style:   style,
			Message: start.Message,
			Wakeups: start.Wakeups,
		})
	case trace.EvWakeup:
		sp, ok := st.active[ev.Waking]
		if !ok {
			// Wakeups are best-effort annotations, never fatal.
			st.logger.Warn("wakeup from unknown span",
				zap.Uint64("waking", uint64(ev.Waking)),
				zap.Uint64("parked", uint64(ev.Parked)))
			return
		}
		sp.Wakeups = append(sp.Wakeups, Wakeup{Target: ev.Parked, Ts: ev.Ts})
	default:
		st.logger.Warn("unknown event kind", zap.Uint8("kind", uint8(ev.Kind)))
	}
}

// Select returns the spans overlapping the half-open window [start, end):
// every still-active span that started before end, rendered as in progress
// and clipped to end, plus every finished span intersecting the window. It
// does not mutate state and is safe to call once per frame.
func (st *State) Select(start, end trace.Timestamp) []Span {
	var out []Span
	for _, a := range st.active {
		if a.Event.Ts < end {
			out = append(out, a.inProgress(end))
		}
	}
	for i := range st.finished {
		sp := &st.finished[i]
		if sp.Start < end && sp.End > start {
			out = append(out, *sp)
		}
	}
	// The active map iterates in random order; sort so callers see a
	// stable result.
	slices.SortFunc(out, func(a, b Span) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return out
}
