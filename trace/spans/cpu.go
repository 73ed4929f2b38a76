package spans

import (
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/cyclotrace/cyclotrace/trace"
)

// Interval is a half-open [Start, End) slice of time.
type Interval struct {
	Start trace.Timestamp
	End   trace.Timestamp
}

// CPUIndex pairs up AsyncOnCPU/AsyncOffCPU events into per-span on-CPU
// intervals. It is a standalone consumer of the event stream; the span
// state machine itself ignores on/off-CPU events.
type CPUIndex struct {
	open      map[trace.SpanID]trace.Timestamp
	intervals map[trace.SpanID][]Interval
	normal    bool

	logger *zap.Logger
}

func NewCPUIndex() *CPUIndex {
	return &CPUIndex{
		open:      map[trace.SpanID]trace.Timestamp{},
		intervals: map[trace.SpanID][]Interval{},
		normal:    true,
		logger:    zap.NewNop(),
	}
}

func (ix *CPUIndex) WithLogger(log *zap.Logger) {
	ix.logger = log.With(zap.String("component", "cpuindex"))
}

// AddEvent records on/off-CPU pairs; all other events are ignored.
// Unpaired events are logged and dropped.
func (ix *CPUIndex) AddEvent(ev trace.Event) {
	switch ev.Kind {
	case trace.EvAsyncOnCPU:
		if _, ok := ix.open[ev.ID]; ok {
			ix.logger.Warn("on-CPU event for span already on CPU",
				zap.Uint64("id", uint64(ev.ID)))
			return
		}
		ix.open[ev.ID] = ev.Ts
	case trace.EvAsyncOffCPU:
		start, ok := ix.open[ev.ID]
		if !ok {
			ix.logger.Warn("off-CPU event for span not on CPU",
				zap.Uint64("id", uint64(ev.ID)))
			return
		}
		delete(ix.open, ev.ID)
		ix.intervals[ev.ID] = append(ix.intervals[ev.ID], Interval{Start: start, End: ev.Ts})
		ix.normal = false
	}
}

// Intervals returns the recorded on-CPU sub-spans of id, sorted with
// touching and overlapping intervals coalesced. Returns nil if the span
// never ran on CPU.
func (ix *CPUIndex) Intervals(id trace.SpanID) []Interval {
	ix.normalize()
	return ix.intervals[id]
}

func (ix *CPUIndex) normalize() {
	if ix.normal {
		return
	}
	for id, ivs := range ix.intervals {
		slices.SortFunc(ivs, func(a, b Interval) int {
			switch {
			case a.Start < b.Start:
				return -1
			case a.Start > b.Start:
				return 1
			default:
				return 0
			}
		})
		merged := ivs[:1]
		for _, iv := range ivs[1:] {
			last := &merged[len(merged)-1]
			if iv.Start <= last.End {
				if iv.End > last.End {
					last.End = iv.End
				}
			} else {
				merged = append(merged, iv)
			}
		}
		ix.intervals[id] = merged
	}
	ix.normal = true
}
