// Package trace defines the cyclotron wire event model: the nine trace event
// variants emitted by an instrumented program, and their JSON codec.
package trace

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cyclotrace/cyclotrace/container"
)

// SpanID identifies a span. IDs are globally unique within a trace and
// totally ordered, but the order carries no meaning beyond being a stable
// sort key.
type SpanID uint64

// Timestamp is the time of an event, measured as a duration since the trace
// epoch. On the wire it is encoded as {"secs": u64, "nanos": u32}.
type Timestamp time.Duration

func (ts Timestamp) Duration() time.Duration {
	return time.Duration(ts)
}

func (ts Timestamp) String() string {
	return time.Duration(ts).String()
}

type EventKind uint8

const (
	EvNone EventKind = iota
	EvAsyncStart
	EvAsyncOnCPU
	EvAsyncOffCPU
	EvAsyncEnd
	EvSyncStart
	EvSyncEnd
	EvThreadStart
	EvThreadEnd
	EvWakeup
)

var kindNames = [...]string{
	EvNone:        "None",
	EvAsyncStart:  "AsyncStart",
	EvAsyncOnCPU:  "AsyncOnCPU",
	EvAsyncOffCPU: "AsyncOffCPU",
	EvAsyncEnd:    "AsyncEnd",
	EvSyncStart:   "SyncStart",
	EvSyncEnd:     "SyncEnd",
	EvThreadStart: "ThreadStart",
	EvThreadEnd:   "ThreadEnd",
	EvWakeup:      "Wakeup",
}

func (k EventKind) String() string {
	if int(k) >= len(kindNames) {
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
	return kindNames[k]
}

type OutcomeKind uint8

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeCancelled
	OutcomeError
)

// Outcome describes how an async span ended. Message is only set for
// OutcomeError.
type Outcome struct {
	Kind    OutcomeKind
	Message string
}

// Event is the tagged union over all trace event variants. Kind selects the
// variant; the remaining fields are populated as the variant demands:
//
//   - ID is set for everything but Wakeup
//   - Name and Metadata are set for the Start variants (Metadata only for
//     async and sync starts)
//   - Parent is set for AsyncStart and SyncStart; ThreadStart is always a root
//   - Outcome is set for AsyncEnd
//   - Waking and Parked are set for Wakeup
type Event struct {
	Kind     EventKind
	ID       SpanID
	Parent   container.Option[SpanID]
	Ts       Timestamp
	Name     string
	Metadata json.RawMessage
	Outcome  Outcome
	Waking   SpanID
	Parked   SpanID
}

// SpanID returns the span the event belongs to. Wakeup events have no span
// identity of their own and return false.
func (ev *Event) SpanID() (SpanID, bool) {
	if ev.Kind == EvWakeup {
		return 0, false
	}
	return ev.ID, true
}

// ParentID returns the declared parent span for AsyncStart and SyncStart
// events.
func (ev *Event) ParentID() (SpanID, bool) {
	switch ev.Kind {
	case EvAsyncStart, EvSyncStart:
		return ev.Parent.Get()
	default:
		return 0, false
	}
}

// IsStart reports whether the event opens a span.
func (ev *Event) IsStart() bool {
	switch ev.Kind {
	case EvAsyncStart, EvSyncStart, EvThreadStart:
		return true
	default:
		return false
	}
}

// IsEnd reports whether the event closes a span.
func (ev *Event) IsEnd() bool {
	switch ev.Kind {
	case EvAsyncEnd, EvSyncEnd, EvThreadEnd:
		return true
	default:
		return false
	}
}
