package spans

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyclotrace/cyclotrace/container"
	"github.com/cyclotrace/cyclotrace/trace"
)

func ts(d time.Duration) trace.Timestamp {
	return trace.Timestamp(d)
}

func threadStart(id trace.SpanID, name string, at time.Duration) trace.Event {
	return trace.Event{Kind: trace.EvThreadStart, ID: id, Name: name, Ts: ts(at)}
}

func syncStart(id, parent trace.SpanID, name string, at time.Duration) trace.Event {
	return trace.Event{
		Kind:   trace.EvSyncStart,
		ID:     id,
		Parent: container.Some(parent),
		Name:   name,
		Ts:     ts(at),
	}
}

func asyncStart(id, parent trace.SpanID, name string, at time.Duration) trace.Event {
	ev := syncStart(id, parent, name, at)
	ev.Kind = trace.EvAsyncStart
	return ev
}

func asyncEnd(id trace.SpanID, at time.Duration, outcome trace.Outcome) trace.Event {
	return trace.Event{Kind: trace.EvAsyncEnd, ID: id, Ts: ts(at), Outcome: outcome}
}

func TestOpenCloseAccounting(t *testing.T) {
	st := NewState()
	st.AddEvent(threadStart(0, "main", 0))
	assert.Equal(t, 1, st.ActiveCount())
	st.AddEvent(syncStart(1, 0, "load", time.Second))
	st.AddEvent(asyncStart(2, 1, "fetch", 2*time.Second))
	assert.Equal(t, 3, st.ActiveCount())
	assert.Equal(t, 3, st.Len())

	st.AddEvent(asyncEnd(2, 3*time.Second, trace.Outcome{Kind: trace.OutcomeSuccess}))
	assert.Equal(t, 2, st.ActiveCount())
	assert.Equal(t, 1, st.FinishedCount())
	// A well-matched end moves the span without changing the total.
	assert.Equal(t, 3, st.Len())

	st.AddEvent(trace.Event{Kind: trace.EvSyncEnd, ID: 1, Ts: ts(4 * time.Second)})
	st.AddEvent(trace.Event{Kind: trace.EvThreadEnd, ID: 0, Ts: ts(5 * time.Second)})
	assert.Equal(t, 0, st.ActiveCount())
	assert.Equal(t, 3, st.Len())
}

func TestEndWithoutStartIsDropped(t *testing.T) {
	st := NewState()
	st.AddEvent(trace.Event{Kind: trace.EvSyncEnd, ID: 42, Ts: ts(time.Second)})
	assert.Equal(t, 0, st.Len())
	// The bad event still advances the view bound.
	assert.Equal(t, ts(time.Second), st.EndTime())
}

func TestDuplicateStartKeepsFirst(t *testing.T) {
	st := NewState()
	st.AddEvent(threadStart(0, "first", 0))
	st.AddEvent(threadStart(0, "second", time.Second))
	require.Equal(t, 1, st.Len())
	got := st.Select(0, ts(time.Minute))
	require.Len(t, got, 1)
	assert.Equal(t, "first", string(got[0].Message))
}

func TestMismatchedEndKindKeepsSpanActive(t *testing.T) {
	st := NewState()
	st.AddEvent(syncStart(1, 0, "load", 0))
	st.AddEvent(asyncEnd(1, time.Second, trace.Outcome{Kind: trace.OutcomeSuccess}))
	assert.Equal(t, 1, st.ActiveCount())
	assert.Equal(t, 0, st.FinishedCount())
}

func TestStyleDerivation(t *testing.T) {
	tests := []struct {
		name  string
		start trace.Event
		end   trace.Event
		want  Style
	}{
		{"thread", threadStart(0, "t", 0), trace.Event{Kind: trace.EvThreadEnd, ID: 0, Ts: ts(1)}, ThreadFinished},
		{"sync", syncStart(0, 9, "s", 0), trace.Event{Kind: trace.EvSyncEnd, ID: 0, Ts: ts(1)}, SyncFinished},
		{"async success", asyncStart(0, 9, "a", 0), asyncEnd(0, 1, trace.Outcome{Kind: trace.OutcomeSuccess}), AsyncSuccess},
		{"async cancel", asyncStart(0, 9, "a", 0), asyncEnd(0, 1, trace.Outcome{Kind: trace.OutcomeCancelled}), AsyncCancel},
		{"async error", asyncStart(0, 9, "a", 0), asyncEnd(0, 1, trace.Outcome{Kind: trace.OutcomeError, Message: "boom"}), AsyncError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := NewState()
			st.AddEvent(tt.start)
			st.AddEvent(tt.end)
			got := st.Select(0, ts(time.Minute))
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0].Style)
		})
	}
}

func TestWakeupsAttachToWakingSpan(t *testing.T) {
	st := NewState()
	st.AddEvent(threadStart(0, "main", 0))
	st.AddEvent(syncStart(1, 0, "worker", 0))
	st.AddEvent(trace.Event{Kind: trace.EvWakeup, Waking: 1, Parked: 0, Ts: ts(time.Second)})
	// Unknown waking span: logged and dropped, never fatal.
	st.AddEvent(trace.Event{Kind: trace.EvWakeup, Waking: 99, Parked: 0, Ts: ts(time.Second)})

	st.AddEvent(trace.Event{Kind: trace.EvSyncEnd, ID: 1, Ts: ts(2 * time.Second)})
	for _, sp := range st.Select(0, ts(time.Minute)) {
		switch sp.ID {
		case 1:
			require.Len(t, sp.Wakeups, 1)
			assert.Equal(t, trace.SpanID(0), sp.Wakeups[0].Target)
			assert.Equal(t, ts(time.Second), sp.Wakeups[0].Ts)
		case 0:
			assert.Empty(t, sp.Wakeups)
		}
	}
}

func TestSelectWindow(t *testing.T) {
	st := NewState()
	st.AddEvent(threadStart(0, "early", 0))
	st.AddEvent(trace.Event{Kind: trace.EvThreadEnd, ID: 0, Ts: ts(2 * time.Second)})
	st.AddEvent(threadStart(1, "late", 10*time.Second))
	st.AddEvent(trace.Event{Kind: trace.EvThreadEnd, ID: 1, Ts: ts(12 * time.Second)})
	st.AddEvent(threadStart(2, "open", time.Second))

	got := st.Select(ts(0), ts(5*time.Second))
	ids := map[trace.SpanID]Span{}
	for _, sp := range got {
		ids[sp.ID] = sp
	}
	require.Len(t, ids, 2)
	assert.Contains(t, ids, trace.SpanID(0))
	// The still-open span is clipped to the window end and rendered as
	// in progress.
	open := ids[trace.SpanID(2)]
	assert.Equal(t, ts(5*time.Second), open.End)
	assert.Equal(t, ThreadInProgress, open.Style)

	// Finished spans outside the window are excluded.
	got = st.Select(ts(3*time.Second), ts(5*time.Second))
	for _, sp := range got {
		assert.NotEqual(t, trace.SpanID(0), sp.ID)
	}

	// Select must not mutate: a second identical call sees the same spans.
	again := st.Select(ts(0), ts(5*time.Second))
	assert.Equal(t, len(got), len(st.Select(ts(3*time.Second), ts(5*time.Second))))
	assert.Len(t, again, 2)
}

func TestMessageRendering(t *testing.T) {
	st := NewState()
	ev := syncStart(1, 0, "query", 0)
	ev.Metadata = []byte(`{"table":"users"}`)
	st.AddEvent(ev)
	st.AddEvent(syncStart(2, 0, "bare", 0))
	st.AddEvent(threadStart(3, "main", 0))

	got := st.Select(0, ts(time.Minute))
	messages := map[trace.SpanID]string{}
	for _, sp := range got {
		messages[sp.ID] = string(sp.Message)
	}
	assert.Equal(t, `query {"table":"users"}`, messages[1])
	assert.Equal(t, "bare null", messages[2])
	assert.Equal(t, "main", messages[3])
}

func TestEndTimeTracksMaxTimestamp(t *testing.T) {
	st := NewState()
	st.AddEvent(threadStart(0, "main", 0))
	st.AddEvent(trace.Event{Kind: trace.EvWakeup, Waking: 0, Parked: 1, Ts: ts(9 * time.Second)})
	st.AddEvent(syncStart(1, 0, "late", 3*time.Second))
	assert.Equal(t, ts(9*time.Second), st.EndTime())
}
