package trace

import (
	"testing"
	"time"

	"github.com/cyclotrace/cyclotrace/container"
)

func ts(secs, nanos int) Timestamp {
	return Timestamp(time.Duration(secs)*time.Second + time.Duration(nanos))
}

func TestUnmarshalVariants(t *testing.T) {
	tests := []struct {
		raw  string
		want func(t *testing.T, ev *Event)
	}{
		{
			`{"ThreadStart":{"name":"main","id":1,"ts":{"secs":0,"nanos":5}}}`,
			func(t *testing.T, ev *Event) {
				if ev.Kind != EvThreadStart || ev.Name != "main" || ev.ID != 1 || ev.Ts != ts(0, 5) {
					t.Errorf("bad thread start: %+v", ev)
				}
				if _, ok := ev.ParentID(); ok {
					t.Error("thread start must not have a parent")
				}
			},
		},
		{
			// Allows and ignores the legacy is_restart field.
			`{"ThreadStart":{"name":"main","id":1,"ts":{"secs":0,"nanos":0},"is_restart":false}}`,
			func(t *testing.T, ev *Event) {
				if ev.Kind != EvThreadStart || ev.Name != "main" {
					t.Errorf("bad thread start: %+v", ev)
				}
			},
		},
		{
			`{"AsyncStart":{"name":"fetch","id":7,"parent_id":1,"ts":{"secs":2,"nanos":0},"metadata":{"url":"x"}}}`,
			func(t *testing.T, ev *Event) {
				if ev.Kind != EvAsyncStart || ev.Name != "fetch" || ev.ID != 7 {
					t.Errorf("bad async start: %+v", ev)
				}
				if parent, ok := ev.ParentID(); !ok || parent != 1 {
					t.Errorf("want parent 1, got %v, %v", parent, ok)
				}
				if string(ev.Metadata) != `{"url":"x"}` {
					t.Errorf("metadata not kept verbatim: %q", ev.Metadata)
				}
			},
		},
		{
			`{"SyncStart":{"name":"parse","id":8,"parent_id":7,"ts":{"secs":0,"nanos":0},"metadata":null}}`,
			func(t *testing.T, ev *Event) {
				if ev.Kind != EvSyncStart || ev.ID != 8 {
					t.Errorf("bad sync start: %+v", ev)
				}
			},
		},
		{
			`{"AsyncOnCPU":{"id":7,"ts":{"secs":3,"nanos":1}}}`,
			func(t *testing.T, ev *Event) {
				if ev.Kind != EvAsyncOnCPU || ev.ID != 7 || ev.Ts != ts(3, 1) {
					t.Errorf("bad on-cpu: %+v", ev)
				}
			},
		},
		{
			`{"AsyncEnd":{"id":7,"ts":{"secs":4,"nanos":0},"outcome":"Success"}}`,
			func(t *testing.T, ev *Event) {
				if ev.Kind != EvAsyncEnd || ev.Outcome.Kind != OutcomeSuccess {
					t.Errorf("bad async end: %+v", ev)
				}
			},
		},
		{
			`{"AsyncEnd":{"id":7,"ts":{"secs":4,"nanos":0},"outcome":{"Error":"boom"}}}`,
			func(t *testing.T, ev *Event) {
				if ev.Outcome.Kind != OutcomeError || ev.Outcome.Message != "boom" {
					t.Errorf("bad error outcome: %+v", ev.Outcome)
				}
			},
		},
		{
			`{"Wakeup":{"waking_span":1,"parked_span":2,"ts":{"secs":0,"nanos":9}}}`,
			func(t *testing.T, ev *Event) {
				if ev.Kind != EvWakeup || ev.Waking != 1 || ev.Parked != 2 {
					t.Errorf("bad wakeup: %+v", ev)
				}
				if _, ok := ev.SpanID(); ok {
					t.Error("wakeup must not have a span id")
				}
			},
		},
	}
	for _, tt := range tests {
		var ev Event
		if err := ev.UnmarshalJSON([]byte(tt.raw)); err != nil {
			t.Fatalf("failed to unmarshal %s: %v", tt.raw, err)
		}
		tt.want(t, &ev)
	}
}

func TestUnmarshalRejectsBadEnvelopes(t *testing.T) {
	bad := []string{
		`{"FooStart":{"id":1,"ts":{"secs":0,"nanos":0}}}`,
		`{"SyncEnd":{"id":1,"ts":{"secs":0,"nanos":0}},"ThreadEnd":{"id":2,"ts":{"secs":0,"nanos":0}}}`,
		`{}`,
		`[1,2,3]`,
		`{"AsyncEnd":{"id":1,"ts":{"secs":0,"nanos":0},"outcome":"Exploded"}}`,
	}
	for _, raw := range bad {
		var ev Event
		if err := ev.UnmarshalJSON([]byte(raw)); err == nil {
			t.Errorf("no error on input: %q", raw)
		}
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	events := []Event{
		{Kind: EvThreadStart, ID: 1, Name: "main", Ts: ts(0, 0)},
		{Kind: EvSyncStart, ID: 2, Name: "load", Parent: container.Some(SpanID(1)), Ts: ts(1, 500), Metadata: []byte(`{"n":3}`)},
		{Kind: EvAsyncEnd, ID: 2, Ts: ts(2, 0), Outcome: Outcome{Kind: OutcomeCancelled}},
		{Kind: EvWakeup, Waking: 2, Parked: 1, Ts: ts(0, 77)},
	}
	for _, ev := range events {
		data, err := ev.MarshalJSON()
		if err != nil {
			t.Fatalf("marshal %v: %v", ev.Kind, err)
		}
		var got Event
		if err := got.UnmarshalJSON(data); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if got.Kind != ev.Kind || got.ID != ev.ID || got.Ts != ev.Ts || got.Name != ev.Name {
			t.Errorf("round trip changed the event: %+v != %+v", got, ev)
		}
	}
}
