package trace

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cyclotrace/cyclotrace/container"
)

// The wire format is one self-describing JSON object per event: a single
// top-level key names the variant, its value holds the variant's fields.

type wireTimestamp struct {
	Secs  uint64 `json:"secs"`
	Nanos uint32 `json:"nanos"`
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	d := time.Duration(ts)
	return json.Marshal(wireTimestamp{
		Secs:  uint64(d / time.Second),
		Nanos: uint32(d % time.Second),
	})
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var w wireTimestamp
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*ts = Timestamp(time.Duration(w.Secs)*time.Second + time.Duration(w.Nanos))
	return nil
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	switch o.Kind {
	case OutcomeSuccess:
		return json.Marshal("Success")
	case OutcomeCancelled:
		return json.Marshal("Cancelled")
	case OutcomeError:
		return json.Marshal(map[string]string{"Error": o.Message})
	default:
		return nil, fmt.Errorf("unknown outcome kind %d", o.Kind)
	}
}

func (o *Outcome) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch s {
		case "Success":
			*o = Outcome{Kind: OutcomeSuccess}
		case "Cancelled":
			*o = Outcome{Kind: OutcomeCancelled}
		default:
			return fmt.Errorf("unknown outcome %q", s)
		}
		return nil
	}
	var obj struct {
		Error *string `json:"Error"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if obj.Error == nil {
		return fmt.Errorf("outcome object is missing the Error key")
	}
	*o = Outcome{Kind: OutcomeError, Message: *obj.Error}
	return nil
}

type wireStart struct {
	Name     string          `json:"name"`
	ID       SpanID          `json:"id"`
	ParentID SpanID          `json:"parent_id"`
	Ts       Timestamp       `json:"ts"`
	Metadata json.RawMessage `json:"metadata"`
}

type wireThreadStart struct {
	Name string    `json:"name"`
	ID   SpanID    `json:"id"`
	Ts   Timestamp `json:"ts"`
}

type wireIDTs struct {
	ID SpanID    `json:"id"`
	Ts Timestamp `json:"ts"`
}

type wireAsyncEnd struct {
	ID      SpanID    `json:"id"`
	Ts      Timestamp `json:"ts"`
	Outcome Outcome   `json:"outcome"`
}

type wireWakeup struct {
	WakingSpan SpanID    `json:"waking_span"`
	ParkedSpan SpanID    `json:"parked_span"`
	Ts         Timestamp `json:"ts"`
}

var kindsByName = map[string]EventKind{
	"AsyncStart":  EvAsyncStart,
	"AsyncOnCPU":  EvAsyncOnCPU,
	"AsyncOffCPU": EvAsyncOffCPU,
	"AsyncEnd":    EvAsyncEnd,
	"SyncStart":   EvSyncStart,
	"SyncEnd":     EvSyncEnd,
	"ThreadStart": EvThreadStart,
	"ThreadEnd":   EvThreadEnd,
	"Wakeup":      EvWakeup,
}

func (ev *Event) UnmarshalJSON(data []byte) error {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}
	if len(envelope) != 1 {
		return fmt.Errorf("event must have exactly one variant key, got %d", len(envelope))
	}
	var variant string
	var body json.RawMessage
	for k, v := range envelope {
		variant, body = k, v
	}
	kind, ok := kindsByName[variant]
	if !ok {
		return fmt.Errorf("unknown event variant %q", variant)
	}

	*ev = Event{Kind: kind}
	switch kind {
	case EvAsyncStart, EvSyncStart:
		var w wireStart
		if err := json.Unmarshal(body, &w); err != nil {
			return err
		}
		ev.Name = w.Name
		ev.ID = w.ID
		ev.Parent = container.Some(w.ParentID)
		ev.Ts = w.Ts
		ev.Metadata = w.Metadata
	case EvThreadStart:
		var w wireThreadStart
		if err := json.Unmarshal(body, &w); err != nil {
			return err
		}
		ev.Name = w.Name
		ev.ID = w.ID
		ev.Ts = w.Ts
	case EvAsyncEnd:
		var w wireAsyncEnd
		if err := json.Unmarshal(body, &w); err != nil {
			return err
		}
		ev.ID = w.ID
		ev.Ts = w.Ts
		ev.Outcome = w.Outcome
	case EvAsyncOnCPU, EvAsyncOffCPU, EvSyncEnd, EvThreadEnd:
		var w wireIDTs
		if err := json.Unmarshal(body, &w); err != nil {
			return err
		}
		ev.ID = w.ID
		ev.Ts = w.Ts
	case EvWakeup:
		var w wireWakeup
		if err := json.Unmarshal(body, &w); err != nil {
			return err
		}
		ev.Waking = w.WakingSpan
		ev.Parked = w.ParkedSpan
		ev.Ts = w.Ts
	}
	return nil
}

func (ev Event) MarshalJSON() ([]byte, error) {
	var body any
	switch ev.Kind {
	case EvAsyncStart, EvSyncStart:
		parent, ok := ev.Parent.Get()
		if !ok {
			return nil, fmt.Errorf("%s event without a parent id", ev.Kind)
		}
		body = wireStart{Name: ev.Name, ID: ev.ID, ParentID: parent, Ts: ev.Ts, Metadata: ev.Metadata}
	case EvThreadStart:
		body = wireThreadStart{Name: ev.Name, ID: ev.ID, Ts: ev.Ts}
	case EvAsyncEnd:
		body = wireAsyncEnd{ID: ev.ID, Ts: ev.Ts, Outcome: ev.Outcome}
	case EvAsyncOnCPU, EvAsyncOffCPU, EvSyncEnd, EvThreadEnd:
		body = wireIDTs{ID: ev.ID, Ts: ev.Ts}
	case EvWakeup:
		body = wireWakeup{WakingSpan: ev.Waking, ParkedSpan: ev.Parked, Ts: ev.Ts}
	default:
		return nil, fmt.Errorf("cannot marshal event of kind %d", ev.Kind)
	}
	return json.Marshal(map[string]any{ev.Kind.String(): body})
}
