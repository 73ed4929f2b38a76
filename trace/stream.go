package trace

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/hashicorp/go-multierror"
)

// MalformedEventError reports a single undecodable event, carrying the
// offending raw text. Malformed events never abort a load; the decoder
// reports them and continues with the next event.
type MalformedEventError struct {
	Raw []byte
	Err error
}

func (e *MalformedEventError) Error() string {
	raw := e.Raw
	if len(raw) > 256 {
		raw = raw[:256]
	}
	return fmt.Sprintf("malformed event %q: %s", raw, e.Err)
}

func (e *MalformedEventError) Unwrap() error {
	return e.Err
}

// Split cuts a stream of concatenated JSON objects into one chunk per
// object. No separator between objects is required. Chunks alias data.
//
// Garbage between objects and objects that are still open when the data
// ends are reported as MalformedEventErrors, collected into the returned
// error; scanning resynchronizes at the next top-level '{'.
func Split(data []byte) ([][]byte, error) {
	var chunks [][]byte
	var errs *multierror.Error

	i := 0
	for i < len(data) {
		// Find the start of the next object, reporting anything else in
		// between. Whitespace is tolerated silently.
		start := i
		for i < len(data) && data[i] != '{' {
			i++
		}
		if junk := bytes.TrimSpace(data[start:i]); len(junk) > 0 {
			errs = multierror.Append(errs, &MalformedEventError{
				Raw: junk,
				Err: fmt.Errorf("expected a JSON object"),
			})
		}
		if i == len(data) {
			break
		}

		chunk, rest, err := scanObject(data[i:])
		if err != nil {
			errs = multierror.Append(errs, &MalformedEventError{Raw: chunk, Err: err})
			// Resynchronize after the opening brace.
			i++
			continue
		}
		chunks = append(chunks, chunk)
		i = len(data) - len(rest)
	}
	return chunks, errs.ErrorOrNil()
}

// scanObject consumes one balanced JSON object from the front of data,
// which must start with '{'. It tracks strings and escapes so braces
// inside values don't confuse the brace count.
func scanObject(data []byte) (chunk, rest []byte, err error) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(data); i++ {
		c := data[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return data[:i+1], data[i+1:], nil
			}
		}
	}
	return data, nil, fmt.Errorf("unterminated JSON object")
}

// DecodeAll splits data into events and unmarshals each one. Good events
// are always returned; failures are collected per event and returned
// alongside them.
func DecodeAll(data []byte) ([]Event, error) {
	chunks, err := Split(data)
	var errs *multierror.Error
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	events := make([]Event, 0, len(chunks))
	for _, chunk := range chunks {
		var ev Event
		if uerr := ev.UnmarshalJSON(chunk); uerr != nil {
			errs = multierror.Append(errs, &MalformedEventError{Raw: chunk, Err: uerr})
			continue
		}
		events = append(events, ev)
	}
	return events, errs.ErrorOrNil()
}

// Magic bytes of the snappy framed format: a stream identifier chunk.
var snappyMagic = []byte{0xff, 0x06, 0x00, 0x00, 's', 'N', 'a', 'P', 'p', 'Y'}

// NewReader returns a reader for a possibly snappy-compressed trace
// stream. It sniffs the snappy framed-format magic and decompresses
// transparently; plain streams pass through unchanged.
func NewReader(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	magic, err := br.Peek(len(snappyMagic))
	if err == nil && bytes.Equal(magic, snappyMagic) {
		return snappy.NewReader(br)
	}
	return br
}

// ReadAll reads an entire, possibly compressed trace stream.
func ReadAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(NewReader(r))
}
