package log

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// An event stream is a plain concatenation of CBOR items, one per Event,
// so files written by separate sessions can be appended to each other.

// ErrCorruptEvent is returned when a stream item does not decode to a
// known lifecycle event.
var ErrCorruptEvent = errors.New("corrupt event")

var (
	eventEncMode = mustEncMode(cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	})
	eventDecMode = mustDecMode(cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	})
)

func mustEncMode(opts cbor.EncOptions) cbor.EncMode {
	m, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("event CBOR encoder mode: %v", err))
	}
	return m
}

func mustDecMode(opts cbor.DecOptions) cbor.DecMode {
	m, err := opts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("event CBOR decoder mode: %v", err))
	}
	return m
}

// validate rejects categories and kinds this package does not define.
func (e *Event) validate() error {
	if e.Category > CategoryError {
		return fmt.Errorf("%w: category %d", ErrCorruptEvent, e.Category)
	}
	if int(e.Kind) >= len(kindNames) {
		return fmt.Errorf("%w: kind %d", ErrCorruptEvent, e.Kind)
	}
	return nil
}

// EventWriter appends events to a stream. It is not safe for concurrent
// use; FileLogger serializes access to its writer.
type EventWriter struct {
	enc *cbor.Encoder
}

// NewEventWriter returns a writer that appends events to w.
func NewEventWriter(w io.Writer) *EventWriter {
	return &EventWriter{enc: eventEncMode.NewEncoder(w)}
}

// Write encodes one event. Events with an unknown category or kind are
// refused with ErrCorruptEvent and nothing is written.
func (w *EventWriter) Write(event Event) error {
	if err := event.validate(); err != nil {
		return err
	}
	return w.enc.Encode(event)
}

// EventReader decodes events from a stream.
type EventReader struct {
	dec *cbor.Decoder
}

// NewEventReader returns a reader that decodes events from r.
func NewEventReader(r io.Reader) *EventReader {
	return &EventReader{dec: eventDecMode.NewDecoder(r)}
}

// Read returns the next event, or io.EOF at a clean end of stream. A
// truncated or malformed item yields an error wrapping ErrCorruptEvent.
func (r *EventReader) Read() (Event, error) {
	var event Event
	if err := r.dec.Decode(&event); err != nil {
		if err == io.EOF {
			return Event{}, io.EOF
		}
		return Event{}, fmt.Errorf("%w: %v", ErrCorruptEvent, err)
	}
	if err := event.validate(); err != nil {
		return Event{}, err
	}
	return event, nil
}
