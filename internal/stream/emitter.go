// Package stream carries build output from producers to consumers.
//
// An Emitter stamps every event with an offset from the session start,
// records it, and forwards it to an optional Sink. Offsets never decrease
// even when the wall clock does.
package stream

import (
	"errors"
	"sync"
	"time"

	"stylus-builder/internal/protocol"
)

// ErrConsumerGone is returned by sinks whose consumer has gone away.
var ErrConsumerGone = errors.New("stream consumer gone")

// Sink receives events as they are produced. A non-nil error means the
// consumer is unusable and the producer must stop.
type Sink interface {
	Emit(protocol.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(protocol.Event) error

func (f SinkFunc) Emit(ev protocol.Event) error { return f(ev) }

// Emitter serializes events for one session.
type Emitter struct {
	mu     sync.Mutex
	start  time.Time
	now    func() time.Time
	last   int64
	events []protocol.Event
	sink   Sink
	err    error
}

// NewEmitter starts the session clock. sink may be nil for record-only use.
func NewEmitter(sink Sink) *Emitter {
	return newEmitterWithClock(sink, time.Now)
}

func newEmitterWithClock(sink Sink, now func() time.Time) *Emitter {
	return &Emitter{
		start: now(),
		now:   now,
		sink:  sink,
	}
}

// Emit records an event and forwards it. Once the sink has failed every
// later call returns the same error; the event is still recorded.
func (e *Emitter) Emit(typ protocol.EventType, data string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	offset := e.now().Sub(e.start).Milliseconds()
	if offset < e.last {
		offset = e.last
	}
	e.last = offset

	ev := protocol.Event{Type: typ, Data: data, TimestampOffsetMs: offset}
	e.events = append(e.events, ev)

	if e.err != nil {
		return e.err
	}
	if e.sink != nil {
		if err := e.sink.Emit(ev); err != nil {
			e.err = err
			return err
		}
	}
	return nil
}

// Events returns a copy of every event emitted so far, in order.
func (e *Emitter) Events() []protocol.Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]protocol.Event, len(e.events))
	copy(out, e.events)
	return out
}

// Err reports the first sink failure, if any.
func (e *Emitter) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}
