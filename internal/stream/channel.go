package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"stylus-builder/internal/protocol"
)

const (
	defaultChannelBuf = 256
	defaultStall      = 10 * time.Second
)

// ChannelSink decouples a producer from a slow consumer. Emit blocks only
// while the buffer is full, and gives up after the stall timeout.
type ChannelSink struct {
	ch    chan protocol.Event
	done  chan struct{}
	once  sync.Once
	stall time.Duration
}

// NewChannelSink creates a sink with the given buffer and stall timeout.
// Zero values select the defaults.
func NewChannelSink(buf int, stall time.Duration) *ChannelSink {
	if buf <= 0 {
		buf = defaultChannelBuf
	}
	if stall <= 0 {
		stall = defaultStall
	}
	return &ChannelSink{
		ch:    make(chan protocol.Event, buf),
		done:  make(chan struct{}),
		stall: stall,
	}
}

// Emit implements Sink.
func (s *ChannelSink) Emit(ev protocol.Event) error {
	select {
	case <-s.done:
		return ErrConsumerGone
	default:
	}

	select {
	case s.ch <- ev:
		return nil
	default:
	}

	timer := time.NewTimer(s.stall)
	defer timer.Stop()
	select {
	case s.ch <- ev:
		return nil
	case <-s.done:
		return ErrConsumerGone
	case <-timer.C:
		s.Close()
		return fmt.Errorf("%w: stalled for %s", ErrConsumerGone, s.stall)
	}
}

// C is the consumer side.
func (s *ChannelSink) C() <-chan protocol.Event { return s.ch }

// Done is closed once the consumer has gone away.
func (s *ChannelSink) Done() <-chan struct{} { return s.done }

// Close marks the consumer as gone. Safe to call more than once.
func (s *ChannelSink) Close() {
	s.once.Do(func() { close(s.done) })
}

// Finish is called by the producer after its last Emit.
func (s *ChannelSink) Finish() {
	close(s.ch)
}

// WriteNDJSON drains events to w, one JSON object per line. before runs
// ahead of each line and after once it is written; either may be nil. On a
// write or hook error the sink is closed so the producer stops.
func WriteNDJSON(s *ChannelSink, w io.Writer, before, after func() error) error {
	enc := json.NewEncoder(w)
	for ev := range s.C() {
		if before != nil {
			if err := before(); err != nil {
				s.Close()
				return fmt.Errorf("prepare event: %w", err)
			}
		}
		if err := enc.Encode(ev); err != nil {
			s.Close()
			return fmt.Errorf("write event: %w", err)
		}
		if after != nil {
			if err := after(); err != nil {
				s.Close()
				return fmt.Errorf("flush event: %w", err)
			}
		}
	}
	return nil
}
