package acp

import (
	"io"
	"sync"
)

// EventStream is a pull iterator over the events of one prompt turn.
// Next blocks until an event arrives and returns io.EOF once the turn
// has fully completed. Streams are single-consumer.
type EventStream struct {
	events chan Event
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newEventStream() *EventStream {
	return &EventStream{
		events: make(chan Event, 64),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Next returns the next event in the turn, or io.EOF after the terminal
// event has been consumed.
func (s *EventStream) Next() (Event, error) {
	ev, ok := <-s.events
	if !ok {
		return nil, io.EOF
	}
	return ev, nil
}

// abort tells the producer to stop emitting. Consumed by Client.Close
// and by cancellation; safe to call more than once.
func (s *EventStream) abort() {
	s.once.Do(func() { close(s.stop) })
}

// emit hands an event to the consumer. Returns false when the stream
// has been aborted and the producer should bail out.
func (s *EventStream) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stop:
		return false
	}
}

// finish closes the stream; the producer calls it exactly once after the
// terminal event (or after a silent end-of-stream).
func (s *EventStream) finish() {
	close(s.events)
	close(s.done)
}

// finished reports whether the producer has closed the stream. Clients
// use it to refuse overlapping turns on one session.
func (s *EventStream) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
