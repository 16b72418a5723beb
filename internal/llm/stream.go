package llm

import (
	"context"
	"io"
)

// eventStream adapts a producer goroutine to the Stream interface. The
// producer's returned error is surfaced from Recv after the channel drains;
// a nil producer error becomes io.EOF.
type eventStream struct {
	events chan Event
	errc   chan error
	cancel context.CancelFunc
	err    error
}

func newEventStream(ctx context.Context, produce func(ctx context.Context, events chan<- Event) error) *eventStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &eventStream{
		events: make(chan Event, 16),
		errc:   make(chan error, 1),
		cancel: cancel,
	}
	go func() {
		err := produce(ctx, s.events)
		close(s.events)
		s.errc <- err
	}()
	return s
}

func (s *eventStream) Recv() (Event, error) {
	if s.err != nil {
		return Event{}, s.err
	}
	ev, ok := <-s.events
	if !ok {
		s.err = <-s.errc
		if s.err == nil {
			s.err = io.EOF
		}
		return Event{}, s.err
	}
	return ev, nil
}

// Close cancels the producer and drains any buffered events so the
// producer goroutine can exit.
func (s *eventStream) Close() error {
	s.cancel()
	for {
		if _, ok := <-s.events; !ok {
			break
		}
	}
	if s.err == nil {
		s.err = io.EOF
		<-s.errc
	}
	return nil
}
