package event

import (
	"errors"
	"sync"
	"time"
)

type Stream[E any] interface {
	ID() string
	Notify(event E, timeout time.Duration) error
	Close()
}

// ChanStream buffers selected events on a channel for a single consumer.
type ChanStream[E, M any] struct {
	sync.Mutex

	id string

	closed   bool
	ch       chan M
	selector func(E) (M, bool)
}

func NewChanStream[E, M any](
	id string,
	bufferSize int,
	selector func(event E) (M, bool),
) *ChanStream[E, M] {
	return &ChanStream[E, M]{
		id:       id,
		ch:       make(chan M, bufferSize),
		selector: selector,
	}
}

// Identity selects every event unchanged.
func Identity[E any](e E) (E, bool) {
	return e, true
}

func (s *ChanStream[E, M]) ID() string {
	return s.id
}

func (s *ChanStream[E, M]) Notify(event E, timeout time.Duration) error {
	msg, ok := s.selector(event)
	if !ok {
		return nil
	}

	s.Lock()
	if s.closed {
		s.Unlock()
		return errors.New("cannot notify closed stream")
	}

	select {
	case s.ch <- msg:
	case <-time.After(timeout):
		s.Unlock()
		s.Close()
		return errors.New("timed out sending message to streamCh")
	}

	s.Unlock()
	return nil
}

func (s *ChanStream[E, M]) Channel() <-chan M {
	return s.ch
}

func (s *ChanStream[E, M]) Close() {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return
	}

	s.closed = true
	close(s.ch)
}

// StreamHandler adapts a Stream into a bus Handler. Events that cannot be
// delivered within timeout close the stream.
func StreamHandler[Key, E any](s Stream[E], timeout time.Duration) Handler[Key, E] {
	return HandlerFunc[Key, E](func(_ Key, e E) {
		_ = s.Notify(e, timeout)
	})
}
