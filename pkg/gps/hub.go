package gps

import "sync"

// hub fans values out to any number of subscribers. Each subscriber gets an
// unbounded queue so a slow reader never blocks the publisher, and values
// arrive in publish order. Closing the hub flushes queued values and then
// closes every subscriber channel.
type hub[T any] struct {
	mu     sync.Mutex
	subs   map[int]*subscriber[T]
	nextID int
	closed bool
}

type subscriber[T any] struct {
	mu      sync.Mutex
	queue   []T
	notify  chan struct{}
	out     chan T
	cancel  chan struct{}
	closing bool
}

func newHub[T any]() *hub[T] {
	return &hub[T]{subs: make(map[int]*subscriber[T])}
}

// Subscribe returns a receive channel and a func that detaches it.
// Subscribing to a closed hub yields an already-closed channel.
func (h *hub[T]) Subscribe() (<-chan T, func()) {
	s := &subscriber[T]{
		notify: make(chan struct{}, 1),
		out:    make(chan T),
		cancel: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.out)
		return s.out, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = s
	h.mu.Unlock()

	go s.pump()

	var once sync.Once
	return s.out, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(s.cancel)
		})
	}
}

// Publish queues v for every current subscriber
func (h *hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, s := range h.subs {
		s.push(v)
	}
}

// Close ends the stream for all subscribers after their queues drain
func (h *hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		s.finish()
		delete(h.subs, id)
	}
}

func (h *hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber[T]) finish() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber[T]) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return
			}
			select {
			case <-s.notify:
				continue
			case <-s.cancel:
				return
			}
		}
		v := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-s.cancel:
			return
		}
	}
}
