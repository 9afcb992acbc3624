package sessionrun

import "sync"

// EventKind classifies subscription events.
type EventKind string

const (
	// EventMessage is delivered for every normalized message.
	EventMessage EventKind = "message"

	// EventText is delivered for streaming text deltas, in addition
	// to the EventMessage delivery of the same message.
	EventText EventKind = "text"

	// EventError is delivered once when a session fails.
	EventError EventKind = "error"

	// EventComplete is delivered once when a session ends, carrying
	// the final message list.
	EventComplete EventKind = "complete"
)

// Event is one entry in a subscriber's ordered queue.
type Event struct {
	Kind EventKind

	// Message is set for EventMessage and EventText.
	Message Message

	// Messages is the final message log, set for EventComplete.
	Messages []Message

	// Err is the fatal session error, set for EventError.
	Err error
}

// emitter fans events out to any number of independent subscribers.
// Each subscriber owns an ordered, unbounded queue drained by its own
// goroutine, so a slow subscriber never blocks stream consumption.
type emitter struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func newEmitter() *emitter {
	return &emitter{subs: make(map[*Subscription]struct{})}
}

func (e *emitter) subscribe() *Subscription {
	s := &Subscription{
		events: make(chan Event),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		drop:   func(sub *Subscription) { e.unsubscribe(sub) },
	}
	e.mu.Lock()
	e.subs[s] = struct{}{}
	e.mu.Unlock()
	go s.pump()
	return s
}

func (e *emitter) unsubscribe(s *Subscription) {
	e.mu.Lock()
	delete(e.subs, s)
	e.mu.Unlock()
}

// publish appends ev to every live subscriber's queue. Never blocks.
func (e *emitter) publish(ev Event) {
	e.mu.Lock()
	for s := range e.subs {
		s.push(ev)
	}
	e.mu.Unlock()
}

// Subscription is one subscriber's view of the event stream. Events are
// delivered on Events() in publish order. Callers must either drain the
// channel or call Close to release the pump goroutine.
type Subscription struct {
	events chan Event
	wake   chan struct{}
	quit   chan struct{}
	drop   func(*Subscription)

	mu     sync.Mutex
	queue  []Event
	closed bool

	closeOnce sync.Once
}

// Events returns the ordered delivery channel. It is closed after Close.
func (s *Subscription) Events() <-chan Event { return s.events }

// Close detaches the subscription and releases its pump goroutine.
// Safe to call multiple times.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.drop(s)
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.quit)
	})
}

// push enqueues ev without blocking the publisher.
func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves queued events to the delivery channel in order.
func (s *Subscription) pump() {
	defer close(s.events)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.quit:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.events <- ev:
		case <-s.quit:
			return
		}
	}
}
