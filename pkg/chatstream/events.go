package chatstream

import (
	"sync"
)

// EventKind enumerates the lifecycle notifications of a ChatService
type EventKind int

const (
	EventBeforeSend EventKind = iota + 1
	EventSendOpen
	EventData
	EventSendDone
	EventClose
	EventError
	EventAbort
	EventDone
)

var eventNames = map[EventKind]string{
	EventBeforeSend: "before-send",
	EventSendOpen:   "send-open",
	EventData:       "data",
	EventSendDone:   "send-done",
	EventClose:      "close",
	EventError:      "error",
	EventAbort:      "abort",
	EventDone:       "done",
}

// String returns the wire name, e.g. "before-send"
func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseEventKind maps a wire name back to its kind
func ParseEventKind(name string) (EventKind, bool) {
	for k, n := range eventNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// Event is implemented by the payload types below
type Event interface {
	Kind() EventKind
}

// BeforeSend fires once the user message (or the retry removal) is committed.
// MessageID is the new user message on send and the removed message on retry.
type BeforeSend struct {
	ConversationID string
	MessageID      MessageID
}

// SendOpen fires when the response headers announce a usable stream
type SendOpen struct {
	MessageID MessageID
}

// Data fires after a frame appended content and/or reasoning content
type Data struct {
	MessageID      MessageID
	ContentDelta   string
	ReasoningDelta string
}

// SendDone fires on the [DONE] sentinel
type SendDone struct {
	MessageID MessageID
}

// Close fires when the transport ends without a [DONE] sentinel
type Close struct {
	MessageID MessageID
}

// Error carries a FatalError, RetriableError or TransportError
type Error struct {
	MessageID MessageID
	Err       error
}

// Abort fires when the stream was stopped on purpose
type Abort struct {
	MessageID MessageID
}

// Done always fires last, whatever the outcome
type Done struct {
	ConversationID string
}

func (BeforeSend) Kind() EventKind { return EventBeforeSend }
func (SendOpen) Kind() EventKind   { return EventSendOpen }
func (Data) Kind() EventKind       { return EventData }
func (SendDone) Kind() EventKind   { return EventSendDone }
func (Close) Kind() EventKind      { return EventClose }
func (Error) Kind() EventKind      { return EventError }
func (Abort) Kind() EventKind      { return EventAbort }
func (Done) Kind() EventKind       { return EventDone }

// Handler receives events on the subscriber's own goroutine
type Handler func(ev Event)

// Emitter is an asynchronous publish/subscribe bus. Each subscriber has its own
// FIFO mailbox drained by a dedicated goroutine, so Emit never waits on handlers
// and one slow subscriber does not delay the others.
type Emitter struct {
	logger Logger
	mu     sync.Mutex
	subs   []*subscriber
}

// NewEmitter creates an emitter; a nil logger falls back to error-level logging
func NewEmitter(logger Logger) *Emitter {
	if logger == nil {
		logger = NewLogger(LogLevelError)
	}
	return &Emitter{logger: logger}
}

// On subscribes handler to one kind of event. The returned function
// unsubscribes and returns once the events already queued for handler have
// been delivered, so it must not be called from inside handler. Calling it
// after ClearListeners is harmless.
func (e *Emitter) On(kind EventKind, handler Handler) func() {
	return e.subscribe(kind, handler)
}

// OnAny subscribes handler to every event
func (e *Emitter) OnAny(handler Handler) func() {
	return e.subscribe(0, handler)
}

func (e *Emitter) subscribe(kind EventKind, handler Handler) func() {
	s := &subscriber{
		kind:    kind,
		handler: handler,
		logger:  e.logger,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.loop()

	e.mu.Lock()
	e.subs = append(e.subs, s)
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		for i, cur := range e.subs {
			if cur == s {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				break
			}
		}
		e.mu.Unlock()
		s.close()
		<-s.done
	}
}

// Emit queues ev for every matching subscriber and returns immediately
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	subs := append([]*subscriber(nil), e.subs...)
	e.mu.Unlock()

	e.logger.Trace("Emitting %s to %d subscribers", ev.Kind(), len(subs))
	for _, s := range subs {
		if s.kind == 0 || s.kind == ev.Kind() {
			s.push(ev)
		}
	}
}

// ClearListeners removes every subscriber. Events already queued are still delivered.
func (e *Emitter) ClearListeners() {
	e.mu.Lock()
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

// ListenerCount returns the number of active subscribers
func (e *Emitter) ListenerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

type subscriber struct {
	kind    EventKind
	handler Handler
	logger  Logger

	mu     sync.Mutex
	queue  []Event
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			<-s.wake
			continue
		}
		ev := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(ev)
	}
}

func (s *subscriber) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Event handler for %s panicked: %v", ev.Kind(), r)
		}
	}()
	s.handler(ev)
}
