package authstate

import (
	"context"
	"sync"

	"github.com/atinyakov/GophSession/internal/client/storage"
	"github.com/atinyakov/GophSession/internal/models"
)

// event is anything the Run loop consumes.
type event interface{ isEvent() }

type readPurpose int

const (
	readInitial readPurpose = iota + 1
	// readRedirect corroborates a sign-in callback.
	readRedirect
	// readRedirectFallback resolves a failed callback without creating an
	// anonymous identity.
	readRedirectFallback
)

// timerKind doubles as the abtime id. The acquirer sharing the clock uses
// ids 1 and 2.
type timerKind int

const (
	timerCeiling timerKind = iota + 10
	timerRedirect
	timerInitialRead
	timerAnonymousCreate
	timerRedirectResolve
)

type actionKind int

const (
	actionOAuth actionKind = iota + 1
	actionSSO
	actionSignOut
	actionRefresh
)

type (
	startEvent struct{}

	sessionReadEvent struct {
		epoch   uint64
		purpose readPurpose
		session *models.Session
		ok      bool
		err     error
	}

	anonymousEvent struct {
		epoch   uint64
		session *models.Session
		err     error
	}

	sessionChangedEvent struct {
		ev models.SessionEvent
	}

	storageEvent struct {
		change storage.Change
	}

	actionEvent struct {
		kind  actionKind
		arg   string
		ctx   context.Context
		reply chan error
	}

	actionDoneEvent struct {
		action actionEvent
		prev   State
		err    error
	}

	timeoutEvent struct {
		epoch uint64
		timer timerKind
	}

	callbackEvent struct {
		epoch   uint64
		session *models.Session
		err     error
	}

	reconcileEvent struct {
		epoch   uint64
		session *models.Session
		ok      bool
		err     error
		reply   chan error
	}
)

func (startEvent) isEvent()          {}
func (sessionReadEvent) isEvent()    {}
func (anonymousEvent) isEvent()      {}
func (sessionChangedEvent) isEvent() {}
func (storageEvent) isEvent()        {}
func (actionEvent) isEvent()         {}
func (actionDoneEvent) isEvent()     {}
func (timeoutEvent) isEvent()        {}
func (callbackEvent) isEvent()       {}
func (reconcileEvent) isEvent()      {}

// eventQueue is an unbounded FIFO. Any goroutine may enqueue; only the Run
// loop dequeues. The buffered signal channel coalesces wake-ups so the loop
// can wait on it next to ctx.Done().
type eventQueue struct {
	mu     sync.Mutex
	events []event
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]event, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// enqueue adds e to the back of the queue. It returns false once the queue
// is closed.
func (q *eventQueue) enqueue(e event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, e)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// tryDequeue pops the front event without blocking.
func (q *eventQueue) tryDequeue() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return nil, false
	}
	e := q.events[0]
	q.events[0] = nil
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// wait returns a channel that fires when events may be available.
func (q *eventQueue) wait() <-chan struct{} {
	return q.signal
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// close rejects further events and drops pending ones.
func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.events = nil
}
