package engine

import (
	"sync"

	"github.com/roach88/ledgerflow/internal/ir"
)

// EventType distinguishes between event kinds.
type EventType int

const (
	// EventTypeStart registers a new flow instance and schedules its first segment.
	EventTypeStart EventType = iota + 1
	// EventTypeDeliver offers an inbound session message to the flows.
	EventTypeDeliver
	// EventTypeSegment reports the outcome of a segment run by a worker.
	EventTypeSegment
	// EventTypeKill asks the loop to terminate a flow.
	EventTypeKill
	// EventTypeRecovered follows every delivery that recovery may have
	// offered already.
	EventTypeRecovered
)

// Event is one item of work for the Run loop.
type Event struct {
	Type     EventType
	Instance *instance
	Message  *ir.SessionMessage
	Report   *segmentReport
	Kill     *killRequest
}

// eventQueue is the unbounded FIFO between the loop and everything that
// feeds it: Deliver, StartFlow, Kill and segment workers never block on it.
// Only the loop dequeues. signal holds at most one pending wake-up and is
// closed by Close.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends e and wakes the loop. It returns false once the queue is
// closed.
func (q *eventQueue) Enqueue(e Event) bool {
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

// TryDequeue pops the oldest event without blocking.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return Event{}, false
	}
	e := q.events[0]
	// Drop the slot's pointers so delivered messages and reports can be collected.
	q.events[0] = Event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Wait fires after an Enqueue or Close. The loop drains with TryDequeue
// after each wake-up.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close rejects further events and releases the loop's Wait.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
