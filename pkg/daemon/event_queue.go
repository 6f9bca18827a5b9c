// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package daemon

import (
	"errors"
	"sync"
	"time"

	"github.com/dtn7/dtn7-scl/pkg/contacts"
)

// ErrEventTimeout is returned by PostAndWait if the Event was not handled in time.
var ErrEventTimeout = errors.New("event was not handled in time")

// ErrQueueClosed is returned by PostAndWait after the daemon was stopped.
var ErrQueueClosed = errors.New("event queue is closed")

// awaitedEvent wraps an Event posted by PostAndWait.
type awaitedEvent struct {
	contacts.Event
	done chan struct{}
}

// eventQueue is an unbounded FIFO of Events. Posting never blocks, as events
// are posted from Connections' goroutines, timers and the event loop itself.
type eventQueue struct {
	mutex  sync.Mutex
	events []contacts.Event
	closed bool

	// notify holds a token while the queue is not empty.
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) push(ev contacts.Event, head bool) bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.closed {
		return false
	}

	if head {
		q.events = append([]contacts.Event{ev}, q.events...)
	} else {
		q.events = append(q.events, ev)
	}
	q.signal()
	return true
}

// pop the next Event or return false for an empty queue.
func (q *eventQueue) pop() (contacts.Event, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if len(q.events) == 0 {
		return nil, false
	}

	ev := q.events[0]
	q.events[0] = nil
	q.events = q.events[1:]

	if len(q.events) > 0 {
		q.signal()
	}
	return ev, true
}

// close the queue and return the Events left.
func (q *eventQueue) close() []contacts.Event {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.closed = true
	left := q.events
	q.events = nil
	return left
}

func (q *eventQueue) len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return len(q.events)
}

// Post appends an Event to the daemon's queue.
func (d *Daemon) Post(ev contacts.Event) {
	if !d.events.push(ev, false) {
		d.log().WithField("event", ev).Debug("Dropping event posted after shutdown")
	}
}

// PostAtHead puts an Event in front of the daemon's queue.
func (d *Daemon) PostAtHead(ev contacts.Event) {
	if !d.events.push(ev, true) {
		d.log().WithField("event", ev).Debug("Dropping event posted after shutdown")
	}
}

// PostAndWait appends an Event and blocks until it was handled. This must not
// be called from the event loop itself.
func (d *Daemon) PostAndWait(ev contacts.Event, timeout time.Duration) error {
	awaited := awaitedEvent{Event: ev, done: make(chan struct{})}
	if !d.events.push(awaited, false) {
		return ErrQueueClosed
	}

	select {
	case <-awaited.done:
		return nil
	case <-time.After(timeout):
		return ErrEventTimeout
	}
}
