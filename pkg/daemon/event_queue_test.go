// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package daemon

import (
	"errors"
	"testing"
	"time"

	"github.com/dtn7/dtn7-scl/pkg/contacts"
)

type testEvent int

func (ev testEvent) String() string {
	return "TestEvent"
}

func TestEventQueueOrder(t *testing.T) {
	q := newEventQueue()

	q.push(testEvent(1), false)
	q.push(testEvent(2), false)
	q.push(testEvent(0), true)
	q.push(testEvent(3), false)

	if q.len() != 4 {
		t.Fatalf("queue has %d events", q.len())
	}

	select {
	case <-q.notify:
	default:
		t.Fatal("non-empty queue did not notify")
	}

	for i := 0; i < 4; i++ {
		ev, ok := q.pop()
		if !ok {
			t.Fatalf("queue is empty after %d events", i)
		} else if ev != testEvent(i) {
			t.Fatalf("expected event %d, got %v", i, ev)
		}
	}

	if _, ok := q.pop(); ok {
		t.Fatal("empty queue returned an event")
	}
}

func TestEventQueueClose(t *testing.T) {
	q := newEventQueue()

	q.push(testEvent(1), false)
	q.push(testEvent(2), false)

	if left := q.close(); len(left) != 2 {
		t.Fatalf("expected two events left, got %v", left)
	}

	if q.push(testEvent(3), false) {
		t.Fatal("closed queue accepted an event")
	}
	if q.len() != 0 {
		t.Fatalf("closed queue has %d events", q.len())
	}
}

func TestDaemonPostAndWait(t *testing.T) {
	d := newTestDaemon(t, "dtn://alpha/")

	if err := d.PostAndWait(pendingCheck{}, time.Second); err != nil {
		t.Fatal(err)
	}

	// Unknown events are logged and handled nevertheless.
	if err := d.PostAndWait(testEvent(23), time.Second); err != nil {
		t.Fatal(err)
	}

	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	if err := d.PostAndWait(pendingCheck{}, time.Second); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}

	// Posting after the shutdown must not block or panic.
	d.Post(contacts.BundleInjected{})
	d.PostAtHead(contacts.BundleInjected{})
}
