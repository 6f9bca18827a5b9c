// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package contacts

import (
	"fmt"
	"sync"
	"time"

	"github.com/dtn7/dtn7-scl/pkg/bpv7"
)

// mockPoster records posted Events.
type mockPoster struct {
	events chan Event
}

func newMockPoster() *mockPoster {
	return &mockPoster{events: make(chan Event, 64)}
}

func (mp *mockPoster) Post(ev Event) {
	mp.events <- ev
}

func (mp *mockPoster) PostAtHead(ev Event) {
	mp.events <- ev
}

func (mp *mockPoster) PostAndWait(ev Event, _ time.Duration) error {
	mp.events <- ev
	return nil
}

// next Event or an error after the timeout.
func (mp *mockPoster) next(timeout time.Duration) (Event, error) {
	select {
	case ev := <-mp.events:
		return ev, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("no event within %v", timeout)
	}
}

// drain all currently posted Events.
func (mp *mockPoster) drain() (evs []Event) {
	for {
		select {
		case ev := <-mp.events:
			evs = append(evs, ev)
		default:
			return
		}
	}
}

// mockCL counts its calls.
type mockCL struct {
	sync.Mutex
	opened, closed int
	openErr        error
}

func (cl *mockCL) Name() string { return "mock" }

func (cl *mockCL) OpenContact(*Contact) error {
	cl.Lock()
	defer cl.Unlock()

	cl.opened++
	return cl.openErr
}

func (cl *mockCL) CloseContact(*Contact) error {
	cl.Lock()
	defer cl.Unlock()

	cl.closed++
	return nil
}

func (cl *mockCL) BundleQueued(*Link) {}

func (cl *mockCL) CancelBundle(l *Link, b *bpv7.Bundle) bool {
	return l.DelFromQueue(b)
}
