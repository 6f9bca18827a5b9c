// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package contacts

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dtn7/dtn7-scl/pkg/bpv7"
)

// ConvergenceLayer transfers Bundles over a Link's Contacts.
type ConvergenceLayer interface {
	// Name of this convergence layer, e.g., "stream".
	Name() string

	// OpenContact starts a new session for the Contact. Establishing the
	// session happens asynchronously and is reported by a ContactUp Event.
	OpenContact(c *Contact) error

	// CloseContact tears down the Contact's session and blocks until it ended.
	// Bundles which were not transmitted are moved back to the Link's queue.
	CloseContact(c *Contact) error

	// BundleQueued notifies about new Bundles in the Link's queue.
	BundleQueued(l *Link)

	// CancelBundle tries to remove a not yet transmitted Bundle from the Link's
	// queue. A BundleSendCancelled Event is posted on success.
	CancelBundle(l *Link, b *bpv7.Bundle) bool
}

// Contact is one session of a Link.
type Contact struct {
	ID   uuid.UUID
	link *Link

	StartTime time.Time

	mutex     sync.Mutex
	bandwidth uint64
	latency   time.Duration
	duration  time.Duration
	clInfo    interface{}
}

func newContact(l *Link) *Contact {
	return &Contact{
		ID:        uuid.New(),
		link:      l,
		StartTime: time.Now(),
	}
}

func (c *Contact) String() string {
	return fmt.Sprintf("contact %s on %v", c.ID, c.link)
}

// Link of this Contact.
func (c *Contact) Link() *Link {
	return c.link
}

// CLInfo returns the convergence layer's state for this Contact.
func (c *Contact) CLInfo() interface{} {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.clInfo
}

// SetCLInfo sets the convergence layer's state for this Contact.
func (c *Contact) SetCLInfo(info interface{}) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.clInfo = info
}

// SetMeasurements updates the measured bandwidth in bytes per second and latency.
func (c *Contact) SetMeasurements(bandwidth uint64, latency time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.bandwidth = bandwidth
	c.latency = latency
}

// Measurements returns bandwidth, latency and duration, which is zero while the
// Contact is still active.
func (c *Contact) Measurements() (bandwidth uint64, latency, duration time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.bandwidth, c.latency, c.duration
}

// finish records the Contact's duration.
func (c *Contact) finish() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.duration = time.Since(c.StartTime)
}
