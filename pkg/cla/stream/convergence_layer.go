// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package stream implements a stream convergence layer with segmented bundle
// transfers, cumulative acknowledgements and keepalives on top of TCP,
// WebSocket or QUIC transports.
//
// Each Connection is driven by its own goroutine, which serializes every
// change of its transfer state. Other goroutines interact with a Connection
// only by commands, e.g., from the daemon's OpenContact or CloseContact calls.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-scl/pkg/bpv7"
	"github.com/dtn7/dtn7-scl/pkg/cla"
	"github.com/dtn7/dtn7-scl/pkg/contacts"
)

const (
	// closeTimeout bounds CloseContact's wait for a Connection's goroutine.
	closeTimeout = 10 * time.Second

	// closePoll is CloseContact's poll interval.
	closePoll = 100 * time.Millisecond

	// cancelTimeout bounds CancelBundle's wait for a Connection's answer.
	cancelTimeout = time.Second
)

// ConvergenceLayer is the stream convergence layer. It implements the
// contacts.ConvergenceLayer interface.
type ConvergenceLayer struct {
	nodeId   bpv7.EndpointID
	poster   contacts.EventPoster
	manager  *contacts.Manager
	defaults LinkParams

	dial func(ctx context.Context, claType cla.CLAType, address string) (cla.Transport, error)

	mutex       sync.Mutex
	interfaces  []*Interface
	connections map[*Connection]struct{}
}

// NewConvergenceLayer for this node. Incoming contacts are bound to the
// Manager's Links and negotiated from the default LinkParams.
func NewConvergenceLayer(nodeId bpv7.EndpointID, poster contacts.EventPoster, manager *contacts.Manager, defaults LinkParams) *ConvergenceLayer {
	return &ConvergenceLayer{
		nodeId:   nodeId,
		poster:   poster,
		manager:  manager,
		defaults: defaults,

		dial: cla.Dial,

		connections: make(map[*Connection]struct{}),
	}
}

// Name of this convergence layer.
func (cl *ConvergenceLayer) Name() string {
	return "stream"
}

func (cl *ConvergenceLayer) String() string {
	return fmt.Sprintf("stream(%v)", cl.nodeId)
}

// DefaultParams are used for incoming contacts and Links without LinkParams.
func (cl *ConvergenceLayer) DefaultParams() LinkParams {
	return cl.defaults
}

// passiveParams are the LinkParams of incoming contacts on a transport.
func (cl *ConvergenceLayer) passiveParams(claType cla.CLAType) LinkParams {
	params := cl.defaults
	params.CLAType = claType
	return params
}

// linkParams of a Link, falling back to the defaults.
func (cl *ConvergenceLayer) linkParams(l *contacts.Link) LinkParams {
	switch params := l.CLParams().(type) {
	case LinkParams:
		return params
	case *LinkParams:
		if params != nil {
			return *params
		}
	}
	return cl.defaults
}

func (cl *ConvergenceLayer) register(conn *Connection) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	cl.connections[conn] = struct{}{}
}

func (cl *ConvergenceLayer) unregister(conn *Connection) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	delete(cl.connections, conn)
}

// connectionOf a Contact.
func connectionOf(c *contacts.Contact) (*Connection, bool) {
	if c == nil {
		return nil, false
	}
	conn, ok := c.CLInfo().(*Connection)
	return conn, ok
}

// OpenContact starts an outgoing Connection for the Contact. Connecting and
// the handshake happen within the Connection's goroutine.
func (cl *ConvergenceLayer) OpenContact(c *contacts.Contact) error {
	l := c.Link()

	conn, err := newConnection(cl, cl.linkParams(l), c, l.Nexthop(), nil)
	if err != nil {
		log.WithFields(log.Fields{
			"cla":  cl,
			"link": l.Name(),
		}).WithError(err).Warn("Failed to create connection")
		return err
	}

	c.SetCLInfo(conn)
	cl.register(conn)

	go conn.run()
	return nil
}

// CloseContact breaks the Contact's Connection and blocks until its goroutine
// stopped. Afterwards, the in-flight bundles are reconciled and a partially
// received bundle might be delivered as a fragment.
func (cl *ConvergenceLayer) CloseContact(c *contacts.Contact) error {
	conn, ok := connectionOf(c)
	if !ok {
		return fmt.Errorf("contact %v has no stream connection", c)
	}

	conn.sendCommand(command{typ: cmdBreakContact, reason: contacts.ReasonUser})

	if !waitStopped(conn, closeTimeout) {
		conn.log().Warn("Connection did not stop in time, forcing its transport closed")

		conn.forceClose()
		if !waitStopped(conn, closeTimeout) {
			return fmt.Errorf("connection %v did not stop", conn)
		}
	}

	conn.reconcileInflight()

	if frag, received, ok := conn.partialIncoming(); ok {
		conn.log().WithField("bundle", frag.ID()).Info("Delivering fragment of interrupted download")

		cl.poster.Post(contacts.BundleReceived{
			Bundle:        frag,
			BytesReceived: received,
			Link:          c.Link(),
			Partial:       true,
		})
	}
	conn.incoming = nil

	if duration := time.Since(c.StartTime); duration > 0 {
		c.SetMeasurements(uint64(float64(conn.bytesWritten)/duration.Seconds()), 0)
	}

	cl.unregister(conn)
	return nil
}

// waitStopped polls for a Connection's goroutine to stop.
func waitStopped(conn *Connection, timeout time.Duration) bool {
	ticker := time.NewTicker(closePoll)
	defer ticker.Stop()

	deadline := time.Now().Add(timeout)
	for {
		select {
		case <-conn.stopped:
			return true
		case <-ticker.C:
			if time.Now().After(deadline) {
				return false
			}
		}
	}
}

// BundleQueued wakes up the Link's Connection.
func (cl *ConvergenceLayer) BundleQueued(l *contacts.Link) {
	if conn, ok := connectionOf(l.Contact()); ok {
		conn.sendCommand(command{typ: cmdBundlesQueued})
	}
}

// CancelBundle removes a queued Bundle from the Link. A Bundle with bytes on
// the wire cannot be cancelled.
func (cl *ConvergenceLayer) CancelBundle(l *contacts.Link, b *bpv7.Bundle) bool {
	if conn, ok := connectionOf(l.Contact()); ok {
		result := make(chan bool, 1)
		if conn.sendCommand(command{typ: cmdCancelBundle, bundle: b, result: result}) {
			select {
			case ok := <-result:
				return ok
			case <-conn.stopped:
			case <-time.After(cancelTimeout):
				conn.log().WithField("bundle", b.ID()).Warn("Connection did not answer cancel request")
				return false
			}
		}

		// The stopped Connection does not take bundles from the queue anymore.
		select {
		case <-conn.stopped:
		default:
			return false
		}
	}

	if l.DelFromQueue(b) {
		cl.poster.Post(contacts.BundleSendCancelled{Bundle: b, Link: l})
		return true
	}
	return false
}

// Close all Interfaces and break the Connections without a Contact. The
// daemon closes every Link's Contact before.
func (cl *ConvergenceLayer) Close() error {
	cl.mutex.Lock()
	interfaces := cl.interfaces
	cl.interfaces = nil

	var conns []*Connection
	for conn := range cl.connections {
		conns = append(conns, conn)
	}
	cl.mutex.Unlock()

	var errs error
	for _, iface := range interfaces {
		if err := iface.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	for _, conn := range conns {
		conn.sendCommand(command{typ: cmdBreakContact, reason: contacts.ReasonShutdown})
	}
	for _, conn := range conns {
		if !waitStopped(conn, closeTimeout) {
			errs = multierror.Append(errs, fmt.Errorf("connection %v did not stop", conn))
		}
	}

	return errs
}
