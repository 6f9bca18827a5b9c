// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-scl/pkg/bpv7"
	"github.com/dtn7/dtn7-scl/pkg/cla"
	"github.com/dtn7/dtn7-scl/pkg/contacts"
)

const (
	// writeSlice bounds a single blocking write to the transport.
	writeSlice = 50 * time.Millisecond

	// busyPoll is the poll interval while there is data to be sent.
	busyPoll = 10 * time.Millisecond

	// keepaliveSlack is subtracted from the keepalive interval.
	keepaliveSlack = 500 * time.Millisecond

	// shutdownFlushTimeout bounds the final write of a SHUTDOWN message.
	shutdownFlushTimeout = time.Second
)

type commandType int

const (
	cmdBundlesQueued commandType = iota
	cmdCancelBundle
	cmdBreakContact
)

// command from another goroutine to a Connection.
type command struct {
	typ    commandType
	bundle *bpv7.Bundle
	reason contacts.Reason
	result chan bool
}

// Connection is one session of the stream convergence layer, driven by its own
// goroutine. All of its state except the channels belongs to this goroutine.
// After the goroutine stopped, CloseContact may inspect the remaining state.
type Connection struct {
	cl *ConvergenceLayer

	active  bool
	nexthop string
	params  LinkParams

	contact   *contacts.Contact
	remoteEid bpv7.EndpointID

	transportMutex sync.Mutex
	transport      cla.Transport

	sendbuf *streamBuffer
	recvbuf *streamBuffer

	// inflight holds the outgoing bundles in transmission order. current is
	// the one whose data is not yet completely in the send buffer.
	inflight         []*InFlightBundle
	current          *InFlightBundle
	sendSegmentTodo  uint64
	incoming         []*IncomingBundle
	recvSegmentTodo  uint64
	contactInitiated bool
	contactUp        bool
	contactBroken    bool
	breakReason      contacts.Reason

	startTime    time.Time
	lastSent     time.Time
	lastRecv     time.Time
	writeStalled time.Time

	// bytesQueued were placed into the send buffer, bytesWritten were written
	// to the transport.
	bytesQueued  uint64
	bytesWritten uint64

	cmds    chan command
	chunks  chan []byte
	readErr chan error
	stopped chan struct{}
}

// newConnection for an outgoing contact, if transport is nil, or for an
// accepted transport.
func newConnection(cl *ConvergenceLayer, params LinkParams, c *contacts.Contact, nexthop string, transport cla.Transport) (*Connection, error) {
	if err := params.CheckValid(); err != nil {
		return nil, err
	}

	now := time.Now()
	conn := &Connection{
		cl: cl,

		active:  transport == nil,
		nexthop: nexthop,
		params:  params,

		contact:   c,
		transport: transport,

		sendbuf: newStreamBuffer(params.SendBufferSize),
		recvbuf: newStreamBuffer(params.RecvBufferSize),

		startTime: now,
		lastSent:  now,
		lastRecv:  now,

		cmds:    make(chan command, 64),
		chunks:  make(chan []byte, 16),
		readErr: make(chan error, 1),
		stopped: make(chan struct{}),
	}

	if c != nil {
		conn.remoteEid = c.Link().RemoteEid()
	}

	return conn, nil
}

func (conn *Connection) String() string {
	if conn.active {
		return fmt.Sprintf("stream(-> %s)", conn.nexthop)
	}
	return fmt.Sprintf("stream(<- %s)", conn.nexthop)
}

func (conn *Connection) log() *log.Entry {
	fields := log.Fields{"connection": conn.String()}
	if conn.contact != nil {
		fields["link"] = conn.contact.Link().Name()
	}
	return log.WithFields(fields)
}

// link of the Connection's Contact or nil for an unbound passive Connection.
func (conn *Connection) link() *contacts.Link {
	if conn.contact == nil {
		return nil
	}
	return conn.contact.Link()
}

// Stopped is closed after the Connection's goroutine has finished.
func (conn *Connection) Stopped() <-chan struct{} {
	return conn.stopped
}

// sendCommand to the Connection's goroutine without blocking. False is
// returned if the Connection has already stopped or is congested.
func (conn *Connection) sendCommand(cmd command) bool {
	select {
	case <-conn.stopped:
		return false
	default:
	}

	select {
	case conn.cmds <- cmd:
		return true
	case <-conn.stopped:
		return false
	default:
		return false
	}
}

// run is the Connection's goroutine.
func (conn *Connection) run() {
	defer close(conn.stopped)
	defer func() {
		if conn.contact == nil {
			conn.cl.unregister(conn)
		}
	}()

	if conn.active {
		if err := conn.connect(); err != nil {
			conn.log().WithError(err).Info("Failed to connect")
			conn.breakContact(contacts.ReasonBroken)
			return
		}
	}

	go conn.readLoop()

	conn.initiateContact()

	timer := time.NewTimer(busyPoll)
	defer timer.Stop()

	for !conn.contactBroken {
		conn.sendPendingData()
		conn.flush()
		conn.deliverReceived()

		if conn.contactBroken {
			break
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(conn.pollTimeout())

		select {
		case cmd := <-conn.cmds:
			conn.handleCommand(cmd)

		case chunk := <-conn.chunks:
			conn.lastRecv = time.Now()
			conn.recvbuf.Append(chunk)
			conn.processData()

		case err := <-conn.readErr:
			// Data read before the error, e.g., a SHUTDOWN, goes first.
			conn.drainChunks()
			if !conn.contactBroken {
				conn.log().WithError(err).Info("Transport failed on read")
				conn.breakContact(contacts.ReasonBroken)
			}

		case <-timer.C:
		}

		if !conn.contactBroken {
			conn.checkTimeout()
		}
		if !conn.contactBroken {
			conn.checkKeepalive()
		}
	}

	if err := conn.transport.Close(); err != nil {
		conn.log().WithError(err).Debug("Closing transport errored")
	}

	conn.deliverReceived()
	conn.dropUnacknowledged()
}

// connect dials the nexthop for an outgoing contact.
func (conn *Connection) connect() error {
	ctx, cancel := context.WithTimeout(context.Background(), conn.params.DataTimeout)
	defer cancel()

	transport, err := conn.cl.dial(ctx, conn.params.CLAType, conn.nexthop)
	if err != nil {
		return err
	}

	conn.transportMutex.Lock()
	conn.transport = transport
	conn.transportMutex.Unlock()

	conn.log().Debug("Connected to peer")
	return nil
}

// forceClose closes the transport from another goroutine to unblock the
// Connection's goroutine.
func (conn *Connection) forceClose() {
	conn.transportMutex.Lock()
	defer conn.transportMutex.Unlock()

	if conn.transport != nil {
		_ = conn.transport.Close()
	}
}

// readLoop forwards chunks read from the transport to the Connection's
// goroutine until the transport fails or is closed.
func (conn *Connection) readLoop() {
	for {
		buf := make([]byte, conn.params.RecvBufferSize)
		n, err := conn.transport.Read(buf)

		if n > 0 {
			select {
			case conn.chunks <- buf[:n]:
			case <-conn.stopped:
				return
			}
		}

		if err != nil {
			select {
			case conn.readErr <- err:
			case <-conn.stopped:
			}
			return
		}
	}
}

// drainChunks processes every chunk already read.
func (conn *Connection) drainChunks() {
	for !conn.contactBroken {
		select {
		case chunk := <-conn.chunks:
			conn.recvbuf.Append(chunk)
			conn.processData()
		default:
			return
		}
	}
}

// pollTimeout until the next check if nothing else happens.
func (conn *Connection) pollTimeout() time.Duration {
	if conn.sendbuf.Fullbytes() > 0 || conn.sendSegmentTodo > 0 {
		return busyPoll
	}
	if l := conn.link(); conn.contactUp && l != nil && l.BundlesQueued() > 0 {
		return busyPoll
	}

	if conn.params.KeepaliveInterval > 0 {
		return conn.params.KeepaliveInterval / 2
	}
	return conn.params.DataTimeout / 2
}

func (conn *Connection) handleCommand(cmd command) {
	switch cmd.typ {
	case cmdBundlesQueued:
		conn.log().Debug("Bundles were queued")

	case cmdCancelBundle:
		cmd.result <- conn.cancelBundle(cmd.bundle)

	case cmdBreakContact:
		conn.breakContact(cmd.reason)

	default:
		conn.log().WithField("command", cmd.typ).Warn("Unknown command")
	}
}

// cancelBundle removes a Bundle from the Link's queue if none of its bytes was
// placed on the wire.
func (conn *Connection) cancelBundle(b *bpv7.Bundle) bool {
	l := conn.link()
	if l == nil {
		return false
	}

	if l.DelFromQueue(b) {
		conn.cl.poster.Post(contacts.BundleSendCancelled{Bundle: b, Link: l})
		return true
	}

	if l.IsInflight(b) {
		conn.log().WithField("bundle", b.ID()).Info("Cannot cancel bundle which is already in flight")
	}
	return false
}

// checkTimeout breaks the contact if the contact header did not arrive within
// the data timeout or if nothing was received within twice the keepalive.
func (conn *Connection) checkTimeout() {
	now := time.Now()

	if !conn.contactUp {
		if now.Sub(conn.startTime) > conn.params.DataTimeout {
			conn.log().Info("Contact initiation timed out")
			conn.breakContact(contacts.ReasonTimeout)
		}
		return
	}

	// An outgoing segment must be finished first.
	if conn.sendSegmentTodo != 0 {
		return
	}

	idle := 2 * conn.params.KeepaliveInterval
	if idle == 0 {
		idle = conn.params.DataTimeout
	}

	if now.Sub(conn.lastRecv) > idle {
		conn.log().WithField("idle", now.Sub(conn.lastRecv)).Info("Contact is idle")
		conn.breakContact(contacts.ReasonIdle)
	}
}

// checkKeepalive sends a KEEPALIVE if nothing was sent for a while.
func (conn *Connection) checkKeepalive() {
	if !conn.contactUp || conn.params.KeepaliveInterval == 0 {
		return
	}
	if conn.sendSegmentTodo != 0 || conn.sendbuf.Fullbytes() != 0 {
		return
	}

	if time.Since(conn.lastSent) < conn.params.KeepaliveInterval-keepaliveSlack {
		return
	}

	if conn.queueMessage(keepaliveMsg()) {
		conn.log().Debug("Sending keepalive")
		conn.flush()
	}
}

// queueMessage places a message into the send buffer.
func (conn *Connection) queueMessage(msg []byte) bool {
	if !conn.sendbuf.TryAppend(msg) {
		return false
	}

	conn.bytesQueued += uint64(len(msg))
	conn.lastSent = time.Now()
	return true
}

// flush writes the send buffer to the transport. A blocked transport is
// retried in the next iteration; if it did not accept a single byte within the
// data timeout, the contact breaks.
func (conn *Connection) flush() {
	conn.flushWithin(writeSlice)
}

func (conn *Connection) flushWithin(slice time.Duration) {
	for conn.sendbuf.Fullbytes() > 0 {
		if err := conn.transport.SetWriteDeadline(time.Now().Add(slice)); err != nil {
			conn.log().WithError(err).Debug("Setting write deadline errored")
		}

		n, err := conn.transport.Write(conn.sendbuf.Start())
		if n > 0 {
			conn.sendbuf.Consume(n)
			conn.bytesWritten += uint64(n)
			conn.writeStalled = time.Time{}
		}

		if err != nil {
			if cla.IsTimeout(err) {
				break
			}

			conn.log().WithError(err).Info("Transport failed on write")
			conn.breakContact(contacts.ReasonBroken)
			return
		}
	}

	if conn.sendbuf.Fullbytes() == 0 {
		conn.writeStalled = time.Time{}
		return
	}

	if conn.writeStalled.IsZero() {
		conn.writeStalled = time.Now()
	} else if time.Since(conn.writeStalled) > conn.params.DataTimeout {
		conn.log().Info("Transport did not accept any data within the data timeout")
		conn.breakContact(contacts.ReasonTimeout)
	}
}

// breakContact tears down the session. It is idempotent and only run by the
// Connection's goroutine. Unless the daemon itself requested the teardown, it
// is asked to close the Link.
func (conn *Connection) breakContact(reason contacts.Reason) {
	if conn.contactBroken {
		return
	}
	conn.contactBroken = true
	conn.breakReason = reason

	conn.log().WithField("reason", reason).Info("Breaking contact")

	if conn.transport != nil && conn.contactInitiated && conn.sendSegmentTodo == 0 && conn.sendbuf.Fullbytes() == 0 {
		if msg := shutdownFor(reason); msg != nil && conn.queueMessage(msg) {
			conn.flushFinal()
		}
	}

	// The current upload either goes back to the queue or, for reactive
	// fragmentation, is reconciled by CloseContact.
	conn.sendSegmentTodo = 0
	if ifb := conn.current; ifb != nil {
		conn.current = nil
		if l := conn.link(); l != nil && conn.shouldRequeue(ifb) {
			conn.requeue(ifb)
		}
	}

	// An unfinished download is only kept for reactive fragmentation.
	conn.recvSegmentTodo = 0
	if n := len(conn.incoming); n > 0 && !conn.incoming[n-1].complete() && !conn.params.ReactiveFrag {
		conn.incoming[n-1].discard()
		conn.incoming = conn.incoming[:n-1]
	}

	if l := conn.link(); l != nil && reason != contacts.ReasonUser {
		conn.cl.poster.Post(contacts.LinkStateChangeRequest{
			Link:    l,
			State:   contacts.StateClosed,
			Reason:  reason,
			Contact: conn.contact,
		})
	}
}

// shutdownFor is the SHUTDOWN message sent when breaking the contact for a
// reason, or nil if nothing is sent. Only the peer's own SHUTDOWN is echoed
// without a reason.
func shutdownFor(reason contacts.Reason) []byte {
	switch reason {
	case contacts.ReasonShutdown:
		return shutdownMessage(false, 0)
	case contacts.ReasonIdle:
		return shutdownMessage(true, shutdownIdleTimeout)
	case contacts.ReasonCLVersion:
		return shutdownMessage(true, shutdownVersionMismatch)
	case contacts.ReasonUser, contacts.ReasonNoInfo, contacts.ReasonReconnect, contacts.ReasonSchedule:
		return shutdownMessage(true, shutdownBusy)
	default:
		// BROKEN, TIMEOUT, CL_ERROR and MAGIC_NUMBER leave an unusable channel
		// or a peer not speaking this protocol.
		return nil
	}
}

// flushFinal makes a bounded attempt to write the remaining send buffer.
func (conn *Connection) flushFinal() {
	deadline := time.Now().Add(shutdownFlushTimeout)
	for conn.sendbuf.Fullbytes() > 0 && time.Now().Before(deadline) {
		if err := conn.transport.SetWriteDeadline(deadline); err != nil {
			return
		}

		n, err := conn.transport.Write(conn.sendbuf.Start())
		if n > 0 {
			conn.sendbuf.Consume(n)
			conn.bytesWritten += uint64(n)
		}
		if err != nil {
			return
		}
	}
}
