// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stream

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/dtn7/dtn7-scl/pkg/bpv7"
	"github.com/dtn7/dtn7-scl/pkg/cla"
	"github.com/dtn7/dtn7-scl/pkg/contacts"
	"github.com/dtn7/dtn7-scl/pkg/sdnv"
)

// eventRecorder is a contacts.EventPoster collecting every Event.
type eventRecorder struct {
	events chan contacts.Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{events: make(chan contacts.Event, 256)}
}

func (rec *eventRecorder) Post(ev contacts.Event) {
	rec.events <- ev
}

func (rec *eventRecorder) PostAtHead(ev contacts.Event) {
	rec.events <- ev
}

func (rec *eventRecorder) PostAndWait(ev contacts.Event, _ time.Duration) error {
	rec.events <- ev
	return nil
}

// waitFor the first Event matching, skipping all others.
func (rec *eventRecorder) waitFor(t *testing.T, timeout time.Duration, match func(contacts.Event) bool) contacts.Event {
	t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case ev := <-rec.events:
			if match(ev) {
				return ev
			}
			t.Logf("skipping event %v", ev)

		case <-deadline:
			t.Fatal("timed out waiting for event")
			return nil
		}
	}
}

// none asserts that no matching Event arrives within the timeout.
func (rec *eventRecorder) none(t *testing.T, timeout time.Duration, match func(contacts.Event) bool) {
	t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case ev := <-rec.events:
			if match(ev) {
				t.Fatalf("unexpected event %v", ev)
			}

		case <-deadline:
			return
		}
	}
}

func isContactUp(ev contacts.Event) bool {
	_, ok := ev.(contacts.ContactUp)
	return ok
}

func isTransmitted(ev contacts.Event) bool {
	_, ok := ev.(contacts.BundleTransmitted)
	return ok
}

func isReceived(ev contacts.Event) bool {
	_, ok := ev.(contacts.BundleReceived)
	return ok
}

func isCloseRequest(ev contacts.Event) bool {
	req, ok := ev.(contacts.LinkStateChangeRequest)
	return ok && req.State == contacts.StateClosed
}

func testBundle(t *testing.T, payloadLen int) bpv7.Bundle {
	t.Helper()

	payload := make([]byte, payloadLen)
	for i := range payload {
		payload[i] = byte(i)
	}

	b := bpv7.NewBundle(
		bpv7.MustNewEndpointID("dtn://beta/"),
		bpv7.MustNewEndpointID("dtn://alpha/sink"),
		time.Hour, 23, payload)
	b.CreationTime = 1000
	return b
}

// pipeTest is a ConvergenceLayer whose single outgoing Connection is dialed
// to a net.Pipe. The test plays the peer.
type pipeTest struct {
	cl   *ConvergenceLayer
	rec  *eventRecorder
	link *contacts.Link
	peer net.Conn
}

func newPipeTest(t *testing.T, params LinkParams, opts ...contacts.LinkOption) *pipeTest {
	t.Helper()

	rec := newEventRecorder()
	nodeId := bpv7.MustNewEndpointID("dtn://alpha/")
	manager := contacts.NewManager(nodeId, rec)
	cl := NewConvergenceLayer(nodeId, rec, manager, params)

	local, peer := net.Pipe()
	cl.dial = func(context.Context, cla.CLAType, string) (cla.Transport, error) {
		return local, nil
	}

	opts = append(opts, contacts.WithCLParams(params))
	l := contacts.NewLink("beta", contacts.LinkOnDemand, "pipe", cl, opts...)
	if err := l.SetState(contacts.StateAvailable); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		_ = peer.Close()
		_ = local.Close()
	})

	return &pipeTest{cl: cl, rec: rec, link: l, peer: peer}
}

// open the Link and exchange contact headers.
func (pt *pipeTest) open(t *testing.T, flags uint8, keepalive uint16) *contacts.Contact {
	t.Helper()

	if err := pt.link.Open(); err != nil {
		t.Fatal(err)
	}

	ch := pt.readContactHeader(t)
	if ch.Eid != "dtn://alpha/" {
		t.Fatalf("peer announced %q", ch.Eid)
	}

	pt.write(t, contactHeader{
		Version:   protocolVersion,
		Flags:     flags,
		Keepalive: keepalive,
		Eid:       "dtn://beta/",
	}.Marshal())

	ev := pt.rec.waitFor(t, 5*time.Second, isContactUp).(contacts.ContactUp)
	if ev.Contact != pt.link.Contact() {
		t.Fatalf("ContactUp for %v, expected %v", ev.Contact, pt.link.Contact())
	}
	return ev.Contact
}

func (pt *pipeTest) deadline(t *testing.T) {
	t.Helper()

	if err := pt.peer.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}
}

func (pt *pipeTest) write(t *testing.T, data []byte) {
	t.Helper()
	pt.deadline(t)

	if _, err := pt.peer.Write(data); err != nil {
		t.Fatal(err)
	}
}

func (pt *pipeTest) readFull(t *testing.T, n int) []byte {
	t.Helper()
	pt.deadline(t)

	buf := make([]byte, n)
	if _, err := io.ReadFull(pt.peer, buf); err != nil {
		t.Fatal(err)
	}
	return buf
}

func (pt *pipeTest) readSdnv(t *testing.T) uint64 {
	t.Helper()

	var buf []byte
	for {
		buf = append(buf, pt.readFull(t, 1)...)
		if value, n := sdnv.Decode(buf); n > 0 {
			return value
		}
	}
}

func (pt *pipeTest) readContactHeader(t *testing.T) contactHeader {
	t.Helper()

	fixed := pt.readFull(t, contactHeaderFixedLen)
	if binary.BigEndian.Uint32(fixed[:4]) != magicNumber {
		t.Fatalf("invalid magic number %x", fixed[:4])
	}

	eidLen := pt.readSdnv(t)
	return contactHeader{
		Version:   fixed[4],
		Flags:     fixed[5],
		Keepalive: binary.BigEndian.Uint16(fixed[6:8]),
		Eid:       string(pt.readFull(t, int(eidLen))),
	}
}

// message read by the peer.
type message struct {
	typ   uint8
	flags uint8
	value uint64
	data  []byte
}

func (pt *pipeTest) readMessage(t *testing.T) message {
	t.Helper()

	head := pt.readFull(t, 1)[0]
	msg := message{typ: msgTypeOf(head), flags: msgFlagsOf(head)}

	switch msg.typ {
	case msgDataSegment:
		msg.value = pt.readSdnv(t)
		msg.data = pt.readFull(t, int(msg.value))

	case msgAckSegment:
		msg.value = pt.readSdnv(t)

	case msgShutdown:
		if msg.flags&shutdownHasReason != 0 {
			msg.value = uint64(pt.readFull(t, 1)[0])
		}
		if msg.flags&shutdownHasDelay != 0 {
			_ = pt.readSdnv(t)
		}

	case msgKeepalive:

	default:
		t.Fatalf("peer received unexpected message type %x", msg.typ)
	}

	return msg
}

// discard everything the Connection writes.
func (pt *pipeTest) discard() {
	go func() { _, _ = io.Copy(io.Discard, pt.peer) }()
}

// collect everything the Connection writes until the transport closes.
func (pt *pipeTest) collect() <-chan []byte {
	out := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(pt.peer)
		out <- data
	}()
	return out
}

// collected waits for the data of collect.
func collected(t *testing.T, out <-chan []byte) []byte {
	t.Helper()

	select {
	case data := <-out:
		return data
	case <-time.After(5 * time.Second):
		t.Fatal("transport was not closed")
		return nil
	}
}

// connection of an open Contact.
func connection(t *testing.T, c *contacts.Contact) *Connection {
	t.Helper()

	conn, ok := connectionOf(c)
	if !ok {
		t.Fatalf("contact %v has no connection", c)
	}
	return conn
}

func waitConnStopped(t *testing.T, conn *Connection) {
	t.Helper()

	select {
	case <-conn.Stopped():
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not stop")
	}
}
