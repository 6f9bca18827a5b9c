// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stream

import (
	"time"

	"github.com/dtn7/dtn7-scl/pkg/contacts"
	"github.com/dtn7/dtn7-scl/pkg/sdnv"
)

// maxSegmentHeaderLen is the type byte and the longest SDNV.
const maxSegmentHeaderLen = 1 + sdnv.MaxLength

// initiateContact places the contact header into the send buffer.
func (conn *Connection) initiateContact() {
	ch := contactHeader{
		Version:   protocolVersion,
		Flags:     conn.params.headerFlags(),
		Keepalive: uint16(conn.params.KeepaliveInterval / time.Second),
		Eid:       conn.cl.nodeId.String(),
	}

	// The contact header is the send buffer's first content and may exceed the
	// configured size for very long endpoint IDs.
	msg := ch.Marshal()
	conn.sendbuf.Append(msg)
	conn.bytesQueued += uint64(len(msg))
	conn.lastSent = time.Now()
	conn.contactInitiated = true

	conn.log().WithField("header", ch).Debug("Initiated contact")
}

// sendPendingData continues an unfinished segment, sends pending acks and
// starts the next segment or bundle. Acks do not stop the data, otherwise the
// outgoing direction could starve.
func (conn *Connection) sendPendingData() {
	if !conn.contactUp || conn.contactBroken {
		return
	}
	if conn.sendbuf.Tailbytes() == 0 {
		conn.sendbuf.Compact()
		if conn.sendbuf.Tailbytes() == 0 {
			return
		}
	}

	if conn.sendSegmentTodo != 0 {
		conn.sendDataTodo(conn.current)
		if conn.sendSegmentTodo != 0 {
			return
		}
	}

	sentAck := conn.sendPendingAcks()

	var sentData bool
	if conn.current == nil {
		sentData = conn.startNextBundle()
	} else {
		sentData = conn.sendNextSegment(conn.current)
	}

	if sentAck || sentData {
		conn.lastSent = time.Now()
	}
}

// startNextBundle moves the head of the Link's queue in flight.
func (conn *Connection) startNextBundle() bool {
	l := conn.link()
	if l == nil || conn.sendbuf.Tailbytes() < maxSegmentHeaderLen {
		return false
	}

	b, _, ok := l.MoveQueueHeadToInflight()
	if !ok {
		return false
	}

	data, err := b.Bytes()
	if err != nil {
		conn.log().WithError(err).WithField("bundle", b.ID()).Warn("Failed to serialize queued bundle")

		l.DelFromInflight(b)
		conn.cl.poster.Post(contacts.BundleSendCancelled{Bundle: b, Link: l})
		return false
	}

	ifb := newInFlightBundle(b, data)
	conn.inflight = append(conn.inflight, ifb)
	conn.current = ifb

	conn.log().WithField("bundle", b.ID()).Debug("Starting bundle")
	return conn.sendNextSegment(ifb)
}

// sendNextSegment places the next DATA_SEGMENT header and as much of its data
// as possible into the send buffer.
func (conn *Connection) sendNextSegment(ifb *InFlightBundle) bool {
	if conn.sendbuf.Tailbytes() < maxSegmentHeaderLen {
		conn.sendbuf.Compact()
		if conn.sendbuf.Tailbytes() < maxSegmentHeaderLen {
			return false
		}
	}

	bytesSent := ifb.BytesSent()
	if bytesSent >= ifb.TotalLength() {
		conn.log().WithField("bundle", ifb).Warn("No data left to send for in-flight bundle")
		return false
	}

	segmentLen := ifb.TotalLength() - bytesSent
	if segmentLen > conn.params.SegmentLength {
		segmentLen = conn.params.SegmentLength
	}

	var flags uint8
	if bytesSent == 0 {
		flags |= dataSegmentStart
	}
	if bytesSent+segmentLen == ifb.TotalLength() {
		flags |= dataSegmentEnd
	}

	if !conn.queueMessage(dataSegmentHeader(flags, segmentLen)) {
		return false
	}
	conn.sendSegmentTodo = segmentLen

	conn.sendDataTodo(ifb)
	return true
}

// sendDataTodo copies the current segment's remaining data into the send
// buffer. A completely buffered bundle without acks is transmitted.
func (conn *Connection) sendDataTodo(ifb *InFlightBundle) {
	for conn.sendSegmentTodo > 0 {
		if conn.sendbuf.Tailbytes() == 0 {
			conn.sendbuf.Compact()
			if conn.sendbuf.Tailbytes() == 0 {
				break
			}
		}

		n := uint64(conn.sendbuf.Tailbytes())
		if n > conn.sendSegmentTodo {
			n = conn.sendSegmentTodo
		}

		offset := ifb.BytesSent()
		conn.sendbuf.Fill(copy(conn.sendbuf.End(), ifb.data[offset:offset+n]))
		conn.bytesQueued += n
		ifb.sent.SetRange(offset, n)
		conn.sendSegmentTodo -= n
	}

	if conn.sendSegmentTodo != 0 || ifb.BytesSent() != ifb.TotalLength() {
		return
	}

	ifb.sendComplete = true
	conn.current = nil

	if !conn.params.SegmentAck {
		conn.postTransmitted(ifb, ifb.TotalLength(), 0)
		conn.removeInflight(ifb)
	}
}

// sendPendingAcks acknowledges the received segments of the incoming bundles,
// front to back. A completely acknowledged bundle is delivered after its last
// ack was written.
func (conn *Connection) sendPendingAcks() (sent bool) {
	if !conn.params.SegmentAck {
		return false
	}

	for _, ib := range conn.incoming {
		for {
			ackOffset, ok := ib.ackData.First()
			if !ok {
				break
			}

			ackLen := ackOffset + 1
			if ib.BytesReceived() < ackLen {
				break
			}

			if !conn.queueMessage(ackSegment(ackLen)) {
				return
			}

			ib.ackData.Clear(ackOffset)
			ib.ackedLength = ackLen
			sent = true

			if ib.complete() && ib.ackedLength == ib.totalLength {
				ib.flushMark = conn.bytesQueued
			}
		}

		if !ib.complete() {
			break
		}
	}
	return
}

// postTransmitted posts the in-flight bundle's BundleTransmitted event once.
func (conn *Connection) postTransmitted(ifb *InFlightBundle, sent, acked uint64) {
	if ifb.transmitEventPosted {
		return
	}
	ifb.transmitEventPosted = true

	conn.log().WithField("bundle", ifb).Debug("Bundle transmitted")

	conn.cl.poster.Post(contacts.BundleTransmitted{
		Bundle:     ifb.Bundle,
		Contact:    conn.contact,
		Link:       conn.link(),
		BytesSent:  sent,
		BytesAcked: acked,
	})
}

func (conn *Connection) removeInflight(ifb *InFlightBundle) {
	for i, other := range conn.inflight {
		if other == ifb {
			conn.inflight = append(conn.inflight[:i], conn.inflight[i+1:]...)
			return
		}
	}
}

// shouldRequeue checks if an unfinished upload goes back to the Link's queue
// instead of being reported as partially transmitted.
func (conn *Connection) shouldRequeue(ifb *InFlightBundle) bool {
	if !conn.params.ReactiveFrag || ifb.BytesSent() == 0 {
		return true
	}
	if l := conn.link(); l != nil && l.Reliable() && ifb.BytesAcked() == 0 {
		return true
	}
	return false
}

func (conn *Connection) requeue(ifb *InFlightBundle) {
	conn.removeInflight(ifb)

	if !conn.link().RequeueFromInflight(ifb.Bundle) {
		conn.log().WithField("bundle", ifb).Warn("Failed to requeue in-flight bundle")
	}
}

// reconcileInflight settles the in-flight bundles of a stopped Connection.
func (conn *Connection) reconcileInflight() {
	if conn.link() == nil {
		return
	}

	for _, ifb := range append([]*InFlightBundle(nil), conn.inflight...) {
		switch {
		case ifb.transmitEventPosted:
			conn.removeInflight(ifb)

		case conn.shouldRequeue(ifb):
			conn.log().WithField("bundle", ifb).Debug("Requeuing unfinished bundle")
			conn.requeue(ifb)

		default:
			conn.postTransmitted(ifb, ifb.BytesSent(), ifb.BytesAcked())
			conn.removeInflight(ifb)
		}
	}
}
