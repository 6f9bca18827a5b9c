// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stream

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-scl/pkg/bpv7"
	"github.com/dtn7/dtn7-scl/pkg/contacts"
)

// processData parses the receive buffer until it is empty, holds only an
// incomplete message or the contact broke.
func (conn *Connection) processData() {
	for conn.recvbuf.Fullbytes() > 0 && !conn.contactBroken {
		var ok bool

		switch {
		case !conn.contactUp:
			ok = conn.handleContactInitiation()

		case conn.recvSegmentTodo != 0:
			ok = conn.handleDataTodo()

		default:
			ok = conn.handleMessage()
		}

		if !ok {
			break
		}
	}

	conn.recvbuf.Compact()
}

// handleMessage dispatches on the next message's type. False is returned if
// more data is required.
func (conn *Connection) handleMessage() bool {
	buf := conn.recvbuf.Start()

	switch msgType := msgTypeOf(buf[0]); msgType {
	case msgDataSegment:
		return conn.handleDataSegment()

	case msgAckSegment:
		return conn.handleAckSegment()

	case msgRefuseBundle:
		conn.log().Warn("Peer refused a bundle, which is not supported")
		conn.breakContact(contacts.ReasonCLError)
		return false

	case msgKeepalive:
		conn.log().Debug("Received keepalive")
		conn.recvbuf.Consume(1)
		return true

	case msgShutdown:
		return conn.handleShutdown()

	default:
		conn.log().WithField("type", msgType).Warn("Received unknown message type")
		conn.breakContact(contacts.ReasonCLError)
		return false
	}
}

// handleContactInitiation parses the peer's contact header and negotiates the
// LinkParams. A passive Connection binds its Contact afterwards.
func (conn *Connection) handleContactInitiation() bool {
	ch, n, err := parseContactHeader(conn.recvbuf.Start())
	switch {
	case errors.Is(err, errNeedMore):
		return false

	case errors.Is(err, errBadMagic):
		conn.log().WithError(err).Warn("Peer sent an invalid contact header")
		conn.breakContact(contacts.ReasonMagicNumber)
		return false

	case err != nil:
		conn.log().WithError(err).Warn("Failed to parse contact header")
		conn.breakContact(contacts.ReasonCLError)
		return false
	}

	conn.recvbuf.Consume(n)

	if ch.Version < protocolVersion {
		conn.log().WithFields(log.Fields{
			"local":  protocolVersion,
			"remote": ch.Version,
		}).Warn("Peer speaks an older protocol version")
		conn.breakContact(contacts.ReasonCLVersion)
		return false
	}

	remoteEid, err := bpv7.NewEndpointID(ch.Eid)
	if err != nil || remoteEid == bpv7.DtnNone {
		conn.log().WithError(err).WithField("eid", ch.Eid).Warn("Peer sent an invalid endpoint ID")
		conn.breakContact(contacts.ReasonCLError)
		return false
	}

	conn.params = conn.params.negotiate(ch)
	conn.remoteEid = remoteEid

	if conn.active {
		l := conn.link()
		if current := l.RemoteEid(); current.IsZero() {
			l.SetRemoteEid(remoteEid)
		} else if current != remoteEid {
			conn.log().WithFields(log.Fields{
				"expected": current,
				"remote":   remoteEid,
			}).Warn("Peer announced an unexpected endpoint ID")
		}
	} else {
		c, err := conn.cl.manager.AttachPassiveContact(conn.cl, conn.nexthop, remoteEid, contacts.WithCLParams(conn.cl.passiveParams(conn.params.CLAType)))
		if err != nil {
			conn.log().WithError(err).WithField("eid", remoteEid).Info("Cannot bind incoming contact to a link")
			conn.breakContact(contacts.ReasonNoInfo)
			return false
		}

		conn.contact = c
		c.SetCLInfo(conn)
	}

	conn.contactUp = true
	conn.log().WithFields(log.Fields{
		"peer":      remoteEid,
		"segack":    conn.params.SegmentAck,
		"reactive":  conn.params.ReactiveFrag,
		"keepalive": conn.params.KeepaliveInterval,
	}).Info("Contact is up")

	conn.cl.poster.Post(contacts.ContactUp{Contact: conn.contact})
	return true
}

// handleDataSegment parses a DATA_SEGMENT header.
func (conn *Connection) handleDataSegment() bool {
	buf := conn.recvbuf.Start()
	flags := msgFlagsOf(buf[0])

	segmentLen, n, err := parseSdnvMessage(buf)
	if errors.Is(err, errNeedMore) {
		return false
	} else if err != nil {
		conn.log().WithError(err).Warn("Failed to parse data segment")
		conn.breakContact(contacts.ReasonCLError)
		return false
	}

	var tail *IncomingBundle
	if len(conn.incoming) > 0 {
		tail = conn.incoming[len(conn.incoming)-1]
	}

	if flags&dataSegmentStart != 0 {
		if tail != nil && !tail.complete() {
			conn.log().Warn("Received a new bundle's first segment while the previous one is incomplete")
			conn.breakContact(contacts.ReasonCLError)
			return false
		}

		tail = &IncomingBundle{}
		conn.incoming = append(conn.incoming, tail)
	} else if tail == nil || tail.complete() {
		conn.log().Warn("Received a data segment without a bundle's first segment")
		conn.breakContact(contacts.ReasonCLError)
		return false
	}

	if segmentLen == 0 {
		conn.log().Warn("Received an empty data segment")
		conn.breakContact(contacts.ReasonCLError)
		return false
	}
	if conn.params.MaxSegment > 0 && segmentLen > conn.params.MaxSegment {
		conn.log().WithFields(log.Fields{
			"length": segmentLen,
			"max":    conn.params.MaxSegment,
		}).Warn("Received data segment exceeds the maximum length")
		conn.breakContact(contacts.ReasonCLError)
		return false
	}

	conn.recvbuf.Consume(n)

	rcvdLen := tail.BytesReceived()
	if conn.params.SegmentAck {
		tail.ackData.Set(rcvdLen + segmentLen - 1)
	}
	if flags&dataSegmentEnd != 0 {
		tail.totalLength = rcvdLen + segmentLen
	}

	conn.recvSegmentTodo = segmentLen
	return conn.handleDataTodo()
}

// handleDataTodo consumes the current segment's data.
func (conn *Connection) handleDataTodo() bool {
	n := uint64(conn.recvbuf.Fullbytes())
	if n == 0 {
		return false
	}
	if n > conn.recvSegmentTodo {
		n = conn.recvSegmentTodo
	}

	ib := conn.incoming[len(conn.incoming)-1]
	rcvdLen := ib.BytesReceived()

	ib.data = append(ib.data, conn.recvbuf.Start()[:n]...)
	ib.rcvd.SetRange(rcvdLen, n)
	conn.recvbuf.Consume(int(n))
	conn.recvSegmentTodo -= n

	if conn.recvSegmentTodo == 0 {
		conn.checkCompleted(ib)
	}
	return !conn.contactBroken
}

// checkCompleted parses a completely received bundle. Without acks, it is
// delivered at once.
func (conn *Connection) checkCompleted(ib *IncomingBundle) {
	if !ib.complete() {
		return
	}

	b, err := bpv7.ParseFromBytes(ib.data)
	if err != nil {
		conn.log().WithError(err).Warn("Failed to parse received bundle")
		conn.breakContact(contacts.ReasonCLError)
		return
	}

	ib.bundle = &b
	ib.data = nil

	conn.log().WithField("bundle", b.ID()).Debug("Received bundle")

	if !conn.params.SegmentAck {
		conn.deliver(ib)
		conn.incoming = conn.incoming[:len(conn.incoming)-1]
	}
}

// handleAckSegment updates the oldest in-flight bundle. A completely
// acknowledged bundle is transmitted.
func (conn *Connection) handleAckSegment() bool {
	ackedLen, n, err := parseSdnvMessage(conn.recvbuf.Start())
	if errors.Is(err, errNeedMore) {
		return false
	} else if err != nil {
		conn.log().WithError(err).Warn("Failed to parse ack segment")
		conn.breakContact(contacts.ReasonCLError)
		return false
	}

	conn.recvbuf.Consume(n)

	if len(conn.inflight) == 0 {
		conn.log().WithField("length", ackedLen).Warn("Received ack without any in-flight bundle")
		conn.breakContact(contacts.ReasonCLError)
		return false
	}

	ifb := conn.inflight[0]
	switch {
	case ackedLen < ifb.BytesAcked():
		conn.log().WithFields(log.Fields{
			"bundle": ifb,
			"length": ackedLen,
		}).Warn("Received ack is smaller than a previous one")
		conn.breakContact(contacts.ReasonCLError)
		return false

	case ackedLen > ifb.BytesSent():
		conn.log().WithFields(log.Fields{
			"bundle": ifb,
			"length": ackedLen,
		}).Warn("Received ack exceeds the sent data")
		conn.breakContact(contacts.ReasonCLError)
		return false
	}

	ifb.acked.SetRange(0, ackedLen)

	if ackedLen == ifb.TotalLength() {
		conn.postTransmitted(ifb, ifb.TotalLength(), ackedLen)
		conn.removeInflight(ifb)
	}
	return true
}

// handleShutdown breaks the contact after the peer's SHUTDOWN.
func (conn *Connection) handleShutdown() bool {
	msg, n, err := parseShutdown(conn.recvbuf.Start())
	if errors.Is(err, errNeedMore) {
		return false
	} else if err != nil {
		conn.log().WithError(err).Warn("Failed to parse shutdown")
		conn.breakContact(contacts.ReasonCLError)
		return false
	}

	conn.recvbuf.Consume(n)

	fields := log.Fields{}
	if msg.HasReason {
		fields["reason"] = msg.Reason
	}
	if msg.HasDelay {
		fields["delay"] = msg.Delay
	}
	conn.log().WithFields(fields).Info("Peer shut down the contact")

	conn.breakContact(contacts.ReasonShutdown)
	return false
}

// deliver posts a received bundle.
func (conn *Connection) deliver(ib *IncomingBundle) {
	if ib.delivered || ib.bundle == nil {
		return
	}
	ib.delivered = true

	conn.cl.poster.Post(contacts.BundleReceived{
		Bundle:        *ib.bundle,
		BytesReceived: ib.totalLength,
		Link:          conn.link(),
	})
}

// deliverReceived posts the completely acknowledged bundles whose final ack
// reached the transport.
func (conn *Connection) deliverReceived() {
	for len(conn.incoming) > 0 {
		ib := conn.incoming[0]
		if ib.bundle == nil || ib.ackedLength != ib.totalLength || conn.bytesWritten < ib.flushMark {
			return
		}

		conn.deliver(ib)
		conn.incoming = conn.incoming[1:]
	}
}

// dropUnacknowledged discards the completely received bundles whose final ack
// never reached the transport. The peer requeues them and sends them again.
func (conn *Connection) dropUnacknowledged() {
	remaining := conn.incoming[:0]
	for _, ib := range conn.incoming {
		if ib.bundle != nil && !ib.delivered {
			conn.log().WithField("bundle", ib.bundle.ID()).Debug("Dropping received bundle without flushed ack")

			ib.bundle = nil
			ib.discard()
			continue
		}
		remaining = append(remaining, ib)
	}
	conn.incoming = remaining
}

// partialIncoming creates a fragment of an interrupted download.
func (conn *Connection) partialIncoming() (frag bpv7.Bundle, received uint64, ok bool) {
	if !conn.params.ReactiveFrag || len(conn.incoming) == 0 {
		return
	}

	ib := conn.incoming[len(conn.incoming)-1]
	if ib.bundle != nil || ib.BytesReceived() == 0 {
		return
	}

	received = ib.BytesReceived()
	frag, err := bpv7.ParsePrefix(ib.data[:received])
	if err != nil {
		conn.log().WithError(err).Debug("Cannot create fragment of interrupted download")
		return frag, received, false
	}
	return frag, received, true
}
