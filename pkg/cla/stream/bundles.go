// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stream

import (
	"fmt"

	"github.com/dtn7/dtn7-scl/pkg/bitmap"
	"github.com/dtn7/dtn7-scl/pkg/bpv7"
)

// InFlightBundle is an outgoing bundle's transfer state. It is created when a
// bundle is taken from the Link's queue.
type InFlightBundle struct {
	Bundle *bpv7.Bundle
	data   []byte

	// sent marks the bytes placed into the send buffer, acked those
	// acknowledged by the peer.
	sent  bitmap.Sparse
	acked bitmap.Sparse

	sendComplete        bool
	transmitEventPosted bool
}

func newInFlightBundle(b *bpv7.Bundle, data []byte) *InFlightBundle {
	return &InFlightBundle{Bundle: b, data: data}
}

func (ifb *InFlightBundle) String() string {
	return fmt.Sprintf("InFlightBundle(%v, %d/%d sent, %d acked)",
		ifb.Bundle.ID(), ifb.BytesSent(), ifb.TotalLength(), ifb.BytesAcked())
}

// TotalLength of the serialized bundle.
func (ifb *InFlightBundle) TotalLength() uint64 {
	return uint64(len(ifb.data))
}

// BytesSent is the contiguous amount of bytes placed into the send buffer.
func (ifb *InFlightBundle) BytesSent() uint64 {
	return ifb.sent.NumContiguous()
}

// BytesAcked is the contiguous amount of bytes acknowledged by the peer.
func (ifb *InFlightBundle) BytesAcked() uint64 {
	return ifb.acked.NumContiguous()
}

// IncomingBundle is an incoming bundle's transfer state. It is created by a
// DATA_SEGMENT with the START flag.
type IncomingBundle struct {
	// totalLength is zero until the segment with the END flag arrives.
	totalLength uint64

	data []byte
	rcvd bitmap.Sparse

	// ackData marks the last byte of each announced segment which still needs
	// to be acknowledged; ackedLength was sent within the last ACK_SEGMENT.
	ackData     bitmap.Sparse
	ackedLength uint64

	// bundle is set after its complete reception. It is delivered after
	// flushMark bytes were written to the transport.
	bundle    *bpv7.Bundle
	flushMark uint64
	delivered bool
}

func (ib *IncomingBundle) String() string {
	return fmt.Sprintf("IncomingBundle(%d/%d received, %d acked)", ib.BytesReceived(), ib.totalLength, ib.ackedLength)
}

// BytesReceived is the contiguous amount of received bytes.
func (ib *IncomingBundle) BytesReceived() uint64 {
	return ib.rcvd.NumContiguous()
}

// complete checks if the bundle's end is known and every byte arrived.
func (ib *IncomingBundle) complete() bool {
	return ib.totalLength != 0 && ib.BytesReceived() == ib.totalLength
}

// discard the received data.
func (ib *IncomingBundle) discard() {
	ib.data = nil
	ib.rcvd.Reset()
	ib.ackData.Reset()
}
