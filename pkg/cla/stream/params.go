// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stream

import (
	"fmt"
	"time"

	"github.com/dtn7/dtn7-scl/pkg/cla"
)

// LinkParams configure the stream convergence layer for a Link. The contact
// header negotiates the effective values with the peer.
type LinkParams struct {
	// Transport to dial for outgoing contacts.
	CLAType cla.CLAType

	SegmentAck   bool
	ReactiveFrag bool
	NegativeAck  bool

	// KeepaliveInterval is announced in whole seconds; zero disables keepalives.
	KeepaliveInterval time.Duration

	// SegmentLength is the maximum payload length of outgoing data segments.
	SegmentLength uint64

	// MaxSegment limits the length of incoming data segments; zero is unlimited.
	MaxSegment uint64

	// DataTimeout bounds the contact initiation and stalled writes.
	DataTimeout time.Duration

	SendBufferSize int
	RecvBufferSize int
}

// DefaultLinkParams for new Links and incoming connections.
func DefaultLinkParams() LinkParams {
	return LinkParams{
		CLAType:           cla.TCP,
		SegmentAck:        true,
		ReactiveFrag:      false,
		NegativeAck:       false,
		KeepaliveInterval: 10 * time.Second,
		SegmentLength:     4096,
		MaxSegment:        0,
		DataTimeout:       30 * time.Second,
		SendBufferSize:    32 * 1024,
		RecvBufferSize:    32 * 1024,
	}
}

// minSendBufferSize holds any message header and a small contact header.
const minSendBufferSize = 64

// CheckValid returns an error for unusable LinkParams.
func (params LinkParams) CheckValid() error {
	switch {
	case params.SegmentLength == 0:
		return fmt.Errorf("segment length must not be zero")
	case params.SendBufferSize < minSendBufferSize:
		return fmt.Errorf("send buffer of %d bytes is smaller than %d bytes", params.SendBufferSize, minSendBufferSize)
	case params.RecvBufferSize <= 0:
		return fmt.Errorf("receive buffer of %d bytes is too small", params.RecvBufferSize)
	case params.KeepaliveInterval < 0 || params.KeepaliveInterval > 0xffff*time.Second:
		return fmt.Errorf("keepalive interval %v is out of range", params.KeepaliveInterval)
	case params.DataTimeout <= 0:
		return fmt.Errorf("data timeout must be positive")
	}
	return params.CLAType.CheckValid()
}

// headerFlags are the flags of a LinkParams' contact header.
func (params LinkParams) headerFlags() (flags uint8) {
	if params.SegmentAck {
		flags |= flagSegmentAck
	}
	if params.ReactiveFrag {
		flags |= flagReactiveFrag
	}
	if params.NegativeAck {
		flags |= flagNegativeAck
	}
	return
}

// negotiate the LinkParams with a peer's contact header: flags are only set if
// both sides agree and the keepalive is the minimum of both.
func (params LinkParams) negotiate(peer contactHeader) LinkParams {
	params.SegmentAck = params.SegmentAck && peer.Flags&flagSegmentAck != 0
	params.ReactiveFrag = params.ReactiveFrag && peer.Flags&flagReactiveFrag != 0
	params.NegativeAck = params.NegativeAck && peer.Flags&flagNegativeAck != 0

	if peerKeepalive := time.Duration(peer.Keepalive) * time.Second; peerKeepalive < params.KeepaliveInterval {
		params.KeepaliveInterval = peerKeepalive
	}
	return params
}
