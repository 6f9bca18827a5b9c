// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stream

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dtn7/dtn7-scl/pkg/sdnv"
)

// Contact header constants.
const (
	magicNumber     uint32 = 0x64746e21 // "dtn!"
	protocolVersion uint8  = 3

	flagSegmentAck   uint8 = 0x01
	flagReactiveFrag uint8 = 0x02
	flagNegativeAck  uint8 = 0x04

	// contactHeaderFixedLen is magic, version, flags and keepalive.
	contactHeaderFixedLen = 8

	// maxEidLength bounds the endpoint ID within a contact header.
	maxEidLength = 1024
)

// Message types, stored in the high nibble of a message's first byte.
const (
	msgDataSegment  uint8 = 0x1
	msgAckSegment   uint8 = 0x2
	msgRefuseBundle uint8 = 0x3
	msgKeepalive    uint8 = 0x4
	msgShutdown     uint8 = 0x5
)

// Message flags, stored in the low nibble.
const (
	dataSegmentStart uint8 = 0x2
	dataSegmentEnd   uint8 = 0x1

	shutdownHasReason uint8 = 0x2
	shutdownHasDelay  uint8 = 0x1
)

// shutdownReason is sent within a SHUTDOWN message.
type shutdownReason uint8

const (
	shutdownIdleTimeout     shutdownReason = 0x0
	shutdownVersionMismatch shutdownReason = 0x1
	shutdownBusy            shutdownReason = 0x2
)

func (sr shutdownReason) String() string {
	switch sr {
	case shutdownIdleTimeout:
		return "idle timeout"
	case shutdownVersionMismatch:
		return "version mismatch"
	case shutdownBusy:
		return "busy"
	default:
		return fmt.Sprintf("unknown reason %d", uint8(sr))
	}
}

var (
	// errNeedMore indicates an incomplete message; nothing was consumed.
	errNeedMore = errors.New("incomplete message")

	// errBadMagic indicates a peer not speaking this protocol.
	errBadMagic = errors.New("bad magic number")

	// errMalformed indicates a protocol error.
	errMalformed = errors.New("malformed message")
)

func msgTypeOf(b byte) uint8 {
	return b >> 4
}

func msgFlagsOf(b byte) uint8 {
	return b & 0x0f
}

// contactHeader is exchanged by both peers when a connection starts.
type contactHeader struct {
	Version   uint8
	Flags     uint8
	Keepalive uint16
	Eid       string
}

func (ch contactHeader) String() string {
	return fmt.Sprintf("contactHeader(version=%d, flags=%#x, keepalive=%ds, eid=%s)",
		ch.Version, ch.Flags, ch.Keepalive, ch.Eid)
}

// Marshal the contactHeader into its wire format.
func (ch contactHeader) Marshal() []byte {
	buf := make([]byte, contactHeaderFixedLen, contactHeaderFixedLen+sdnv.EncodingLen(uint64(len(ch.Eid)))+len(ch.Eid))
	binary.BigEndian.PutUint32(buf[0:4], magicNumber)
	buf[4] = ch.Version
	buf[5] = ch.Flags
	binary.BigEndian.PutUint16(buf[6:8], ch.Keepalive)

	buf = sdnv.Append(buf, uint64(len(ch.Eid)))
	return append(buf, ch.Eid...)
}

// parseContactHeader from the buffer's start. The magic number is checked as
// soon as four bytes are available. The amount of consumed bytes is returned.
func parseContactHeader(buf []byte) (ch contactHeader, n int, err error) {
	if len(buf) >= 4 && binary.BigEndian.Uint32(buf[0:4]) != magicNumber {
		err = fmt.Errorf("%w: %#08x", errBadMagic, binary.BigEndian.Uint32(buf[0:4]))
		return
	}
	if len(buf) < contactHeaderFixedLen {
		err = errNeedMore
		return
	}

	ch.Version = buf[4]
	ch.Flags = buf[5]
	ch.Keepalive = binary.BigEndian.Uint16(buf[6:8])

	eidLen, sdnvLen, sdnvErr := sdnv.DecodeChecked(buf[contactHeaderFixedLen:])
	if sdnvErr != nil {
		err = fmt.Errorf("%w: eid length: %v", errMalformed, sdnvErr)
		return
	} else if sdnvLen < 0 {
		err = errNeedMore
		return
	}

	if eidLen > maxEidLength {
		err = fmt.Errorf("%w: eid length %d exceeds %d", errMalformed, eidLen, maxEidLength)
		return
	}

	start := contactHeaderFixedLen + sdnvLen
	if uint64(len(buf)-start) < eidLen {
		err = errNeedMore
		return
	}

	ch.Eid = string(buf[start : start+int(eidLen)])
	n = start + int(eidLen)
	return
}

// parseSdnvMessage parses the SDNV following a message's type byte, e.g., of
// a DATA_SEGMENT or ACK_SEGMENT. The amount of consumed bytes is returned.
func parseSdnvMessage(buf []byte) (value uint64, n int, err error) {
	if len(buf) < 2 {
		err = errNeedMore
		return
	}

	value, sdnvLen, sdnvErr := sdnv.DecodeChecked(buf[1:])
	if sdnvErr != nil {
		err = fmt.Errorf("%w: %v", errMalformed, sdnvErr)
		return
	} else if sdnvLen < 0 {
		err = errNeedMore
		return
	}

	n = 1 + sdnvLen
	return
}

// shutdownMsg is a parsed SHUTDOWN message.
type shutdownMsg struct {
	HasReason bool
	Reason    shutdownReason
	HasDelay  bool
	Delay     uint64
}

// parseShutdown parses a SHUTDOWN message and returns the consumed bytes.
func parseShutdown(buf []byte) (msg shutdownMsg, n int, err error) {
	if len(buf) < 1 {
		err = errNeedMore
		return
	}

	flags := msgFlagsOf(buf[0])
	n = 1

	if flags&shutdownHasReason != 0 {
		if len(buf) < n+1 {
			err = errNeedMore
			return
		}
		msg.HasReason = true
		msg.Reason = shutdownReason(buf[n])
		n++
	}

	if flags&shutdownHasDelay != 0 {
		delay, sdnvLen, sdnvErr := sdnv.DecodeChecked(buf[n:])
		if sdnvErr != nil {
			err = fmt.Errorf("%w: shutdown delay: %v", errMalformed, sdnvErr)
			return
		} else if sdnvLen < 0 {
			err = errNeedMore
			return
		}
		msg.HasDelay = true
		msg.Delay = delay
		n += sdnvLen
	}
	return
}

// dataSegmentHeader is a DATA_SEGMENT's type byte and its payload length.
func dataSegmentHeader(flags uint8, length uint64) []byte {
	return sdnv.Append([]byte{msgDataSegment<<4 | flags&0x0f}, length)
}

// ackSegment acknowledges the first length bytes of a bundle.
func ackSegment(length uint64) []byte {
	return sdnv.Append([]byte{msgAckSegment << 4}, length)
}

func keepaliveMsg() []byte {
	return []byte{msgKeepalive << 4}
}

// shutdownMessage with an optional reason and no delay.
func shutdownMessage(hasReason bool, reason shutdownReason) []byte {
	if !hasReason {
		return []byte{msgShutdown << 4}
	}
	return []byte{msgShutdown<<4 | shutdownHasReason, byte(reason)}
}
