// SPDX-FileCopyrightText: 2018, 2019, 2020, 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package bpv7 contains a compact bundle model for the daemon.
//
// A Bundle consists of a primary header and its payload. It is serialized as a
// CBOR array of two elements: the header array, protected by a CRC-16, and the
// payload as a byte string. The serialized representation is what convergence
// layers transfer byte by byte.
package bpv7

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/dtn7/cboring"
	"github.com/howeyc/crc16"
)

// Version of the bundle protocol.
const Version uint64 = 7

// primaryFields is the amount of fields within the header array, CRC included.
const primaryFields = 10

// BundleControlFlags of a Bundle.
type BundleControlFlags uint64

const (
	// IsFragment marks a Bundle as a fragment of a larger application data unit.
	IsFragment BundleControlFlags = 0x000001

	// MustNotFragmented forbids fragmentation of a Bundle.
	MustNotFragmented BundleControlFlags = 0x000004
)

// Has checks if a flag is set.
func (bcf BundleControlFlags) Has(flag BundleControlFlags) bool {
	return bcf&flag != 0
}

var crc16table = crc16.MakeTable(crc16.CCITT)

// dtnEpoch is the DTN time's epoch, 2000-01-01 00:00:00 UTC.
var dtnEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Bundle is a unit of data transferred between nodes.
type Bundle struct {
	Flags       BundleControlFlags
	Destination EndpointID
	Source      EndpointID

	// CreationTime is the DTN time in milliseconds; SequenceNumber
	// distinguishes bundles created within the same millisecond.
	CreationTime   uint64
	SequenceNumber uint64

	// Lifetime in milliseconds.
	Lifetime uint64

	FragmentOffset  uint64
	TotalDataLength uint64

	Payload []byte
}

// NewBundle creates a new Bundle with the current creation time.
func NewBundle(src, dst EndpointID, lifetime time.Duration, seq uint64, payload []byte) Bundle {
	return Bundle{
		Destination:    dst,
		Source:         src,
		CreationTime:   uint64(time.Since(dtnEpoch).Milliseconds()),
		SequenceNumber: seq,
		Lifetime:       uint64(lifetime.Milliseconds()),
		Payload:        payload,
	}
}

// ID of this Bundle.
func (b Bundle) ID() BundleID {
	return BundleID{
		SourceNode:      b.Source,
		CreationTime:    b.CreationTime,
		SequenceNumber:  b.SequenceNumber,
		IsFragment:      b.Flags.Has(IsFragment),
		FragmentOffset:  b.FragmentOffset,
		TotalDataLength: b.TotalDataLength,
	}
}

func (b Bundle) String() string {
	return b.ID().String()
}

// ExpirationTime of this Bundle, based on its creation time and lifetime.
func (b Bundle) ExpirationTime() time.Time {
	return dtnEpoch.Add(time.Duration(b.CreationTime+b.Lifetime) * time.Millisecond)
}

// CheckValid returns an error for inconsistent Bundles.
func (b Bundle) CheckValid() error {
	if b.Destination.IsZero() {
		return fmt.Errorf("bundle has no destination")
	}
	if b.Flags.Has(IsFragment) {
		if b.Flags.Has(MustNotFragmented) {
			return fmt.Errorf("bundle is a fragment, but must not be fragmented")
		}
		if b.FragmentOffset+uint64(len(b.Payload)) > b.TotalDataLength {
			return fmt.Errorf("fragment exceeds total data length %d", b.TotalDataLength)
		}
	}
	return nil
}

// marshalPrimary writes the header array without its CRC value.
func (b *Bundle) marshalPrimary(w io.Writer) error {
	if err := cboring.WriteArrayLength(primaryFields, w); err != nil {
		return err
	}

	fields := []uint64{Version, uint64(b.Flags)}
	for _, f := range fields {
		if err := cboring.WriteUInt(f, w); err != nil {
			return err
		}
	}

	for _, eid := range []*EndpointID{&b.Destination, &b.Source} {
		if err := cboring.Marshal(eid, w); err != nil {
			return fmt.Errorf("marshalling endpoint failed: %v", err)
		}
	}

	fields = []uint64{b.CreationTime, b.SequenceNumber, b.Lifetime, b.FragmentOffset, b.TotalDataLength}
	for _, f := range fields {
		if err := cboring.WriteUInt(f, w); err != nil {
			return err
		}
	}
	return nil
}

// MarshalCbor writes the CBOR representation of this Bundle.
func (b *Bundle) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}

	buff := new(bytes.Buffer)
	if err := b.marshalPrimary(buff); err != nil {
		return err
	}

	crc := make([]byte, 2)
	binary.BigEndian.PutUint16(crc, crc16.Checksum(buff.Bytes(), crc16table))
	if err := cboring.WriteByteString(crc, buff); err != nil {
		return err
	}

	if _, err := buff.WriteTo(w); err != nil {
		return err
	}
	return cboring.WriteByteString(b.Payload, w)
}

// unmarshalPrimary reads the header array and checks its CRC. The Bundle's
// header fields are set.
func (b *Bundle) unmarshalPrimary(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != primaryFields {
		return fmt.Errorf("primary header has %d fields, expected %d", l, primaryFields)
	}

	if v, err := cboring.ReadUInt(r); err != nil {
		return err
	} else if v != Version {
		return fmt.Errorf("unsupported bundle version %d", v)
	}

	if flags, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		b.Flags = BundleControlFlags(flags)
	}

	for _, eid := range []*EndpointID{&b.Destination, &b.Source} {
		if err := cboring.Unmarshal(eid, r); err != nil {
			return fmt.Errorf("unmarshalling endpoint failed: %v", err)
		}
	}

	for _, f := range []*uint64{&b.CreationTime, &b.SequenceNumber, &b.Lifetime, &b.FragmentOffset, &b.TotalDataLength} {
		if v, err := cboring.ReadUInt(r); err != nil {
			return err
		} else {
			*f = v
		}
	}

	crc, err := cboring.ReadByteString(r)
	if err != nil {
		return err
	} else if len(crc) != 2 {
		return fmt.Errorf("CRC has length %d, expected 2", len(crc))
	}

	// The CRC covers the re-encoded header without its CRC field.
	buff := new(bytes.Buffer)
	if err := b.marshalPrimary(buff); err != nil {
		return err
	}
	if expected := crc16.Checksum(buff.Bytes(), crc16table); binary.BigEndian.Uint16(crc) != expected {
		return fmt.Errorf("CRC mismatch: got %x, expected %04x", crc, expected)
	}
	return nil
}

// UnmarshalCbor reads a Bundle from its CBOR representation.
func (b *Bundle) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 2 {
		return fmt.Errorf("bundle array has length %d, expected 2", l)
	}

	if err := b.unmarshalPrimary(r); err != nil {
		return err
	}

	payload, err := cboring.ReadByteString(r)
	if err != nil {
		return fmt.Errorf("reading payload failed: %v", err)
	}
	b.Payload = payload

	return b.CheckValid()
}

// ParseBundle reads a CBOR encoded Bundle from a Reader.
func ParseBundle(r io.Reader) (b Bundle, err error) {
	err = cboring.Unmarshal(&b, r)
	return
}

// WriteBundle writes this Bundle CBOR encoded into a Writer.
func (b *Bundle) WriteBundle(w io.Writer) error {
	return cboring.Marshal(b, w)
}

// Bytes returns the serialized representation.
func (b *Bundle) Bytes() ([]byte, error) {
	buff := new(bytes.Buffer)
	if err := b.WriteBundle(buff); err != nil {
		return nil, err
	}
	return buff.Bytes(), nil
}

// Len is the length of the serialized representation.
func (b *Bundle) Len() uint64 {
	data, err := b.Bytes()
	if err != nil {
		return 0
	}
	return uint64(len(data))
}

// PayloadOffset is the position of the first payload byte within the
// serialized representation. Everything in front of it is header data.
func (b *Bundle) PayloadOffset() uint64 {
	return b.Len() - uint64(len(b.Payload))
}

// ParseFromBytes parses a complete serialized Bundle. An error is returned if
// the data holds anything else than exactly one Bundle.
func ParseFromBytes(data []byte) (b Bundle, err error) {
	r := bytes.NewReader(data)
	if b, err = ParseBundle(r); err != nil {
		return
	}

	if r.Len() != 0 {
		err = fmt.Errorf("bundle length mismatch: %d bytes left after parsing %d bytes",
			r.Len(), len(data)-r.Len())
	}
	return
}
