// SPDX-FileCopyrightText: 2020, 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/dtn7/cboring"
)

// adu returns the total data length and fragment offset of a Bundle as if it
// was a fragment.
func (b Bundle) adu() (offset, total uint64) {
	if b.Flags.Has(IsFragment) {
		return b.FragmentOffset, b.TotalDataLength
	}
	return 0, uint64(len(b.Payload))
}

// fragment creates a fragment of this Bundle's payload, [from, to).
func (b Bundle) fragment(from, to uint64) Bundle {
	offset, total := b.adu()

	frag := b
	frag.Flags |= IsFragment
	frag.FragmentOffset = offset + from
	frag.TotalDataLength = total
	frag.Payload = append([]byte(nil), b.Payload[from:to]...)
	return frag
}

// ReactiveFragment creates a fragment for the remaining payload after the
// first sent bytes of this Bundle's serialized representation were delivered.
// The ok flag is false if no fragment is possible, e.g., if not even the
// header was delivered or everything was already delivered.
func (b Bundle) ReactiveFragment(sent uint64) (frag Bundle, ok bool) {
	if b.Flags.Has(MustNotFragmented) {
		return
	}

	payloadOffset := b.PayloadOffset()
	if sent <= payloadOffset || sent >= b.Len() {
		return
	}

	return b.fragment(sent-payloadOffset, uint64(len(b.Payload))), true
}

// ParsePrefix parses a truncated serialized Bundle, as left by an interrupted
// transfer. The returned Bundle is a fragment holding the received payload
// prefix. An error is returned if the header is incomplete, the Bundle must
// not be fragmented or no payload byte was received.
func ParsePrefix(data []byte) (frag Bundle, err error) {
	r := bytes.NewReader(data)

	if l, lErr := cboring.ReadArrayLength(r); lErr != nil {
		err = lErr
		return
	} else if l != 2 {
		err = fmt.Errorf("bundle array has length %d, expected 2", l)
		return
	}

	var b Bundle
	if err = b.unmarshalPrimary(r); err != nil {
		return
	}

	payloadLen, err := cboring.ReadByteStringLen(r)
	if err != nil {
		return
	}

	prefixLen := uint64(r.Len())
	if prefixLen == 0 {
		err = fmt.Errorf("no payload was received")
		return
	} else if prefixLen >= payloadLen {
		err = fmt.Errorf("bundle is complete, %d of %d payload bytes", prefixLen, payloadLen)
		return
	} else if b.Flags.Has(MustNotFragmented) {
		err = fmt.Errorf("bundle must not be fragmented")
		return
	}

	if !b.Flags.Has(IsFragment) {
		b.Flags |= IsFragment
		b.FragmentOffset = 0
		b.TotalDataLength = payloadLen
	}

	b.Payload = make([]byte, prefixLen)
	if _, err = io.ReadFull(r, b.Payload); err != nil {
		return
	}

	frag = b
	return
}

// Reassemble merges fragments of the same Bundle. An error is returned if the
// fragments do not cover the whole payload.
func Reassemble(frags []Bundle) (b Bundle, err error) {
	if len(frags) == 0 {
		err = fmt.Errorf("no fragments")
		return
	}

	sorted := append([]Bundle(nil), frags...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FragmentOffset < sorted[j].FragmentOffset })

	id := sorted[0].ID().Scrub()
	total := sorted[0].TotalDataLength
	payload := make([]byte, 0, total)

	for _, frag := range sorted {
		if !frag.Flags.Has(IsFragment) {
			err = fmt.Errorf("bundle %v is no fragment", frag.ID())
			return
		} else if frag.ID().Scrub() != id || frag.TotalDataLength != total {
			err = fmt.Errorf("fragment %v does not belong to %v", frag.ID(), id)
			return
		}

		have := uint64(len(payload))
		if frag.FragmentOffset > have {
			err = fmt.Errorf("gap in fragments at offset %d", have)
			return
		}

		end := frag.FragmentOffset + uint64(len(frag.Payload))
		if end > have {
			payload = append(payload, frag.Payload[have-frag.FragmentOffset:]...)
		}
	}

	if uint64(len(payload)) != total {
		err = fmt.Errorf("fragments cover %d of %d bytes", len(payload), total)
		return
	}

	b = sorted[0]
	b.Flags &^= IsFragment
	b.FragmentOffset = 0
	b.TotalDataLength = 0
	b.Payload = payload
	return
}
