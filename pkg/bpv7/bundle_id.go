// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"strings"
)

// BundleID identifies a bundle by its source node, creation timestamp and
// fragmentation offset paired the total data length. The last two fields are
// only meaningful if the referenced bundle is a fragment.
type BundleID struct {
	SourceNode     EndpointID
	CreationTime   uint64
	SequenceNumber uint64

	IsFragment      bool
	FragmentOffset  uint64
	TotalDataLength uint64
}

func (bid BundleID) String() string {
	var bldr strings.Builder

	_, _ = fmt.Fprintf(&bldr, "%v-%d-%d", bid.SourceNode, bid.CreationTime, bid.SequenceNumber)
	if bid.IsFragment {
		_, _ = fmt.Fprintf(&bldr, "-%d-%d", bid.FragmentOffset, bid.TotalDataLength)
	}

	return bldr.String()
}

// Scrub creates a cleaned BundleID without fragmentation.
func (bid BundleID) Scrub() BundleID {
	return BundleID{
		SourceNode:     bid.SourceNode,
		CreationTime:   bid.CreationTime,
		SequenceNumber: bid.SequenceNumber,
	}
}
