// SPDX-FileCopyrightText: 2018, 2019, 2020, 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/dtn7/cboring"
)

var (
	dtnEndpointRegexp = regexp.MustCompile(`^dtn://([^/]+)/(.*)$`)
	ipnEndpointRegexp = regexp.MustCompile(`^ipn:(\d+)\.(\d+)$`)
)

// DtnNone is the null endpoint "dtn:none".
var DtnNone = EndpointID{uri: "dtn:none", node: "none"}

// EndpointID is an endpoint identifier of the "dtn" or "ipn" scheme. Two
// EndpointIDs are equal iff their URIs are equal, so the == operator can be
// used for comparison.
type EndpointID struct {
	uri  string
	node string
}

// NewEndpointID parses an URI of either the form "dtn://node/demux",
// "ipn:node.service" or "dtn:none".
func NewEndpointID(uri string) (EndpointID, error) {
	switch {
	case uri == "dtn:none":
		return DtnNone, nil

	case strings.HasPrefix(uri, "dtn:"):
		m := dtnEndpointRegexp.FindStringSubmatch(uri)
		if m == nil {
			return EndpointID{}, fmt.Errorf("%q is not a valid dtn URI", uri)
		}
		return EndpointID{uri: uri, node: m[1]}, nil

	case strings.HasPrefix(uri, "ipn:"):
		m := ipnEndpointRegexp.FindStringSubmatch(uri)
		if m == nil {
			return EndpointID{}, fmt.Errorf("%q is not a valid ipn URI", uri)
		}
		for _, no := range m[1:] {
			if _, err := strconv.ParseUint(no, 10, 64); err != nil {
				return EndpointID{}, fmt.Errorf("%q has an invalid number: %v", uri, err)
			}
		}
		return EndpointID{uri: uri, node: m[1]}, nil

	default:
		return EndpointID{}, fmt.Errorf("%q has an unknown scheme", uri)
	}
}

// MustNewEndpointID works like NewEndpointID, but panics on an error.
func MustNewEndpointID(uri string) EndpointID {
	eid, err := NewEndpointID(uri)
	if err != nil {
		panic(err)
	}
	return eid
}

func (eid EndpointID) String() string {
	if eid.uri == "" {
		return DtnNone.uri
	}
	return eid.uri
}

// IsZero reports an uninitialized EndpointID.
func (eid EndpointID) IsZero() bool {
	return eid.uri == ""
}

// Authority is the node part of this EndpointID.
func (eid EndpointID) Authority() string {
	return eid.node
}

// SameNode checks if both EndpointIDs address the same node.
func (eid EndpointID) SameNode(other EndpointID) bool {
	return eid.node != "" && eid.uri[:3] == other.String()[:3] && eid.node == other.node
}

// MarshalCbor writes this EndpointID as a CBOR text string.
func (eid *EndpointID) MarshalCbor(w io.Writer) error {
	return cboring.WriteTextString(eid.String(), w)
}

// UnmarshalCbor reads an EndpointID from a CBOR text string.
func (eid *EndpointID) UnmarshalCbor(r io.Reader) error {
	uri, err := cboring.ReadTextString(r)
	if err != nil {
		return err
	}

	tmp, err := NewEndpointID(uri)
	if err != nil {
		return err
	}
	*eid = tmp
	return nil
}

// MarshalText implements encoding.TextMarshaler, e.g., for JSON.
func (eid EndpointID) MarshalText() ([]byte, error) {
	return []byte(eid.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (eid *EndpointID) UnmarshalText(text []byte) error {
	tmp, err := NewEndpointID(string(text))
	if err != nil {
		return err
	}
	*eid = tmp
	return nil
}
