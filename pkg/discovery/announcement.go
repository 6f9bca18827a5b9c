// SPDX-FileCopyrightText: 2020 Markus Sommer
// SPDX-FileCopyrightText: 2020, 2021, 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dtn7/cboring"

	"github.com/dtn7/dtn7-scl/pkg/bpv7"
	"github.com/dtn7/dtn7-scl/pkg/cla"
)

// announcementFields is the length of an Announcement's CBOR array.
const announcementFields = 3

// Announcement of a node's listening interface.
type Announcement struct {
	Type     cla.CLAType
	Endpoint bpv7.EndpointID
	Port     uint
}

// Nexthop to reach the announced interface at the sender's address. IPv6
// addresses must already be enclosed in brackets.
func (announcement Announcement) Nexthop(address string) string {
	hostPort := fmt.Sprintf("%s:%d", address, announcement.Port)
	if announcement.Type == cla.WebSocket {
		return fmt.Sprintf("ws://%s/", hostPort)
	}
	return hostPort
}

func (announcement Announcement) String() string {
	return fmt.Sprintf("Announcement(%v,%v,%d)", announcement.Type, announcement.Endpoint, announcement.Port)
}

// MarshalCbor writes an Announcement as a CBOR array.
func (announcement *Announcement) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(announcementFields, w); err != nil {
		return err
	}

	if err := cboring.WriteUInt(uint64(announcement.Type), w); err != nil {
		return err
	}
	if err := cboring.Marshal(&announcement.Endpoint, w); err != nil {
		return fmt.Errorf("marshalling endpoint failed: %v", err)
	}
	return cboring.WriteUInt(uint64(announcement.Port), w)
}

// UnmarshalCbor reads an Announcement from its CBOR array.
func (announcement *Announcement) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != announcementFields {
		return fmt.Errorf("wrong array length: %d instead of %d", l, announcementFields)
	}

	n, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	claType := cla.CLAType(n)
	if err := claType.CheckValid(); err != nil {
		return err
	}
	announcement.Type = claType

	if err := cboring.Unmarshal(&announcement.Endpoint, r); err != nil {
		return fmt.Errorf("unmarshalling endpoint failed: %v", err)
	}

	if n, err = cboring.ReadUInt(r); err != nil {
		return err
	} else if n > 0xffff {
		return fmt.Errorf("port %d is out of range", n)
	}
	announcement.Port = uint(n)

	return nil
}

// MarshalAnnouncements into a CBOR array, the payload of a discovery packet.
func MarshalAnnouncements(announcements []Announcement) ([]byte, error) {
	buff := new(bytes.Buffer)

	if err := cboring.WriteArrayLength(uint64(len(announcements)), buff); err != nil {
		return nil, err
	}

	for i := range announcements {
		if err := cboring.Marshal(&announcements[i], buff); err != nil {
			return nil, fmt.Errorf("marshalling %v failed: %v", announcements[i], err)
		}
	}

	return buff.Bytes(), nil
}

// UnmarshalAnnouncements from a discovery packet's payload.
func UnmarshalAnnouncements(data []byte) ([]Announcement, error) {
	buff := bytes.NewBuffer(data)

	l, err := cboring.ReadArrayLength(buff)
	if err != nil {
		return nil, err
	} else if l > uint64(len(data)) {
		return nil, fmt.Errorf("announcement array of length %d exceeds the packet", l)
	}

	announcements := make([]Announcement, l)
	for i := range announcements {
		if err := cboring.Unmarshal(&announcements[i], buff); err != nil {
			return nil, fmt.Errorf("unmarshalling announcement %d failed: %v", i, err)
		}
	}

	if buff.Len() > 0 {
		return nil, fmt.Errorf("%d trailing bytes after announcements", buff.Len())
	}
	return announcements, nil
}
