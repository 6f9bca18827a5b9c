// SPDX-FileCopyrightText: 2019, 2020, 2023 Alvar Penning
// SPDX-FileCopyrightText: 2020 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"fmt"
	"time"

	"github.com/schollz/peerdiscovery"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-scl/pkg/bpv7"
)

// Peer is another node, known by one of its Announcements.
type Peer struct {
	Announcement
	Address string
}

// Nexthop to reach the Peer's announced interface.
func (peer Peer) Nexthop() string {
	return peer.Announcement.Nexthop(peer.Address)
}

func (peer Peer) String() string {
	return fmt.Sprintf("Peer(%v, %s)", peer.Announcement, peer.Nexthop())
}

// Manager publishes this node's Announcements and reports other Peers.
type Manager struct {
	nodeId bpv7.EndpointID
	notify func(Peer)

	stopChan4 chan struct{}
	stopChan6 chan struct{}
}

// NewManager starts announcing and listening for announcements. Each Peer's
// Announcement results in a call of notify.
func NewManager(
	nodeId bpv7.EndpointID, notify func(Peer),
	announcements []Announcement, interval time.Duration,
	ipv4, ipv6 bool) (*Manager, error) {

	manager := newManager(nodeId, notify)
	if ipv4 {
		manager.stopChan4 = make(chan struct{})
	}
	if ipv6 {
		manager.stopChan6 = make(chan struct{})
	}

	log.WithFields(log.Fields{
		"interval":      interval,
		"IPv4":          ipv4,
		"IPv6":          ipv6,
		"announcements": announcements,
	}).Info("Starting discovery")

	msg, err := MarshalAnnouncements(announcements)
	if err != nil {
		return nil, err
	}

	sets := []struct {
		active           bool
		multicastAddress string
		stopChan         chan struct{}
		ipVersion        peerdiscovery.IPVersion
		notify           func(discovered peerdiscovery.Discovered)
	}{
		{ipv4, address4, manager.stopChan4, peerdiscovery.IPv4, manager.notify4},
		{ipv6, address6, manager.stopChan6, peerdiscovery.IPv6, manager.notify6},
	}

	for _, set := range sets {
		if !set.active {
			continue
		}

		settings := peerdiscovery.Settings{
			Limit:            -1,
			Port:             fmt.Sprintf("%d", port),
			MulticastAddress: set.multicastAddress,
			Payload:          msg,
			Delay:            interval,
			TimeLimit:        -1,
			StopChan:         set.stopChan,
			AllowSelf:        true,
			IPVersion:        set.ipVersion,
			Notify:           set.notify,
		}

		// Discover blocks until stopped; only early errors are of interest.
		discoverErrChan := make(chan error, 1)
		go func() {
			_, discoverErr := peerdiscovery.Discover(settings)
			discoverErrChan <- discoverErr
		}()

		select {
		case discoverErr := <-discoverErrChan:
			if discoverErr != nil {
				manager.Close()
				return nil, discoverErr
			}

		case <-time.After(time.Second):
		}
	}

	return manager, nil
}

func newManager(nodeId bpv7.EndpointID, notify func(Peer)) *Manager {
	return &Manager{
		nodeId: nodeId,
		notify: notify,
	}
}

func (manager *Manager) String() string {
	return fmt.Sprintf("discovery(%v)", manager.nodeId)
}

func (manager *Manager) notify4(discovered peerdiscovery.Discovered) {
	manager.handlePacket(discovered.Address, discovered.Payload)
}

func (manager *Manager) notify6(discovered peerdiscovery.Discovered) {
	manager.handlePacket(fmt.Sprintf("[%s]", discovered.Address), discovered.Payload)
}

// handlePacket reports each Announcement of other nodes within the payload.
func (manager *Manager) handlePacket(address string, payload []byte) {
	announcements, err := UnmarshalAnnouncements(payload)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"discovery": manager,
			"peer":      address,
		}).Debug("Discovery failed to parse incoming packet")
		return
	}

	for _, announcement := range announcements {
		if manager.nodeId.SameNode(announcement.Endpoint) {
			continue
		}

		peer := Peer{Announcement: announcement, Address: address}
		log.WithFields(log.Fields{
			"discovery": manager,
			"peer":      peer,
		}).Debug("Discovered peer")

		manager.notify(peer)
	}
}

// Close stops announcing and listening.
func (manager *Manager) Close() {
	for _, c := range []chan struct{}{manager.stopChan4, manager.stopChan6} {
		if c != nil {
			select {
			case c <- struct{}{}:
			case <-time.After(time.Second):
			}
		}
	}
}
