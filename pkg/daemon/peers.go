// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package daemon

import (
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-scl/pkg/contacts"
	"github.com/dtn7/dtn7-scl/pkg/discovery"
)

// PeerDiscovered requests a contact to a discovered Peer. A new opportunistic
// Link is created for unknown Peers.
func (d *Daemon) PeerDiscovered(peer discovery.Peer) {
	logger := d.log().WithFields(log.Fields{
		"peer":    peer.Endpoint,
		"nexthop": peer.Nexthop(),
	})

	if l := d.manager.FindLinkTo(peer.Endpoint); l != nil {
		switch {
		case l.Type() != contacts.LinkOpportunistic:
			logger.WithField("link", l.Name()).Debug("Peer is served by a configured link")

		case l.Nexthop() != peer.Nexthop():
			// Links of incoming contacts know the peer's ephemeral address.
			logger.WithField("link", l.Name()).Debug("Peer's link has another next hop")

		case l.Contact() == nil && l.State() == contacts.StateUnavailable:
			logger.WithField("link", l.Name()).Debug("Reopening link to rediscovered peer")
			d.Post(contacts.LinkStateChangeRequest{Link: l, State: contacts.StateOpen, Reason: contacts.ReasonNoInfo})
		}
		return
	}

	params := d.cl.DefaultParams()
	params.CLAType = peer.Type

	l, err := d.manager.NewOpportunisticLink(d.cl, peer.Nexthop(), peer.Endpoint,
		contacts.WithCLParams(params), contacts.WithParams(d.linkParams))
	if err != nil {
		logger.WithError(err).Warn("Failed to create link to discovered peer")
		return
	}

	logger.WithField("link", l.Name()).Info("Discovered new peer")
	d.Post(contacts.LinkStateChangeRequest{Link: l, State: contacts.StateOpen, Reason: contacts.ReasonNoInfo})
}
