// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package daemon

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-scl/pkg/contacts"
)

// pendingCheck asks the event loop to forward the Store's pending Bundles.
type pendingCheck struct{}

func (pendingCheck) String() string {
	return "PendingCheck"
}

// dispatch an Event to its handler. This is only called by the event loop.
func (d *Daemon) dispatch(ev contacts.Event) {
	if awaited, ok := ev.(awaitedEvent); ok {
		defer close(awaited.done)
		ev = awaited.Event
	}

	d.log().WithField("event", ev).Debug("Handling event")

	switch ev := ev.(type) {
	case contacts.LinkCreated:
		d.handleLinkCreated(ev)
	case contacts.LinkDeleted:
		d.handleLinkDeleted(ev)
	case contacts.LinkAvailable:
		d.handleLinkAvailable(ev)
	case contacts.LinkUnavailable:
		d.handleLinkUnavailable(ev)
	case contacts.LinkStateChangeRequest:
		d.handleLinkStateChangeRequest(ev)
	case contacts.ContactUp:
		d.handleContactUp(ev)
	case contacts.ContactDown:
		d.handleContactDown(ev)
	case contacts.BundleReceived:
		d.handleBundleReceived(ev)
	case contacts.BundleTransmitted:
		d.handleBundleTransmitted(ev)
	case contacts.BundleSendCancelled:
		d.handleBundleSendCancelled(ev)
	case contacts.BundleInjected:
		d.handleBundleInjected(ev)
	case pendingCheck:
		d.forwardPending()

	default:
		d.log().WithField("event", ev).Warn("Unknown event type")
	}
}

func (d *Daemon) handleLinkCreated(ev contacts.LinkCreated) {
	d.manager.HandleLinkCreated(ev.Link)
	d.Post(pendingCheck{})
}

func (d *Daemon) handleLinkDeleted(ev contacts.LinkDeleted) {
	l := ev.Link

	if c := l.Contact(); c != nil {
		d.closeContact(c)
	}

	d.releaseQueue(l)
}

func (d *Daemon) handleLinkAvailable(ev contacts.LinkAvailable) {
	l := ev.Link
	if l.IsAvailable() && l.BundlesQueued() > 0 {
		d.Post(contacts.LinkStateChangeRequest{Link: l, State: contacts.StateOpen, Reason: contacts.ReasonNoInfo})
	}
}

func (d *Daemon) handleLinkUnavailable(ev contacts.LinkUnavailable) {
	d.manager.HandleLinkUnavailable(ev.Link, ev.Reason)

	if ev.Link.Type() == contacts.LinkOpportunistic {
		d.releaseQueue(ev.Link)
	}
}

func (d *Daemon) handleLinkStateChangeRequest(ev contacts.LinkStateChangeRequest) {
	l := ev.Link
	logger := d.log().WithFields(log.Fields{
		"link":   l.Name(),
		"state":  ev.State,
		"reason": ev.Reason,
	})

	if l.IsDeleted() {
		logger.Debug("Ignoring state change request for deleted link")
		return
	}

	switch ev.State {
	case contacts.StateOpen:
		d.openLink(l)

	case contacts.StateClosed:
		c := l.Contact()
		if c == nil {
			logger.Debug("Ignoring close request for link without contact")
			return
		}
		if ev.Contact != nil && ev.Contact != c {
			logger.Debug("Ignoring close request for a previous contact")
			return
		}
		d.PostAtHead(contacts.ContactDown{Contact: c, Reason: ev.Reason})

	case contacts.StateAvailable:
		if l.State() != contacts.StateUnavailable || l.Contact() != nil {
			logger.Debug("Ignoring availability request for a busy link")
			return
		}
		if err := l.SetState(contacts.StateAvailable); err != nil {
			logger.WithError(err).Warn("Failed to set link available")
			return
		}
		d.Post(contacts.LinkAvailable{Link: l, Reason: ev.Reason})

	case contacts.StateUnavailable:
		if c := l.Contact(); c != nil {
			d.closeContact(c)
		}
		if err := l.SetState(contacts.StateUnavailable); err != nil {
			logger.WithError(err).Warn("Failed to set link unavailable")
			return
		}
		d.Post(contacts.LinkUnavailable{Link: l, Reason: ev.Reason})

	default:
		logger.Warn("Unsupported state change request")
	}
}

// openLink makes an idle Link AVAILABLE, if necessary, and opens it.
func (d *Daemon) openLink(l *contacts.Link) {
	logger := d.log().WithField("link", l.Name())

	switch l.State() {
	case contacts.StateOpening, contacts.StateOpen:
		logger.Debug("Link is already opening or open")
		return

	case contacts.StateUnavailable:
		if l.Contact() != nil {
			logger.Debug("Link is bound to an incoming contact")
			return
		}
		if err := l.SetState(contacts.StateAvailable); err != nil {
			logger.WithError(err).Warn("Failed to set link available")
			return
		}
	}

	err := l.Open()
	if err == nil || errors.Is(err, contacts.ErrNotAvailable) || errors.Is(err, contacts.ErrLinkDeleted) {
		return
	}

	// The Contact exists, but its convergence layer failed to start it.
	if c := l.Contact(); c != nil {
		d.Post(contacts.LinkStateChangeRequest{Link: l, State: contacts.StateClosed, Reason: contacts.ReasonBroken, Contact: c})
	}
}

func (d *Daemon) handleContactUp(ev contacts.ContactUp) {
	c := ev.Contact
	l := c.Link()
	logger := d.log().WithFields(log.Fields{
		"link":    l.Name(),
		"contact": c.ID,
	})

	if l.Contact() != c {
		logger.Debug("Ignoring stale contact up")
		return
	}

	switch l.State() {
	case contacts.StateOpen:
		logger.Debug("Link is already open")
		return

	case contacts.StateUnavailable, contacts.StateAvailable:
		// Incoming contacts skip the Link's Open call.
		if err := l.SetState(contacts.StateOpening); err != nil {
			logger.WithError(err).Warn("Failed to set link opening")
			return
		}
	}

	if err := l.SetState(contacts.StateOpen); err != nil {
		logger.WithError(err).Warn("Failed to set link open")
		return
	}

	logger.WithField("remote", l.RemoteEid()).Info("Contact is up")

	d.manager.HandleContactUp(c)
	if l.BundlesQueued() > 0 {
		l.CL().BundleQueued(l)
	}
	d.Post(pendingCheck{})
}

func (d *Daemon) handleContactDown(ev contacts.ContactDown) {
	c := ev.Contact
	l := c.Link()
	logger := d.log().WithFields(log.Fields{
		"link":    l.Name(),
		"contact": c.ID,
		"reason":  ev.Reason,
	})

	if l.Contact() != c {
		logger.Debug("Ignoring stale contact down")
		return
	}

	d.closeContact(c)
	logger.Info("Contact is down")

	if l.IsDeleted() {
		return
	}

	if err := l.SetState(contacts.StateUnavailable); err != nil {
		logger.WithError(err).Warn("Failed to set link unavailable")
		return
	}

	// An on-demand Link closed on purpose waits for the next Bundle, every
	// other Link waits for its retry timer, schedule or peer.
	if l.Type() == contacts.LinkOnDemand && (ev.Reason == contacts.ReasonIdle || ev.Reason == contacts.ReasonUser) {
		if err := l.SetState(contacts.StateAvailable); err != nil {
			logger.WithError(err).Warn("Failed to set link available")
			return
		}
		d.Post(contacts.LinkAvailable{Link: l, Reason: ev.Reason})
		return
	}

	d.Post(contacts.LinkUnavailable{Link: l, Reason: ev.Reason})
}

// closeContact closes a Link's Contact and logs its measurements.
func (d *Daemon) closeContact(c *contacts.Contact) {
	l := c.Link()
	if err := l.Close(); err != nil {
		d.log().WithField("link", l.Name()).WithError(err).Warn("Closing contact errored")
	}

	bandwidth, _, duration := c.Measurements()
	d.log().WithFields(log.Fields{
		"link":      l.Name(),
		"contact":   c.ID,
		"duration":  duration,
		"bandwidth": bandwidth,
	}).Debug("Contact closed")
}
