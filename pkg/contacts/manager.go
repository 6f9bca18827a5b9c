// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package contacts manages Links, their Contacts and the Events describing
// their lifecycle.
//
// A Manager owns all Links behind one lock. The lock order is the Manager's
// lock before any Link's lock. Timers for reopening failed Links and for
// scheduled contacts do not change Links directly, but post
// LinkStateChangeRequests to the daemon.
package contacts

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-scl/pkg/bpv7"
)

var (
	// ErrDuplicateLink is returned for a new Link with a known name.
	ErrDuplicateLink = errors.New("link name is already in use")

	// ErrUnknownLink is returned for Links unknown to the Manager.
	ErrUnknownLink = errors.New("link is unknown")

	// ErrSelfLink is returned for an opportunistic Link to this node itself.
	ErrSelfLink = errors.New("link would connect to this node")
)

// linkDeleteTimeout bounds DelLink's wait for the daemon's acknowledgement.
const linkDeleteTimeout = 10 * time.Second

// Manager owns the set of Links.
type Manager struct {
	nodeId bpv7.EndpointID
	poster EventPoster

	mutex          sync.Mutex
	links          []*Link
	linkCounter    uint64
	retryTimers    map[*Link]*retryTimer
	scheduleTimers map[*Link][]*time.Timer
}

// retryTimer identifies one scheduled reopen of a Link.
type retryTimer struct {
	*time.Timer
}

// NewManager for a node, posting Events to the daemon.
func NewManager(nodeId bpv7.EndpointID, poster EventPoster) *Manager {
	return &Manager{
		nodeId:         nodeId,
		poster:         poster,
		retryTimers:    make(map[*Link]*retryTimer),
		scheduleTimers: make(map[*Link][]*time.Timer),
	}
}

// NodeId of this node.
func (m *Manager) NodeId() bpv7.EndpointID {
	return m.nodeId
}

// findLink by its name; the lock must be held.
func (m *Manager) findLink(name string) *Link {
	for _, l := range m.links {
		if l.name == name {
			return l
		}
	}
	return nil
}

// findLinkTo a remote endpoint; the lock must be held.
func (m *Manager) findLinkTo(eid bpv7.EndpointID) *Link {
	for _, l := range m.links {
		if l.RemoteEid() == eid {
			if l.IsDeleted() {
				return nil
			}
			return l
		}
	}
	return nil
}

// AddNewLink registers a Link. A LinkCreated Event is posted, unless the
// Link's creation is pending.
func (m *Manager) AddNewLink(l *Link) error {
	m.mutex.Lock()
	err := m.addNewLink(l)
	m.mutex.Unlock()

	if err == nil && !l.IsCreatePending() {
		m.poster.Post(LinkCreated{Link: l})
	}
	return err
}

func (m *Manager) addNewLink(l *Link) error {
	if m.findLink(l.name) != nil {
		log.WithField("link", l.name).Warn("Rejecting link with a duplicate name")
		return ErrDuplicateLink
	}

	m.links = append(m.links, l)

	log.WithFields(log.Fields{
		"link":    l.name,
		"type":    l.linkType,
		"nexthop": l.nexthop,
	}).Info("Added new link")
	return nil
}

// CompleteCreation posts the outstanding LinkCreated Event of a Link which was
// added with a pending creation.
func (m *Manager) CompleteCreation(l *Link) {
	if !l.IsCreatePending() {
		return
	}

	l.SetCreatePending(false)
	m.poster.Post(LinkCreated{Link: l})
}

// DelLink removes a Link and posts a LinkDeleted Event. If wait is set, this
// call blocks until the daemon has handled the Event.
func (m *Manager) DelLink(l *Link, wait bool) error {
	m.mutex.Lock()

	i := -1
	for j, known := range m.links {
		if known == l {
			i = j
			break
		}
	}
	if i < 0 {
		m.mutex.Unlock()
		return ErrUnknownLink
	}

	m.links = append(m.links[:i], m.links[i+1:]...)
	l.setDeleted()
	m.cancelTimers(l)

	// The daemon's handler acquires this lock as well.
	m.mutex.Unlock()

	l.log().Info("Deleted link")

	ev := LinkDeleted{Link: l}
	if wait {
		return m.poster.PostAndWait(ev, linkDeleteTimeout)
	}
	m.poster.Post(ev)
	return nil
}

// FindLink by its name. Returns nil for an unknown name.
func (m *Manager) FindLink(name string) *Link {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.findLink(name)
}

// FindLinkTo returns the Link to a remote endpoint. Returns nil if there is
// no such Link or if it is deleted.
func (m *Manager) FindLinkTo(eid bpv7.EndpointID) *Link {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.findLinkTo(eid)
}

// Links returns all registered Links.
func (m *Manager) Links() []*Link {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return append([]*Link(nil), m.links...)
}

// newOpportunisticLink creates and registers an opportunistic Link; the lock
// must be held. The LinkCreated Event is left to the caller.
func (m *Manager) newOpportunisticLink(cl ConvergenceLayer, nexthop string, remoteEid bpv7.EndpointID, opts ...LinkOption) (*Link, error) {
	if remoteEid == m.nodeId || remoteEid.SameNode(m.nodeId) {
		log.WithField("eid", remoteEid).Warn("Rejecting opportunistic link to this node")
		return nil, ErrSelfLink
	}

	var name string
	for {
		m.linkCounter++
		name = fmt.Sprintf("link-%d", m.linkCounter)
		if m.findLink(name) == nil {
			break
		}
	}

	opts = append([]LinkOption{WithRemoteEid(remoteEid)}, opts...)
	l := NewLink(name, LinkOpportunistic, nexthop, cl, opts...)
	if err := m.addNewLink(l); err != nil {
		return nil, err
	}
	return l, nil
}

// NewOpportunisticLink creates, registers and announces an opportunistic Link
// to a remote endpoint.
func (m *Manager) NewOpportunisticLink(cl ConvergenceLayer, nexthop string, remoteEid bpv7.EndpointID, opts ...LinkOption) (*Link, error) {
	m.mutex.Lock()
	l, err := m.newOpportunisticLink(cl, nexthop, remoteEid, opts...)
	m.mutex.Unlock()

	if err != nil {
		return nil, err
	}

	m.poster.Post(LinkCreated{Link: l})
	return l, nil
}

// AttachPassiveContact binds a new Contact for a session initiated by a peer.
// An idle Link to the peer's endpoint is reused, otherwise a new opportunistic
// Link is created.
func (m *Manager) AttachPassiveContact(cl ConvergenceLayer, nexthop string, remoteEid bpv7.EndpointID, opts ...LinkOption) (*Contact, error) {
	m.mutex.Lock()

	if l := m.findLinkTo(remoteEid); l != nil {
		// The Link's lock is taken within attachContact while the Manager's
		// lock prevents a concurrent deletion.
		if c, ok := l.attachContact(); ok {
			m.mutex.Unlock()

			l.log().WithField("contact", c.ID).Info("Reusing idle link for incoming contact")
			return c, nil
		}
	}

	l, err := m.newOpportunisticLink(cl, nexthop, remoteEid, opts...)
	if err != nil {
		m.mutex.Unlock()
		return nil, err
	}
	c, _ := l.attachContact()
	m.mutex.Unlock()

	m.poster.Post(LinkCreated{Link: l})
	return c, nil
}

// cancelTimers of a Link; the lock must be held.
func (m *Manager) cancelTimers(l *Link) {
	if t, ok := m.retryTimers[l]; ok {
		t.Stop()
		delete(m.retryTimers, l)
	}

	for _, t := range m.scheduleTimers[l] {
		t.Stop()
	}
	delete(m.scheduleTimers, l)
}

// HandleLinkCreated sets a new Link's initial state by its type. This must be
// called from the daemon's event loop.
func (m *Manager) HandleLinkCreated(l *Link) {
	switch l.linkType {
	case LinkAlwaysOn:
		if err := l.SetState(StateAvailable); err != nil {
			l.log().WithError(err).Warn("Failed to set always-on link available")
			return
		}
		m.poster.Post(LinkStateChangeRequest{Link: l, State: StateOpen, Reason: ReasonNoInfo})

	case LinkOnDemand:
		if err := l.SetState(StateAvailable); err != nil {
			l.log().WithError(err).Warn("Failed to set on-demand link available")
			return
		}
		m.poster.Post(LinkAvailable{Link: l, Reason: ReasonNoInfo})

	case LinkScheduled:
		m.scheduleContacts(l)

	case LinkOpportunistic:
		// Stays UNAVAILABLE until a contact comes up.
	}
}

// scheduleContacts starts timers for a scheduled Link's future contacts.
func (m *Manager) scheduleContacts(l *Link) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := time.Now()
	for _, fc := range l.schedule {
		if fc.End().Before(now) {
			continue
		}

		fc := fc
		openTimer := time.AfterFunc(fc.Start.Sub(now), func() {
			if l.IsDeleted() {
				return
			}
			l.log().WithField("duration", fc.Duration).Info("Scheduled contact starts")
			m.poster.Post(LinkStateChangeRequest{Link: l, State: StateOpen, Reason: ReasonSchedule})
		})
		closeTimer := time.AfterFunc(fc.End().Sub(now), func() {
			if l.IsDeleted() {
				return
			}
			l.log().Info("Scheduled contact ends")
			m.poster.Post(LinkStateChangeRequest{Link: l, State: StateClosed, Reason: ReasonSchedule, Contact: l.Contact()})
		})

		m.scheduleTimers[l] = append(m.scheduleTimers[l], openTimer, closeTimer)
	}
}

// HandleLinkUnavailable starts the retry timer for always-on and on-demand
// Links, unless the user closed the Link. The timer's delay is the Link's
// retry interval, which is doubled afterwards.
func (m *Manager) HandleLinkUnavailable(l *Link, reason Reason) {
	if l.linkType != LinkAlwaysOn && l.linkType != LinkOnDemand {
		return
	}
	if reason == ReasonUser {
		return
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if l.IsDeleted() {
		return
	}

	if t, ok := m.retryTimers[l]; ok {
		t.Stop()
	}

	delay := l.bumpRetryInterval()
	l.log().WithFields(log.Fields{
		"delay":  delay,
		"reason": reason,
	}).Info("Scheduling link reopen")

	t := new(retryTimer)
	t.Timer = time.AfterFunc(delay, func() { m.retryLink(l, t) })
	m.retryTimers[l] = t
}

// retryLink is the retry timer's handler.
func (m *Manager) retryLink(l *Link, t *retryTimer) {
	m.mutex.Lock()
	if m.retryTimers[l] != t {
		// This timer was replaced or cancelled.
		m.mutex.Unlock()
		return
	}
	delete(m.retryTimers, l)
	m.mutex.Unlock()

	if l.IsDeleted() {
		return
	}
	if state := l.State(); state == StateOpening || state == StateOpen {
		l.log().WithField("state", state).Debug("Ignoring stale reopen timer")
		return
	}

	m.poster.Post(LinkStateChangeRequest{Link: l, State: StateOpen, Reason: ReasonReconnect})
}

// HandleContactUp resets the Link's retry interval and cancels its retry timer.
func (m *Manager) HandleContactUp(c *Contact) {
	l := c.Link()
	l.resetRetryInterval()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if t, ok := m.retryTimers[l]; ok {
		t.Stop()
		delete(m.retryTimers, l)
	}
}

// RetryPending checks for an active retry timer, e.g., for status reports.
func (m *Manager) RetryPending(l *Link) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	_, ok := m.retryTimers[l]
	return ok
}

// PruneOpportunistic deletes unused opportunistic Links whose last contact
// ended more than linger ago and returns their amount.
func (m *Manager) PruneOpportunistic(linger time.Duration) (n int) {
	var prune []*Link

	m.mutex.Lock()
	for _, l := range m.links {
		if l.linkType != LinkOpportunistic {
			continue
		}

		l.mutex.Lock()
		unused := l.state == StateUnavailable && l.contact == nil &&
			len(l.queue) == 0 && len(l.inflight) == 0
		l.mutex.Unlock()

		if unused && time.Since(l.LastContactDown()) > linger {
			prune = append(prune, l)
		}
	}
	m.mutex.Unlock()

	for _, l := range prune {
		if err := m.DelLink(l, false); err != nil {
			l.log().WithError(err).Warn("Failed to prune opportunistic link")
		} else {
			n++
		}
	}
	return
}

// Close stops all timers and closes every Link with a Contact.
func (m *Manager) Close() error {
	m.mutex.Lock()
	links := append([]*Link(nil), m.links...)
	for _, l := range links {
		m.cancelTimers(l)
	}
	m.mutex.Unlock()

	var err error
	for _, l := range links {
		if l.Contact() == nil {
			continue
		}
		if closeErr := l.Close(); closeErr != nil {
			err = multierror.Append(err, fmt.Errorf("closing %v: %w", l, closeErr))
		}
	}
	return err
}
