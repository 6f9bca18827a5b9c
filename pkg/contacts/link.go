// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package contacts

import (
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-scl/pkg/bpv7"
)

var (
	// ErrIllegalTransition is returned by SetState for a transition not allowed
	// by the Link's state machine.
	ErrIllegalTransition = errors.New("illegal link state transition")

	// ErrLinkDeleted is returned for operations on a deleted Link.
	ErrLinkDeleted = errors.New("link is deleted")

	// ErrNotAvailable is returned by Open for Links which are not AVAILABLE.
	ErrNotAvailable = errors.New("link is not available")

	// ErrNoContact is returned by Close for Links without a Contact.
	ErrNoContact = errors.New("link has no contact")
)

// LinkParams are the generic, convergence layer independent, parameters.
type LinkParams struct {
	MinRetryInterval time.Duration
	MaxRetryInterval time.Duration

	// Queue watermarks; a Link's queue is full above a high watermark and has
	// space again below both low watermarks.
	QueueHighBundles uint64
	QueueLowBundles  uint64
	QueueHighBytes   uint64
	QueueLowBytes    uint64
}

// DefaultLinkParams are used for opportunistic Links and as configuration defaults.
func DefaultLinkParams() LinkParams {
	return LinkParams{
		MinRetryInterval: 5 * time.Second,
		MaxRetryInterval: 10 * time.Minute,

		QueueHighBundles: 10,
		QueueLowBundles:  5,
		QueueHighBytes:   1 << 20,
		QueueLowBytes:    1 << 19,
	}
}

// FutureContact is a planned contact of a LinkScheduled.
type FutureContact struct {
	Start    time.Time
	Duration time.Duration
}

// End of this FutureContact.
func (fc FutureContact) End() time.Time {
	return fc.Start.Add(fc.Duration)
}

// LinkStats are a Link's counters.
type LinkStats struct {
	ContactAttempts    uint64 `json:"contact_attempts"`
	Contacts           uint64 `json:"contacts"`
	BundlesTransmitted uint64 `json:"bundles_transmitted"`
	BytesTransmitted   uint64 `json:"bytes_transmitted"`
	BundlesCancelled   uint64 `json:"bundles_cancelled"`

	BundlesQueued   uint64 `json:"bundles_queued"`
	BytesQueued     uint64 `json:"bytes_queued"`
	BundlesInflight uint64 `json:"bundles_inflight"`
	BytesInflight   uint64 `json:"bytes_inflight"`
}

// queuedBundle is an entry of a Link's queue or in-flight list. Bundles are
// identified by their BundleID.
type queuedBundle struct {
	bundle *bpv7.Bundle
	id     bpv7.BundleID
	length uint64
}

// Link is a named next hop. Its queue and in-flight list are guarded by the
// Link's lock. Only the daemon changes a Link's state; every other component
// posts a LinkStateChangeRequest.
type Link struct {
	name      string
	linkType  LinkType
	nexthop   string
	reliable  bool
	cl        ConvergenceLayer
	params    LinkParams
	clParams  interface{}
	schedule  []FutureContact
	createdAt time.Time

	mutex sync.Mutex

	remoteEid bpv7.EndpointID
	state     LinkState
	contact   *Contact

	queue    []queuedBundle
	inflight []queuedBundle
	stats    LinkStats

	retryInterval   time.Duration
	lastContactDown time.Time

	deleted       bool
	createPending bool
}

// LinkOption configures a Link on its creation.
type LinkOption func(*Link)

// WithRemoteEid sets the endpoint reachable by a Link.
func WithRemoteEid(eid bpv7.EndpointID) LinkOption {
	return func(l *Link) { l.remoteEid = eid }
}

// WithReliable marks a Link as reliable, i.e., Bundles count as delivered when
// they were acknowledged.
func WithReliable(reliable bool) LinkOption {
	return func(l *Link) { l.reliable = reliable }
}

// WithParams sets the generic LinkParams.
func WithParams(params LinkParams) LinkOption {
	return func(l *Link) { l.params = params }
}

// WithCLParams sets the convergence layer specific parameters.
func WithCLParams(params interface{}) LinkOption {
	return func(l *Link) { l.clParams = params }
}

// WithSchedule sets the FutureContacts of a LinkScheduled.
func WithSchedule(schedule ...FutureContact) LinkOption {
	return func(l *Link) { l.schedule = append(l.schedule, schedule...) }
}

// NewLink creates a new Link in the UNAVAILABLE state. It must be registered
// at a Manager afterwards.
func NewLink(name string, linkType LinkType, nexthop string, cl ConvergenceLayer, opts ...LinkOption) *Link {
	l := &Link{
		name:      name,
		linkType:  linkType,
		nexthop:   nexthop,
		cl:        cl,
		params:    DefaultLinkParams(),
		createdAt: time.Now(),
		state:     StateUnavailable,
	}

	for _, opt := range opts {
		opt(l)
	}
	l.retryInterval = l.params.MinRetryInterval

	return l
}

func (l *Link) String() string {
	return fmt.Sprintf("link %s", l.name)
}

func (l *Link) log() *log.Entry {
	return log.WithFields(log.Fields{
		"link": l.name,
		"type": l.linkType,
	})
}

// Name of this Link, unique within a Manager.
func (l *Link) Name() string {
	return l.name
}

// Type of this Link.
func (l *Link) Type() LinkType {
	return l.linkType
}

// Nexthop is the convergence layer's address of this Link's peer.
func (l *Link) Nexthop() string {
	return l.nexthop
}

// CL is this Link's convergence layer.
func (l *Link) CL() ConvergenceLayer {
	return l.cl
}

// CLParams are the convergence layer specific parameters, might be nil.
func (l *Link) CLParams() interface{} {
	return l.clParams
}

// Params are the generic LinkParams.
func (l *Link) Params() LinkParams {
	return l.params
}

// Reliable Links require acknowledgements.
func (l *Link) Reliable() bool {
	return l.reliable
}

// Schedule of a LinkScheduled.
func (l *Link) Schedule() []FutureContact {
	return l.schedule
}

// RemoteEid is the endpoint reachable by this Link, if known.
func (l *Link) RemoteEid() bpv7.EndpointID {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.remoteEid
}

// SetRemoteEid updates the endpoint, e.g., after a contact's handshake.
func (l *Link) SetRemoteEid(eid bpv7.EndpointID) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.remoteEid = eid
}

// State of this Link.
func (l *Link) State() LinkState {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.state
}

// IsOpen checks for the OPEN state.
func (l *Link) IsOpen() bool {
	return l.State() == StateOpen
}

// IsOpening checks for the OPENING state.
func (l *Link) IsOpening() bool {
	return l.State() == StateOpening
}

// IsAvailable checks for the AVAILABLE state.
func (l *Link) IsAvailable() bool {
	return l.State() == StateAvailable
}

// SetState changes this Link's state along its state machine. Only the daemon
// is allowed to call SetState.
func (l *Link) SetState(state LinkState) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	switch {
	case l.deleted:
		return ErrLinkDeleted

	case !legalTransition(l.state, state):
		return fmt.Errorf("%w: %v -> %v", ErrIllegalTransition, l.state, state)

	case state == StateOpen && l.contact == nil:
		return fmt.Errorf("%w: %v -> %v without a contact", ErrIllegalTransition, l.state, state)
	}

	l.log().WithFields(log.Fields{
		"from": l.state,
		"to":   state,
	}).Debug("Link changes state")

	if state == StateOpen && l.state != StateOpen {
		l.stats.Contacts++
	}
	l.state = state
	return nil
}

// Contact is the Link's current Contact, or nil.
func (l *Link) Contact() *Contact {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.contact
}

// IsDeleted checks if this Link was removed from its Manager.
func (l *Link) IsDeleted() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.deleted
}

func (l *Link) setDeleted() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.deleted = true
}

// IsCreatePending checks if the LinkCreated Event is still outstanding.
func (l *Link) IsCreatePending() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.createPending
}

// SetCreatePending defers the LinkCreated Event until Manager.CompleteCreation.
func (l *Link) SetCreatePending(pending bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.createPending = pending
}

// Open starts a new Contact. The Link must be AVAILABLE and becomes OPENING.
func (l *Link) Open() error {
	l.mutex.Lock()

	if l.deleted {
		l.mutex.Unlock()
		return ErrLinkDeleted
	}

	if l.state != StateAvailable || l.contact != nil {
		state := l.state
		l.mutex.Unlock()

		l.log().WithField("state", state).Warn("Cannot open link which is not available")
		return ErrNotAvailable
	}

	c := newContact(l)
	l.state = StateOpening
	l.contact = c
	l.stats.ContactAttempts++
	l.mutex.Unlock()

	l.log().WithField("contact", c.ID).Info("Opening link")

	if err := l.cl.OpenContact(c); err != nil {
		l.log().WithError(err).Warn("Convergence layer failed to open contact")
		return err
	}
	return nil
}

// attachContact binds a new Contact to an idle Link, for a session initiated
// by the peer. The Link's state is left for the daemon's ContactUp handler.
func (l *Link) attachContact() (*Contact, bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.deleted || l.contact != nil {
		return nil, false
	}

	l.contact = newContact(l)
	l.stats.ContactAttempts++
	return l.contact, true
}

// Close tears down the current Contact and clears it.
func (l *Link) Close() error {
	c := l.Contact()
	if c == nil {
		l.log().Warn("Cannot close link without a contact")
		return ErrNoContact
	}

	l.log().WithField("contact", c.ID).Info("Closing link")
	err := l.cl.CloseContact(c)

	c.finish()

	l.mutex.Lock()
	if l.contact == c {
		l.contact = nil
	}
	l.lastContactDown = time.Now()
	l.mutex.Unlock()

	return err
}

// LastContactDown is the time of the last Close, or the creation time.
func (l *Link) LastContactDown() time.Time {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.lastContactDown.IsZero() {
		return l.createdAt
	}
	return l.lastContactDown
}

// RetryInterval is the current delay before reopening a failed Link.
func (l *Link) RetryInterval() time.Duration {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.retryInterval
}

// bumpRetryInterval returns the current retry interval and doubles it, up to
// the maximum.
func (l *Link) bumpRetryInterval() time.Duration {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	current := l.retryInterval
	l.retryInterval *= 2
	if l.retryInterval > l.params.MaxRetryInterval {
		l.retryInterval = l.params.MaxRetryInterval
	}
	return current
}

func (l *Link) resetRetryInterval() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.retryInterval = l.params.MinRetryInterval
}

func indexOf(list []queuedBundle, id bpv7.BundleID) int {
	for i, qb := range list {
		if qb.id == id {
			return i
		}
	}
	return -1
}

// AddToQueue appends a Bundle of the given serialized length to the queue.
// Bundles already queued or in flight are rejected.
func (l *Link) AddToQueue(b *bpv7.Bundle, length uint64) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	id := b.ID()
	if indexOf(l.queue, id) >= 0 || indexOf(l.inflight, id) >= 0 {
		l.log().WithField("bundle", id).Warn("Bundle is already queued or in flight")
		return false
	}

	l.queue = append(l.queue, queuedBundle{b, id, length})
	l.stats.BundlesQueued++
	l.stats.BytesQueued += length
	return true
}

// DelFromQueue removes a Bundle from the queue.
func (l *Link) DelFromQueue(b *bpv7.Bundle) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	_, ok := l.delFromQueue(b.ID())
	return ok
}

func (l *Link) delFromQueue(id bpv7.BundleID) (queuedBundle, bool) {
	i := indexOf(l.queue, id)
	if i < 0 {
		l.log().WithField("bundle", id).Warn("Bundle is not queued")
		return queuedBundle{}, false
	}

	qb := l.queue[i]
	l.queue = append(l.queue[:i], l.queue[i+1:]...)
	l.stats.BundlesQueued--
	l.stats.BytesQueued -= qb.length
	return qb, true
}

// AddToInflight appends a Bundle, which is not queued, to the in-flight list.
func (l *Link) AddToInflight(b *bpv7.Bundle, length uint64) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	id := b.ID()
	if indexOf(l.queue, id) >= 0 || indexOf(l.inflight, id) >= 0 {
		l.log().WithField("bundle", id).Warn("Bundle is already queued or in flight")
		return false
	}

	l.inflight = append(l.inflight, queuedBundle{b, id, length})
	l.stats.BundlesInflight++
	l.stats.BytesInflight += length
	return true
}

// DelFromInflight removes a Bundle from the in-flight list.
func (l *Link) DelFromInflight(b *bpv7.Bundle) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	_, ok := l.delFromInflight(b.ID())
	return ok
}

func (l *Link) delFromInflight(id bpv7.BundleID) (queuedBundle, bool) {
	i := indexOf(l.inflight, id)
	if i < 0 {
		l.log().WithField("bundle", id).Warn("Bundle is not in flight")
		return queuedBundle{}, false
	}

	qb := l.inflight[i]
	l.inflight = append(l.inflight[:i], l.inflight[i+1:]...)
	l.stats.BundlesInflight--
	l.stats.BytesInflight -= qb.length
	return qb, true
}

// MoveQueueHeadToInflight pops the queue's first Bundle into the in-flight
// list. The ok flag is false for an empty queue.
func (l *Link) MoveQueueHeadToInflight() (b *bpv7.Bundle, length uint64, ok bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if len(l.queue) == 0 {
		return
	}

	qb, _ := l.delFromQueue(l.queue[0].id)
	l.inflight = append(l.inflight, qb)
	l.stats.BundlesInflight++
	l.stats.BytesInflight += qb.length

	return qb.bundle, qb.length, true
}

// RequeueFromInflight moves an in-flight Bundle back to the queue's front.
func (l *Link) RequeueFromInflight(b *bpv7.Bundle) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	qb, ok := l.delFromInflight(b.ID())
	if !ok {
		return false
	}

	l.queue = append([]queuedBundle{qb}, l.queue...)
	l.stats.BundlesQueued++
	l.stats.BytesQueued += qb.length
	return true
}

// IsQueued checks if a Bundle is within the queue.
func (l *Link) IsQueued(b *bpv7.Bundle) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return indexOf(l.queue, b.ID()) >= 0
}

// IsInflight checks if a Bundle is within the in-flight list.
func (l *Link) IsInflight(b *bpv7.Bundle) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return indexOf(l.inflight, b.ID()) >= 0
}

// Queue returns the queued Bundles.
func (l *Link) Queue() []*bpv7.Bundle {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	bundles := make([]*bpv7.Bundle, len(l.queue))
	for i, qb := range l.queue {
		bundles[i] = qb.bundle
	}
	return bundles
}

// Inflight returns the in-flight Bundles.
func (l *Link) Inflight() []*bpv7.Bundle {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	bundles := make([]*bpv7.Bundle, len(l.inflight))
	for i, qb := range l.inflight {
		bundles[i] = qb.bundle
	}
	return bundles
}

// BundlesQueued is the amount of queued Bundles.
func (l *Link) BundlesQueued() uint64 {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.stats.BundlesQueued
}

// BytesQueued is the total length of queued Bundles.
func (l *Link) BytesQueued() uint64 {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.stats.BytesQueued
}

// BundlesInflight is the amount of in-flight Bundles.
func (l *Link) BundlesInflight() uint64 {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.stats.BundlesInflight
}

// BytesInflight is the total length of in-flight Bundles.
func (l *Link) BytesInflight() uint64 {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.stats.BytesInflight
}

// QueueIsFull if either the queued Bundles or bytes exceed their high watermark.
func (l *Link) QueueIsFull() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.stats.BundlesQueued > l.params.QueueHighBundles ||
		l.stats.BytesQueued > l.params.QueueHighBytes
}

// QueueHasSpace if both the queued Bundles and bytes are below their low watermark.
func (l *Link) QueueHasSpace() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.stats.BundlesQueued < l.params.QueueLowBundles &&
		l.stats.BytesQueued < l.params.QueueLowBytes
}

// RecordTransmitted counts a transmitted Bundle.
func (l *Link) RecordTransmitted(bytes uint64) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.stats.BundlesTransmitted++
	l.stats.BytesTransmitted += bytes
}

// RecordCancelled counts a cancelled Bundle.
func (l *Link) RecordCancelled() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.stats.BundlesCancelled++
}

// Stats returns a copy of this Link's counters.
func (l *Link) Stats() LinkStats {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.stats
}

// LinkInfo is a snapshot of a Link, e.g., for the REST API.
type LinkInfo struct {
	Name      string    `json:"name"`
	Type      LinkType  `json:"type"`
	State     LinkState `json:"state"`
	Nexthop   string    `json:"nexthop"`
	RemoteEid string    `json:"remote_eid"`
	CL        string    `json:"cl"`
	Reliable  bool      `json:"reliable"`
	Contact   string    `json:"contact,omitempty"`
	Retry     string    `json:"retry_interval"`
	Stats     LinkStats `json:"stats"`
}

// Info creates a LinkInfo snapshot.
func (l *Link) Info() LinkInfo {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	info := LinkInfo{
		Name:      l.name,
		Type:      l.linkType,
		State:     l.state,
		Nexthop:   l.nexthop,
		RemoteEid: l.remoteEid.String(),
		Reliable:  l.reliable,
		Retry:     l.retryInterval.String(),
		Stats:     l.stats,
	}
	if l.cl != nil {
		info.CL = l.cl.Name()
	}
	if l.contact != nil {
		info.Contact = l.contact.ID.String()
	}
	return info
}
