// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package contacts

import (
	"fmt"
	"time"

	"github.com/dtn7/dtn7-scl/pkg/bpv7"
)

// Event is posted to the daemon's event loop, which handles all Events in
// order. Convergence layers and the Manager never change a Link's state
// directly, but post an Event instead.
type Event interface {
	fmt.Stringer
}

// EventPoster is the daemon's interface to receive Events.
type EventPoster interface {
	// Post appends an Event to the queue.
	Post(ev Event)

	// PostAtHead puts an Event in front of every other queued Event.
	PostAtHead(ev Event)

	// PostAndWait posts an Event and blocks until it was handled or the timeout
	// occurred.
	PostAndWait(ev Event, timeout time.Duration) error
}

// ContactUp is posted by a convergence layer after a contact's handshake.
type ContactUp struct {
	Contact *Contact
}

func (ev ContactUp) String() string {
	return fmt.Sprintf("ContactUp(%v)", ev.Contact)
}

// ContactDown is posted by the daemon itself to tear down a contact.
type ContactDown struct {
	Contact *Contact
	Reason  Reason
}

func (ev ContactDown) String() string {
	return fmt.Sprintf("ContactDown(%v, %v)", ev.Contact, ev.Reason)
}

// LinkStateChangeRequest asks the daemon to change a Link's state. A request
// for StateClosed tears down the Link's open contact. Contact references the
// Link's Contact at the time of the request, if any, to detect stale requests.
type LinkStateChangeRequest struct {
	Link    *Link
	State   LinkState
	Reason  Reason
	Contact *Contact
}

func (ev LinkStateChangeRequest) String() string {
	return fmt.Sprintf("LinkStateChangeRequest(%v, %v, %v)", ev.Link, ev.State, ev.Reason)
}

// BundleReceived is posted for each Bundle received on a contact. A Partial
// Bundle is a fragment of an interrupted transfer.
type BundleReceived struct {
	Bundle        bpv7.Bundle
	BytesReceived uint64
	Link          *Link
	Partial       bool
}

func (ev BundleReceived) String() string {
	return fmt.Sprintf("BundleReceived(%v, %d bytes)", ev.Bundle.ID(), ev.BytesReceived)
}

// BundleTransmitted is posted once per in-flight Bundle, either after its
// complete acknowledgement or with partial byte counts after an interrupted
// transfer with reactive fragmentation.
type BundleTransmitted struct {
	Bundle     *bpv7.Bundle
	Contact    *Contact
	Link       *Link
	BytesSent  uint64
	BytesAcked uint64
}

func (ev BundleTransmitted) String() string {
	return fmt.Sprintf("BundleTransmitted(%v, %d sent, %d acked)", ev.Bundle.ID(), ev.BytesSent, ev.BytesAcked)
}

// BundleSendCancelled is posted after a queued Bundle was removed from a Link.
type BundleSendCancelled struct {
	Bundle *bpv7.Bundle
	Link   *Link
}

func (ev BundleSendCancelled) String() string {
	return fmt.Sprintf("BundleSendCancelled(%v, %v)", ev.Bundle.ID(), ev.Link)
}

// BundleInjected is posted for locally created Bundles.
type BundleInjected struct {
	Bundle bpv7.Bundle
}

func (ev BundleInjected) String() string {
	return fmt.Sprintf("BundleInjected(%v)", ev.Bundle.ID())
}

// LinkCreated is posted after a Link was added to the Manager.
type LinkCreated struct {
	Link *Link
}

func (ev LinkCreated) String() string {
	return fmt.Sprintf("LinkCreated(%v)", ev.Link)
}

// LinkDeleted is posted after a Link was removed from the Manager.
type LinkDeleted struct {
	Link *Link
}

func (ev LinkDeleted) String() string {
	return fmt.Sprintf("LinkDeleted(%v)", ev.Link)
}

// LinkAvailable is posted after a Link became AVAILABLE.
type LinkAvailable struct {
	Link   *Link
	Reason Reason
}

func (ev LinkAvailable) String() string {
	return fmt.Sprintf("LinkAvailable(%v, %v)", ev.Link, ev.Reason)
}

// LinkUnavailable is posted after a Link became UNAVAILABLE.
type LinkUnavailable struct {
	Link   *Link
	Reason Reason
}

func (ev LinkUnavailable) String() string {
	return fmt.Sprintf("LinkUnavailable(%v, %v)", ev.Link, ev.Reason)
}
