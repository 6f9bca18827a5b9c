// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package contacts

import (
	"fmt"
	"strings"
)

// LinkType describes when a Link is expected to be usable.
type LinkType int

const (
	// LinkAlwaysOn is opened as soon as it is created and reopened after failures.
	LinkAlwaysOn LinkType = iota

	// LinkOnDemand is opened when bundles are queued and reopened after failures.
	LinkOnDemand

	// LinkScheduled is opened and closed at the times of its future contacts.
	LinkScheduled

	// LinkOpportunistic is created by a peer's connection or by discovery.
	LinkOpportunistic
)

var linkTypeNames = map[LinkType]string{
	LinkAlwaysOn:      "ALWAYSON",
	LinkOnDemand:      "ONDEMAND",
	LinkScheduled:     "SCHEDULED",
	LinkOpportunistic: "OPPORTUNISTIC",
}

func (lt LinkType) String() string {
	if name, ok := linkTypeNames[lt]; ok {
		return name
	}
	return fmt.Sprintf("LinkType(%d)", int(lt))
}

// ParseLinkType from a case insensitive name, e.g., "ondemand".
func ParseLinkType(name string) (LinkType, error) {
	for lt, ltName := range linkTypeNames {
		if strings.EqualFold(name, ltName) {
			return lt, nil
		}
	}
	return 0, fmt.Errorf("unknown link type %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (lt LinkType) MarshalText() ([]byte, error) {
	return []byte(lt.String()), nil
}

// LinkState of a Link.
type LinkState int

const (
	StateUnavailable LinkState = iota
	StateAvailable
	StateOpening
	StateOpen

	// StateClosed is never a Link's state. It is only requested within a
	// LinkStateChangeRequest to tear down an open contact.
	StateClosed
)

func (ls LinkState) String() string {
	switch ls {
	case StateUnavailable:
		return "UNAVAILABLE"
	case StateAvailable:
		return "AVAILABLE"
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("LinkState(%d)", int(ls))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (ls LinkState) MarshalText() ([]byte, error) {
	return []byte(ls.String()), nil
}

// legalTransition checks the Link's state machine:
//
//	UNAVAILABLE -> AVAILABLE | OPENING
//	AVAILABLE   -> OPENING
//	OPENING     -> OPEN
//	any         -> UNAVAILABLE
func legalTransition(from, to LinkState) bool {
	if to == StateUnavailable {
		return true
	}

	switch from {
	case StateUnavailable:
		return to == StateAvailable || to == StateOpening
	case StateAvailable:
		return to == StateOpening
	case StateOpening:
		return to == StateOpen
	default:
		return false
	}
}

// Reason explains a contact's or link's state change.
type Reason int

const (
	ReasonNoInfo Reason = iota
	ReasonUser
	ReasonBroken
	ReasonCLError
	ReasonCLVersion
	ReasonShutdown
	ReasonReconnect
	ReasonIdle
	ReasonTimeout
	ReasonMagicNumber
	ReasonSchedule
)

var reasonNames = [...]string{
	ReasonNoInfo:      "no additional info",
	ReasonUser:        "user action",
	ReasonBroken:      "connection broken",
	ReasonCLError:     "cl protocol error",
	ReasonCLVersion:   "cl version mismatch",
	ReasonShutdown:    "peer shut down",
	ReasonReconnect:   "reconnecting",
	ReasonIdle:        "idle connection",
	ReasonTimeout:     "timeout",
	ReasonMagicNumber: "bad magic number",
	ReasonSchedule:    "scheduled contact ended",
}

func (r Reason) String() string {
	if r >= 0 && int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}
