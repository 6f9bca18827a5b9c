// SPDX-FileCopyrightText: 2020, 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"github.com/dtn7/dtn7-scl/pkg/bpv7"
)

// Message is exchanged between an ApplicationAgent and its supervisor.
type Message interface {
	// Recipients of this Message, or nil if it is addressed to everyone.
	Recipients() []bpv7.EndpointID
}

// BundleMessage carries a Bundle. Sent to an ApplicationAgent, it is a
// delivered Bundle; sent by an ApplicationAgent, it is an outgoing Bundle.
type BundleMessage struct {
	Bundle bpv7.Bundle
}

// Recipients is the Bundle's destination.
func (bm BundleMessage) Recipients() []bpv7.EndpointID {
	return []bpv7.EndpointID{bm.Bundle.Destination}
}

// ShutdownMessage stops an ApplicationAgent. Sent by an ApplicationAgent, it
// announces its own shutdown.
type ShutdownMessage struct{}

// Recipients are everyone.
func (sm ShutdownMessage) Recipients() []bpv7.EndpointID {
	return nil
}
