// SPDX-FileCopyrightText: 2020, 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import "github.com/dtn7/dtn7-scl/pkg/bpv7"

// ApplicationAgent receives and sends Bundles for its endpoints.
//
// On shutting down, an ApplicationAgent MUST close its MessageSender channel
// and MUST leave its MessageReceiver open. The supervising code closes the
// MessageReceiver afterwards.
type ApplicationAgent interface {
	// Endpoints this ApplicationAgent answers to.
	Endpoints() []bpv7.EndpointID

	// MessageReceiver is read by the ApplicationAgent for incoming Messages.
	MessageReceiver() chan Message

	// MessageSender is written by the ApplicationAgent for outgoing Messages.
	MessageSender() chan Message
}

// AppAgentContainsEndpoint checks if an ApplicationAgent listens to at least
// one of the endpoints.
func AppAgentContainsEndpoint(app ApplicationAgent, eids []bpv7.EndpointID) bool {
	for _, own := range app.Endpoints() {
		for _, eid := range eids {
			if own == eid {
				return true
			}
		}
	}
	return false
}

// AppAgentHasEndpoint checks if an ApplicationAgent listens to this endpoint.
func AppAgentHasEndpoint(app ApplicationAgent, eid bpv7.EndpointID) bool {
	return AppAgentContainsEndpoint(app, []bpv7.EndpointID{eid})
}
