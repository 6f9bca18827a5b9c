// SPDX-FileCopyrightText: 2020, 2021, 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-scl/pkg/bpv7"
)

// PingAgent answers each incoming Bundle with a "pong" Bundle to its source.
type PingAgent struct {
	endpoint bpv7.EndpointID
	receiver chan Message
	sender   chan Message

	sequence uint64
}

// NewPing creates and starts a new PingAgent.
func NewPing(endpoint bpv7.EndpointID) *PingAgent {
	p := &PingAgent{
		endpoint: endpoint,
		receiver: make(chan Message),
		sender:   make(chan Message),
	}

	go p.handler()

	return p
}

func (p *PingAgent) log() *log.Entry {
	return log.WithField("PingAgent", p.endpoint)
}

func (p *PingAgent) handler() {
	defer close(p.sender)

	for m := range p.receiver {
		switch m := m.(type) {
		case BundleMessage:
			p.ackBundle(m.Bundle)

		case ShutdownMessage:
			return

		default:
			p.log().WithField("message", m).Info("Received unsupported Message")
		}
	}
}

func (p *PingAgent) ackBundle(b bpv7.Bundle) {
	if b.Source.IsZero() || b.Source == bpv7.DtnNone {
		p.log().WithField("bundle", b.ID()).Debug("Not answering anonymous Bundle")
		return
	}

	p.sequence++
	lifetime := time.Duration(b.Lifetime) * time.Millisecond

	pong := bpv7.NewBundle(p.endpoint, b.Source, lifetime, p.sequence, []byte("pong"))
	pong.Flags |= bpv7.MustNotFragmented

	p.log().WithFields(log.Fields{
		"bundle": b.ID(),
		"pong":   pong.ID(),
	}).Info("Sending pong Bundle")
	p.sender <- BundleMessage{pong}
}

// Endpoints of this PingAgent.
func (p *PingAgent) Endpoints() []bpv7.EndpointID {
	return []bpv7.EndpointID{p.endpoint}
}

// MessageReceiver for incoming Bundles.
func (p *PingAgent) MessageReceiver() chan Message {
	return p.receiver
}

// MessageSender for pong Bundles.
func (p *PingAgent) MessageSender() chan Message {
	return p.sender
}
