// SPDX-FileCopyrightText: 2020, 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"net/http"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/websocket"

	"github.com/dtn7/dtn7-scl/pkg/bpv7"
)

// WebSocketAgent is an ApplicationAgent for WebSocket clients. Each client
// registers one endpoint and exchanges JSON encoded wsMessages.
type WebSocketAgent struct {
	receiver  chan Message
	clientMux *MuxAgent

	upgrader websocket.Upgrader
	sequence atomic.Uint64
}

// NewWebSocketAgent creates and starts a WebSocketAgent. Its ServeHTTP method
// must be bound to an HTTP server.
func NewWebSocketAgent() *WebSocketAgent {
	wa := &WebSocketAgent{
		receiver:  make(chan Message),
		clientMux: NewMuxAgent(),
	}

	go wa.handler()

	return wa
}

func (w *WebSocketAgent) handler() {
	for msg := range w.receiver {
		w.clientMux.MessageReceiver() <- msg

		if _, isShutdown := msg.(ShutdownMessage); isShutdown {
			log.Debug("WebSocketAgent received a shutdown")
			return
		}
	}
}

// nextSequence for Bundles created by clients.
func (w *WebSocketAgent) nextSequence() uint64 {
	return w.sequence.Add(1)
}

// ServeHTTP upgrades the request to a WebSocket and serves it as a client
// until the connection is closed.
func (w *WebSocketAgent) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		log.WithError(err).Warn("Upgrading HTTP request to WebSocket errored")
		return
	}

	client := newWebAgentClient(conn, w.nextSequence)
	if err := w.clientMux.Register(client); err != nil {
		_ = client.writeMessage(newStatusMessage(err))
		_ = conn.Close()
		return
	}

	client.start()
}

// Endpoints of all connected and registered clients.
func (w *WebSocketAgent) Endpoints() []bpv7.EndpointID {
	return w.clientMux.Endpoints()
}

// MessageReceiver for Bundles to be delivered to the clients.
func (w *WebSocketAgent) MessageReceiver() chan Message {
	return w.receiver
}

// MessageSender for Bundles sent by the clients.
func (w *WebSocketAgent) MessageSender() chan Message {
	return w.clientMux.MessageSender()
}
