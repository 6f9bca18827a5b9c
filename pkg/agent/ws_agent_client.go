// SPDX-FileCopyrightText: 2020, 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/websocket"

	"github.com/dtn7/dtn7-scl/pkg/bpv7"
)

const wsWriteTimeout = 10 * time.Second

type webAgentClient struct {
	mutex      sync.Mutex
	writeMutex sync.Mutex

	conn     *websocket.Conn
	endpoint bpv7.EndpointID
	receiver chan Message
	sender   chan Message

	nextSequence func() uint64
}

func newWebAgentClient(conn *websocket.Conn, nextSequence func() uint64) *webAgentClient {
	return &webAgentClient{
		conn:         conn,
		receiver:     make(chan Message),
		sender:       make(chan Message),
		nextSequence: nextSequence,
	}
}

func (client *webAgentClient) log() *log.Entry {
	return log.WithField("web agent client", client.conn.RemoteAddr().String())
}

// start serving the client; blocks until the connection is closed.
func (client *webAgentClient) start() {
	go client.handleReceiver()
	client.handleConn()
}

// handleReceiver writes delivered Bundles to the client. It runs until the
// MuxAgent closes the receiver.
func (client *webAgentClient) handleReceiver() {
	for msg := range client.receiver {
		switch msg := msg.(type) {
		case ShutdownMessage:
			client.log().Debug("Received shutdown")
			_ = client.conn.Close()

		case BundleMessage:
			if err := client.writeMessage(newBundleMessage(NewBundleJSON(msg.Bundle))); err != nil {
				client.log().WithError(err).Warn("Sending Bundle to client errored")
				_ = client.conn.Close()
			} else {
				client.log().WithField("bundle", msg.Bundle.ID()).Info("Sent Bundle to client")
			}

		default:
			client.log().WithField("message", msg).Debug("Received unsupported message")
		}
	}
}

// handleConn reads the client's messages until the connection is closed.
func (client *webAgentClient) handleConn() {
	defer close(client.sender)
	defer client.conn.Close()

	for {
		var msg wsMessage
		if err := client.conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				client.log().Debug("Client closed connection")
			} else {
				client.log().WithError(err).Debug("Reading from client errored")
			}
			return
		}

		var err error
		switch msg.Type {
		case wsRegister:
			err = client.handleRegister(msg.Endpoint)
			if writeErr := client.writeMessage(newStatusMessage(err)); writeErr != nil || err != nil {
				client.log().WithError(err).Warn("Registration failed")
				return
			}
			continue

		case wsBundle:
			err = client.handleBundle(msg.Bundle)

		default:
			err = fmt.Errorf("unknown message type %q", msg.Type)
		}

		if err != nil {
			client.log().WithError(err).Info("Handling client message errored")
		}
		if writeErr := client.writeMessage(newStatusMessage(err)); writeErr != nil {
			client.log().WithError(writeErr).Warn("Sending status to client errored")
			return
		}
	}
}

func (client *webAgentClient) handleRegister(endpoint string) error {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	if !client.endpoint.IsZero() {
		return fmt.Errorf("endpoint %v is already registered", client.endpoint)
	}

	eid, err := bpv7.NewEndpointID(endpoint)
	if err != nil {
		return err
	}

	client.log().WithField("endpoint", eid).Info("Client registered")
	client.endpoint = eid
	return nil
}

func (client *webAgentClient) handleBundle(bj *BundleJSON) error {
	client.mutex.Lock()
	endpoint := client.endpoint
	client.mutex.Unlock()

	if endpoint.IsZero() {
		return fmt.Errorf("client is not registered")
	}
	if bj == nil {
		return fmt.Errorf("bundle message without bundle")
	}

	if bj.Source == "" {
		bj.Source = endpoint.String()
	}

	b, err := bj.Bundle(client.nextSequence())
	if err != nil {
		return err
	}

	client.log().WithField("bundle", b.ID()).Info("Received Bundle from client")
	client.sender <- BundleMessage{b}
	return nil
}

func (client *webAgentClient) writeMessage(msg wsMessage) error {
	client.writeMutex.Lock()
	defer client.writeMutex.Unlock()

	if err := client.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return client.conn.WriteJSON(msg)
}

func (client *webAgentClient) Endpoints() []bpv7.EndpointID {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	if client.endpoint.IsZero() {
		return nil
	}
	return []bpv7.EndpointID{client.endpoint}
}

func (client *webAgentClient) MessageReceiver() chan Message {
	return client.receiver
}

func (client *webAgentClient) MessageSender() chan Message {
	return client.sender
}
