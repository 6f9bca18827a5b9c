// SPDX-FileCopyrightText: 2020, 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

// Types of a wsMessage.
const (
	wsRegister = "register"
	wsBundle   = "bundle"
	wsStatus   = "status"
)

// wsMessage is exchanged with a WebSocketAgent's client as a JSON text
// message.
//
// A client starts by sending a "register" message with its endpoint, which is
// answered by a "status" message. Afterwards, "bundle" messages are exchanged
// in both directions. Each Bundle sent by the client is answered by a
// "status" message.
type wsMessage struct {
	Type     string      `json:"type"`
	Endpoint string      `json:"endpoint,omitempty"`
	Error    string      `json:"error,omitempty"`
	Bundle   *BundleJSON `json:"bundle,omitempty"`
}

func newRegisterMessage(endpoint string) wsMessage {
	return wsMessage{Type: wsRegister, Endpoint: endpoint}
}

func newBundleMessage(bj BundleJSON) wsMessage {
	return wsMessage{Type: wsBundle, Bundle: &bj}
}

func newStatusMessage(err error) wsMessage {
	msg := wsMessage{Type: wsStatus}
	if err != nil {
		msg.Error = err.Error()
	}
	return msg
}
