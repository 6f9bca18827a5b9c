// SPDX-FileCopyrightText: 2020, 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/websocket"

	"github.com/dtn7/dtn7-scl/pkg/bpv7"
)

func startWebAgent(t *testing.T) (*WebSocketAgent, *websocket.Conn) {
	log.SetLevel(log.DebugLevel)

	ws := NewWebSocketAgent()
	srv := httptest.NewServer(ws)
	t.Cleanup(srv.Close)

	wsClient, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = wsClient.Close() })

	return ws, wsClient
}

func exchange(t *testing.T, wsClient *websocket.Conn, out wsMessage) (in wsMessage) {
	if err := wsClient.WriteJSON(out); err != nil {
		t.Fatal(err)
	}
	if err := wsClient.ReadJSON(&in); err != nil {
		t.Fatal(err)
	}
	return
}

func TestWebAgentNew(t *testing.T) {
	ws, wsClient := startWebAgent(t)

	// Sending before registration fails
	if status := exchange(t, wsClient, newBundleMessage(BundleJSON{Destination: "dtn://test/"})); status.Type != wsStatus || status.Error == "" {
		t.Fatalf("unregistered client could send a Bundle: %v", status)
	}

	if status := exchange(t, wsClient, newRegisterMessage("dtn://foobar/")); status.Type != wsStatus || status.Error != "" {
		t.Fatalf("registration failed: %v", status)
	}

	if !AppAgentHasEndpoint(ws, bpv7.MustNewEndpointID("dtn://foobar/")) {
		t.Fatalf("endpoint is unknown: %v", ws.Endpoints())
	}

	// Send Bundle to client
	b := testBundle("dtn://test/", "dtn://foobar/", "hello client")
	ws.MessageReceiver() <- BundleMessage{b}

	var msg wsMessage
	if err := wsClient.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	} else if msg.Type != wsBundle || msg.Bundle == nil {
		t.Fatalf("expected a bundle message, got %v", msg)
	} else if msg.Bundle.ID != b.ID().String() {
		t.Fatalf("expected Bundle %v, got %s", b.ID(), msg.Bundle.ID)
	} else if string(msg.Bundle.Payload) != "hello client" {
		t.Fatalf("unexpected payload %q", msg.Bundle.Payload)
	}

	// Send Bundle from client
	if err := wsClient.WriteJSON(newBundleMessage(BundleJSON{
		Destination: "dtn://test/",
		Lifetime:    "10m",
		Payload:     []byte("hello server"),
	})); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-ws.MessageSender():
		bm, ok := msg.(BundleMessage)
		if !ok {
			t.Fatalf("Message is not a Bundle Message; %v", msg)
		} else if bm.Bundle.Source != bpv7.MustNewEndpointID("dtn://foobar/") {
			t.Fatalf("unexpected source %v", bm.Bundle.Source)
		} else if bm.Bundle.Destination != bpv7.MustNewEndpointID("dtn://test/") {
			t.Fatalf("unexpected destination %v", bm.Bundle.Destination)
		} else if bm.Bundle.Lifetime != uint64((10 * time.Minute).Milliseconds()) {
			t.Fatalf("unexpected lifetime %d", bm.Bundle.Lifetime)
		}

	case <-time.After(time.Second):
		t.Fatal("Bundle reception timed out")
	}

	if err := wsClient.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	} else if msg.Type != wsStatus || msg.Error != "" {
		t.Fatalf("expected a successful status, got %v", msg)
	}

	// Invalid Bundles and messages are answered with an error
	if status := exchange(t, wsClient, newBundleMessage(BundleJSON{Destination: "nope"})); status.Error == "" {
		t.Fatal("invalid destination was accepted")
	}
	if status := exchange(t, wsClient, wsMessage{Type: "syscall"}); status.Error == "" {
		t.Fatal("unknown message type was accepted")
	}

	// Shutdown WebSocketAgent with all its clients
	ws.MessageReceiver() <- ShutdownMessage{}

	if err := wsClient.ReadJSON(&msg); err == nil {
		t.Fatalf("connection is still open, read %v", msg)
	}

	select {
	case _, ok := <-ws.MessageSender():
		if ok {
			t.Fatal("WebSocketAgent sent a message after shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("WebSocketAgent did not close its sender")
	}
}

func TestWebAgentIllegalEndpoint(t *testing.T) {
	ws, wsClient := startWebAgent(t)

	if status := exchange(t, wsClient, newRegisterMessage("uff")); status.Type != wsStatus || status.Error == "" {
		t.Fatal("Expected error due to illegal endpoint ID")
	}

	var msg wsMessage
	if err := wsClient.ReadJSON(&msg); err == nil {
		t.Fatalf("connection is still open, read %v", msg)
	}

	ws.MessageReceiver() <- ShutdownMessage{}
}

func TestBundleJSON(t *testing.T) {
	b := testBundle("dtn://src/", "dtn://dst/", "payload")
	bj := NewBundleJSON(b)

	if bj.Lifetime != "24h0m0s" {
		t.Fatalf("unexpected lifetime %q", bj.Lifetime)
	}

	b2, err := bj.Bundle(23)
	if err != nil {
		t.Fatal(err)
	}
	if b2.Source != b.Source || b2.Destination != b.Destination || b2.Lifetime != b.Lifetime {
		t.Fatalf("expected %v, got %v", b, b2)
	} else if b2.SequenceNumber != 23 {
		t.Fatalf("unexpected sequence number %d", b2.SequenceNumber)
	}

	anon, err := BundleJSON{Destination: "dtn://dst/"}.Bundle(0)
	if err != nil {
		t.Fatal(err)
	} else if anon.Source != bpv7.DtnNone {
		t.Fatalf("expected anonymous source, got %v", anon.Source)
	} else if anon.Lifetime != uint64(DefaultLifetime.Milliseconds()) {
		t.Fatalf("unexpected default lifetime %d", anon.Lifetime)
	}

	for _, invalid := range []BundleJSON{
		{Destination: ""},
		{Destination: "dtn://dst/", Source: "foo"},
		{Destination: "dtn://dst/", Lifetime: "-1h"},
		{Destination: "dtn://dst/", Lifetime: "soon"},
	} {
		if _, err := invalid.Bundle(0); err == nil {
			t.Fatalf("%v was accepted", invalid)
		}
	}
}
