// SPDX-FileCopyrightText: 2020, 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"testing"
	"time"

	"github.com/dtn7/dtn7-scl/pkg/bpv7"
)

func TestPingAgent(t *testing.T) {
	ping := NewPing(bpv7.MustNewEndpointID("dtn://foo/ping"))

	bndlOut := testBundle("dtn://bar/", "dtn://foo/ping", "")
	ping.MessageReceiver() <- BundleMessage{bndlOut}

	select {
	case <-time.After(500 * time.Millisecond):
		t.Fatal("PingAgent did not answer after 500ms")

	case m := <-ping.MessageSender():
		bm, ok := m.(BundleMessage)
		if !ok {
			t.Fatalf("Incoming message is not a BundleMessage, it's a %T", m)
		}

		bndlIn := bm.Bundle
		if bndlIn.Destination != bndlOut.Source {
			t.Fatalf("Incoming Bundle's Destination %v is not outgoing Bundle's Source %v",
				bndlIn.Destination, bndlOut.Source)
		} else if bndlIn.Source != bndlOut.Destination {
			t.Fatalf("pong's source %v is not the ping endpoint", bndlIn.Source)
		} else if string(bndlIn.Payload) != "pong" {
			t.Fatalf("unexpected payload %q", bndlIn.Payload)
		} else if !bndlIn.Flags.Has(bpv7.MustNotFragmented) {
			t.Fatal("pong may be fragmented")
		} else if bndlIn.Lifetime != bndlOut.Lifetime {
			t.Fatalf("pong's lifetime %d differs from %d", bndlIn.Lifetime, bndlOut.Lifetime)
		}
	}

	// Anonymous Bundles stay unanswered.
	anon := testBundle("dtn:none", "dtn://foo/ping", "")
	ping.MessageReceiver() <- BundleMessage{anon}

	select {
	case m := <-ping.MessageSender():
		t.Fatalf("PingAgent answered an anonymous Bundle: %v", m)
	case <-time.After(100 * time.Millisecond):
	}

	ping.MessageReceiver() <- ShutdownMessage{}

	if _, ok := <-ping.MessageSender(); ok {
		t.Fatal("PingAgent did not close its sender")
	}
}
