// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stream

import (
	"bytes"
	"testing"
	"time"

	"github.com/dtn7/dtn7-scl/pkg/bpv7"
	"github.com/dtn7/dtn7-scl/pkg/cla"
	"github.com/dtn7/dtn7-scl/pkg/contacts"
)

type testNode struct {
	rec     *eventRecorder
	manager *contacts.Manager
	cl      *ConvergenceLayer
}

func newTestNode(eid string, params LinkParams) *testNode {
	rec := newEventRecorder()
	nodeId := bpv7.MustNewEndpointID(eid)
	manager := contacts.NewManager(nodeId, rec)

	return &testNode{
		rec:     rec,
		manager: manager,
		cl:      NewConvergenceLayer(nodeId, rec, manager, params),
	}
}

func TestConvergenceLayerTransfer(t *testing.T) {
	for _, claType := range []cla.CLAType{cla.TCP, cla.WebSocket, cla.QUIC} {
		t.Run(claType.String(), func(t *testing.T) {
			params := DefaultLinkParams()
			params.CLAType = claType
			params.SegmentLength = 1000

			alpha := newTestNode("dtn://alpha/", params)
			beta := newTestNode("dtn://beta/", params)
			defer alpha.cl.Close()
			defer beta.cl.Close()

			iface, err := beta.cl.AddInterface(claType, "127.0.0.1:0")
			if err != nil {
				t.Fatal(err)
			}

			nexthop := iface.Addr()
			if claType == cla.WebSocket {
				nexthop = "ws://" + nexthop + "/"
			}

			l := contacts.NewLink("beta", contacts.LinkOnDemand, nexthop, alpha.cl, contacts.WithCLParams(params))
			if err := l.SetState(contacts.StateAvailable); err != nil {
				t.Fatal(err)
			}

			b := bpv7.NewBundle(
				bpv7.MustNewEndpointID("dtn://alpha/"),
				bpv7.MustNewEndpointID("dtn://beta/inbox"),
				time.Hour, 1, bytes.Repeat([]byte("dtn"), 2000))
			if !l.AddToQueue(&b, b.Len()) {
				t.Fatal("queuing bundle failed")
			}

			if err := l.Open(); err != nil {
				t.Fatal(err)
			}

			alphaUp := alpha.rec.waitFor(t, 5*time.Second, isContactUp).(contacts.ContactUp)
			if l.RemoteEid() != bpv7.MustNewEndpointID("dtn://beta/") {
				t.Fatalf("remote endpoint is %v", l.RemoteEid())
			}

			betaUp := beta.rec.waitFor(t, 5*time.Second, isContactUp).(contacts.ContactUp)
			betaLink := betaUp.Contact.Link()
			if betaLink.Type() != contacts.LinkOpportunistic || betaLink.RemoteEid() != bpv7.MustNewEndpointID("dtn://alpha/") {
				t.Fatalf("unexpected incoming link %v", betaLink.Info())
			}
			if beta.manager.FindLinkTo(bpv7.MustNewEndpointID("dtn://alpha/")) != betaLink {
				t.Fatal("incoming link is unknown to the manager")
			}

			received := beta.rec.waitFor(t, 5*time.Second, isReceived).(contacts.BundleReceived)
			if received.Bundle.ID() != b.ID() || !bytes.Equal(received.Bundle.Payload, b.Payload) {
				t.Fatalf("received %v", received.Bundle)
			}
			if received.Link != betaLink {
				t.Fatalf("received on link %v", received.Link)
			}

			transmitted := alpha.rec.waitFor(t, 5*time.Second, isTransmitted).(contacts.BundleTransmitted)
			if transmitted.BytesAcked != b.Len() || transmitted.Contact != alphaUp.Contact {
				t.Fatalf("unexpected event %v", transmitted)
			}

			if err := alpha.cl.CloseContact(alphaUp.Contact); err != nil {
				t.Fatal(err)
			}

			closed := beta.rec.waitFor(t, 5*time.Second, isCloseRequest).(contacts.LinkStateChangeRequest)
			if closed.Reason != contacts.ReasonShutdown || closed.Contact != betaUp.Contact {
				t.Fatalf("unexpected event %v", closed)
			}
			if err := beta.cl.CloseContact(betaUp.Contact); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestConvergenceLayerOpenInvalidParams(t *testing.T) {
	node := newTestNode("dtn://alpha/", DefaultLinkParams())

	params := DefaultLinkParams()
	params.SegmentLength = 0

	l := contacts.NewLink("beta", contacts.LinkOnDemand, "127.0.0.1:1", node.cl, contacts.WithCLParams(params))
	if err := l.SetState(contacts.StateAvailable); err != nil {
		t.Fatal(err)
	}

	if err := l.Open(); err == nil {
		t.Fatal("opening a link with invalid parameters succeeded")
	}
}

func TestConvergenceLayerCancelBundle(t *testing.T) {
	node := newTestNode("dtn://alpha/", DefaultLinkParams())

	l := contacts.NewLink("beta", contacts.LinkOnDemand, "127.0.0.1:1", node.cl)
	b := bpv7.NewBundle(
		bpv7.MustNewEndpointID("dtn://alpha/"),
		bpv7.MustNewEndpointID("dtn://beta/"),
		time.Hour, 1, []byte("hello"))

	if node.cl.CancelBundle(l, &b) {
		t.Fatal("cancelled a bundle which was never queued")
	}

	if !l.AddToQueue(&b, b.Len()) {
		t.Fatal("queuing bundle failed")
	}
	if !node.cl.CancelBundle(l, &b) {
		t.Fatal("cancelling a queued bundle failed")
	}
	if l.IsQueued(&b) {
		t.Fatal("cancelled bundle is still queued")
	}

	ev := node.rec.waitFor(t, time.Second, func(ev contacts.Event) bool {
		_, ok := ev.(contacts.BundleSendCancelled)
		return ok
	}).(contacts.BundleSendCancelled)
	if ev.Link != l || ev.Bundle.ID() != b.ID() {
		t.Fatalf("unexpected event %v", ev)
	}
}

func TestConvergenceLayerCancelInflight(t *testing.T) {
	b := testBundle(t, 64*1024)

	params := DefaultLinkParams()
	params.SendBufferSize = 1024

	pt := newPipeTest(t, params)
	if !pt.link.AddToQueue(&b, b.Len()) {
		t.Fatal("queuing bundle failed")
	}
	pt.open(t, flagSegmentAck, 10)
	pt.readFull(t, 100)

	if pt.cl.CancelBundle(pt.link, &b) {
		t.Fatal("cancelled an in-flight bundle")
	}
	if !pt.link.IsInflight(&b) {
		t.Fatal("in-flight bundle vanished")
	}
}
