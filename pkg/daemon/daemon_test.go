// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dtn7/dtn7-scl/pkg/bpv7"
	"github.com/dtn7/dtn7-scl/pkg/cla"
	"github.com/dtn7/dtn7-scl/pkg/cla/stream"
	"github.com/dtn7/dtn7-scl/pkg/contacts"
	"github.com/dtn7/dtn7-scl/pkg/storage"
)

func testConfig(t *testing.T, nodeId string) Config {
	params := stream.DefaultLinkParams()
	params.SegmentLength = 512

	return Config{
		NodeId:       bpv7.MustNewEndpointID(nodeId),
		StoreDir:     t.TempDir(),
		StreamParams: params,
	}
}

func startDaemon(t *testing.T, conf Config) *Daemon {
	d, err := NewDaemon(conf)
	require.NoError(t, err)
	return d
}

func newTestDaemon(t *testing.T, nodeId string) *Daemon {
	return startDaemon(t, testConfig(t, nodeId))
}

// waitUntil polls the condition until it holds or fails the test after the timeout.
func waitUntil(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out: %s", msg)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func findLocal(store *storage.Store, dst bpv7.EndpointID) (storage.BundleItem, bool) {
	bis, err := store.QueryLocal()
	if err != nil {
		return storage.BundleItem{}, false
	}
	for _, bi := range bis {
		if bi.Destination == dst.String() {
			return bi, true
		}
	}
	return storage.BundleItem{}, false
}

func TestNewDaemonInvalidConfig(t *testing.T) {
	conf := testConfig(t, "dtn://alpha/")
	conf.NodeId = bpv7.DtnNone
	_, err := NewDaemon(conf)
	require.Error(t, err)

	conf = testConfig(t, "dtn://alpha/")
	conf.StreamParams.SegmentLength = 0
	_, err = NewDaemon(conf)
	require.Error(t, err)

	conf = testConfig(t, "dtn://alpha/")
	conf.Routes = []Route{{Prefix: "dtn://", Link: ""}}
	_, err = NewDaemon(conf)
	require.Error(t, err)

	conf = testConfig(t, "dtn://alpha/")
	conf.PingEndpoint = "ping"
	_, err = NewDaemon(conf)
	require.Error(t, err)
}

func TestDaemonInjectLocal(t *testing.T) {
	d := newTestDaemon(t, "dtn://alpha/")
	defer d.Close()

	dst := bpv7.MustNewEndpointID("dtn://alpha/inbox")
	b := bpv7.NewBundle(bpv7.MustNewEndpointID("dtn://alpha/app"), dst, time.Hour, 1, []byte("hello"))
	d.Inject(b)

	waitUntil(t, 5*time.Second, "local delivery", func() bool {
		_, ok := findLocal(d.Store(), dst)
		return ok
	})

	bi, _ := findLocal(d.Store(), dst)
	require.False(t, bi.Pending)

	// A duplicate is ignored.
	d.Inject(b)
	require.NoError(t, d.PostAndWait(pendingCheck{}, time.Second))

	bis, err := d.Store().QueryLocal()
	require.NoError(t, err)
	require.Len(t, bis, 1)
}

func TestDaemonInjectPending(t *testing.T) {
	d := newTestDaemon(t, "dtn://alpha/")
	defer d.Close()

	b := bpv7.NewBundle(bpv7.MustNewEndpointID("dtn://alpha/"), bpv7.MustNewEndpointID("dtn://nowhere/"), time.Hour, 1, []byte("hello"))
	d.Inject(b)

	waitUntil(t, 5*time.Second, "bundle stored", func() bool {
		return d.Store().KnowsBundle(b.ID())
	})
	require.NoError(t, d.PostAndWait(pendingCheck{}, time.Second))

	bis, err := d.Store().QueryPending()
	require.NoError(t, err)
	require.Len(t, bis, 1)
	require.Equal(t, b.ID(), bis[0].BId)

	// Expired Bundles are dropped.
	expired := bpv7.NewBundle(bpv7.MustNewEndpointID("dtn://alpha/"), bpv7.MustNewEndpointID("dtn://nowhere/"), time.Millisecond, 2, nil)
	time.Sleep(10 * time.Millisecond)
	d.Inject(expired)
	require.NoError(t, d.PostAndWait(pendingCheck{}, time.Second))
	require.False(t, d.Store().KnowsBundle(expired.ID()))
}

func TestDaemonForwardAndPing(t *testing.T) {
	betaConf := testConfig(t, "dtn://beta/")
	betaConf.PingEndpoint = "dtn://beta/ping"

	alpha := newTestDaemon(t, "dtn://alpha/")
	beta := startDaemon(t, betaConf)
	defer alpha.Close()
	defer beta.Close()

	iface, err := beta.AddInterface(cla.TCP, "127.0.0.1:0")
	require.NoError(t, err)

	l, err := alpha.AddLink("beta", contacts.LinkAlwaysOn, iface.Addr(),
		contacts.WithRemoteEid(beta.NodeId()))
	require.NoError(t, err)
	require.Equal(t, l, alpha.Manager().FindLink("beta"))

	waitUntil(t, 5*time.Second, "link opened", l.IsOpen)

	// Deliver a Bundle to beta.
	inbox := bpv7.MustNewEndpointID("dtn://beta/inbox")
	b := bpv7.NewBundle(bpv7.MustNewEndpointID("dtn://alpha/app"), inbox, time.Hour, 1, make([]byte, 2000))
	alpha.Inject(b)

	waitUntil(t, 5*time.Second, "delivery at beta", func() bool {
		_, ok := findLocal(beta.Store(), inbox)
		return ok
	})

	waitUntil(t, 5*time.Second, "transmission at alpha", func() bool {
		bi, err := alpha.Store().QueryId(b.ID())
		return err == nil && !bi.Pending && bi.WasSentTo("beta")
	})
	waitUntil(t, 5*time.Second, "link statistics", func() bool {
		return l.Stats().BundlesTransmitted == 1
	})

	// The ping agent answers over beta's incoming link.
	app := bpv7.MustNewEndpointID("dtn://alpha/app")
	ping := bpv7.NewBundle(app, bpv7.MustNewEndpointID("dtn://beta/ping"), time.Hour, 2, []byte("ping"))
	alpha.Inject(ping)

	waitUntil(t, 5*time.Second, "pong at alpha", func() bool {
		_, ok := findLocal(alpha.Store(), app)
		return ok
	})

	bi, _ := findLocal(alpha.Store(), app)
	pong, err := bi.Load()
	require.NoError(t, err)
	require.Equal(t, "pong", string(pong.Payload))
	require.Equal(t, bpv7.MustNewEndpointID("dtn://beta/ping"), pong.Source)

	incoming := beta.Manager().FindLinkTo(alpha.NodeId())
	require.NotNil(t, incoming)
	require.Equal(t, contacts.LinkOpportunistic, incoming.Type())

	// Closing by the user keeps the Link closed.
	alpha.CloseLink(l)
	waitUntil(t, 5*time.Second, "link closed", func() bool {
		return l.Contact() == nil && !l.IsOpen()
	})
	require.False(t, alpha.Manager().RetryPending(l))

	waitUntil(t, 5*time.Second, "incoming link closed", func() bool {
		return incoming.Contact() == nil
	})
}

func TestDaemonPendingUntilLinkOpens(t *testing.T) {
	alpha := newTestDaemon(t, "dtn://alpha/")
	beta := newTestDaemon(t, "dtn://beta/")
	defer alpha.Close()
	defer beta.Close()

	// The Bundle stays pending without any route.
	inbox := bpv7.MustNewEndpointID("dtn://beta/inbox")
	b := bpv7.NewBundle(bpv7.MustNewEndpointID("dtn://alpha/"), inbox, time.Hour, 1, []byte("later"))
	alpha.Inject(b)

	waitUntil(t, 5*time.Second, "bundle stored", func() bool {
		return alpha.Store().KnowsBundle(b.ID())
	})

	iface, err := beta.AddInterface(cla.TCP, "127.0.0.1:0")
	require.NoError(t, err)

	require.NoError(t, alpha.Router().AddRoute(Route{Prefix: "dtn://beta/", Link: "beta"}))
	_, err = alpha.AddLink("beta", contacts.LinkOnDemand, iface.Addr())
	require.NoError(t, err)

	waitUntil(t, 5*time.Second, "delivery at beta", func() bool {
		_, ok := findLocal(beta.Store(), inbox)
		return ok
	})
}

func TestDaemonDeleteLink(t *testing.T) {
	d := newTestDaemon(t, "dtn://alpha/")
	defer d.Close()

	l, err := d.AddLink("nowhere", contacts.LinkOnDemand, "127.0.0.1:1")
	require.NoError(t, err)
	require.NoError(t, d.Router().AddRoute(Route{Prefix: "dtn://nowhere/", Link: "nowhere"}))

	_, err = d.AddLink("nowhere", contacts.LinkOnDemand, "127.0.0.1:2")
	require.ErrorIs(t, err, contacts.ErrDuplicateLink)

	require.NoError(t, d.Manager().DelLink(l, true))
	require.True(t, l.IsDeleted())
	require.Nil(t, d.Manager().FindLink("nowhere"))
	require.Zero(t, l.BundlesQueued())
}

func TestDaemonSpool(t *testing.T) {
	conf := testConfig(t, "dtn://alpha/")
	conf.SpoolDir = filepath.Join(t.TempDir(), "spool")

	// A Bundle placed before the start is injected as well.
	early := bpv7.NewBundle(bpv7.MustNewEndpointID("dtn://alpha/"), bpv7.MustNewEndpointID("dtn://alpha/early"), time.Hour, 1, []byte("early"))
	earlyData, err := early.Bytes()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(conf.SpoolDir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(conf.SpoolDir, "early.bundle"), earlyData, 0600))

	d := startDaemon(t, conf)
	defer d.Close()

	late := bpv7.NewBundle(bpv7.MustNewEndpointID("dtn://alpha/"), bpv7.MustNewEndpointID("dtn://alpha/late"), time.Hour, 2, []byte("late"))
	lateData, err := late.Bytes()
	require.NoError(t, err)

	hidden := filepath.Join(conf.SpoolDir, ".late.bundle")
	require.NoError(t, os.WriteFile(hidden, lateData, 0600))
	require.NoError(t, os.Rename(hidden, filepath.Join(conf.SpoolDir, "late.bundle")))

	for _, b := range []bpv7.Bundle{early, late} {
		b := b
		waitUntil(t, 5*time.Second, "spool injection of "+b.Destination.String(), func() bool {
			_, ok := findLocal(d.Store(), b.Destination)
			return ok
		})
	}

	waitUntil(t, 5*time.Second, "spool files removed", func() bool {
		entries, err := os.ReadDir(conf.SpoolDir)
		return err == nil && len(entries) == 0
	})
}
