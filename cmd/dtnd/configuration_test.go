// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dtn7/dtn7-scl/pkg/bpv7"
	"github.com/dtn7/dtn7-scl/pkg/cla"
	"github.com/dtn7/dtn7-scl/pkg/cla/stream"
	"github.com/dtn7/dtn7-scl/pkg/contacts"
	"github.com/dtn7/dtn7-scl/pkg/daemon"
)

func TestExampleConfiguration(t *testing.T) {
	conf, err := parseConfig("configuration.toml")
	if err != nil {
		t.Fatal(err)
	}

	dc, err := daemonConfig(conf)
	if err != nil {
		t.Fatal(err)
	}

	if dc.NodeId != bpv7.MustNewEndpointID("dtn://alpha/") {
		t.Fatalf("unexpected node ID %v", dc.NodeId)
	}
	if !dc.StreamParams.ReactiveFrag || dc.StreamParams.KeepaliveInterval != 10*time.Second {
		t.Fatalf("unexpected stream parameters %+v", dc.StreamParams)
	}
	if dc.OpportunisticLinger != 5*time.Minute {
		t.Fatalf("unexpected linger %v", dc.OpportunisticLinger)
	}
	if len(dc.Routes) != 2 || dc.Routes[1] != (daemon.Route{Prefix: "dtn://", Link: "beta"}) {
		t.Fatalf("unexpected routes %v", dc.Routes)
	}

	if len(conf.Listen) != 2 || len(conf.Link) != 3 {
		t.Fatalf("expected two listeners and three links, got %v and %v", conf.Listen, conf.Link)
	}

	satellite := conf.Link[2]
	if satellite.Reliable == nil || *satellite.Reliable {
		t.Fatal("satellite link should be unreliable")
	}
	if len(satellite.Schedule) != 1 || satellite.Schedule[0].Duration.Duration != 10*time.Minute {
		t.Fatalf("unexpected schedule %v", satellite.Schedule)
	}
}

func TestStreamParamsDefaults(t *testing.T) {
	if params := (streamConf{}).streamParams(); params != stream.DefaultLinkParams() {
		t.Fatalf("empty configuration changed the defaults: %+v", params)
	}
}

func TestLinkParams(t *testing.T) {
	tests := []struct {
		name  string
		conf  contactsConf
		valid bool
	}{
		{"empty", contactsConf{}, true},
		{"retry", contactsConf{MinRetry: duration{time.Second}, MaxRetry: duration{time.Minute}}, true},
		{"retry inverted", contactsConf{MinRetry: duration{time.Hour}, MaxRetry: duration{time.Minute}}, false},
		{"watermarks", contactsConf{QueueHighBundles: 100, QueueLowBundles: 50}, true},
		{"watermarks inverted", contactsConf{QueueHighBundles: 2, QueueLowBundles: 3}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := test.conf.linkParams(); (err == nil) != test.valid {
				t.Fatalf("expected valid=%t, got %v", test.valid, err)
			}
		})
	}
}

func TestDaemonConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		conf tomlConfig
	}{
		{"no store", tomlConfig{Core: coreConf{NodeId: "dtn://alpha/"}}},
		{"invalid node", tomlConfig{Core: coreConf{NodeId: "alpha", Store: "store"}}},
		{"invalid contacts", tomlConfig{
			Core:     coreConf{NodeId: "dtn://alpha/", Store: "store"},
			Contacts: contactsConf{QueueHighBytes: 1, QueueLowBytes: 2},
		}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := daemonConfig(test.conf); err == nil {
				t.Fatal("invalid configuration was accepted")
			}
		})
	}
}

func TestStartNode(t *testing.T) {
	dir := t.TempDir()

	config := strings.NewReplacer("STORE", filepath.Join(dir, "store")).Replace(`
[core]
node-id = "dtn://test/"
store = "STORE"

[logging]
level = "debug"
format = "json"

[api]
listen = "127.0.0.1:0"

[[listen]]
protocol = "tcp"
endpoint = "127.0.0.1:0"

[[link]]
name = "peer"
type = "ondemand"
nexthop = "127.0.0.1:1"
node = "dtn://peer/"

[[link]]
name = "broken"
type = "opportunistic"
nexthop = "127.0.0.1:2"

[[route]]
prefix = "dtn://"
link = "peer"
`)

	configFile := filepath.Join(dir, "dtnd.toml")
	if err := os.WriteFile(configFile, []byte(config), 0600); err != nil {
		t.Fatal(err)
	}

	d, srv, err := startNode(configFile)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	defer srv.Close()

	l := d.Manager().FindLink("peer")
	if l == nil {
		t.Fatal("configured link is missing")
	}
	if l.Type() != contacts.LinkOnDemand || l.RemoteEid() != bpv7.MustNewEndpointID("dtn://peer/") {
		t.Fatalf("unexpected link %v", l.Info())
	}
	if params, ok := l.CLParams().(stream.LinkParams); !ok || params.CLAType != cla.TCP {
		t.Fatalf("unexpected convergence layer parameters %v", l.CLParams())
	}
	if !l.Reliable() {
		t.Fatal("link with segment acknowledgements is not reliable")
	}

	if d.Manager().FindLink("broken") != nil {
		t.Fatal("opportunistic link was configured")
	}

	if routes := d.Router().Routes(); len(routes) != 1 {
		t.Fatalf("unexpected routes %v", routes)
	}
}

func TestStartNodeInvalidListen(t *testing.T) {
	dir := t.TempDir()

	config := `
[core]
node-id = "dtn://test/"
store = "` + filepath.Join(dir, "store") + `"

[[listen]]
protocol = "carrier-pigeon"
endpoint = "127.0.0.1:0"
`

	configFile := filepath.Join(dir, "dtnd.toml")
	if err := os.WriteFile(configFile, []byte(config), 0600); err != nil {
		t.Fatal(err)
	}

	if _, _, err := startNode(configFile); err == nil {
		t.Fatal("unknown listen protocol was accepted")
	}
}
