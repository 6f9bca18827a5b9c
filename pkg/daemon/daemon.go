// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package daemon ties the stream convergence layer, the contacts Manager and
// the Store together.
//
// All Events are handled in order by the Daemon's event loop, which is the
// only place changing a Link's state. Bundles are forwarded by a simple Router
// of static routes and direct Links. Bundles without a usable Link stay
// pending in the Store and are retried periodically.
package daemon

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-scl/pkg/agent"
	"github.com/dtn7/dtn7-scl/pkg/bpv7"
	"github.com/dtn7/dtn7-scl/pkg/cla"
	"github.com/dtn7/dtn7-scl/pkg/cla/stream"
	"github.com/dtn7/dtn7-scl/pkg/contacts"
	"github.com/dtn7/dtn7-scl/pkg/discovery"
	"github.com/dtn7/dtn7-scl/pkg/storage"
)

// DefaultOpportunisticLinger before unused opportunistic Links are pruned.
const DefaultOpportunisticLinger = 5 * time.Minute

// Config of a Daemon.
type Config struct {
	NodeId   bpv7.EndpointID
	StoreDir string

	// SpoolDir is optional. Serialized Bundles placed there are injected.
	SpoolDir string

	// StreamParams are the stream convergence layer's defaults.
	StreamParams stream.LinkParams

	// LinkParams are the defaults for opportunistic Links.
	LinkParams contacts.LinkParams

	Routes []Route

	// OpportunisticLinger before unused opportunistic Links are pruned.
	OpportunisticLinger time.Duration

	// PingEndpoint is optional and answers each Bundle with a "pong".
	PingEndpoint string
}

// Daemon is a DTN node.
type Daemon struct {
	nodeId bpv7.EndpointID
	linger time.Duration

	store   *storage.Store
	manager *contacts.Manager
	cl      *stream.ConvergenceLayer
	router  *Router
	cron    *Cron
	agents  *agent.MuxAgent
	spool   *spool

	discovery *discovery.Manager

	linkParams contacts.LinkParams

	events  *eventQueue
	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewDaemon opens the Store and starts the event loop.
func NewDaemon(conf Config) (d *Daemon, err error) {
	if conf.NodeId.IsZero() || conf.NodeId == bpv7.DtnNone {
		return nil, fmt.Errorf("invalid node ID %v", conf.NodeId)
	}
	if err = conf.StreamParams.CheckValid(); err != nil {
		return nil, fmt.Errorf("invalid stream parameters: %w", err)
	}

	d = &Daemon{
		nodeId:     conf.NodeId,
		linger:     conf.OpportunisticLinger,
		linkParams: conf.LinkParams,

		events:  newEventQueue(),
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}
	if d.linger <= 0 {
		d.linger = DefaultOpportunisticLinger
	}
	if d.linkParams == (contacts.LinkParams{}) {
		d.linkParams = contacts.DefaultLinkParams()
	}

	if d.store, err = storage.NewStore(conf.StoreDir); err != nil {
		return nil, fmt.Errorf("opening store %s: %w", conf.StoreDir, err)
	}

	d.manager = contacts.NewManager(d.nodeId, d)
	d.cl = stream.NewConvergenceLayer(d.nodeId, d, d.manager, conf.StreamParams)

	d.router = NewRouter(d.manager)
	for _, route := range conf.Routes {
		if err = d.router.AddRoute(route); err != nil {
			_ = d.store.Close()
			return nil, err
		}
	}

	d.agents = agent.NewMuxAgent()
	if conf.PingEndpoint != "" {
		pingEid, pingErr := bpv7.NewEndpointID(conf.PingEndpoint)
		if pingErr != nil {
			_ = d.store.Close()
			return nil, fmt.Errorf("invalid ping endpoint: %w", pingErr)
		}
		_ = d.agents.Register(agent.NewPing(pingEid))
	}
	go d.handleAgents()

	d.cron = NewCron()
	cronJobs := []struct {
		name     string
		task     func()
		interval time.Duration
	}{
		{"pending_bundles", d.checkPendingBundles, 10 * time.Second},
		{"clean_store", d.cleanStore, 10 * time.Minute},
		{"prune_opportunistic", d.pruneOpportunistic, 30 * time.Second},
	}
	for _, job := range cronJobs {
		if err = d.cron.Register(job.name, job.task, job.interval); err != nil {
			d.cron.Stop()
			_ = d.store.Close()
			return nil, err
		}
	}

	go d.handler()

	if conf.SpoolDir != "" {
		if d.spool, err = newSpool(conf.SpoolDir, d.Inject); err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("watching spool directory %s: %w", conf.SpoolDir, err)
		}
	}

	d.log().Info("Started daemon")
	return d, nil
}

func (d *Daemon) String() string {
	return fmt.Sprintf("daemon(%v)", d.nodeId)
}

func (d *Daemon) log() *log.Entry {
	return log.WithField("daemon", d.nodeId)
}

// NodeId of this node.
func (d *Daemon) NodeId() bpv7.EndpointID {
	return d.nodeId
}

// Manager of this node's Links.
func (d *Daemon) Manager() *contacts.Manager {
	return d.manager
}

// Store of this node's Bundles.
func (d *Daemon) Store() *storage.Store {
	return d.store
}

// Router of this node.
func (d *Daemon) Router() *Router {
	return d.router
}

// ConvergenceLayer of this node.
func (d *Daemon) ConvergenceLayer() *stream.ConvergenceLayer {
	return d.cl
}

// Agents multiplexes this node's local ApplicationAgents.
func (d *Daemon) Agents() *agent.MuxAgent {
	return d.agents
}

// AddInterface listens for incoming contacts.
func (d *Daemon) AddInterface(claType cla.CLAType, address string) (*stream.Interface, error) {
	return d.cl.AddInterface(claType, address)
}

// AddLink creates and registers a new Link of the stream convergence layer.
func (d *Daemon) AddLink(name string, linkType contacts.LinkType, nexthop string, opts ...contacts.LinkOption) (*contacts.Link, error) {
	l := contacts.NewLink(name, linkType, nexthop, d.cl, opts...)
	if err := d.manager.AddNewLink(l); err != nil {
		return nil, err
	}
	return l, nil
}

// OpenLink requests to open a Link.
func (d *Daemon) OpenLink(l *contacts.Link) {
	d.Post(contacts.LinkStateChangeRequest{Link: l, State: contacts.StateOpen, Reason: contacts.ReasonUser})
}

// CloseLink requests to close a Link's Contact.
func (d *Daemon) CloseLink(l *contacts.Link) {
	d.Post(contacts.LinkStateChangeRequest{Link: l, State: contacts.StateClosed, Reason: contacts.ReasonUser, Contact: l.Contact()})
}

// StartDiscovery announces this node's Interfaces and creates opportunistic
// Links for discovered Peers.
func (d *Daemon) StartDiscovery(announcements []discovery.Announcement, interval time.Duration, ipv4, ipv6 bool) (err error) {
	d.discovery, err = discovery.NewManager(d.nodeId, d.PeerDiscovered, announcements, interval, ipv4, ipv6)
	return
}

// handler is the event loop.
func (d *Daemon) handler() {
	defer close(d.stopAck)

	for {
		select {
		case <-d.stopSyn:
			for _, ev := range d.events.close() {
				if awaited, ok := ev.(awaitedEvent); ok {
					close(awaited.done)
				}
			}
			return

		case <-d.events.notify:
			d.drain()
		}
	}
}

// drain handles queued Events until the queue is empty or the daemon stops.
func (d *Daemon) drain() {
	for {
		select {
		case <-d.stopSyn:
			return
		default:
		}

		ev, ok := d.events.pop()
		if !ok {
			return
		}
		d.dispatch(ev)
	}
}

// handleAgents injects the Bundles sent by local ApplicationAgents.
func (d *Daemon) handleAgents() {
	for msg := range d.agents.MessageSender() {
		switch msg := msg.(type) {
		case agent.BundleMessage:
			d.Inject(msg.Bundle)

		default:
			d.log().WithField("message", msg).Debug("Ignoring unsupported agent message")
		}
	}
}

// Inject a locally created Bundle.
func (d *Daemon) Inject(b bpv7.Bundle) {
	d.Post(contacts.BundleInjected{Bundle: b})
}

// Close the daemon. All Contacts are closed, all Links are kept.
func (d *Daemon) Close() error {
	var errs error

	if d.spool != nil {
		if err := d.spool.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if d.discovery != nil {
		d.discovery.Close()
	}

	d.cron.Stop()

	close(d.stopSyn)
	<-d.stopAck

	if err := d.manager.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := d.cl.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}

	d.agents.MessageReceiver() <- agent.ShutdownMessage{}

	if err := d.store.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}

	d.log().Info("Stopped daemon")
	return errs
}
