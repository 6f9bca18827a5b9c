// SPDX-FileCopyrightText: 2019, 2020, 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-scl/pkg/api"
	"github.com/dtn7/dtn7-scl/pkg/bpv7"
	"github.com/dtn7/dtn7-scl/pkg/cla"
	"github.com/dtn7/dtn7-scl/pkg/cla/stream"
	"github.com/dtn7/dtn7-scl/pkg/contacts"
	"github.com/dtn7/dtn7-scl/pkg/daemon"
	"github.com/dtn7/dtn7-scl/pkg/discovery"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Core      coreConf
	Logging   logConf
	Discovery discoveryConf
	Api       apiConf
	Stream    streamConf
	Contacts  contactsConf
	Listen    []listenConf
	Link      []linkConf
	Route     []daemon.Route
}

// duration is a time.Duration written as a string, e.g., "1m30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) (err error) {
	d.Duration, err = time.ParseDuration(string(text))
	return
}

// coreConf describes the Core-configuration block.
type coreConf struct {
	NodeId string `toml:"node-id"`
	Store  string
	Spool  string
	Ping   string
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// discoveryConf describes the Discovery-configuration block.
type discoveryConf struct {
	IPv4     bool
	IPv6     bool
	Interval uint
}

// apiConf describes the REST API's listening address.
type apiConf struct {
	Listen string
}

// streamConf overwrites the stream convergence layer's defaults.
type streamConf struct {
	SegmentAck    *bool    `toml:"segment-ack"`
	ReactiveFrag  *bool    `toml:"reactive-frag"`
	NegativeAck   *bool    `toml:"negative-ack"`
	Keepalive     duration `toml:"keepalive"`
	SegmentLength uint64   `toml:"segment-length"`
	MaxSegment    uint64   `toml:"max-segment"`
	DataTimeout   duration `toml:"data-timeout"`
	SendBuffer    int      `toml:"send-buffer"`
	RecvBuffer    int      `toml:"recv-buffer"`
}

// contactsConf overwrites the generic Link defaults.
type contactsConf struct {
	MinRetry         duration `toml:"min-retry"`
	MaxRetry         duration `toml:"max-retry"`
	Linger           duration `toml:"opportunistic-linger"`
	QueueHighBundles uint64   `toml:"queue-high-bundles"`
	QueueLowBundles  uint64   `toml:"queue-low-bundles"`
	QueueHighBytes   uint64   `toml:"queue-high-bytes"`
	QueueLowBytes    uint64   `toml:"queue-low-bytes"`
}

// listenConf describes an Interface for incoming contacts.
type listenConf struct {
	Protocol string
	Endpoint string
}

// linkConf describes a configured Link.
type linkConf struct {
	Name     string
	Type     string
	Protocol string
	Nexthop  string
	Node     string
	Reliable *bool
	Schedule []scheduleConf
}

// scheduleConf describes a FutureContact of a scheduled Link.
type scheduleConf struct {
	Start    time.Time
	Duration duration
}

// setupLogging by the Logging-configuration block.
func setupLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

func setBool(target *bool, value *bool) {
	if value != nil {
		*target = *value
	}
}

// streamParams are the stream convergence layer's defaults, modified by the
// configuration.
func (conf streamConf) streamParams() stream.LinkParams {
	params := stream.DefaultLinkParams()

	setBool(&params.SegmentAck, conf.SegmentAck)
	setBool(&params.ReactiveFrag, conf.ReactiveFrag)
	setBool(&params.NegativeAck, conf.NegativeAck)

	if conf.Keepalive.Duration > 0 {
		params.KeepaliveInterval = conf.Keepalive.Duration
	}
	if conf.SegmentLength > 0 {
		params.SegmentLength = conf.SegmentLength
	}
	if conf.MaxSegment > 0 {
		params.MaxSegment = conf.MaxSegment
	}
	if conf.DataTimeout.Duration > 0 {
		params.DataTimeout = conf.DataTimeout.Duration
	}
	if conf.SendBuffer > 0 {
		params.SendBufferSize = conf.SendBuffer
	}
	if conf.RecvBuffer > 0 {
		params.RecvBufferSize = conf.RecvBuffer
	}
	return params
}

// linkParams are the generic Link defaults, modified by the configuration.
func (conf contactsConf) linkParams() (contacts.LinkParams, error) {
	params := contacts.DefaultLinkParams()

	if conf.MinRetry.Duration > 0 {
		params.MinRetryInterval = conf.MinRetry.Duration
	}
	if conf.MaxRetry.Duration > 0 {
		params.MaxRetryInterval = conf.MaxRetry.Duration
	}
	if conf.QueueHighBundles > 0 {
		params.QueueHighBundles = conf.QueueHighBundles
	}
	if conf.QueueLowBundles > 0 {
		params.QueueLowBundles = conf.QueueLowBundles
	}
	if conf.QueueHighBytes > 0 {
		params.QueueHighBytes = conf.QueueHighBytes
	}
	if conf.QueueLowBytes > 0 {
		params.QueueLowBytes = conf.QueueLowBytes
	}

	switch {
	case params.MinRetryInterval > params.MaxRetryInterval:
		return params, fmt.Errorf("contacts.min-retry %v exceeds contacts.max-retry %v",
			params.MinRetryInterval, params.MaxRetryInterval)
	case params.QueueLowBundles > params.QueueHighBundles || params.QueueLowBytes > params.QueueHighBytes:
		return params, fmt.Errorf("contacts queue watermarks: low exceeds high")
	}
	return params, nil
}

// parseListen starts an Interface and returns its discovery Announcement.
func parseListen(conv listenConf, d *daemon.Daemon) (discovery.Announcement, error) {
	claType, err := cla.ParseCLAType(conv.Protocol)
	if err != nil {
		return discovery.Announcement{}, err
	}

	iface, err := d.AddInterface(claType, conv.Endpoint)
	if err != nil {
		return discovery.Announcement{}, err
	}

	_, portStr, err := net.SplitHostPort(iface.Addr())
	if err != nil {
		return discovery.Announcement{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return discovery.Announcement{}, err
	}

	return discovery.Announcement{
		Type:     claType,
		Endpoint: d.NodeId(),
		Port:     uint(port),
	}, nil
}

// parseLink creates a configured Link.
func parseLink(conf linkConf, d *daemon.Daemon, linkParams contacts.LinkParams) (*contacts.Link, error) {
	if conf.Name == "" {
		return nil, fmt.Errorf("link without a name")
	}

	linkType, err := contacts.ParseLinkType(conf.Type)
	if err != nil {
		return nil, err
	}
	if linkType == contacts.LinkOpportunistic {
		return nil, fmt.Errorf("link %s: opportunistic links cannot be configured", conf.Name)
	}

	clParams := d.ConvergenceLayer().DefaultParams()
	if conf.Protocol != "" {
		if clParams.CLAType, err = cla.ParseCLAType(conf.Protocol); err != nil {
			return nil, err
		}
	}

	reliable := clParams.SegmentAck
	setBool(&reliable, conf.Reliable)

	opts := []contacts.LinkOption{
		contacts.WithCLParams(clParams),
		contacts.WithParams(linkParams),
		contacts.WithReliable(reliable),
	}

	if conf.Node != "" {
		remoteEid, err := bpv7.NewEndpointID(conf.Node)
		if err != nil {
			return nil, err
		}
		opts = append(opts, contacts.WithRemoteEid(remoteEid))
	}

	if linkType == contacts.LinkScheduled {
		if len(conf.Schedule) == 0 {
			return nil, fmt.Errorf("scheduled link %s has no schedule", conf.Name)
		}

		var schedule []contacts.FutureContact
		for _, sc := range conf.Schedule {
			if sc.Duration.Duration <= 0 {
				return nil, fmt.Errorf("scheduled link %s has a contact without duration", conf.Name)
			}
			schedule = append(schedule, contacts.FutureContact{Start: sc.Start, Duration: sc.Duration.Duration})
		}
		opts = append(opts, contacts.WithSchedule(schedule...))
	}

	return d.AddLink(conf.Name, linkType, conf.Nexthop, opts...)
}

// parseConfig reads the TOML configuration file.
func parseConfig(filename string) (conf tomlConfig, err error) {
	_, err = toml.DecodeFile(filename, &conf)
	return
}

// daemonConfig creates the daemon.Config from the TOML configuration.
func daemonConfig(conf tomlConfig) (dc daemon.Config, err error) {
	if conf.Core.Store == "" {
		err = fmt.Errorf("core.store is empty")
		return
	}

	if dc.NodeId, err = bpv7.NewEndpointID(conf.Core.NodeId); err != nil {
		return
	}

	if dc.LinkParams, err = conf.Contacts.linkParams(); err != nil {
		return
	}

	dc.StoreDir = conf.Core.Store
	dc.SpoolDir = conf.Core.Spool
	dc.PingEndpoint = conf.Core.Ping
	dc.StreamParams = conf.Stream.streamParams()
	dc.OpportunisticLinger = conf.Contacts.Linger.Duration
	dc.Routes = conf.Route
	return
}

// startNode creates and starts the Daemon with its Interfaces, Links, the
// discovery and the REST API, based on the given TOML configuration.
func startNode(filename string) (d *daemon.Daemon, srv *http.Server, err error) {
	conf, err := parseConfig(filename)
	if err != nil {
		return
	}

	setupLogging(conf.Logging)

	dc, err := daemonConfig(conf)
	if err != nil {
		return
	}

	if d, err = daemon.NewDaemon(dc); err != nil {
		return
	}

	// From now on, errors must close the Daemon.
	defer func() {
		if err != nil {
			_ = d.Close()
			d, srv = nil, nil
		}
	}()

	var announcements []discovery.Announcement
	for _, listen := range conf.Listen {
		announcement, listenErr := parseListen(listen, d)
		if listenErr != nil {
			err = fmt.Errorf("listen %s: %w", listen.Endpoint, listenErr)
			return
		}
		announcements = append(announcements, announcement)
	}

	for _, lc := range conf.Link {
		if _, linkErr := parseLink(lc, d, dc.LinkParams); linkErr != nil {
			log.WithFields(log.Fields{
				"link":  lc.Name,
				"error": linkErr,
			}).Warn("Failed to create link")
		}
	}

	if conf.Discovery.IPv4 || conf.Discovery.IPv6 {
		if conf.Discovery.Interval == 0 {
			conf.Discovery.Interval = 10
		}

		interval := time.Duration(conf.Discovery.Interval) * time.Second
		if err = d.StartDiscovery(announcements, interval, conf.Discovery.IPv4, conf.Discovery.IPv6); err != nil {
			return
		}
	}

	if conf.Api.Listen != "" {
		handler, apiErr := api.NewAPI(d)
		if apiErr != nil {
			err = apiErr
			return
		}

		srv = &http.Server{
			Addr:              conf.Api.Listen,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("REST API errored")
			}
		}()
	}

	return
}
