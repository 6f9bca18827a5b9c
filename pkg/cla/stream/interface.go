// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stream

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-scl/pkg/cla"
)

// Interface accepts incoming stream convergence layer sessions on a Listener.
type Interface struct {
	cl       *ConvergenceLayer
	claType  cla.CLAType
	listener cla.Listener

	stopSyn chan struct{}
	stopAck chan struct{}
}

// AddInterface listens on the address and accepts incoming sessions.
func (cl *ConvergenceLayer) AddInterface(claType cla.CLAType, address string) (*Interface, error) {
	ln, err := cla.Listen(claType, address)
	if err != nil {
		return nil, err
	}

	return cl.AddListener(claType, ln), nil
}

// AddListener accepts incoming sessions on an already bound Listener.
func (cl *ConvergenceLayer) AddListener(claType cla.CLAType, ln cla.Listener) *Interface {
	iface := &Interface{
		cl:       cl,
		claType:  claType,
		listener: ln,

		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	cl.mutex.Lock()
	cl.interfaces = append(cl.interfaces, iface)
	cl.mutex.Unlock()

	go iface.handle()

	iface.log().Info("Started interface")
	return iface
}

func (iface *Interface) String() string {
	return fmt.Sprintf("%v://%v", iface.claType, iface.listener.Addr())
}

func (iface *Interface) log() *log.Entry {
	return log.WithField("interface", iface.String())
}

// Addr of the underlying Listener.
func (iface *Interface) Addr() string {
	return iface.listener.Addr().String()
}

// CLAType of the underlying Listener.
func (iface *Interface) CLAType() cla.CLAType {
	return iface.claType
}

func (iface *Interface) handle() {
	defer close(iface.stopAck)

	for {
		transport, err := iface.listener.Accept()
		if err != nil {
			select {
			case <-iface.stopSyn:
				return
			default:
				iface.log().WithError(err).Error("Accepting errored, stopping interface")
				return
			}
		}

		conn, err := newConnection(iface.cl, iface.cl.passiveParams(iface.claType), nil, transport.RemoteAddr().String(), transport)
		if err != nil {
			iface.log().WithError(err).Warn("Failed to create connection for incoming session")
			_ = transport.Close()
			continue
		}

		iface.log().WithField("connection", conn).Debug("Accepted incoming session")

		iface.cl.register(conn)
		go conn.run()
	}
}

// Close stops accepting new sessions. Established Connections are not
// affected.
func (iface *Interface) Close() error {
	close(iface.stopSyn)
	err := iface.listener.Close()
	<-iface.stopAck

	return err
}
