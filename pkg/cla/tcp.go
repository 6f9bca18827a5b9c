// SPDX-FileCopyrightText: 2019, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cla

import (
	"context"
	"net"
	"time"
)

// dialTimeout bounds the establishment of a TCP connection.
const dialTimeout = 5 * time.Second

// closeGrace bounds waiting for pending data when closing a Transport.
const closeGrace = time.Second

func dialTCP(ctx context.Context, address string) (Transport, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	return newDialer().DialContext(ctx, "tcp", address)
}

type tcpListener struct {
	*net.TCPListener
}

func listenTCP(address string) (Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, err
	}

	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln}, nil
}

func (ln *tcpListener) Accept() (Transport, error) {
	conn, err := ln.TCPListener.AcceptTCP()
	if err != nil {
		return nil, err
	}

	_ = conn.SetKeepAlive(true)
	_ = conn.SetKeepAlivePeriod(5 * time.Second)
	return conn, nil
}
