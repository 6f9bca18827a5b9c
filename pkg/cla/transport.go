// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package cla provides the transports for the stream convergence layer.
//
// A Transport is a reliable and ordered byte stream, e.g., a TCP connection,
// which is established by Dial or accepted by a Listener. Each CLAType has
// its own implementation.
package cla

import (
	"context"
	"io"
	"net"
	"time"
)

// Transport is a bidirectional byte stream to a peer. A Write which times out
// returns the amount of bytes already accepted.
type Transport interface {
	io.ReadWriteCloser

	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error

	RemoteAddr() net.Addr
}

// Listener accepts incoming Transports.
type Listener interface {
	// Accept blocks until a new Transport is available or the Listener is closed.
	Accept() (Transport, error)

	// Close this Listener. A blocking Accept returns an error.
	Close() error

	// Addr is the local address, e.g., to find out a randomly chosen port.
	Addr() net.Addr
}

// Dial establishes a new Transport of the given CLAType.
func Dial(ctx context.Context, claType CLAType, address string) (Transport, error) {
	switch claType {
	case TCP:
		return dialTCP(ctx, address)
	case WebSocket:
		return dialWebSocket(ctx, address)
	case QUIC:
		return dialQUIC(ctx, address)
	default:
		return nil, claType.CheckValid()
	}
}

// Listen on an address for the given CLAType.
func Listen(claType CLAType, address string) (Listener, error) {
	switch claType {
	case TCP:
		return listenTCP(address)
	case WebSocket:
		wsl, err := ListenWebSocket(address)
		if err != nil {
			return nil, err
		}
		return wsl, nil
	case QUIC:
		return listenQUIC(address)
	default:
		return nil, claType.CheckValid()
	}
}

// IsTimeout checks if an error is a Transport's deadline error.
func IsTimeout(err error) bool {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return false
}
