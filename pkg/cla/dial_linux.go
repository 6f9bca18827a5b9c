// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux

package cla

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Linux-specific socket options for outgoing TCP connections detect abrupt
// connection losses, e.g., when a mobile node moves out of range. See tcp(7).

// tcpSocketOptions are IPPROTO_TCP level options and their values.
var tcpSocketOptions = map[int]int{
	// Keepalive probes before dropping the connection.
	unix.TCP_KEEPCNT: 2,
	// Idle seconds before sending keepalive probes.
	unix.TCP_KEEPIDLE: 5,
	// Seconds between keepalive probes.
	unix.TCP_KEEPINTVL: 3,
	// Milliseconds transmitted data may remain unacknowledged.
	unix.TCP_USER_TIMEOUT: 10000,
}

// dialControl is the net.Dialer's Control function to set the socket options.
func dialControl(_, _ string, rawConn syscall.RawConn) (err error) {
	ctrlErr := rawConn.Control(func(fd uintptr) {
		if err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			return
		}

		for opt, value := range tcpSocketOptions {
			if err = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, opt, value); err != nil {
				return
			}
		}
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return
}

func newDialer() *net.Dialer {
	return &net.Dialer{
		Control: dialControl,
	}
}
