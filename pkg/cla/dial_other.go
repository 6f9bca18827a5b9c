// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux

package cla

import (
	"net"
	"time"
)

func newDialer() *net.Dialer {
	return &net.Dialer{
		KeepAlive: 5 * time.Second,
	}
}
