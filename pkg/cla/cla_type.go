// SPDX-FileCopyrightText: 2020 Alvar Penning
// SPDX-FileCopyrightText: 2020 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cla

import (
	"fmt"
	"strings"
)

// CLAType is one of the supported transports for the stream convergence layer.
type CLAType uint

const (
	// TCP is a plain TCP connection.
	TCP CLAType = 0

	// WebSocket transfers the byte stream within binary WebSocket messages.
	WebSocket CLAType = 1

	// QUIC uses one bidirectional QUIC stream.
	QUIC CLAType = 2

	unknownClaType CLAType = 3
)

// CheckValid checks if its value is known.
func (claType CLAType) CheckValid() error {
	if claType >= unknownClaType {
		return fmt.Errorf("unknown CLAType %d", claType)
	}
	return nil
}

func (claType CLAType) String() string {
	switch claType {
	case TCP:
		return "tcp"
	case WebSocket:
		return "ws"
	case QUIC:
		return "quic"
	default:
		return "unknown"
	}
}

// ParseCLAType from its name, e.g., "tcp".
func ParseCLAType(name string) (CLAType, error) {
	for claType := TCP; claType < unknownClaType; claType++ {
		if strings.EqualFold(name, claType.String()) {
			return claType, nil
		}
	}
	return unknownClaType, fmt.Errorf("unknown CLAType %q", name)
}
