// SPDX-FileCopyrightText: 2020, 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package agent delivers local Bundles to applications and accepts their
// outgoing Bundles.
//
// An ApplicationAgent only consists of two channels for incoming and outgoing
// Messages and a list of its endpoints. The daemon owns one MuxAgent, which
// dispatches each Message to its registered children, e.g., the PingAgent or
// the WebSocketAgent for external clients.
package agent
